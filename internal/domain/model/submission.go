package model

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"consultation-client/internal/domain"
)

// DefaultMinBackgroundLength is the minimum number of runes, after trimming,
// a background must have before it is sent anywhere.
const DefaultMinBackgroundLength = 10

// Submission binds a background payload to a payment reference.
type Submission struct {
	UserID           string `json:"user_id"`
	Background       string `json:"background"`
	PaymentReference string `json:"payment_id"`
}

func (s Submission) Empty() bool {
	return s.Background == "" && s.PaymentReference == ""
}

// BackgroundProfile is the structured form. It is flattened into the text
// payload with Compose before submission.
type BackgroundProfile struct {
	School        string `json:"school,omitempty"`
	Major         string `json:"major,omitempty"`
	GPA           string `json:"gpa,omitempty"`
	Experience    string `json:"experience,omitempty"`
	Goals         string `json:"goals,omitempty"`
	TargetRegions string `json:"target_regions,omitempty"`
	Budget        string `json:"budget,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// Compose serializes the non-empty fields, one "label: value" per line.
func (p BackgroundProfile) Compose() string {
	fields := []struct{ label, value string }{
		{"School", p.School},
		{"Major", p.Major},
		{"GPA", p.GPA},
		{"Experience", p.Experience},
		{"Goals", p.Goals},
		{"Target regions", p.TargetRegions},
		{"Budget", p.Budget},
		{"Notes", p.Notes},
	}
	var b strings.Builder
	for _, f := range fields {
		v := strings.TrimSpace(f.value)
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.label)
		b.WriteString(": ")
		b.WriteString(v)
	}
	return b.String()
}

// ValidateBackground enforces the minimum content length locally.
func ValidateBackground(text string, minLen int) error {
	if minLen <= 0 {
		minLen = DefaultMinBackgroundLength
	}
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n < minLen {
		return fmt.Errorf("%w: background has %d characters, need at least %d", domain.ErrValidation, n, minLen)
	}
	return nil
}
