package model

import (
	"fmt"
	"strconv"
	"strings"

	"consultation-client/internal/domain"
)

type Tier string

const (
	TierBasic    Tier = "basic"
	TierAdvanced Tier = "advanced"
	TierUpgrade  Tier = "upgrade" // basic -> advanced top-up
)

// TierInfo is the fixed price and feature set of a tier. Features are
// semantic keys; the presentation layer translates them.
type TierInfo struct {
	Number     int      `json:"number"`
	Tier       Tier     `json:"tier"`
	PriceCents int64    `json:"price_cents"`
	Currency   string   `json:"currency"`
	Features   []string `json:"features"`
}

var tierCatalog = []TierInfo{
	{
		Number:     1,
		Tier:       TierBasic,
		PriceCents: 600,
		Currency:   "USD",
		Features: []string{
			"report.program_shortlist",
			"report.admission_difficulty",
			"report.pdf_download",
		},
	},
	{
		Number:     2,
		Tier:       TierAdvanced,
		PriceCents: 1200,
		Currency:   "USD",
		Features: []string{
			"report.program_shortlist",
			"report.admission_difficulty",
			"report.pdf_download",
			"report.career_path_analysis",
			"report.application_timeline",
		},
	},
	{
		Number:     3,
		Tier:       TierUpgrade,
		PriceCents: 600,
		Currency:   "USD",
		Features: []string{
			"report.career_path_analysis",
			"report.application_timeline",
		},
	},
}

// Tiers returns a copy of the tier catalogue ordered by number.
func Tiers() []TierInfo {
	out := make([]TierInfo, len(tierCatalog))
	for i, t := range tierCatalog {
		t.Features = append([]string(nil), t.Features...)
		out[i] = t
	}
	return out
}

func LookupTier(t Tier) (TierInfo, bool) {
	for _, info := range tierCatalog {
		if info.Tier == t {
			info.Features = append([]string(nil), info.Features...)
			return info, true
		}
	}
	return TierInfo{}, false
}

func (t Tier) Valid() bool {
	_, ok := LookupTier(t)
	return ok
}

// ParseTier accepts a tier name ("basic") or its number ("1").
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		for _, info := range tierCatalog {
			if info.Number == n {
				return info.Tier, nil
			}
		}
		return "", fmt.Errorf("%w: %d", domain.ErrUnknownTier, n)
	}
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownTier, s)
	}
	return t, nil
}

// Price formats the tier price, e.g. "6.00 USD".
func (i TierInfo) Price() string {
	return fmt.Sprintf("%d.%02d %s", i.PriceCents/100, i.PriceCents%100, i.Currency)
}
