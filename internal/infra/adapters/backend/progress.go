package backend

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// flexProgress decodes the status "progress" field, which the backend sends
// as a number, a numeric or percent string ("40", "40%"), or a free-text
// note. Known is false when no percentage could be read.
type flexProgress struct {
	Percent int
	Known   bool
	Message string
}

func (p *flexProgress) UnmarshalJSON(b []byte) error {
	*p = flexProgress{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if n, ok := parsePercent(s); ok {
			p.Percent, p.Known = n, true
			return nil
		}
		p.Message = s
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	p.Percent, p.Known = int(math.Round(f)), true
	return nil
}

func parsePercent(s string) (int, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(math.Round(f)), true
}
