// Package reputation resolves IP addresses to country, ASN and hosting
// metadata and scores how trustworthy an exit IP looks.
package reputation

import (
	"strconv"
	"strings"
)

// LookupResult is the raw reputation data returned by a lookup backend.
type LookupResult struct {
	CountryCode string
	ASN         int
	Org         string
	IsHosting   bool
}

// TrustedASNs are large CDN and cloud networks whose exits are rarely abused.
var TrustedASNs = map[int]struct{}{
	13335: {}, // Cloudflare
	20940: {}, // Akamai
	16509: {}, // Amazon
	15169: {}, // Google
	8075:  {}, // Microsoft
}

// Scorer computes trust scores. BlockedASNs is empty by default.
type Scorer struct {
	BlockedASNs map[int]struct{}
}

// NewScorer creates a Scorer that penalizes the given ASNs.
func NewScorer(blocked []int) Scorer {
	s := Scorer{BlockedASNs: make(map[int]struct{}, len(blocked))}
	for _, asn := range blocked {
		s.BlockedASNs[asn] = struct{}{}
	}
	return s
}

// Score returns a trust score in [0, 100] for a lookup result.
func (s Scorer) Score(r LookupResult) int {
	score := 50
	if r.IsHosting {
		score -= 20
	}
	if _, ok := TrustedASNs[r.ASN]; ok {
		score += 30
	}
	if _, ok := s.BlockedASNs[r.ASN]; ok && r.ASN != 0 {
		score -= 50
	}
	if strings.EqualFold(r.CountryCode, "CN") {
		score -= 40
	}
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ParseASN extracts the number from an "AS13335 Cloudflare, Inc." string.
// It returns 0 when no AS number is present.
func ParseASN(as string) int {
	field, _, _ := strings.Cut(strings.TrimSpace(as), " ")
	if len(field) < 3 || !strings.EqualFold(field[:2], "AS") {
		return 0
	}
	n, err := strconv.Atoi(field[2:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
