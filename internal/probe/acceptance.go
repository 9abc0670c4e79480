package probe

import (
	"sort"
	"strings"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

// Thresholds decide which probed descriptors are kept.
type Thresholds struct {
	MaxLatencyMs  int
	MinTrustScore int
	// RejectCountry is the exit country that disqualifies a node. Empty
	// disables the country check.
	RejectCountry string
}

// DefaultThresholds keeps reachable nodes under 500 ms with trust >= 30
// that do not exit in CN.
var DefaultThresholds = Thresholds{
	MaxLatencyMs:  500,
	MinTrustScore: 30,
	RejectCountry: "CN",
}

// Accepts reports whether a probe result qualifies.
func (t Thresholds) Accepts(r node.TestResult) bool {
	return r.TCPReachable &&
		r.LatencyMs < t.MaxLatencyMs &&
		r.TrustScore >= t.MinTrustScore &&
		(t.RejectCountry == "" || !strings.EqualFold(r.CountryCode(), t.RejectCountry))
}

// Acceptable applies DefaultThresholds.
func Acceptable(r node.TestResult) bool {
	return DefaultThresholds.Accepts(r)
}

// Tested pairs a descriptor with its probe result.
type Tested struct {
	node.Descriptor
	Result node.TestResult `json:"test_result"`
}

// SelectAccepted keeps descriptors whose result is acceptable and orders them
// by ascending latency. Equal latencies keep input order. results must be
// index-aligned with descs.
func SelectAccepted(descs []node.Descriptor, results []node.TestResult) []Tested {
	out := make([]Tested, 0, len(descs))
	for i, d := range descs {
		if i >= len(results) || !results[i].Acceptable {
			continue
		}
		out = append(out, Tested{Descriptor: d, Result: results[i]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Result.LatencyMs < out[j].Result.LatencyMs
	})
	return out
}
