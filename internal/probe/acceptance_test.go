package probe

import (
	"testing"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

func result(latency, trust int, country string, reachable bool) node.TestResult {
	return node.TestResult{
		TCPReachable: reachable,
		LatencyMs:    latency,
		TrustScore:   trust,
		IPMetadata:   &node.IPMetadata{CountryCode: country, TrustScore: trust},
	}
}

func TestAcceptable(t *testing.T) {
	cases := []struct {
		name string
		r    node.TestResult
		want bool
	}{
		{"good", result(120, 80, "US", true), true},
		{"latency boundary", result(500, 80, "US", true), false},
		{"just under", result(499, 80, "US", true), true},
		{"trust boundary", result(100, 30, "US", true), true},
		{"low trust", result(100, 29, "US", true), false},
		{"cn exit", result(100, 80, "CN", true), false},
		{"unreachable", result(100, 80, "US", false), false},
		{"no metadata", node.TestResult{TCPReachable: true, LatencyMs: 10, TrustScore: 50}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Acceptable(tc.r); got != tc.want {
				t.Fatalf("Acceptable(%+v) = %v, want %v", tc.r, got, tc.want)
			}
		})
	}
}

func TestSelectAccepted_SortsByLatencyStable(t *testing.T) {
	descs := []node.Descriptor{
		{Address: "a", Port: 1},
		{Address: "b", Port: 1},
		{Address: "c", Port: 1},
		{Address: "d", Port: 1},
	}
	results := []node.TestResult{
		{Acceptable: true, LatencyMs: 300},
		{Acceptable: false, LatencyMs: 10},
		{Acceptable: true, LatencyMs: 50},
		{Acceptable: true, LatencyMs: 300},
	}
	got := SelectAccepted(descs, results)
	if len(got) != 3 {
		t.Fatalf("accepted: got %d, want 3", len(got))
	}
	order := got[0].Address + got[1].Address + got[2].Address
	if order != "cad" {
		t.Fatalf("order = %q, want cad", order)
	}
}

func TestThresholds_EmptyRejectCountryDisablesCheck(t *testing.T) {
	open := Thresholds{MaxLatencyMs: 500, MinTrustScore: 30}
	neutral := node.NeutralMetadata("10.0.0.1")
	cases := []struct {
		name string
		r    node.TestResult
		want bool
	}{
		{"neutral metadata", node.TestResult{TCPReachable: true, LatencyMs: 10, TrustScore: 50, IPMetadata: &neutral}, true},
		{"cn exit", result(100, 80, "CN", true), true},
		{"still needs trust", result(100, 10, "US", true), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := open.Accepts(tc.r); got != tc.want {
				t.Fatalf("Accepts(%+v) = %v, want %v", tc.r, got, tc.want)
			}
		})
	}
}
