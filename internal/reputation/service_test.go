package reputation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

type fakeLookuper struct {
	calls   atomic.Int32
	results map[string]LookupResult
}

func (f *fakeLookuper) Lookup(_ context.Context, ip string) (LookupResult, error) {
	f.calls.Add(1)
	r, ok := f.results[ip]
	if !ok {
		return LookupResult{}, errors.New("unknown ip")
	}
	return r, nil
}

func newTestService(t *testing.T, l Lookuper) *Service {
	t.Helper()
	s, err := NewService(ServiceConfig{Lookuper: l, Scorer: NewScorer(nil), CacheSize: 128})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestService_MemoizesPerIP(t *testing.T) {
	l := &fakeLookuper{results: map[string]LookupResult{
		"1.1.1.1": {CountryCode: "US", ASN: 13335, IsHosting: true},
	}}
	s := newTestService(t, l)

	first := s.ResolveIP(context.Background(), "1.1.1.1")
	second := s.ResolveIP(context.Background(), "1.1.1.1")
	if first != second {
		t.Fatalf("cached metadata differs: %+v vs %+v", first, second)
	}
	if l.calls.Load() != 1 {
		t.Fatalf("backend calls: got %d, want 1", l.calls.Load())
	}
	want := node.IPMetadata{IP: "1.1.1.1", CountryCode: "US", ASN: 13335, IsDatacenter: true, TrustScore: 60}
	if first != want {
		t.Fatalf("metadata = %+v, want %+v", first, want)
	}
}

func TestService_FailureIsNeutral(t *testing.T) {
	s := newTestService(t, &fakeLookuper{})
	meta := s.ResolveIP(context.Background(), "203.0.113.9")
	want := node.NeutralMetadata("203.0.113.9")
	if meta != want {
		t.Fatalf("metadata = %+v, want neutral %+v", meta, want)
	}
	lookups, failures := s.Stats()
	if lookups != 1 || failures != 1 {
		t.Fatalf("stats: lookups=%d failures=%d", lookups, failures)
	}
}

func TestService_NilLookuperIsNeutral(t *testing.T) {
	s := newTestService(t, nil)
	if meta := s.ResolveIP(context.Background(), "1.2.3.4"); meta.TrustScore != node.NeutralTrustScore || meta.CountryCode != "" || meta.ASN != 0 {
		t.Fatalf("expected neutral metadata, got %+v", meta)
	}
}

func TestService_ConcurrentDuplicateLookupsAgree(t *testing.T) {
	l := &fakeLookuper{results: map[string]LookupResult{"8.8.8.8": {CountryCode: "US", ASN: 15169}}}
	s := newTestService(t, l)

	var wg sync.WaitGroup
	results := make([]node.IPMetadata, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.ResolveIP(context.Background(), "8.8.8.8")
		}(i)
	}
	wg.Wait()
	for _, r := range results[1:] {
		if r != results[0] {
			t.Fatalf("concurrent results disagree: %+v vs %+v", r, results[0])
		}
	}
}
