package reputation

import (
	"context"
	"sync/atomic"

	"github.com/maypok86/otter"
	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

// Resolver turns a resolved IP into scored metadata. Implementations never
// fail: an unknown IP yields neutral metadata.
type Resolver interface {
	ResolveIP(ctx context.Context, ip string) node.IPMetadata
}

// DefaultCacheSize bounds the per-run metadata cache.
const DefaultCacheSize = 65536

// Service memoizes lookups for the duration of one run. Two probes that
// resolve to the same IP may race and both query the backend; the second
// write is identical to the first.
type Service struct {
	lookuper Lookuper
	scorer   Scorer
	cache    otter.Cache[string, node.IPMetadata]

	lookups  atomic.Int64
	failures atomic.Int64
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Lookuper  Lookuper
	Scorer    Scorer
	CacheSize int
}

// NewService creates a Service. A nil Lookuper makes every IP neutral.
func NewService(cfg ServiceConfig) (*Service, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := otter.MustBuilder[string, node.IPMetadata](size).
		Cost(func(_ string, _ node.IPMetadata) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, err
	}
	return &Service{
		lookuper: cfg.Lookuper,
		scorer:   cfg.Scorer,
		cache:    cache,
	}, nil
}

// ResolveIP returns cached metadata for ip, looking it up on first use.
func (s *Service) ResolveIP(ctx context.Context, ip string) node.IPMetadata {
	if meta, ok := s.cache.Get(ip); ok {
		return meta
	}

	meta := node.NeutralMetadata(ip)
	if s.lookuper != nil {
		s.lookups.Add(1)
		result, err := s.lookuper.Lookup(ctx, ip)
		if err != nil {
			s.failures.Add(1)
			logrus.WithFields(logrus.Fields{"component": "reputation", "ip": ip}).
				WithError(err).Debug("lookup failed, using neutral score")
		} else {
			meta = node.IPMetadata{
				IP:           ip,
				CountryCode:  result.CountryCode,
				ASN:          result.ASN,
				Org:          result.Org,
				IsDatacenter: result.IsHosting,
				TrustScore:   s.scorer.Score(result),
			}
		}
	}
	s.cache.Set(ip, meta)
	return meta
}

// Stats reports backend lookups and failures since creation.
func (s *Service) Stats() (lookups, failures int64) {
	return s.lookups.Load(), s.failures.Load()
}

// Size returns the number of cached IPs.
func (s *Service) Size() int {
	return s.cache.Size()
}

// Close releases the cache.
func (s *Service) Close() {
	s.cache.Close()
}
