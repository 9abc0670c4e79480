package geoip

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/downtoearthtw/proxy-aggregator/internal/reputation"
)

// Locator is the lookup surface of Service.
type Locator interface {
	Lookup(ip netip.Addr) string
	LookupASN(ip netip.Addr) (ASNRecord, bool)
}

// OfflineLookuper answers reputation lookups from local databases. Hosting
// status is unknown offline and always reported false.
type OfflineLookuper struct {
	Locator Locator
}

// Lookup implements reputation.Lookuper.
func (o OfflineLookuper) Lookup(_ context.Context, ip string) (reputation.LookupResult, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return reputation.LookupResult{}, fmt.Errorf("geoip: parse ip %q: %w", ip, err)
	}
	country := strings.ToUpper(o.Locator.Lookup(addr))
	asn, hasASN := o.Locator.LookupASN(addr)
	if country == "" && !hasASN {
		return reputation.LookupResult{}, fmt.Errorf("geoip: no data for %s", ip)
	}
	return reputation.LookupResult{
		CountryCode: country,
		ASN:         int(asn.Number),
		Org:         asn.Organization,
	}, nil
}
