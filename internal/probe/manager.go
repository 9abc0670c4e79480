// Package probe verifies descriptor reachability and scores exit
// reputation under a global concurrency cap.
package probe

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/netutil"
	"github.com/downtoearthtw/proxy-aggregator/internal/node"
	"github.com/downtoearthtw/proxy-aggregator/internal/reputation"
)

const (
	DefaultConcurrency  = 50
	DefaultStageTimeout = 10 * time.Second
)

// ProbeConfig configures the Prober. Nil hooks fall back to direct network access.
type ProbeConfig struct {
	Concurrency  int           // max concurrent probes, default 50
	StageTimeout time.Duration // per-stage timeout, default 10s
	DNSTimeout   time.Duration // defaults to StageTimeout

	Resolver     Resolver
	Dial         DialFunc
	TLSHandshake TLSHandshakeFunc
	Reputation   reputation.Resolver
	Thresholds   *Thresholds

	// OnProbeDone is called after each probe completes.
	OnProbeDone func(d node.Descriptor, r node.TestResult)
}

// Prober runs the DNS → TCP → TLS → reputation pipeline per descriptor.
type Prober struct {
	sem          chan struct{}
	stageTimeout time.Duration
	dnsTimeout   time.Duration
	resolver     Resolver
	dial         DialFunc
	tlsHandshake TLSHandshakeFunc
	reputation   reputation.Resolver
	thresholds   Thresholds
	onProbeDone  func(d node.Descriptor, r node.TestResult)
	log          logrus.FieldLogger
}

// NewProber creates a Prober.
func NewProber(cfg ProbeConfig) *Prober {
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = DefaultConcurrency
	}
	stage := cfg.StageTimeout
	if stage <= 0 {
		stage = DefaultStageTimeout
	}
	dnsTimeout := cfg.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = stage
	}
	p := &Prober{
		sem:          make(chan struct{}, conc),
		stageTimeout: stage,
		dnsTimeout:   dnsTimeout,
		resolver:     cfg.Resolver,
		dial:         cfg.Dial,
		tlsHandshake: cfg.TLSHandshake,
		reputation:   cfg.Reputation,
		thresholds:   DefaultThresholds,
		onProbeDone:  cfg.OnProbeDone,
		log:          logrus.WithField("component", "probe"),
	}
	if p.resolver == nil {
		p.resolver = SystemResolver{}
	}
	if p.dial == nil {
		p.dial = DirectDial
	}
	if p.tlsHandshake == nil {
		p.tlsHandshake = DirectTLSHandshake
	}
	if cfg.Thresholds != nil {
		p.thresholds = *cfg.Thresholds
	}
	return p
}

// ProbeAll probes every descriptor with at most Concurrency probes in flight
// and returns results index-aligned with ds once all probes have finished.
// Descriptors not started before ctx ends are reported as TCP failures.
func (p *Prober) ProbeAll(ctx context.Context, ds []node.Descriptor) []node.TestResult {
	results := make([]node.TestResult, len(ds))
	var wg sync.WaitGroup
	for i, d := range ds {
		select {
		case <-ctx.Done():
			results[i] = failed(d.Fingerprint(), node.ErrTCPFailure)
			continue
		case p.sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, d node.Descriptor) {
			defer wg.Done()
			defer func() { <-p.sem }()
			results[i] = p.Probe(ctx, d)
		}(i, d)
	}
	wg.Wait()
	return results
}

// Probe runs every stage for one descriptor. It does not take a semaphore slot.
func (p *Prober) Probe(ctx context.Context, d node.Descriptor) node.TestResult {
	r := p.probe(ctx, d)
	if p.onProbeDone != nil {
		p.onProbeDone(d, r)
	}
	return r
}

func (p *Prober) probe(ctx context.Context, d node.Descriptor) node.TestResult {
	fp := d.Fingerprint()
	entry := p.log.WithFields(logrus.Fields{"node": d.DisplayName(), "endpoint": d.Endpoint()})

	if !d.HasEndpoint() {
		return failed(fp, node.ErrInvalidEndpoint)
	}

	// 1. DNS
	ip, kind := p.resolve(ctx, d.Address)
	if kind != node.ErrNone {
		entry.WithField("stage", "dns").Debug("probe failed")
		return failed(fp, kind)
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(d.Port))

	// 2. TCP
	tcpCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	start := time.Now()
	conn, err := p.dial(tcpCtx, "tcp", addr)
	latency := elapsedMs(start)
	cancel()
	if err != nil {
		entry.WithField("stage", "tcp").WithError(err).Debug("probe failed")
		r := failed(fp, node.ErrTCPFailure)
		r.IP = ip
		return r
	}
	conn.Close()

	r := node.TestResult{
		Fingerprint:    fp,
		TCPReachable:   true,
		TLSHandshakeOK: true,
		LatencyMs:      latency,
		IP:             ip,
	}

	// 3. TLS
	if d.TLS.Enabled {
		serverName := d.TLS.SNI
		if serverName == "" {
			serverName = d.Address
		}
		tlsCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
		err := p.tlsHandshake(tlsCtx, addr, serverName)
		cancel()
		if err != nil {
			entry.WithField("stage", "tls").WithError(err).Debug("handshake failed")
			r.TLSHandshakeOK = false
			r.ErrorKind = node.ErrTLSFailure
		}
	}

	// 4. Reputation
	meta := node.NeutralMetadata(ip)
	if p.reputation != nil {
		repCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
		meta = p.reputation.ResolveIP(repCtx, ip)
		cancel()
	}
	r.IPMetadata = &meta
	r.TrustScore = meta.TrustScore

	// 5. Acceptability
	r.Acceptable = p.thresholds.Accepts(r)
	return r
}

// resolve returns the IPv4 to dial. IPv4 literals pass through unchanged.
func (p *Prober) resolve(ctx context.Context, host string) (string, node.ErrorKind) {
	if addr, ok := netutil.ParseIPLiteral(host); ok {
		if !addr.Is4() {
			return "", node.ErrInvalidEndpoint
		}
		return addr.String(), node.ErrNone
	}
	normalized, err := netutil.NormalizeHost(host)
	if err != nil {
		return "", node.ErrDNSFailure
	}
	dnsCtx, cancel := context.WithTimeout(ctx, p.dnsTimeout)
	defer cancel()
	addr, err := p.resolver.LookupIPv4(dnsCtx, normalized)
	if err != nil || !addr.Is4() {
		return "", node.ErrDNSFailure
	}
	return addr.String(), node.ErrNone
}

func failed(fp node.Fingerprint, kind node.ErrorKind) node.TestResult {
	return node.TestResult{
		Fingerprint: fp,
		LatencyMs:   node.LatencyUnknown,
		ErrorKind:   kind,
	}
}
