// Package pipeline runs one aggregation batch: fetch every source, merge
// and deduplicate, probe, filter, and render the client artifacts.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/export"
	"github.com/downtoearthtw/proxy-aggregator/internal/node"
	"github.com/downtoearthtw/proxy-aggregator/internal/probe"
	"github.com/downtoearthtw/proxy-aggregator/internal/reputation"
	"github.com/downtoearthtw/proxy-aggregator/internal/runlog"
	"github.com/downtoearthtw/proxy-aggregator/internal/subscription"
	"github.com/downtoearthtw/proxy-aggregator/internal/topology"
)

// Fetcher acquires every configured source.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []subscription.Source) []topology.SourceBatch
}

// Recorder stores a finished run. It is never read back by a run.
type Recorder interface {
	Record(ctx context.Context, run runlog.Run, sources []runlog.SourceStat, results []runlog.Result) error
}

// Config wires a Runner.
type Config struct {
	Sources []subscription.Source
	Fetcher Fetcher

	// Probe is the template for each run's prober. Its Reputation field is
	// replaced with a fresh per-run cache built from Lookuper and Scorer.
	Probe     probe.ProbeConfig
	Lookuper  reputation.Lookuper
	Scorer    reputation.Scorer
	CacheSize int

	Formats  []export.Format
	MaxNodes int
	// OutputDir receives the artifacts; empty keeps them in memory only.
	OutputDir string

	Recorder Recorder
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// Runner executes aggregation runs. Runs share no state with each other.
type Runner struct {
	cfg      Config
	registry *export.Registry
	log      logrus.FieldLogger
	running  atomic.Bool
}

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = fmt.Errorf("pipeline: run already in progress")

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Fetcher == nil {
		panic("pipeline: New requires a Fetcher")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = export.AllFormats
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = export.DefaultMaxNodes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		cfg:      cfg,
		registry: export.NewRegistry(export.Options{MaxNodes: cfg.MaxNodes}),
		log:      logger.WithField("component", "pipeline"),
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run performs one batch. Source failures only shrink the input; the run
// fails only if rendering or writing artifacts fails, or ctx ends first.
func (r *Runner) Run(ctx context.Context) (*Artifacts, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	started := r.cfg.Now()
	runID := uuid.NewString()
	log := r.log.WithField("run", runID)
	log.WithField("sources", len(r.cfg.Sources)).Info("run started")

	batches := r.cfg.Fetcher.FetchAll(ctx, r.cfg.Sources)
	var (
		failed, malformed int
		totalBytes        int
	)
	for _, b := range batches {
		if b.Err != nil {
			failed++
		}
		malformed += b.Malformed
		totalBytes += b.Bytes
	}
	merged := topology.MergeBatches(batches)
	log.WithFields(logrus.Fields{
		"sources_failed": failed,
		"malformed":      malformed,
		"fetched":        humanize.Bytes(uint64(totalBytes)),
		"unique":         len(merged),
	}).Info("sources merged")
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: run %s: %w", runID, err)
	}

	results, err := r.probe(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("pipeline: run %s: %w", runID, err)
	}
	// Probes cut short by cancellation report TCP_FAILURE; publishing them
	// would replace the previous artifacts with an empty set.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: run %s: %w", runID, err)
	}
	accepted := probe.SelectAccepted(merged, results)
	log.WithFields(logrus.Fields{
		"tested":   len(results),
		"accepted": len(accepted),
	}).Info("probing finished")

	art, err := r.render(runID, r.cfg.Now(), merged, accepted)
	if err != nil {
		return nil, fmt.Errorf("pipeline: run %s: %w", runID, err)
	}
	art.SourceBatches = batches
	art.Results = results

	if r.cfg.OutputDir != "" {
		if err := art.WriteDir(r.cfg.OutputDir); err != nil {
			return nil, fmt.Errorf("pipeline: run %s: %w", runID, err)
		}
		log.WithField("dir", r.cfg.OutputDir).Info("artifacts written")
	}

	finished := r.cfg.Now()
	r.record(ctx, log, runlog.Run{
		ID:            runID,
		StartedAt:     started,
		FinishedAt:    finished,
		SourcesTotal:  len(batches),
		SourcesFailed: failed,
		Descriptors:   len(merged),
		Malformed:     malformed,
		Tested:        len(results),
		Accepted:      len(accepted),
	}, batches, merged, results)

	log.WithFields(logrus.Fields{
		"nodes":    art.Index.NodeCount,
		"duration": humanize.RelTime(started, finished, "", ""),
	}).Info("run finished")
	return art, nil
}

// probe checks every merged descriptor against a reputation cache that lives
// only for this call.
func (r *Runner) probe(ctx context.Context, ds []node.Descriptor) ([]node.TestResult, error) {
	rep, err := reputation.NewService(reputation.ServiceConfig{
		Lookuper:  r.cfg.Lookuper,
		Scorer:    r.cfg.Scorer,
		CacheSize: r.cfg.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("reputation cache: %w", err)
	}
	defer rep.Close()

	pcfg := r.cfg.Probe
	pcfg.Reputation = rep
	var done atomic.Int64
	total := len(ds)
	userHook := pcfg.OnProbeDone
	pcfg.OnProbeDone = func(d node.Descriptor, res node.TestResult) {
		n := done.Add(1)
		if n%100 == 0 || int(n) == total {
			r.log.WithField("progress", fmt.Sprintf("%d/%d", n, total)).Debug("probing")
		}
		if userHook != nil {
			userHook(d, res)
		}
	}
	results := probe.NewProber(pcfg).ProbeAll(ctx, ds)

	lookups, failures := rep.Stats()
	r.log.WithFields(logrus.Fields{
		"lookups":    lookups,
		"failures":   failures,
		"cached_ips": rep.Size(),
	}).Debug("reputation cache")
	return results, nil
}

func (r *Runner) render(runID string, updated time.Time, merged []node.Descriptor, accepted []probe.Tested) (*Artifacts, error) {
	latency := make(map[node.Fingerprint]int, len(accepted))
	selected := make([]node.Descriptor, len(accepted))
	for i, t := range accepted {
		selected[i] = t.Descriptor
		latency[t.Result.Fingerprint] = t.Result.LatencyMs
	}
	ordered := export.OutputOrder(selected, latency)

	art := &Artifacts{
		RunID:     runID,
		Updated:   updated.UTC(),
		Raw:       merged,
		Tested:    accepted,
		Output:    ordered,
		Documents: make(map[export.Format][]byte, len(r.cfg.Formats)),
	}
	for _, f := range r.cfg.Formats {
		doc, err := r.registry.Render(f, ordered)
		if err != nil {
			return nil, err
		}
		art.Documents[f] = doc
	}
	art.Index = newIndex(art.Updated, r.registry.RenderedCount(ordered), r.cfg.Formats)
	return art, nil
}

func (r *Runner) record(ctx context.Context, log logrus.FieldLogger, run runlog.Run, batches []topology.SourceBatch, merged []node.Descriptor, results []node.TestResult) {
	if r.cfg.Recorder == nil {
		return
	}
	stats := make([]runlog.SourceStat, 0, len(batches))
	for _, b := range batches {
		st := runlog.SourceStat{
			Name:        b.Source.Name,
			Descriptors: len(b.Descriptors),
			Malformed:   b.Malformed,
			Bytes:       int64(b.Bytes),
			Duration:    b.Duration,
		}
		if b.Err != nil {
			st.Error = b.Err.Error()
		}
		stats = append(stats, st)
	}
	rows := make([]runlog.Result, 0, len(results))
	for i, res := range results {
		rows = append(rows, runlog.ResultFromTest(merged[i], res))
	}
	if err := r.cfg.Recorder.Record(ctx, run, stats, rows); err != nil {
		log.WithError(err).Warn("failed to record run history")
	}
}
