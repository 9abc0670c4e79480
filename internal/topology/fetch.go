package topology

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/netutil"
	"github.com/downtoearthtw/proxy-aggregator/internal/node"
	"github.com/downtoearthtw/proxy-aggregator/internal/subscription"
)

// SourceBatch is the acquisition outcome of one configured source.
type SourceBatch struct {
	Source      subscription.Source
	Descriptors []node.Descriptor
	Malformed   int
	Bytes       int
	Duration    time.Duration
	// Err is the fetch failure; a failed source contributes no descriptors.
	Err error
}

// SourceFetcher downloads and decodes sources concurrently.
type SourceFetcher struct {
	downloader netutil.Downloader
	maxWorkers int
	log        logrus.FieldLogger
}

// FetcherConfig configures a SourceFetcher.
type FetcherConfig struct {
	Downloader netutil.Downloader
	// MaxWorkers bounds concurrent downloads. Zero means one per source.
	MaxWorkers int
	Logger     logrus.FieldLogger
}

// NewSourceFetcher creates a SourceFetcher.
func NewSourceFetcher(cfg FetcherConfig) *SourceFetcher {
	if cfg.Downloader == nil {
		panic("topology: NewSourceFetcher requires a Downloader")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SourceFetcher{
		downloader: cfg.Downloader,
		maxWorkers: cfg.MaxWorkers,
		log:        logger.WithField("component", "fetch"),
	}
}

// FetchAll fetches every enabled source and waits for all of them. Batches
// are returned in configured source order regardless of completion order.
func (f *SourceFetcher) FetchAll(ctx context.Context, sources []subscription.Source) []SourceBatch {
	enabled := make([]subscription.Source, 0, len(sources))
	for _, src := range sources {
		if src.Enabled {
			enabled = append(enabled, src)
		}
	}
	batches := make([]SourceBatch, len(enabled))
	if len(enabled) == 0 {
		return batches
	}

	workers := f.maxWorkers
	if workers <= 0 || workers > len(enabled) {
		workers = len(enabled)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, src := range enabled {
		select {
		case <-ctx.Done():
			batches[i] = SourceBatch{Source: src, Err: ctx.Err()}
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, src subscription.Source) {
			defer wg.Done()
			defer func() { <-sem }()
			batches[i] = f.fetchOne(ctx, src)
		}(i, src)
	}
	wg.Wait()
	return batches
}

func (f *SourceFetcher) fetchOne(ctx context.Context, src subscription.Source) SourceBatch {
	start := time.Now()
	entry := f.log.WithFields(logrus.Fields{"source": src.Name, "type": src.Type})

	body, err := f.downloader.Download(ctx, src.URL)
	if err != nil {
		entry.WithError(err).Warn("source fetch failed")
		return SourceBatch{Source: src, Err: err, Duration: time.Since(start)}
	}

	decoded := subscription.DecodeBody(src, body)
	batch := SourceBatch{
		Source:      src,
		Descriptors: decoded.Descriptors,
		Malformed:   decoded.Malformed,
		Bytes:       len(body),
		Duration:    time.Since(start),
	}
	if batch.Malformed > 0 {
		entry.WithField("malformed", batch.Malformed).Debug("dropped undecodable units")
	}
	entry.WithFields(logrus.Fields{
		"nodes":    len(batch.Descriptors),
		"size":     humanize.Bytes(uint64(batch.Bytes)),
		"duration": batch.Duration.Round(time.Millisecond),
	}).Info("source fetched")
	return batch
}

// MergeBatches folds batches in order into the deduplicated descriptor list.
func MergeBatches(batches []SourceBatch) []node.Descriptor {
	streams := make([][]node.Descriptor, 0, len(batches))
	for _, b := range batches {
		if b.Err != nil {
			continue
		}
		streams = append(streams, b.Descriptors)
	}
	return Merge(streams...)
}
