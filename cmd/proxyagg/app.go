package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/config"
	"github.com/downtoearthtw/proxy-aggregator/internal/geoip"
	"github.com/downtoearthtw/proxy-aggregator/internal/netutil"
	"github.com/downtoearthtw/proxy-aggregator/internal/pipeline"
	"github.com/downtoearthtw/proxy-aggregator/internal/probe"
	"github.com/downtoearthtw/proxy-aggregator/internal/reputation"
	"github.com/downtoearthtw/proxy-aggregator/internal/runlog"
	"github.com/downtoearthtw/proxy-aggregator/internal/topology"
)

// app owns the long-lived collaborators of a run or of the server.
type app struct {
	runner  *pipeline.Runner
	history *runlog.Store
	geoSvc  *geoip.Service
}

func newDownloader(cfg *config.Config) netutil.Downloader {
	direct := netutil.NewDirectDownloader(cfg.FetchTimeout, cfg.UserAgent)
	return &netutil.RetryDownloader{
		Next:    direct,
		Retries: cfg.FetchRetries,
		Backoff: time.Second,
		OnRetry: func(url string, attempt int, err error) {
			logrus.WithFields(logrus.Fields{
				"component": "fetch",
				"url":       url,
				"attempt":   attempt,
			}).WithError(err).Debug("retrying download")
		},
	}
}

func newApp(ctx context.Context, cfg *config.Config, scheduled bool) (*app, error) {
	a := &app{}
	dl := newDownloader(cfg)

	var lookuper reputation.Lookuper
	switch cfg.ReputationProvider {
	case config.ProviderIPAPI:
		lookuper = reputation.NewIPAPIClient(reputation.IPAPIConfig{
			Timeout:           cfg.ProbeTimeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
		})
	case config.ProviderOffline:
		schedule := ""
		if scheduled {
			schedule = cfg.GeoIPSchedule
		}
		a.geoSvc = geoip.NewService(geoip.ServiceConfig{
			CacheDir:       cfg.GeoIPCacheDir,
			ASNPath:        cfg.ASNDBPath,
			UpdateSchedule: schedule,
			Downloader:     dl,
		})
		if err := a.geoSvc.Start(ctx); err != nil {
			return nil, fmt.Errorf("start geoip: %w", err)
		}
		lookuper = geoip.OfflineLookuper{Locator: a.geoSvc}
	}

	var recorder pipeline.Recorder
	if cfg.HistoryDBPath != "" {
		store, err := runlog.Open(cfg.HistoryDBPath)
		if err != nil {
			a.close()
			return nil, err
		}
		a.history = store
		recorder = store
	}

	a.runner = pipeline.New(pipeline.Config{
		Sources: cfg.EnabledSources(),
		Fetcher: topology.NewSourceFetcher(topology.FetcherConfig{
			Downloader: dl,
			MaxWorkers: cfg.FetchWorkers,
		}),
		Probe: probe.ProbeConfig{
			Concurrency:  cfg.ProbeConcurrency,
			StageTimeout: cfg.ProbeTimeout,
			DNSTimeout:   cfg.DNSTimeout,
			Thresholds: &probe.Thresholds{
				MaxLatencyMs:  cfg.MaxLatencyMs,
				MinTrustScore: cfg.MinTrustScore,
				RejectCountry: cfg.RejectCountry,
			},
		},
		Lookuper:  lookuper,
		Scorer:    reputation.NewScorer(cfg.BlockedASNs),
		CacheSize: cfg.ReputationCache,
		Formats:   cfg.Formats,
		MaxNodes:  cfg.MaxNodes,
		OutputDir: cfg.OutputDir,
		Recorder:  recorder,
	})
	return a, nil
}

func (a *app) close() {
	if a.geoSvc != nil {
		a.geoSvc.Stop()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logrus.WithError(err).Warn("closing run history")
		}
	}
}

func runOnce(ctx context.Context, cfg *config.Config) error {
	if len(cfg.EnabledSources()) == 0 {
		return fmt.Errorf("no enabled sources configured")
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	art, err := a.runner.Run(ctx)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"raw":      len(art.Raw),
		"accepted": len(art.Tested),
		"rendered": art.Index.NodeCount,
		"dir":      cfg.OutputDir,
	}).Info("subscriptions generated")
	return nil
}
