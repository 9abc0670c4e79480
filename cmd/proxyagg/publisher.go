package main

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/api"
	"github.com/downtoearthtw/proxy-aggregator/internal/pipeline"
)

// publisher runs batches and publishes successful ones to latest. Every
// background run is tracked so shutdown can wait for it before closing the
// history store and geoip service.
type publisher struct {
	ctx    context.Context
	runner *pipeline.Runner
	latest *api.Latest
	log    logrus.FieldLogger

	inflight sync.WaitGroup
}

// runAndPublish runs one batch synchronously. Cron calls it directly.
func (p *publisher) runAndPublish() {
	art, err := p.runner.Run(p.ctx)
	if p.ctx.Err() != nil {
		return
	}
	if errors.Is(err, pipeline.ErrRunInProgress) {
		p.log.Info("skipping run: previous run still in progress")
		return
	}
	if err != nil {
		p.log.WithError(err).Error("run failed")
		return
	}
	p.latest.Set(art)
}

// start launches a tracked background run.
func (p *publisher) start() {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.runAndPublish()
	}()
}

// trigger starts a background run unless one is already active.
func (p *publisher) trigger() bool {
	if p.runner.Running() {
		return false
	}
	p.start()
	return true
}

// wait blocks until every background run started so far has returned.
func (p *publisher) wait() {
	p.inflight.Wait()
}
