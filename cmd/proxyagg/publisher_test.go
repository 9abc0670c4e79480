package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/api"
	"github.com/downtoearthtw/proxy-aggregator/internal/pipeline"
	"github.com/downtoearthtw/proxy-aggregator/internal/subscription"
	"github.com/downtoearthtw/proxy-aggregator/internal/topology"
)

// gatedFetcher blocks FetchAll until release is closed.
type gatedFetcher struct {
	entered  chan struct{}
	release  chan struct{}
	finished atomic.Bool
}

func (f *gatedFetcher) FetchAll(context.Context, []subscription.Source) []topology.SourceBatch {
	close(f.entered)
	<-f.release
	f.finished.Store(true)
	return nil
}

func newTestPublisher(ctx context.Context, f pipeline.Fetcher) *publisher {
	return &publisher{
		ctx:    ctx,
		runner: pipeline.New(pipeline.Config{Fetcher: f, MaxNodes: 10}),
		latest: &api.Latest{},
		log:    logrus.WithField("component", "test"),
	}
}

func TestPublisher_WaitJoinsBackgroundRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &gatedFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	pub := newTestPublisher(ctx, f)

	pub.start()
	<-f.entered
	cancel()

	waited := make(chan struct{})
	go func() {
		pub.wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("wait returned while a run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.release)
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after the run finished")
	}
	if !f.finished.Load() {
		t.Fatal("run did not finish before wait returned")
	}
	if pub.latest.Get() != nil {
		t.Fatal("canceled run must not be published")
	}
}

func TestPublisher_TriggerRejectsWhileRunning(t *testing.T) {
	f := &gatedFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	pub := newTestPublisher(context.Background(), f)

	if !pub.trigger() {
		t.Fatal("first trigger should start a run")
	}
	<-f.entered
	if pub.trigger() {
		t.Fatal("trigger should be rejected while a run is active")
	}
	close(f.release)
	pub.wait()
	if pub.latest.Get() == nil {
		t.Fatal("completed run should be published")
	}
}
