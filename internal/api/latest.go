package api

import (
	"sync/atomic"

	"github.com/downtoearthtw/proxy-aggregator/internal/pipeline"
)

// Latest holds the artifacts of the most recent successful run.
type Latest struct {
	p atomic.Pointer[pipeline.Artifacts]
}

// Set publishes a run's artifacts.
func (l *Latest) Set(a *pipeline.Artifacts) {
	l.p.Store(a)
}

// Get returns the published artifacts, or nil before the first run.
func (l *Latest) Get() *pipeline.Artifacts {
	return l.p.Load()
}
