// Package tasks supervises fire-and-forget background work. Tasks are
// named, panics are recovered, and failures are logged instead of silently
// vanishing; shutdown can wait for in-flight tasks to finish.
package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"qualisys/prometheus"
)

// Registry owns the background tasks spawned by request handlers.
type Registry struct {
	wg   sync.WaitGroup
	log  *zap.Logger
	mu   sync.Mutex
	open int
}

// NewRegistry creates an empty task registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log}
}

// Go runs fn in the background. The HTTP response that spawned the task has
// usually already been written, so errors here surface only through logs
// and whatever progress events the task publishes itself.
func (r *Registry) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	r.mu.Lock()
	r.open++
	r.mu.Unlock()
	prometheus.BackgroundTasksInFlight.Inc()

	go func() {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("Background task panicked",
					zap.String("task", name),
					zap.Any("panic", rec))
			}
			r.mu.Lock()
			r.open--
			r.mu.Unlock()
			prometheus.BackgroundTasksInFlight.Dec()
			r.wg.Done()
		}()

		if err := fn(context.Background()); err != nil {
			r.log.Error("Background task failed",
				zap.String("task", name),
				zap.Duration("took", time.Since(start)),
				zap.Error(err))
			return
		}

		r.log.Debug("Background task finished",
			zap.String("task", name),
			zap.Duration("took", time.Since(start)))
	}()
}

// InFlight returns the number of running tasks, for metrics.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Wait blocks until every task has finished or ctx expires. Used at
// shutdown; returns false if tasks were abandoned.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		r.log.Warn("Abandoning in-flight background tasks", zap.Int("count", r.InFlight()))
		return false
	}
}
