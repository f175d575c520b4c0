package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/parambind/internal/connection"
)

// BindingSource provides the bindings to refresh.
type BindingSource interface {
	Bindings() []*connection.Binding
	State() connection.State
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Refresh interval
	Concurrency int           // Max fetches issued at once (default: 8)
	Names       []string      // Only refresh these bindings; empty means all
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Concurrency: 8,
	}
}

// Stats contains poller statistics.
type Stats struct {
	Cycles  int64 `json:"cycles"`
	Skipped int64 `json:"skipped"`
	Fetches int64 `json:"fetches"`
	Errors  int64 `json:"errors"`
}

// Poller periodically refreshes bindings.
type Poller struct {
	cfg    Config
	source BindingSource
	names  map[string]bool
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles, skipped, fetches, errors atomic.Int64
}

// New creates a new Poller.
func New(cfg Config, source BindingSource, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}

	var names map[string]bool
	if len(cfg.Names) > 0 {
		names = make(map[string]bool, len(cfg.Names))
		for _, n := range cfg.Names {
			names[n] = true
		}
	}

	return &Poller{
		cfg:    cfg,
		source: source,
		names:  names,
		logger: logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("binding poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("binding poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:  p.cycles.Load(),
		Skipped: p.skipped.Load(),
		Fetches: p.fetches.Load(),
		Errors:  p.errors.Load(),
	}
}

// run is the main polling loop. The first cycle waits one interval since
// connecting already fetches every binding.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll requests a fresh value for every selected binding.
func (p *Poller) pollAll() {
	if p.source.State() != connection.StateConnected {
		p.skipped.Add(1)
		p.logger.Debug("not connected, skipping refresh")
		return
	}

	start := time.Now()
	p.cycles.Add(1)

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	var sent, failed atomic.Int64
	for _, b := range p.source.Bindings() {
		if p.names != nil && !p.names[b.Name()] {
			continue
		}
		if p.ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if err := b.Update(); err != nil {
				p.logger.Warn("failed to refresh binding",
					"name", b.Name(),
					"error", err,
				)
				failed.Add(1)
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	g.Wait()

	p.fetches.Add(sent.Load())
	p.errors.Add(failed.Load())

	p.logger.Debug("refresh cycle complete",
		"fetched", sent.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}
