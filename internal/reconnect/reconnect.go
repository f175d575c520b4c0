// Package reconnect keeps a Connection Manager connected.
//
// The manager itself never retries; the Supervisor connects it, waits for a
// close caused by the peer or the network, and connects again with
// exponential backoff. A close requested through Disconnect is not retried.
package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rickgao/parambind/internal/connection"
)

// Config configures a Supervisor.
type Config struct {
	BaseDelay time.Duration // Wait before the first retry
	MaxDelay  time.Duration // Upper bound for the wait
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// Supervisor reconnects a Manager after unexpected closes.
type Supervisor struct {
	cfg    Config
	mgr    connection.Manager
	logger *slog.Logger

	lost chan error

	attempts atomic.Int64
	connects atomic.Int64
}

// New creates a Supervisor for mgr.
func New(cfg Config, mgr connection.Manager, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	s := &Supervisor{
		cfg:    cfg,
		mgr:    mgr,
		logger: logger,
		lost:   make(chan error, 1),
	}

	mgr.AddListener(connection.EventClose, func(ev connection.Event) {
		if ev.Err == nil {
			return
		}
		select {
		case s.lost <- ev.Err:
		default:
		}
	})

	return s
}

// Run connects and keeps reconnecting until ctx is cancelled, then
// disconnects the manager.
func (s *Supervisor) Run(ctx context.Context) error {
	wait := s.cfg.BaseDelay

	for {
		// Forget closes that happened before this attempt.
		select {
		case <-s.lost:
		default:
		}

		s.attempts.Add(1)
		err := s.mgr.Connect(ctx, "")
		if err == nil || errors.Is(err, connection.ErrAlreadyConnected) {
			s.connects.Add(1)
			wait = s.cfg.BaseDelay

			select {
			case <-ctx.Done():
				s.mgr.Disconnect()
				return ctx.Err()
			case err := <-s.lost:
				s.logger.Info("connection lost, reconnecting", "error", err, "wait", wait)
			}
		} else {
			s.logger.Warn("reconnection failed", "error", err, "wait", wait)
		}

		select {
		case <-ctx.Done():
			s.mgr.Disconnect()
			return ctx.Err()
		case <-time.After(wait):
		}

		if err != nil {
			wait = nextDelay(wait, s.cfg.MaxDelay)
		}
	}
}

// Attempts returns the number of Connect calls made.
func (s *Supervisor) Attempts() int64 {
	return s.attempts.Load()
}

// Connects returns the number of successful connections.
func (s *Supervisor) Connects() int64 {
	return s.connects.Load()
}

// nextDelay doubles wait, capped at max.
func nextDelay(wait, max time.Duration) time.Duration {
	wait *= 2
	if wait > max {
		wait = max
	}
	return wait
}
