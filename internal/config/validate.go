package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Peer.URL == "" {
		return errors.New("peer.url is required")
	}
	u, err := url.Parse(c.Peer.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("peer.url must be a ws:// or wss:// URL, got %q", c.Peer.URL)
	}
	if c.Peer.RequestTimeout <= 0 {
		return errors.New("peer.request_timeout must be > 0")
	}
	if c.Peer.PingInterval > 0 && c.Peer.PingTimeout <= c.Peer.PingInterval {
		return errors.New("peer.ping_timeout must exceed peer.ping_interval")
	}

	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}

	seen := make(map[string]bool, len(c.Bindings))
	for i, b := range c.Bindings {
		if err := b.validate(fmt.Sprintf("bindings[%d]", i)); err != nil {
			return err
		}
		if seen[b.Name] {
			return fmt.Errorf("bindings[%d].name %q is duplicated", i, b.Name)
		}
		seen[b.Name] = true
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.History.BatchSize < 1 {
			return errors.New("history.batch_size must be >= 1")
		}
		if c.History.BufferSize < 1 {
			return errors.New("history.buffer_size must be >= 1")
		}
	}

	if c.Poller.Interval < 0 {
		return errors.New("poller.interval must be >= 0")
	}
	if c.Poller.Concurrency < 1 {
		return errors.New("poller.concurrency must be >= 1")
	}
	for _, name := range c.Poller.Names {
		if !seen[name] {
			return fmt.Errorf("poller.names: %q is not a configured binding", name)
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// ValidatePeerSim checks the sections used by the peer simulator.
func (c *Config) ValidatePeerSim() error {
	if !strings.HasPrefix(c.PeerSim.Path, "/") {
		return fmt.Errorf("peersim.path must start with /, got %q", c.PeerSim.Path)
	}
	if c.PeerSim.ResponseDelay < 0 {
		return errors.New("peersim.response_delay must be >= 0")
	}
	for name := range c.PeerSim.Values {
		if name == "" || strings.ContainsAny(name, " \t\n") {
			return fmt.Errorf("peersim.values key %q must be non-empty and contain no whitespace", name)
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

func (b BindingConfig) validate(prefix string) error {
	if b.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if strings.ContainsAny(b.Name, " \t\n") {
		return fmt.Errorf("%s.name %q must not contain whitespace", prefix, b.Name)
	}
	if b.Mode != ModeReadOnly && b.Mode != ModeEditable {
		return fmt.Errorf("%s.mode must be %q or %q, got %q", prefix, ModeReadOnly, ModeEditable, b.Mode)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// SlogLevel converts the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", l.Level)
}
