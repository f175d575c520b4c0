package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRequestTimeout     = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultPingTimeout        = 45 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultHTTPPort           = 8080
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultBatchSize          = 100
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 1024
	DefaultPollConcurrency    = 8
	DefaultLogLevel           = "info"
	DefaultPeerSimListen      = ":8081"
	DefaultPeerSimPath        = "/api/v1/binding"
)

func (c *Config) applyDefaults() {
	// Peer defaults
	if c.Peer.RequestTimeout == 0 {
		c.Peer.RequestTimeout = DefaultRequestTimeout
	}
	if c.Peer.WriteTimeout == 0 {
		c.Peer.WriteTimeout = DefaultWriteTimeout
	}
	if c.Peer.PingInterval == 0 {
		c.Peer.PingInterval = DefaultPingInterval
	}
	if c.Peer.PingTimeout == 0 {
		c.Peer.PingTimeout = DefaultPingTimeout
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}

	for i := range c.Bindings {
		if c.Bindings[i].Mode == "" {
			c.Bindings[i].Mode = ModeReadOnly
		}
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// History defaults
	if c.History.BatchSize == 0 {
		c.History.BatchSize = DefaultBatchSize
	}
	if c.History.FlushInterval == 0 {
		c.History.FlushInterval = DefaultFlushInterval
	}
	if c.History.BufferSize == 0 {
		c.History.BufferSize = DefaultBufferSize
	}

	// Poller defaults
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}

	// Peer simulator defaults
	if c.PeerSim.Listen == "" {
		c.PeerSim.Listen = DefaultPeerSimListen
	}
	if c.PeerSim.Path == "" {
		c.PeerSim.Path = DefaultPeerSimPath
	}
}
