package config

import "time"

// Config is the root configuration.
type Config struct {
	Peer      PeerConfig      `yaml:"peer"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Bindings  []BindingConfig `yaml:"bindings"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DBConfig        `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	Poller    PollerConfig    `yaml:"poller"`
	Log       LogConfig       `yaml:"log"`
	PeerSim   PeerSimConfig   `yaml:"peersim"`
}

// PeerConfig holds the device endpoint settings.
type PeerConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
}

// ReconnectConfig holds reconnect supervisor settings.
type ReconnectConfig struct {
	Enabled   *bool         `yaml:"enabled"` // nil means enabled
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// IsEnabled reports whether reconnects are enabled.
func (r ReconnectConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Binding modes.
const (
	ModeReadOnly = "readonly"
	ModeEditable = "editable"
)

// BindingConfig declares one bound parameter.
type BindingConfig struct {
	Name    string `yaml:"name"`
	Mode    string `yaml:"mode"`    // readonly or editable
	Initial string `yaml:"initial"` // shown until the peer reports a value
}

// HTTPConfig holds the HTTP surface settings.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DBConfig holds the history database connection. An empty host disables
// history.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// HistoryConfig holds history writer settings.
type HistoryConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// PollerConfig holds periodic refresh settings. A zero interval disables
// polling.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Names       []string      `yaml:"names"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

// PeerSimConfig holds peer simulator settings.
type PeerSimConfig struct {
	Listen        string            `yaml:"listen"`
	Path          string            `yaml:"path"`
	Values        map[string]string `yaml:"values"`
	Silent        []string          `yaml:"silent"`
	ResponseDelay time.Duration     `yaml:"response_delay"`
}
