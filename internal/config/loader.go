package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file. ${VAR} references are expanded from the
// environment before parsing, so secrets such as database.password can stay
// out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads config and fills every unset field.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads the parambind config: defaults, then Validate.
func LoadAndValidate(path string) (*Config, error) {
	return loadChecked(path, (*Config).Validate)
}

// LoadPeerSim loads the same file for the simulator. Only the peersim and
// log sections are checked, so a file without peer or bindings still works.
func LoadPeerSim(path string) (*Config, error) {
	return loadChecked(path, (*Config).ValidatePeerSim)
}

func loadChecked(path string, check func(*Config) error) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := check(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
