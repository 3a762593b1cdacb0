package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Seed is the on-disk shape of a `workq init --config <file>` seed file:
// operators hand-author queue tunables once instead of issuing N
// `workq config set` calls.
type Seed struct {
	PollIntervalMS       *int   `yaml:"poll_interval_ms"`
	BaseBackoffSeconds   *int   `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds    *int   `yaml:"max_backoff_seconds"`
	LeaseDurationSeconds *int   `yaml:"lease_duration_seconds"`
	DefaultMaxRetries    *int   `yaml:"default_max_retries"`
	ExecTimeoutSeconds   *int   `yaml:"exec_timeout_seconds"`
}

// LoadSeed parses a YAML seed file into a key/value map suitable for
// store.ConfigSet, skipping any key the file leaves unset.
func LoadSeed(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config seed %q: %w", path, err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse config seed %q: %w", path, err)
	}

	out := make(map[string]string)
	add := func(key string, val *int) {
		if val != nil {
			out[key] = strconv.Itoa(*val)
		}
	}
	add("poll_interval_ms", seed.PollIntervalMS)
	add("base_backoff_seconds", seed.BaseBackoffSeconds)
	add("max_backoff_seconds", seed.MaxBackoffSeconds)
	add("lease_duration_seconds", seed.LeaseDurationSeconds)
	add("default_max_retries", seed.DefaultMaxRetries)
	add("exec_timeout_seconds", seed.ExecTimeoutSeconds)

	return out, nil
}
