// Package config loads orchestration settings from defaults, a global
// file, and a project file, with the project file taking precedence.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration with JSON string encoding ("10m", "2h").
type Duration time.Duration

// UnmarshalJSON accepts both duration strings and raw nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value))
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// RoleConfig defines one specialist role: the CLI that embodies it plus
// its model and system prompt.
type RoleConfig struct {
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// RetryConfig configures the exponential backoff around executor calls.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// Config is the top-level configuration.
type Config struct {
	ConcurrencyLimit int                   `json:"concurrency_limit"`
	DataDir          string                `json:"data_dir,omitempty"`
	StallTimeouts    map[string]Duration   `json:"stall_timeouts"` // keyed by task kind
	Roles            map[string]RoleConfig `json:"roles"`
	Retry            RetryConfig           `json:"retry"`
}

// DefaultConfig returns the built-in configuration. Stall timeouts are
// deliberately configuration, not constants: the right values depend on
// how long the specialists legitimately run.
func DefaultConfig() *Config {
	return &Config{
		ConcurrencyLimit: 4,
		StallTimeouts: map[string]Duration{
			"agent":   Duration(10 * time.Minute),
			"phase":   Duration(30 * time.Minute),
			"feature": Duration(2 * time.Hour),
		},
		Roles: map[string]RoleConfig{
			"coder": {
				Command:      "claude",
				SystemPrompt: "You implement features and write production code.",
			},
			"reviewer": {
				Command:      "claude",
				SystemPrompt: "You review code for correctness, style, and best practices.",
			},
			"architect": {
				Command:      "claude",
				SystemPrompt: "You decide interface contracts when specialists disagree.",
			},
			"researcher": {
				Command:      "claude",
				SystemPrompt: "You run bounded exploratory spikes and report findings.",
			},
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(100 * time.Millisecond),
			MaxInterval:         Duration(10 * time.Second),
			MaxElapsedTime:      Duration(2 * time.Minute),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
	}
}
