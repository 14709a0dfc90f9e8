// Package config assembles and validates the process-wide runtime
// configuration from CLI flags and environment variables. Grounded on
// the teacher's internal/config/config.go: a flat struct with a single
// Validate step, environment lookups performed once at startup rather
// than scattered through the codebase.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// RuntimeConfig holds everything a `single` or `orchestrate` run needs,
// merged from CLI flags and the environment.
type RuntimeConfig struct {
	Host string
	Port int

	MaxTurns       int
	SessionMinutes int
	IdleTimeoutMS  int
	KeystrokeMinMS int
	KeystrokeMaxMS int
	Model          string

	MaxConcurrent int
	SimSpeed      int
	SimStart      time.Time
	RPM           int

	Console bool
	NoTUI   bool

	Personas []string // persona handles, or ["all"]

	APIKey   string
	LogLevel string
}

const (
	DefaultPort           = 23
	DefaultMaxTurns       = 200
	DefaultSessionMinutes = 20
	DefaultIdleTimeoutMS  = 1500
	DefaultKeystrokeMinMS = 40
	DefaultKeystrokeMaxMS = 160
	DefaultModel          = "claude-3-5-sonnet-20241022"
	DefaultMaxConcurrent  = 4
	DefaultRPM            = 50
)

// LoadEnv reads the environment variables spec.md §6 requires. API_KEY
// missing is a fatal Config error per spec.md §7; LOG_LEVEL defaults to
// "info".
func (c *RuntimeConfig) LoadEnv() error {
	c.APIKey = os.Getenv("API_KEY")
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY environment variable is required")
	}
	c.LogLevel = os.Getenv("LOG_LEVEL")
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// Validate checks the assembled configuration, returning a Config error
// (spec.md §7) on the first problem found.
func (c *RuntimeConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.MaxTurns <= 0 {
		return fmt.Errorf("max-turns must be positive, got %d", c.MaxTurns)
	}
	if c.SessionMinutes <= 0 {
		return fmt.Errorf("session-minutes must be positive, got %d", c.SessionMinutes)
	}
	if c.KeystrokeMinMS < 0 || c.KeystrokeMaxMS < c.KeystrokeMinMS {
		return fmt.Errorf("keystroke-min/keystroke-max must satisfy 0 <= min <= max, got %d/%d", c.KeystrokeMinMS, c.KeystrokeMaxMS)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max-concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.SimSpeed < 0 {
		return fmt.Errorf("speed must be >= 0, got %d", c.SimSpeed)
	}
	if c.RPM <= 0 {
		return fmt.Errorf("rpm must be positive, got %d", c.RPM)
	}
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY environment variable is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// ParsePersonaList splits "--personas" CSV input, treating the literal
// value "all" as a pass-through sentinel the caller expands via
// persona.LoadDir.
func ParsePersonaList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "all" {
		return []string{"all"}
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseSimStart parses an ISO-8601 timestamp for --sim-start, falling
// back to the current wall-clock time when raw is empty.
func ParseSimStart(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --sim-start %q: %w", raw, err)
	}
	return t, nil
}
