// Package persona loads agent identities from YAML, grounded on the
// teacher's Role loader (internal/config/role.go): read the file,
// unmarshal into a struct with yaml tags, validate required fields,
// return a pointer or a wrapped error.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActiveHours is one weighted window in a day during which sessions may
// be scheduled.
type ActiveHours struct {
	Start  int     `yaml:"start"`
	End    int     `yaml:"end"`
	Weight float64 `yaml:"weight"`
}

// Schedule controls when the scheduler plans sessions for a persona.
type Schedule struct {
	ActiveHours    []ActiveHours `yaml:"active_hours"`
	SessionsPerDay int           `yaml:"sessions_per_day"`
	MinGapMinutes  int           `yaml:"min_gap_minutes"`
	JitterMinutes  int           `yaml:"jitter_minutes"`
	ActiveDays     []int         `yaml:"active_days,omitempty"`
}

// Personality carries the prose and trait blocks woven into the system
// prompt.
type Personality struct {
	Traits           []string `yaml:"traits"`
	Interests        []string `yaml:"interests"`
	WritingStyle     string   `yaml:"writing_style"`
	HotButtons       []string `yaml:"hot_buttons"`
	SocialTendencies string   `yaml:"social_tendencies"`
}

// Behavior carries the goal-directed fields that steer session pacing.
type Behavior struct {
	Goals               []string `yaml:"goals"`
	Avoid               []string `yaml:"avoid"`
	SessionLengthMinutes int     `yaml:"session_length_minutes"`
}

// Registration carries the facts a persona uses to register on a new
// board.
type Registration struct {
	Email      string `yaml:"email"`
	RealName   string `yaml:"real_name"`
	VoicePhone string `yaml:"voice_phone"`
	BirthDate  string `yaml:"birth_date"`
}

// Persona is a stable, immutable agent identity loaded once at process
// start per spec.md §3.
type Persona struct {
	Name       string `yaml:"name"`
	Handle     string `yaml:"handle"`
	Age        int    `yaml:"age"`
	Location   string `yaml:"location"`
	Occupation string `yaml:"occupation"`
	Archetype  string `yaml:"archetype"`

	Personality  Personality   `yaml:"personality"`
	Behavior     Behavior      `yaml:"behavior"`
	Registration Registration  `yaml:"registration"`
	Schedule     *Schedule     `yaml:"schedule,omitempty"`

	// Notes is a free-form supplemental field not in the distilled schema:
	// operator annotations carried alongside the persona file but never
	// shown to the model (e.g. "retire after the Oct event").
	Notes string `yaml:"notes,omitempty"`
}

const defaultSessionLengthMinutes = 20

// Load reads and validates one persona YAML file.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona YAML %q: %w", path, err)
	}

	if p.Behavior.SessionLengthMinutes == 0 {
		p.Behavior.SessionLengthMinutes = defaultSessionLengthMinutes
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid persona %q: %w", path, err)
	}
	return &p, nil
}

// LoadDir loads every *.yaml file directly under dir as a persona,
// skipping files that fail validation (mirroring ListRoles' tolerant
// behavior for a single malformed file in a fleet of many).
func LoadDir(dir string) ([]*Persona, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persona dir: %w", err)
	}

	var personas []*Persona
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		p, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		personas = append(personas, p)
	}
	return personas, nil
}

// Validate checks that name and handle are set and, when a schedule is
// present, that sessions_per_day is in [1,10], min_gap_minutes is at
// least 5 and no active_hours weight is negative. Other fields are not
// checked.
func (p *Persona) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Handle == "" {
		return fmt.Errorf("handle is required")
	}
	if p.Schedule != nil {
		if p.Schedule.SessionsPerDay < 1 || p.Schedule.SessionsPerDay > 10 {
			return fmt.Errorf("schedule.sessions_per_day must be in [1,10], got %d", p.Schedule.SessionsPerDay)
		}
		if p.Schedule.MinGapMinutes < 5 {
			return fmt.Errorf("schedule.min_gap_minutes must be >= 5, got %d", p.Schedule.MinGapMinutes)
		}
		for _, w := range p.Schedule.ActiveHours {
			if w.Weight < 0 {
				return fmt.Errorf("schedule.active_hours weight must be >= 0, got %v", w.Weight)
			}
		}
	}
	return nil
}
