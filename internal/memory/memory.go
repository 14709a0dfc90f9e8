// Package memory persists per-(host,persona) agent memory to YAML,
// grounded on the teacher's routes.go lock dance (gofrs/flock,
// TryLockContext with a timeout) for the single-active-session
// invariant, and on WriteMarker's plain os.WriteFile for file writes —
// extended here with a temp-then-rename swap so a crash mid-write never
// leaves a torn file on disk, per spec.md §3's atomic-replace invariant.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

const (
	lockTimeout            = 5 * time.Second
	maxRecentInteractions  = 5
	trustRespectMin        = 1
	trustRespectMax        = 10
)

// Credentials holds a persona's login state on one board.
type Credentials struct {
	Username   string    `yaml:"username"`
	Password   string    `yaml:"password"`
	Registered bool      `yaml:"registered"`
	LastLogin  time.Time `yaml:"last_login,omitempty"`
}

// Knowledge holds what a persona has learned about a board's shape.
type Knowledge struct {
	BoardName   string   `yaml:"board_name,omitempty"`
	Software    string   `yaml:"software,omitempty"`
	Menus       []string `yaml:"menus,omitempty"`
	MessageBases []string `yaml:"message_bases,omitempty"`
	FileAreas   []string `yaml:"file_areas,omitempty"`
	DoorGames   []string `yaml:"door_games,omitempty"`
	Notes       string   `yaml:"notes,omitempty"`

	// LastVisited is a supplemental field beyond the distilled schema: the
	// time of the most recent session against this board. It is loaded and
	// saved with knowledge.yaml; no code in this repository sets or reads it.
	LastVisited time.Time `yaml:"last_visited,omitempty"`
}

// RelationshipRole classifies how a persona regards another board user.
type RelationshipRole string

const (
	RoleAlly     RelationshipRole = "ally"
	RoleRival    RelationshipRole = "rival"
	RoleNeutral  RelationshipRole = "neutral"
	RoleEnemy    RelationshipRole = "enemy"
	RoleMentor   RelationshipRole = "mentor"
	RoleAnnoyance RelationshipRole = "annoyance"
)

// Relationship tracks one persona's standing with another board handle.
type Relationship struct {
	Role               RelationshipRole `yaml:"role"`
	Trust              int              `yaml:"trust"`
	Respect            int              `yaml:"respect"`
	Notes              string           `yaml:"notes,omitempty"`
	RecentInteractions []string         `yaml:"recent_interactions,omitempty"`
}

// Plot is an ongoing or completed storyline a persona is pursuing.
type Plot struct {
	ID            string   `yaml:"id"`
	Started       time.Time `yaml:"started"`
	Collaborators []string `yaml:"collaborators,omitempty"`
	Adversaries   []string `yaml:"adversaries,omitempty"`
	Description   string   `yaml:"description"`
	NextSteps     string   `yaml:"next_steps,omitempty"`
	Status        string   `yaml:"status,omitempty"`
}

// Plots splits a persona's storylines by whether they're done.
type Plots struct {
	Active    []Plot `yaml:"active,omitempty"`
	Completed []Plot `yaml:"completed,omitempty"`
}

// Memory is the state for one (host, persona.handle). Store.Save and
// Store.Load persist Credentials, Knowledge, Relationships and Plots.
// SessionSummaries is held in memory only: Store neither writes nor reads
// it, so it starts empty at every session.
type Memory struct {
	Credentials   Credentials              `yaml:"credentials"`
	Knowledge     Knowledge                `yaml:"knowledge"`
	Relationships map[string]*Relationship `yaml:"relationships,omitempty"`
	Plots         Plots                    `yaml:"plots"`
	SessionSummaries []string              `yaml:"session_summaries,omitempty"`
}

// TranscriptRecord is one line of a session's JSONL transcript.
type TranscriptRecord struct {
	Turn      int       `json:"turn"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store roots all memory reads/writes under baseDir/memory/<host>/<handle>/.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) dir(host, handle string) string {
	return filepath.Join(s.baseDir, "memory", host, handle)
}

func (s *Store) sessionsDir(host, handle string) string {
	return filepath.Join(s.dir(host, handle), "sessions")
}

// Lock acquires the single-active-session guard for (host, handle): an
// advisory exclusive flock on a sentinel file in that persona's memory
// directory. Callers must Unlock() when the session ends.
func (s *Store) Lock(host, handle string) (*flock.Flock, error) {
	dir := s.dir(host, handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	fl := flock.New(filepath.Join(dir, ".session.lock"))
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire session lock for %s/%s: %w", host, handle, err)
	}
	if !ok {
		return nil, fmt.Errorf("session already active for %s/%s", host, handle)
	}
	return fl, nil
}

// Load reads the four memory YAML files for (host, handle). Missing
// files are treated as zero values rather than errors, since a persona's
// first-ever session against a board has no prior memory.
func (s *Store) Load(host, handle string) (*Memory, error) {
	dir := s.dir(host, handle)
	m := &Memory{Relationships: map[string]*Relationship{}}

	if err := readYAMLIfExists(filepath.Join(dir, "credentials.yaml"), &m.Credentials); err != nil {
		return nil, err
	}
	if err := readYAMLIfExists(filepath.Join(dir, "knowledge.yaml"), &m.Knowledge); err != nil {
		return nil, err
	}
	if err := readYAMLIfExists(filepath.Join(dir, "relationships.yaml"), &m.Relationships); err != nil {
		return nil, err
	}
	if err := readYAMLIfExists(filepath.Join(dir, "plots.yaml"), &m.Plots); err != nil {
		return nil, err
	}
	return m, nil
}

// Save atomically writes each of the four memory files, clamping
// relationship trust/respect and trimming recent_interactions first.
func (s *Store) Save(host, handle string, m *Memory) error {
	for _, rel := range m.Relationships {
		clampRelationship(rel)
	}

	dir := s.dir(host, handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	if err := writeYAMLAtomic(filepath.Join(dir, "credentials.yaml"), m.Credentials); err != nil {
		return err
	}
	if err := writeYAMLAtomic(filepath.Join(dir, "knowledge.yaml"), m.Knowledge); err != nil {
		return err
	}
	if err := writeYAMLAtomic(filepath.Join(dir, "relationships.yaml"), m.Relationships); err != nil {
		return err
	}
	if err := writeYAMLAtomic(filepath.Join(dir, "plots.yaml"), m.Plots); err != nil {
		return err
	}
	return nil
}

// clampRelationship enforces the §3 invariants: trust/respect in
// [1,10], and only the most recent maxRecentInteractions notes kept.
func clampRelationship(r *Relationship) {
	r.Trust = clampInt(r.Trust, trustRespectMin, trustRespectMax)
	r.Respect = clampInt(r.Respect, trustRespectMin, trustRespectMax)
	if len(r.RecentInteractions) > maxRecentInteractions {
		r.RecentInteractions = r.RecentInteractions[len(r.RecentInteractions)-maxRecentInteractions:]
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SortedHandles returns relationship keys sorted for deterministic
// rendering into the system prompt, per spec.md §4.5.
func (m *Memory) SortedHandles() []string {
	handles := make([]string, 0, len(m.Relationships))
	for h := range m.Relationships {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}

// WriteTranscript writes a session's full JSONL transcript, one object
// per line, to memory/<host>/<handle>/sessions/<sessionID>.jsonl.
func (s *Store) WriteTranscript(host, handle, sessionID string, records []TranscriptRecord) error {
	dir := s.sessionsDir(host, handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	var buf []byte
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal transcript record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return writeFileAtomic(filepath.Join(dir, sessionID+".jsonl"), buf)
}

// WriteSummary writes the session's human-readable Markdown summary.
func (s *Store) WriteSummary(host, handle, sessionID, summary string) error {
	dir := s.sessionsDir(host, handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, sessionID+".summary.md"), []byte(summary))
}

func readYAMLIfExists(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeYAMLAtomic(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes data to a temp file in the same directory as
// path, then renames it into place — a rename within one filesystem is
// atomic, so a reader never observes a partially written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file into place for %s: %w", path, err)
	}
	return nil
}
