package persona

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
name: Jordan Pike
handle: jpike
age: 34
location: Tulsa, OK
occupation: pharmacist
archetype: lurker-turned-regular
personality:
  traits: [dry humor, patient]
  interests: [modems, jazz]
  writing_style: terse, lowercase
  hot_buttons: [being talked down to]
  social_tendencies: warms up slowly
behavior:
  goals: [find the file area with the BBS door game]
  avoid: [starting flame wars]
registration:
  email: jpike@example.com
  real_name: Jordan Pike
  voice_phone: "555-0100"
  birth_date: "1990-01-01"
schedule:
  active_hours:
    - {start: 8, end: 10, weight: 1}
    - {start: 20, end: 22, weight: 3}
  sessions_per_day: 4
  min_gap_minutes: 30
  jitter_minutes: 5
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadValidPersona(t *testing.T) {
	path := writeTemp(t, "jpike.yaml", validYAML)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Handle != "jpike" {
		t.Fatalf("Handle = %q, want jpike", p.Handle)
	}
	if p.Behavior.SessionLengthMinutes != defaultSessionLengthMinutes {
		t.Fatalf("SessionLengthMinutes = %d, want default %d", p.Behavior.SessionLengthMinutes, defaultSessionLengthMinutes)
	}
	if p.Schedule == nil || p.Schedule.SessionsPerDay != 4 {
		t.Fatalf("Schedule = %+v, want SessionsPerDay 4", p.Schedule)
	}
}

func TestLoadMissingHandleFails(t *testing.T) {
	path := writeTemp(t, "bad.yaml", "name: No Handle\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing handle")
	}
}

func TestLoadRejectsOutOfRangeSessionsPerDay(t *testing.T) {
	content := `
name: Overbooked
handle: over
schedule:
  sessions_per_day: 20
  min_gap_minutes: 30
`
	path := writeTemp(t, "over.yaml", content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for sessions_per_day out of range")
	}
}

func TestLoadDirSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(validYAML), 0o644)
	os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: no handle\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("not yaml"), 0o644)

	personas, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(personas) != 1 {
		t.Fatalf("got %d personas, want 1 (invalid and non-yaml skipped)", len(personas))
	}
}
