package config

import (
	"os"
	"testing"
)

func validConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Host:           "bbs.example.com",
		Port:           23,
		MaxTurns:       200,
		SessionMinutes: 20,
		KeystrokeMinMS: 40,
		KeystrokeMaxMS: 160,
		Model:          "claude-3-5-sonnet-20241022",
		MaxConcurrent:  4,
		SimSpeed:       0,
		RPM:            50,
		APIKey:         "test-key",
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMissingHost(t *testing.T) {
	c := validConfig()
	c.Host = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for missing host")
	}
}

func TestValidateRejectsInvertedKeystrokeRange(t *testing.T) {
	c := validConfig()
	c.KeystrokeMinMS = 200
	c.KeystrokeMaxMS = 100
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error when keystroke-max < keystroke-min")
	}
}

func TestValidateRejectsMissingAPIKey(t *testing.T) {
	c := validConfig()
	c.APIKey = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for missing API key")
	}
}

func TestLoadEnvRequiresAPIKey(t *testing.T) {
	os.Unsetenv("API_KEY")
	os.Unsetenv("LOG_LEVEL")
	var c RuntimeConfig
	if err := c.LoadEnv(); err == nil {
		t.Fatal("expected LoadEnv to fail without API_KEY set")
	}
}

func TestLoadEnvDefaultsLogLevel(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	os.Unsetenv("LOG_LEVEL")
	var c RuntimeConfig
	if err := c.LoadEnv(); err != nil {
		t.Fatalf("LoadEnv() = %v, want nil", err)
	}
	if c.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want \"info\"", c.LogLevel)
	}
}

func TestParsePersonaListHandlesAllSentinel(t *testing.T) {
	got := ParsePersonaList("all")
	if len(got) != 1 || got[0] != "all" {
		t.Fatalf("ParsePersonaList(\"all\") = %v", got)
	}
	got = ParsePersonaList("")
	if len(got) != 1 || got[0] != "all" {
		t.Fatalf("ParsePersonaList(\"\") = %v, want [\"all\"]", got)
	}
}

func TestParsePersonaListSplitsCSV(t *testing.T) {
	got := ParsePersonaList("jpike, msmith ,rwright")
	want := []string{"jpike", "msmith", "rwright"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseSimStartDefaultsToNow(t *testing.T) {
	ts, err := ParseSimStart("")
	if err != nil {
		t.Fatalf("ParseSimStart(\"\") error: %v", err)
	}
	if ts.IsZero() {
		t.Fatal("expected a non-zero default sim-start time")
	}
}

func TestParseSimStartRejectsMalformedInput(t *testing.T) {
	if _, err := ParseSimStart("not-a-date"); err == nil {
		t.Fatal("expected an error for a malformed --sim-start value")
	}
}
