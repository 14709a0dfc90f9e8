package boardlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/duskline/boardfleet/internal/agentsession"
)

func TestNewAppliesRequestedLevel(t *testing.T) {
	log := New("warn")
	if log.GetLevel() != logrus.WarnLevel {
		t.Fatalf("level = %v, want warn", log.GetLevel())
	}
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	log := New("not-a-real-level")
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %v, want info fallback", log.GetLevel())
	}
}

func TestSubscribeForwardsFieldsAndNeverPanics(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug")
	log.SetOutput(&buf)

	handler := Subscribe(log)
	handler(agentsession.Event{
		Kind:          agentsession.EventTurnResponse,
		PersonaHandle: "jpike",
		Turn:          3,
		Text:          "LINE: hello there",
	})

	out := buf.String()
	if !strings.Contains(out, "jpike") || !strings.Contains(out, "turn:response") {
		t.Fatalf("log output missing expected fields: %s", out)
	}
}

func TestSubscribeLogsErrorsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug")
	log.SetOutput(&buf)

	handler := Subscribe(log)
	handler(agentsession.Event{
		Kind:          agentsession.EventError,
		PersonaHandle: "jpike",
		Err:           errBoom,
	})

	out := buf.String()
	if !strings.Contains(out, "level=warning") {
		t.Fatalf("expected a warning-level log line, got: %s", out)
	}
}

var errBoom = boomErr{}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }
