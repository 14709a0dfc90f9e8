// Package boardlog wraps a process-wide structured logger and a single
// event-stream subscriber that forwards agentsession.Event values into
// it, grounded on blaxel-ai-sandbox's logrus.WithFields idiom (one
// base logger, per-call fields attached rather than ad-hoc string
// formatting).
package boardlog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/duskline/boardfleet/internal/agentsession"
)

// New builds a *logrus.Logger configured from the given level string
// (spec.md §6's LOG_LEVEL), writing to stderr so stdout stays free for
// any future machine-readable output.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

// Subscribe returns an agentsession.Event handler that forwards every
// event to log with persona_handle/turn/kind fields attached. It never
// blocks — logrus writes are synchronous but bounded, matching the
// "never block the loop" contract every event consumer must honor.
func Subscribe(log *logrus.Logger) func(agentsession.Event) {
	entry := log.WithField("component", "agentsession")
	return func(ev agentsession.Event) {
		fields := logrus.Fields{
			"persona_handle": ev.PersonaHandle,
			"turn":           ev.Turn,
			"kind":           string(ev.Kind),
		}
		if ev.Reason != "" {
			fields["reason"] = ev.Reason
		}
		line := entry.WithFields(fields)
		if ev.Err != nil {
			line.WithError(ev.Err).Warn(eventMessage(ev))
			return
		}
		line.Debug(eventMessage(ev))
	}
}

func eventMessage(ev agentsession.Event) string {
	if ev.Text == "" {
		return string(ev.Kind)
	}
	return fmt.Sprintf("%s: %s", ev.Kind, truncate(ev.Text, 120))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
