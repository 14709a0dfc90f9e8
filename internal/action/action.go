// Package action turns an LLM response's free-form text into the typed
// intents the session executor drives the stream with. Grounded on the
// teacher's own "parse a loosely structured protocol line by line, skip
// what doesn't match" style (internal/message's queue parsing in the
// teacher repo follows the same shape: split, match, validate, drop).
package action

import (
	"strconv"
	"strings"
)

// Kind tags which variant an Action holds.
type Kind int

const (
	Thinking Kind = iota
	Line
	Type
	Key
	Wait
	Memory
	Disconnect
)

func (k Kind) String() string {
	switch k {
	case Thinking:
		return "THINKING"
	case Line:
		return "LINE"
	case Type:
		return "TYPE"
	case Key:
		return "KEY"
	case Wait:
		return "WAIT"
	case Memory:
		return "MEMORY"
	case Disconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Action is one unit of agent intent. Text carries the payload for
// Thinking/Line/Type/Key/Memory/Disconnect; Ms carries the clamped wait
// duration for Wait.
type Action struct {
	Kind Kind
	Text string
	Ms   int
}

// wellKnownKeys mirrors the key names internal/telnet accepts. Kept as an
// independent set here (rather than importing internal/telnet) so the
// parser has no dependency on how keys are actually sent.
var wellKnownKeys = map[string]bool{
	"enter":     true,
	"esc":       true,
	"space":     true,
	"backspace": true,
	"tab":       true,
	"y":         true,
	"n":         true,
}

const (
	minWaitMs     = 0
	maxWaitMs     = 30000
	defaultWaitMs = 1000
)

var prefixes = []struct {
	name string
	kind Kind
}{
	{"THINKING", Thinking},
	{"LINE", Line},
	{"TYPE", Type},
	{"KEY", Key},
	{"WAIT", Wait},
	{"MEMORY", Memory},
	{"DISCONNECT", Disconnect},
}

// Parse splits an LLM response into newline-delimited actions per
// spec §4.6. Lines with no recognized prefix are ignored. A KEY whose
// value isn't in the well-known set and isn't exactly one byte long is
// dropped, so a lone multi-byte character such as ⌘ is dropped too. If the response is non-empty but produces zero actions, a
// synthetic Thinking+Wait(2000) safe no-op is returned instead.
func Parse(response string) []Action {
	var actions []Action
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kind, value, ok := matchPrefix(line)
		if !ok {
			continue
		}
		switch kind {
		case Key:
			lowered := strings.ToLower(strings.TrimSpace(value))
			if !wellKnownKeys[lowered] && len(lowered) != 1 {
				continue
			}
			actions = append(actions, Action{Kind: Key, Text: lowered})
		case Wait:
			ms, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				ms = defaultWaitMs
			}
			actions = append(actions, Action{Kind: Wait, Ms: clamp(ms, minWaitMs, maxWaitMs)})
		default:
			actions = append(actions, Action{Kind: kind, Text: value})
		}
	}

	if len(actions) == 0 && strings.TrimSpace(response) != "" {
		return []Action{
			{Kind: Thinking, Text: "Could not determine what to do"},
			{Kind: Wait, Ms: 2000},
		}
	}
	return actions
}

// matchPrefix checks line against "^(PREFIX):\s*(.*)$" case-insensitively
// for each known prefix, returning the first match.
func matchPrefix(line string) (Kind, string, bool) {
	upper := strings.ToUpper(line)
	for _, p := range prefixes {
		if !strings.HasPrefix(upper, p.name) {
			continue
		}
		rest := line[len(p.name):]
		if !strings.HasPrefix(rest, ":") {
			continue
		}
		value := strings.TrimSpace(rest[1:])
		return p.kind, value, true
	}
	return 0, "", false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
