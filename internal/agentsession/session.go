// Package agentsession drives one persona through one connect-to-
// disconnect run: read the board's screen, reason with an LLM, act,
// and at the end distill the transcript into updated memory. Grounded
// on the teacher's Agent/Session state handling (internal/session in
// the teacher repo): a long-running loop gated on a StateChanged-style
// idle wakeup, with a typed event stream fanned out to external
// observers that must never be allowed to block the loop.
package agentsession

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/duskline/boardfleet/internal/action"
	"github.com/duskline/boardfleet/internal/llmclient"
	"github.com/duskline/boardfleet/internal/memory"
	"github.com/duskline/boardfleet/internal/persona"
	"github.com/duskline/boardfleet/internal/ratelimit"
	"github.com/duskline/boardfleet/internal/termbuf"
)

// Stream is the narrow outbound interface the session loop needs from a
// connection; internal/telnet.Conn satisfies it.
type Stream interface {
	Send([]byte) error
	SendKey(name string) error
	IsConnected() bool
	Disconnect()
}

// EventKind tags one entry in the typed event stream spec.md §4.4 requires.
type EventKind string

const (
	EventSessionStart     EventKind = "session:start"
	EventSessionEnd       EventKind = "session:end"
	EventTurnScreen       EventKind = "turn:screen"
	EventTurnThinking     EventKind = "turn:thinking"
	EventTurnResponse     EventKind = "turn:response"
	EventTurnAction       EventKind = "turn:action"
	EventTurnMore         EventKind = "turn:more"
	EventTurnStuck        EventKind = "turn:stuck"
	EventMemoryNote       EventKind = "memory:note"
	EventMemoryExtracting EventKind = "memory:extracting"
	EventMemoryExtracted  EventKind = "memory:extracted"
	EventError            EventKind = "error"
)

// Event is one entry on the session's event stream. Consumers (the pool,
// a console mirror, structured logging) must never let handling an Event
// block the session loop.
type Event struct {
	Kind          EventKind
	PersonaHandle string
	Turn          int
	Timestamp     time.Time
	Text          string
	Action        *action.Action
	Reason        string
	Err           error
}

// Config carries the runtime knobs a single command invocation supplies.
type Config struct {
	Host               string
	MaxTurns           int
	SessionMinutes     int
	KeystrokeMinMs     int
	KeystrokeMaxMs     int
	Model              string
}

const (
	defaultMaxTurns       = 200
	defaultSessionMinutes = 20
	defaultKeystrokeMinMs = 40
	defaultKeystrokeMaxMs = 160
	stuckThreshold        = 3
	contextScreenLookback = 3 // first N turns include prior screens
	maxConversationLines  = 16
)

// morePattern matches a pause/continuation prompt that should be
// answered with a bare enter and no LLM call, per spec.md §4.4 step 3.
// Deliberately distinct from termbuf's broader promptPattern: this one
// only matches pagination prompts, not general input prompts.
var morePattern = regexp.MustCompile(`(?i)\[more:?\]|continue\s*\[y/n\]|press\s+(enter|return|any key)\s+to\s+continue|\bpause\b`)

// Session drives one agent through one board connection.
type Session struct {
	host    string
	conn    Stream
	buf     *termbuf.Buffer
	persona *persona.Persona
	store   *memory.Store
	mem     *memory.Memory
	llm     llmclient.Completer
	limiter *ratelimit.Limiter
	cfg     Config
	log     *logrus.Entry
	onEvent func(Event)

	running      bool
	turn         int
	stuckCount   int
	lastHash     string
	wasReset     bool
	conversation []llmclient.Message
	memoryNotes  []string
	transcript   []memory.TranscriptRecord
	startedAt    time.Time
	sessionID    string
}

// New constructs a Session ready to Run. limiter may be nil to disable
// rate limiting (e.g. in tests). onEvent may be nil.
func New(conn Stream, buf *termbuf.Buffer, p *persona.Persona, store *memory.Store, mem *memory.Memory, llm llmclient.Completer, limiter *ratelimit.Limiter, cfg Config, log *logrus.Entry, onEvent func(Event)) *Session {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.SessionMinutes <= 0 {
		cfg.SessionMinutes = defaultSessionMinutes
	}
	if cfg.KeystrokeMinMs <= 0 {
		cfg.KeystrokeMinMs = defaultKeystrokeMinMs
	}
	if cfg.KeystrokeMaxMs <= 0 {
		cfg.KeystrokeMaxMs = defaultKeystrokeMaxMs
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		host:    cfg.Host,
		conn:    conn,
		buf:     buf,
		persona: p,
		store:   store,
		mem:     mem,
		llm:     llm,
		limiter: limiter,
		cfg:     cfg,
		log:     log,
		onEvent: onEvent,
		running: true,
	}
}

func (s *Session) emit(ev Event) {
	ev.PersonaHandle = s.persona.Handle
	ev.Turn = s.turn
	ev.Timestamp = time.Now()
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// Run drives START → (TICK)* → EXTRACT → END. It returns once the
// session is over; callers drive cancellation via ctx.
func (s *Session) Run(ctx context.Context) {
	s.startedAt = time.Now()
	// A short uuid suffix keeps two sessions that start within the same
	// second (a fast single-turn session followed immediately by a retry,
	// or two personas scheduled to the same minute) from colliding on the
	// same transcript/summary filenames.
	s.sessionID = s.startedAt.UTC().Format("2006-01-02T15-04-05") + "-" + uuid.NewString()[:8]
	s.conversation = []llmclient.Message{{Role: "system", Content: s.buildSystemMessage()}}

	s.emit(Event{Kind: EventSessionStart})

	deadline := s.startedAt.Add(time.Duration(s.cfg.SessionMinutes) * time.Minute)
	reason := "max_turns"
	for s.running {
		if ctx.Err() != nil {
			reason = "cancelled"
			break
		}
		if !s.conn.IsConnected() {
			reason = "stream_loss"
			break
		}
		if time.Now().After(deadline) {
			reason = "session_minutes"
			break
		}
		if s.turn >= s.cfg.MaxTurns {
			reason = "max_turns"
			break
		}
		s.tick(ctx)
		if !s.running {
			reason = "disconnect"
		}
	}

	s.extract(ctx)
	s.emit(Event{Kind: EventSessionEnd, Reason: reason})
}

func (s *Session) tick(ctx context.Context) {
	screen := s.buf.WaitForIdle(ctx)
	if screen == "" {
		return
	}

	s.turn++
	s.appendTranscript("screen", screen)
	s.emit(Event{Kind: EventTurnScreen, Text: screen})

	tail := lastNChars(screen, 100)
	if morePattern.MatchString(tail) {
		s.sendKey(ctx, "enter")
		s.emit(Event{Kind: EventTurnMore})
		return
	}

	hash := stableHash(strings.TrimSpace(screen))
	if hash == s.lastHash {
		s.stuckCount++
		if s.stuckCount == stuckThreshold {
			s.sendBytes(ctx, []byte{0x1B})
			sleepCtx(ctx, 500*time.Millisecond)
			s.sendBytes(ctx, []byte("\r\n"))
			s.stuckCount = 0
			s.emit(Event{Kind: EventTurnStuck})
			return
		}
	} else {
		s.stuckCount = 0
	}
	s.lastHash = hash

	s.appendConversation("user", s.buildUserMessage(screen))
	s.trimConversation()

	if s.limiter != nil {
		s.limiter.Acquire(ctx)
	}

	text, err := llmclient.CallWithRetry(ctx, s.llm, s.cfg.Model, s.conversation, s.log)
	if err != nil {
		s.emit(Event{Kind: EventError, Err: err, Reason: "terminal_llm_error"})
		sleepCtx(ctx, 2*time.Second)
		return
	}

	s.appendConversation("assistant", text)
	s.appendTranscript("response", text)
	s.emit(Event{Kind: EventTurnResponse, Text: text})

	for _, act := range action.Parse(text) {
		a := act
		s.emit(Event{Kind: EventTurnAction, Action: &a})
		s.execute(ctx, a)
		if !s.running {
			break
		}
	}
}

// execute runs one action per spec.md §4.7, inserting a 200ms pacing
// sleep between any two non-Thinking, non-Wait actions.
func (s *Session) execute(ctx context.Context, a action.Action) {
	switch a.Kind {
	case action.Thinking:
		s.emit(Event{Kind: EventTurnThinking, Text: a.Text})
		return // no send, no pacing sleep
	case action.Line:
		s.typeText(ctx, a.Text)
		sleepCtx(ctx, 100*time.Millisecond)
		s.sendKey(ctx, "enter")
	case action.Type:
		s.typeText(ctx, a.Text)
	case action.Key:
		s.sendKey(ctx, a.Text)
	case action.Wait:
		sleepCtx(ctx, time.Duration(a.Ms)*time.Millisecond)
		return // Wait itself carries no extra pacing sleep
	case action.Memory:
		s.memoryNotes = append(s.memoryNotes, a.Text)
		s.emit(Event{Kind: EventMemoryNote, Text: a.Text})
	case action.Disconnect:
		s.running = false
		s.conn.Disconnect()
		return
	}
	sleepCtx(ctx, 200*time.Millisecond)
}

var keyBytes = map[string][]byte{
	"enter":     {'\r', '\n'},
	"esc":       {0x1B},
	"space":     {0x20},
	"backspace": {0x08},
	"tab":       {0x09},
}

func (s *Session) sendKey(ctx context.Context, name string) {
	if b, ok := keyBytes[name]; ok {
		s.sendBytes(ctx, b)
		return
	}
	if len([]rune(name)) == 1 {
		s.sendBytes(ctx, []byte(name))
		return
	}
	_ = s.conn.SendKey(name)
}

func (s *Session) sendBytes(ctx context.Context, b []byte) {
	if err := s.conn.Send(b); err != nil {
		s.emit(Event{Kind: EventError, Err: err, Reason: "send_failed"})
	}
}

func (s *Session) typeText(ctx context.Context, text string) {
	for _, r := range text {
		if ctx.Err() != nil {
			return
		}
		s.sendBytes(ctx, []byte(string(r)))
		delayMs := s.cfg.KeystrokeMinMs
		if s.cfg.KeystrokeMaxMs > s.cfg.KeystrokeMinMs {
			delayMs += rand.Intn(s.cfg.KeystrokeMaxMs - s.cfg.KeystrokeMinMs + 1)
		}
		sleepCtx(ctx, time.Duration(delayMs)*time.Millisecond)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (s *Session) appendConversation(role, content string) {
	s.conversation = append(s.conversation, llmclient.Message{Role: role, Content: content})
}

// trimConversation keeps the system message plus only the last
// maxConversationLines entries.
func (s *Session) trimConversation() {
	if len(s.conversation) <= maxConversationLines+1 {
		return
	}
	system := s.conversation[0]
	rest := s.conversation[len(s.conversation)-maxConversationLines:]
	s.conversation = append([]llmclient.Message{system}, rest...)
}

func (s *Session) appendTranscript(kind, text string) {
	s.transcript = append(s.transcript, memory.TranscriptRecord{
		Turn:      s.turn,
		Type:      kind,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// buildUserMessage implements spec.md §4.5's per-turn user message.
func (s *Session) buildUserMessage(screen string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Turn %d]\n\n", s.turn)
	if s.turn <= contextScreenLookback {
		for _, prior := range s.lastScreens(2) {
			b.WriteString(prior)
			b.WriteString("\n\n")
		}
	}
	b.WriteString("--- Current screen ---\n")
	b.WriteString(screen)
	b.WriteString("\n--- End screen ---\n\nWhat do you do?")
	return b.String()
}

func (s *Session) lastScreens(n int) []string {
	hist := s.buf.History()
	if len(hist) <= 1 {
		return nil
	}
	hist = hist[:len(hist)-1] // exclude the current screen just recorded
	if len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	return hist
}

func lastNChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func stableHash(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum64())
}

// buildSystemMessage assembles the once-per-session system prompt per
// spec.md §4.5: identity, personality, goals/avoid, a credentials-or-
// registration directive, board knowledge, known users sorted by
// handle, active plots, the last 3 session summaries, and the fixed
// action-format spec.
func (s *Session) buildSystemMessage() string {
	p := s.persona
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s (handle: %s), a %d-year-old %s from %s.\n",
		p.Name, p.Handle, p.Age, p.Occupation, p.Location)
	if p.Archetype != "" {
		fmt.Fprintf(&b, "Archetype: %s\n", p.Archetype)
	}
	if len(p.Personality.Traits) > 0 {
		fmt.Fprintf(&b, "Traits: %s\n", strings.Join(p.Personality.Traits, ", "))
	}
	if len(p.Personality.Interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(p.Personality.Interests, ", "))
	}
	if p.Personality.WritingStyle != "" {
		fmt.Fprintf(&b, "Writing style: %s\n", p.Personality.WritingStyle)
	}
	if len(p.Personality.HotButtons) > 0 {
		fmt.Fprintf(&b, "Hot buttons: %s\n", strings.Join(p.Personality.HotButtons, ", "))
	}
	if p.Personality.SocialTendencies != "" {
		fmt.Fprintf(&b, "Social tendencies: %s\n", p.Personality.SocialTendencies)
	}
	if len(p.Behavior.Goals) > 0 {
		fmt.Fprintf(&b, "Goals: %s\n", strings.Join(p.Behavior.Goals, ", "))
	}
	if len(p.Behavior.Avoid) > 0 {
		fmt.Fprintf(&b, "Avoid: %s\n", strings.Join(p.Behavior.Avoid, ", "))
	}

	if s.mem.Credentials.Registered {
		fmt.Fprintf(&b, "\nYou are already registered on this board as %q; log in if prompted.\n", s.mem.Credentials.Username)
	} else {
		fmt.Fprintf(&b, "\nYou are not yet registered on this board; use your registration details if asked to sign up: email %s, real name %s.\n",
			p.Registration.Email, p.Registration.RealName)
	}

	k := s.mem.Knowledge
	if k.BoardName != "" || k.Software != "" || k.Notes != "" {
		fmt.Fprintf(&b, "\nBoard knowledge: name=%q software=%q notes=%q\n", k.BoardName, k.Software, k.Notes)
		if len(k.MessageBases) > 0 {
			fmt.Fprintf(&b, "Message bases: %s\n", strings.Join(k.MessageBases, ", "))
		}
		if len(k.FileAreas) > 0 {
			fmt.Fprintf(&b, "File areas: %s\n", strings.Join(k.FileAreas, ", "))
		}
		if len(k.DoorGames) > 0 {
			fmt.Fprintf(&b, "Door games: %s\n", strings.Join(k.DoorGames, ", "))
		}
	}

	handles := s.mem.SortedHandles()
	if len(handles) > 0 {
		b.WriteString("\nKnown users:\n")
		for _, h := range handles {
			rel := s.mem.Relationships[h]
			fmt.Fprintf(&b, "- %s: role=%s trust=%d respect=%d recent=%s\n",
				h, rel.Role, rel.Trust, rel.Respect, strings.Join(rel.RecentInteractions, "; "))
		}
	}

	if len(s.mem.Plots.Active) > 0 {
		b.WriteString("\nActive plots:\n")
		for _, plot := range s.mem.Plots.Active {
			fmt.Fprintf(&b, "- [%s] %s (status: %s, next: %s)\n", plot.ID, plot.Description, plot.Status, plot.NextSteps)
		}
	}

	if len(s.mem.SessionSummaries) > 0 {
		summaries := s.mem.SessionSummaries
		if len(summaries) > 3 {
			summaries = summaries[len(summaries)-3:]
		}
		b.WriteString("\nLast session summaries:\n")
		for _, sum := range summaries {
			fmt.Fprintf(&b, "- %s\n", sum)
		}
	}

	b.WriteString("\nRespond with one action per line using exactly these prefixes:\n")
	b.WriteString("THINKING: <what you're considering>\n")
	b.WriteString("LINE: <text to type, followed by enter>\n")
	b.WriteString("TYPE: <text to type, no enter>\n")
	b.WriteString("KEY: <enter|esc|space|backspace|tab|y|n|single character>\n")
	b.WriteString("WAIT: <milliseconds, 0-30000>\n")
	b.WriteString("MEMORY: <a note to remember after this session>\n")
	b.WriteString("DISCONNECT: <reason>\n")

	return b.String()
}

// extract runs spec.md §4.4's EXTRACT phase: append collected memory
// notes, ask the memory-extraction collaborator to distill the full
// transcript into updated memory fields, and persist everything.
// Failures are logged and swallowed — the session always ends with
// status done as far as the caller is concerned.
func (s *Session) extract(ctx context.Context) {
	if len(s.memoryNotes) > 0 {
		s.appendConversation("assistant", "MEMORY NOTES:\n"+strings.Join(s.memoryNotes, "\n"))
	}

	s.emit(Event{Kind: EventMemoryExtracting})

	if s.limiter != nil {
		s.limiter.Acquire(ctx)
	}

	extractionPrompt := s.buildExtractionPrompt()
	result, err := llmclient.CallWithRetry(ctx, s.llm, s.cfg.Model, []llmclient.Message{
		{Role: "system", Content: "You distill a BBS session transcript into updated structured memory. Reply with YAML only, matching the requested schema."},
		{Role: "user", Content: extractionPrompt},
	}, s.log)
	if err != nil {
		s.log.WithError(err).Warn("memory extraction failed, leaving prior memory unchanged")
		s.persistTranscriptOnly()
		return
	}

	mergeExtractionYAML(s.mem, result)

	if err := s.store.Save(s.host, s.persona.Handle, s.mem); err != nil {
		s.log.WithError(err).Error("failed to save extracted memory")
	}
	s.persistTranscriptOnly()
	s.emit(Event{Kind: EventMemoryExtracted})
}

func (s *Session) persistTranscriptOnly() {
	if err := s.store.WriteTranscript(s.host, s.persona.Handle, s.sessionID, s.transcript); err != nil {
		s.log.WithError(err).Error("failed to write session transcript")
	}
	if err := s.store.WriteSummary(s.host, s.persona.Handle, s.sessionID, s.buildFallbackSummary()); err != nil {
		s.log.WithError(err).Error("failed to write session summary")
	}
}

func (s *Session) buildExtractionPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Persona: %s (%s)\n\n", s.persona.Name, s.persona.Handle)
	b.WriteString("Transcript:\n")
	for _, rec := range s.transcript {
		fmt.Fprintf(&b, "[%d/%s] %s\n", rec.Turn, rec.Type, rec.Text)
	}
	b.WriteString("\nReply with YAML containing keys: session_summary (string), knowledge, relationships, plots — matching this persona's memory schema.")
	return b.String()
}

func (s *Session) buildFallbackSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", s.sessionID)
	fmt.Fprintf(&b, "- Turns: %d\n", s.turn)
	fmt.Fprintf(&b, "- Started: %s\n", s.startedAt.Format(time.RFC3339))
	if len(s.memoryNotes) > 0 {
		b.WriteString("\n## Notes\n")
		for _, n := range s.memoryNotes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	return b.String()
}

// extractionYAML mirrors the subset of Memory the model is asked to
// return from one session's transcript.
type extractionYAML struct {
	SessionSummary string                          `yaml:"session_summary"`
	Knowledge      memory.Knowledge                `yaml:"knowledge"`
	Relationships  map[string]*memory.Relationship  `yaml:"relationships"`
	Plots          memory.Plots                    `yaml:"plots"`
}

// parseExtractionYAML unmarshals the model's extraction reply, first
// stripping a ```yaml fenced code block if the model wrapped its answer
// in one despite being asked for bare YAML.
func parseExtractionYAML(text string, out *extractionYAML) error {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		if len(lines) > 1 {
			lines = lines[1:]
		}
		if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
			lines = lines[:len(lines)-1]
		}
		trimmed = strings.Join(lines, "\n")
	}
	return yaml.Unmarshal([]byte(trimmed), out)
}

func mergeExtractionYAML(mem *memory.Memory, text string) {
	var parsed extractionYAML
	if err := parseExtractionYAML(text, &parsed); err != nil {
		return
	}

	if parsed.SessionSummary != "" {
		mem.SessionSummaries = append(mem.SessionSummaries, parsed.SessionSummary)
	}
	if parsed.Knowledge.BoardName != "" {
		mem.Knowledge.BoardName = parsed.Knowledge.BoardName
	}
	if parsed.Knowledge.Software != "" {
		mem.Knowledge.Software = parsed.Knowledge.Software
	}
	if parsed.Knowledge.Notes != "" {
		mem.Knowledge.Notes = parsed.Knowledge.Notes
	}
	mem.Knowledge.Menus = mergeUnique(mem.Knowledge.Menus, parsed.Knowledge.Menus)
	mem.Knowledge.MessageBases = mergeUnique(mem.Knowledge.MessageBases, parsed.Knowledge.MessageBases)
	mem.Knowledge.FileAreas = mergeUnique(mem.Knowledge.FileAreas, parsed.Knowledge.FileAreas)
	mem.Knowledge.DoorGames = mergeUnique(mem.Knowledge.DoorGames, parsed.Knowledge.DoorGames)

	if mem.Relationships == nil {
		mem.Relationships = map[string]*memory.Relationship{}
	}
	for handle, rel := range parsed.Relationships {
		existing, ok := mem.Relationships[handle]
		if !ok {
			mem.Relationships[handle] = rel
			continue
		}
		existing.Role = rel.Role
		existing.Trust = rel.Trust
		existing.Respect = rel.Respect
		if rel.Notes != "" {
			existing.Notes = rel.Notes
		}
		existing.RecentInteractions = append(existing.RecentInteractions, rel.RecentInteractions...)
	}

	mem.Plots.Active = parsed.Plots.Active
	mem.Plots.Completed = append(mem.Plots.Completed, parsed.Plots.Completed...)
}

func mergeUnique(existing, incoming []string) []string {
	seen := map[string]bool{}
	for _, v := range existing {
		seen[v] = true
	}
	out := existing
	for _, v := range incoming {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}
