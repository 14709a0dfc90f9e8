package agentsession

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskline/boardfleet/internal/action"
	"github.com/duskline/boardfleet/internal/llmclient"
	"github.com/duskline/boardfleet/internal/memory"
	"github.com/duskline/boardfleet/internal/persona"
	"github.com/duskline/boardfleet/internal/termbuf"
)

// fakeStream is a minimal Stream that records everything sent to it.
type fakeStream struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
	keys      []string
}

func newFakeStream() *fakeStream { return &fakeStream{connected: true} }

func (f *fakeStream) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeStream) SendKey(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, name)
	return nil
}

func (f *fakeStream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStream) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeCompleter returns a fixed reply (or error) to every Complete call
// and records how many times it was invoked.
type fakeCompleter struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
}

func (f *fakeCompleter) Complete(ctx context.Context, model string, messages []llmclient.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPersona() *persona.Persona {
	return &persona.Persona{
		Name:       "Jane Pike",
		Handle:     "jpike",
		Age:        34,
		Location:   "Tacoma, WA",
		Occupation: "radio operator",
		Registration: persona.Registration{
			Email:    "jpike@example.com",
			RealName: "Jane Pike",
		},
	}
}

func newTestSession(t *testing.T, conn Stream, buf *termbuf.Buffer, llm llmclient.Completer) (*Session, *[]Event, string) {
	t.Helper()
	baseDir := t.TempDir()
	store := memory.NewStore(baseDir)
	mem := &memory.Memory{Relationships: map[string]*memory.Relationship{}}
	var events []Event
	var mu sync.Mutex
	onEvent := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	log := logrus.NewEntry(logrus.New())
	cfg := Config{Host: "test.example.com", Model: "test-model"}
	s := New(conn, buf, testPersona(), store, mem, llm, nil, cfg, log, onEvent)
	return s, &events, baseDir
}

func hasEventKind(events []Event, kind EventKind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func TestTickMorePromptShortCircuit(t *testing.T) {
	buf := termbuf.New(15*time.Millisecond, 10*time.Millisecond)
	conn := newFakeStream()
	llm := &fakeCompleter{err: context.DeadlineExceeded} // must never be called
	s, events, _ := newTestSession(t, conn, buf, llm)

	buf.Feed([]byte("Message 1 of 5\r\n[MORE]"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.tick(ctx)

	if llm.callCount() != 0 {
		t.Fatalf("LLM was called %d times, want 0 (more-prompt must short-circuit)", llm.callCount())
	}
	if !hasEventKind(*events, EventTurnMore) {
		t.Fatalf("expected a turn:more event, got %+v", *events)
	}
	if conn.sentCount() == 0 {
		t.Fatal("expected an enter keystroke to be sent for the more-prompt")
	}
	last := conn.sent[len(conn.sent)-1]
	if string(last) != "\r\n" {
		t.Fatalf("sent %q, want a bare enter", last)
	}
}

func TestTickStuckDetectionSendsEscAndResets(t *testing.T) {
	buf := termbuf.New(15*time.Millisecond, 10*time.Millisecond)
	conn := newFakeStream()
	llm := &fakeCompleter{reply: "MEMORY: nothing changed here"}
	s, events, _ := newTestSession(t, conn, buf, llm)

	// The leading cursor-home (ESC [H) redraws the same two lines in place,
	// so every tick sees an identical screen.
	const frozenScreen = "\x1b[HMain Menu\r\nNothing ever changes here\r\n"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 4; i++ {
		buf.Feed([]byte(frozenScreen))
		s.tick(ctx)
	}

	if s.stuckCount != 0 {
		t.Fatalf("stuckCount = %d after the stuck branch fires, want reset to 0", s.stuckCount)
	}
	if !hasEventKind(*events, EventTurnStuck) {
		t.Fatalf("expected a turn:stuck event across 4 identical screens, got %+v", *events)
	}

	// The stuck branch must have sent a raw ESC byte at some point.
	foundEsc := false
	for _, b := range conn.sent {
		if len(b) == 1 && b[0] == 0x1B {
			foundEsc = true
		}
	}
	if !foundEsc {
		t.Fatalf("expected an ESC byte among sent data: %+v", conn.sent)
	}
}

func TestExecuteThinkingHasNoPacingSleep(t *testing.T) {
	buf := termbuf.New(15*time.Millisecond, 10*time.Millisecond)
	conn := newFakeStream()
	s, events, _ := newTestSession(t, conn, buf, &fakeCompleter{})

	start := time.Now()
	s.execute(context.Background(), action.Action{Kind: action.Thinking, Text: "considering options"})
	elapsed := time.Since(start)

	if elapsed > 50*time.Millisecond {
		t.Fatalf("THINKING incurred a pacing sleep: %v", elapsed)
	}
	if !hasEventKind(*events, EventTurnThinking) {
		t.Fatal("expected a turn:thinking event")
	}
	if conn.sentCount() != 0 {
		t.Fatal("THINKING must not send anything to the stream")
	}
}

func TestExecuteKeyHasPacingSleep(t *testing.T) {
	buf := termbuf.New(15*time.Millisecond, 10*time.Millisecond)
	conn := newFakeStream()
	s, _, _ := newTestSession(t, conn, buf, &fakeCompleter{})

	start := time.Now()
	s.execute(context.Background(), action.Action{Kind: action.Key, Text: "y"})
	elapsed := time.Since(start)

	if elapsed < 180*time.Millisecond {
		t.Fatalf("KEY elapsed %v, want >= ~200ms pacing sleep", elapsed)
	}
	if conn.sentCount() == 0 {
		t.Fatal("expected the key to be sent")
	}
}

func TestExecuteWaitUsesOwnDurationNotPacing(t *testing.T) {
	buf := termbuf.New(15*time.Millisecond, 10*time.Millisecond)
	conn := newFakeStream()
	s, _, _ := newTestSession(t, conn, buf, &fakeCompleter{})

	start := time.Now()
	s.execute(context.Background(), action.Action{Kind: action.Wait, Ms: 40})
	elapsed := time.Since(start)

	if elapsed < 40*time.Millisecond || elapsed > 150*time.Millisecond {
		t.Fatalf("WAIT(40ms) elapsed %v, want ~40ms with no extra 200ms pacing", elapsed)
	}
}

func TestExecuteMemoryAppendsNoteWithoutSending(t *testing.T) {
	buf := termbuf.New(15*time.Millisecond, 10*time.Millisecond)
	conn := newFakeStream()
	s, events, _ := newTestSession(t, conn, buf, &fakeCompleter{})

	s.execute(context.Background(), action.Action{Kind: action.Memory, Text: "board uses Renegade"})

	if len(s.memoryNotes) != 1 || s.memoryNotes[0] != "board uses Renegade" {
		t.Fatalf("memoryNotes = %+v, want one note recorded", s.memoryNotes)
	}
	if conn.sentCount() != 0 {
		t.Fatal("MEMORY must not touch the stream")
	}
	if !hasEventKind(*events, EventMemoryNote) {
		t.Fatal("expected a memory:note event")
	}
}

func TestExecuteDisconnectStopsRunning(t *testing.T) {
	buf := termbuf.New(15*time.Millisecond, 10*time.Millisecond)
	conn := newFakeStream()
	s, _, _ := newTestSession(t, conn, buf, &fakeCompleter{})
	s.running = true

	s.execute(context.Background(), action.Action{Kind: action.Disconnect, Text: "done for the night"})

	if s.running {
		t.Fatal("expected running to be cleared after DISCONNECT")
	}
	if conn.IsConnected() {
		t.Fatal("expected the stream to be disconnected")
	}
}

func TestExtractSwallowsLLMFailure(t *testing.T) {
	buf := termbuf.New(15*time.Millisecond, 10*time.Millisecond)
	conn := newFakeStream()
	failing := &fakeCompleter{err: &llmclient.CompletionError{Kind: llmclient.ErrTerminal, Err: os.ErrInvalid}}
	s, events, baseDir := newTestSession(t, conn, buf, failing)
	s.turn = 2
	s.appendTranscript("screen", "Main Menu")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.extract(ctx)

	if hasEventKind(*events, EventMemoryExtracted) {
		t.Fatal("expected no memory:extracted event when extraction fails")
	}
	if !hasEventKind(*events, EventMemoryExtracting) {
		t.Fatal("expected a memory:extracting event before the failed call")
	}
	if len(s.mem.SessionSummaries) != 0 {
		t.Fatalf("mem.SessionSummaries = %+v, want unchanged after a failed extraction", s.mem.SessionSummaries)
	}

	// The transcript and summary must still be written even on failure.
	sessionsDir := filepath.Join(baseDir, "memory", s.host, s.persona.Handle, "sessions")
	files, err := os.ReadDir(sessionsDir)
	if err != nil {
		t.Fatalf("sessions dir not created: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected a transcript and a summary file, got %+v", files)
	}
}

func TestRunEndsOnDisconnectAction(t *testing.T) {
	buf := termbuf.New(15*time.Millisecond, 10*time.Millisecond)
	conn := newFakeStream()
	llm := &fakeCompleter{reply: "DISCONNECT: heading to bed"}
	s, events, _ := newTestSession(t, conn, buf, llm)

	buf.Feed([]byte("Main Menu\r\nCommand?"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Run(ctx)

	if !hasEventKind(*events, EventSessionStart) || !hasEventKind(*events, EventSessionEnd) {
		t.Fatalf("expected session:start and session:end events, got %+v", *events)
	}
	if conn.IsConnected() {
		t.Fatal("expected the stream to end disconnected")
	}
}
