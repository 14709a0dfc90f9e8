package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/duskline/boardfleet/internal/termbuf"
)

// testMirror builds a Mirror over a non-TTY buffer so Run never tries to
// touch stdin's raw mode, which would fail under `go test`.
func testMirror(buf *termbuf.Buffer, out *bytes.Buffer) *Mirror {
	return &Mirror{buf: buf, out: out, label: "jpike@test.example.com"}
}

func TestRenderIncludesLabelAndScreenText(t *testing.T) {
	buf := termbuf.New(50*time.Millisecond, 20*time.Millisecond)
	buf.Feed([]byte("Welcome to The Wire\r\nCommand? "))

	var out bytes.Buffer
	m := testMirror(buf, &out)
	m.render()

	rendered := out.String()
	if !strings.Contains(rendered, "jpike@test.example.com") {
		t.Fatalf("render output missing label: %s", rendered)
	}
	if !strings.Contains(rendered, "Welcome to The Wire") {
		t.Fatalf("render output missing screen text: %s", rendered)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	buf := termbuf.New(50*time.Millisecond, 20*time.Millisecond)
	var out bytes.Buffer
	m := testMirror(buf, &out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, cancel)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
