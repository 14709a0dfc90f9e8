package telnet

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// newTestConn wires a Conn to one end of an in-memory pipe so negotiation
// and data forwarding can be tested without a real socket.
func newTestConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	c := &Conn{conn: local, connected: true}
	go c.readLoop()
	t.Cleanup(func() { c.Disconnect() })
	return c, remote
}

// TestNegotiationE1 is scenario E1 from spec.md §8: feeding
// FF FD 18 FF FD 1F 48 69 must produce the exact negotiation reply and
// forward "Hi" upward.
func TestNegotiationE1(t *testing.T) {
	c, remote := newTestConn(t)

	var gotData []byte
	dataCh := make(chan struct{}, 1)
	c.OnData = func(b []byte) {
		gotData = append(gotData, b...)
		select {
		case dataCh <- struct{}{}:
		default:
		}
	}

	input := []byte{0xFF, 0xFD, 0x18, 0xFF, 0xFD, 0x1F, 0x48, 0x69}
	go remote.Write(input)

	want := []byte{
		0xFF, 0xFB, 0x18,
		0xFF, 0xFB, 0x1F,
		0xFF, 0xFA, 0x1F, 0x00, 0x50, 0x00, 0x18, 0xFF, 0xF0,
	}
	got := make([]byte, len(want))
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n := 0
	for n < len(want) {
		m, err := remote.Read(got[n:])
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		n += m
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("negotiation reply = % X, want % X", got, want)
	}

	select {
	case <-dataCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data event")
	}
	if string(gotData) != "Hi" {
		t.Fatalf("forwarded data = %q, want %q", gotData, "Hi")
	}
}

// TestTelnetTransparency is property 5 from spec.md §8.
func TestTelnetTransparency(t *testing.T) {
	c, remote := newTestConn(t)

	var gotData []byte
	done := make(chan struct{})
	c.OnData = func(b []byte) {
		gotData = append(gotData, b...)
		if len(gotData) >= 5 {
			close(done)
		}
	}

	plain := []byte("hello")
	go remote.Write(plain)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for plain data")
	}
	if string(gotData) != "hello" {
		t.Fatalf("plain passthrough = %q, want %q", gotData, "hello")
	}
}

func TestTelnetTransparencyEscapedIAC(t *testing.T) {
	c, remote := newTestConn(t)

	gotData := make(chan []byte, 1)
	c.OnData = func(b []byte) {
		cp := append([]byte(nil), b...)
		gotData <- cp
	}

	go remote.Write([]byte{0xFF, 0xFF})

	select {
	case got := <-gotData:
		if !bytes.Equal(got, []byte{0xFF}) {
			t.Fatalf("escaped IAC pair forwarded as % X, want single 0xFF", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for escaped IAC byte")
	}
}

func TestSendKeyMapping(t *testing.T) {
	c, remote := newTestConn(t)

	cases := []struct {
		key  string
		want []byte
	}{
		{"enter", []byte{'\r', '\n'}},
		{"esc", []byte{0x1B}},
		{"space", []byte{0x20}},
		{"backspace", []byte{0x08}},
		{"tab", []byte{0x09}},
		{"q", []byte{'q'}},
	}

	for _, tc := range cases {
		// net.Pipe is unbuffered: a write blocks until the other end reads,
		// so SendKey runs concurrently with the read below.
		errCh := make(chan error, 1)
		go func(key string) { errCh <- c.SendKey(key) }(tc.key)
		got := make([]byte, len(tc.want))
		remote.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := readFull(remote, got); err != nil {
			t.Fatalf("SendKey(%q) read: %v", tc.key, err)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("SendKey(%q): %v", tc.key, err)
		}
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("SendKey(%q) = % X, want % X", tc.key, got, tc.want)
		}
	}

	if err := c.SendKey("multichar"); err == nil {
		t.Fatal("expected error for multi-character non-well-known key")
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

func TestIsConnectedAndDisconnect(t *testing.T) {
	c, _ := newTestConn(t)
	if !c.IsConnected() {
		t.Fatal("expected connected immediately after setup")
	}
	c.Disconnect()
	time.Sleep(50 * time.Millisecond)
	if c.IsConnected() {
		t.Fatal("expected disconnected after Disconnect")
	}
}

func TestDisconnectFiresOnCloseOnce(t *testing.T) {
	c, _ := newTestConn(t)
	var closes int
	closed := make(chan struct{}, 4)
	c.OnClose = func() {
		closes++
		closed <- struct{}{}
	}
	c.Disconnect()
	c.Disconnect()
	time.Sleep(100 * time.Millisecond)
	if closes != 1 {
		t.Fatalf("OnClose fired %d times, want exactly 1", closes)
	}
}
