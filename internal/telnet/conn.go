// Package telnet opens an outbound TCP stream to a bulletin-board host and
// performs the minimal telnet option negotiation needed to drive an
// interactive screen: terminal type, window size, and suppress-go-ahead.
// It is a client, not a server — the corpus's one telnet implementation
// (vision3's internal/telnetserver) negotiates from the server side, so
// every DO/WILL response below is the client-polarity mirror of that file.
package telnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Telnet command bytes (RFC 854).
const (
	cmdSE   byte = 240
	cmdSB   byte = 250
	cmdWILL byte = 251
	cmdWONT byte = 252
	cmdDO   byte = 253
	cmdDONT byte = 254
	cmdIAC  byte = 255
)

// Telnet option bytes this client negotiates.
const (
	optEcho     byte = 1
	optSGA      byte = 3
	optTermType byte = 24
	optNAWS     byte = 31
)

// Terminal-type subnegotiation subcommands (RFC 1091).
const (
	termTypeIS   byte = 0
	termTypeSEND byte = 1
)

// Cols and Rows are the fixed screen dimensions this client advertises via
// NAWS and that the virtual terminal renders into.
const (
	Cols = 80
	Rows = 24
)

// InactivityTimeout forces the connection closed after this much silence
// from the host, per spec.md §4.1.
const InactivityTimeout = 30 * time.Second

type parseState int

const (
	stData parseState = iota
	stIAC
	stWill
	stWont
	stDo
	stDont
	stSB
	stSBIAC
)

// wellKnownKeys maps an action Key name to the bytes written to the stream.
var wellKnownKeys = map[string][]byte{
	"enter":     {'\r', '\n'},
	"esc":       {0x1B},
	"space":     {0x20},
	"backspace": {0x08},
	"tab":       {0x09},
	"y":         {'y'},
	"n":         {'n'},
}

// Conn drives a single outbound telnet-ish stream to a board host.
//
// OnData, OnClose, and OnError are invoked from the connection's internal
// read goroutine and must never block — slow consumers should hand off to
// a buffered channel, matching the "never backpressure the loop" rule
// applied to every event source in this codebase.
type Conn struct {
	Host string
	Port int

	OnData  func([]byte)
	OnClose func()
	OnError func(error)

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	writeMu sync.Mutex

	state    parseState
	sbOption byte
	sbBuf    []byte

	closeOnce sync.Once
}

// New creates a Conn targeting host:port. Call Connect to open it.
func New(host string, port int) *Conn {
	return &Conn{Host: host, Port: port}
}

// Connect dials the host and starts the background read loop.
func (c *Conn) Connect(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.Host, c.Port))
	if err != nil {
		return fmt.Errorf("telnet: dial %s:%d: %w", c.Host, c.Port, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.state = stData
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// IsConnected reports whether the stream is currently open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes raw bytes to the stream, escaping any literal 0xFF.
func (c *Conn) Send(b []byte) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("telnet: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := conn.Write(escapeIAC(b))
	return err
}

// SendKey writes the byte sequence for a named key, or a single character
// key, per the mapping in spec.md §4.7.
func (c *Conn) SendKey(name string) error {
	b, ok := wellKnownKeys[name]
	if !ok {
		if len(name) != 1 {
			return fmt.Errorf("telnet: unknown key %q", name)
		}
		b = []byte(name)
	}
	return c.Send(b)
}

// Disconnect closes the stream. OnClose fires exactly once regardless of
// whether Disconnect or a read error triggered the close.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.finish(nil)
}

func (c *Conn) readLoop() {
	buf := make([]byte, 4096)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(InactivityTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			c.handleBytes(buf[:n])
		}
		if err != nil {
			c.finish(err)
			return
		}
	}
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.connected = false
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if err != nil && !errors.Is(err, io.EOF) && c.OnError != nil {
			c.OnError(err)
		}
		if c.OnClose != nil {
			c.OnClose()
		}
	})
}

// handleBytes runs the IAC state machine over one chunk of input, forwarding
// clean data bytes via OnData and replying to negotiation inline.
func (c *Conn) handleBytes(b []byte) {
	var out []byte
	flush := func() {
		if len(out) > 0 {
			if c.OnData != nil {
				c.OnData(out)
			}
			out = nil
		}
	}

	for _, by := range b {
		switch c.state {
		case stData:
			if by == cmdIAC {
				c.state = stIAC
				continue
			}
			out = append(out, by)

		case stIAC:
			switch by {
			case cmdIAC:
				out = append(out, 0xFF)
				c.state = stData
			case cmdWILL:
				c.state = stWill
			case cmdWONT:
				c.state = stWont
			case cmdDO:
				c.state = stDo
			case cmdDONT:
				c.state = stDont
			case cmdSB:
				c.sbBuf = c.sbBuf[:0]
				c.state = stSB
			default:
				// GA and other argument-less commands: consume and ignore.
				c.state = stData
			}

		case stWill:
			flush()
			c.handleWill(by)
			c.state = stData

		case stWont:
			flush()
			c.handleWont(by)
			c.state = stData

		case stDo:
			flush()
			c.handleDo(by)
			c.state = stData

		case stDont:
			flush()
			c.handleDont(by)
			c.state = stData

		case stSB:
			if by == cmdIAC {
				c.state = stSBIAC
				continue
			}
			c.sbBuf = append(c.sbBuf, by)

		case stSBIAC:
			switch by {
			case cmdSE:
				flush()
				c.handleSubnegotiation(c.sbBuf)
				c.state = stData
			case cmdIAC:
				c.sbBuf = append(c.sbBuf, 0xFF)
				c.state = stSB
			default:
				c.state = stData
			}
		}
	}
	flush()
}

func (c *Conn) handleDo(opt byte) {
	switch opt {
	case optTermType, optNAWS, optSGA:
		c.writeCmd(cmdWILL, opt)
		if opt == optNAWS {
			c.sendNAWS()
		}
	default:
		c.writeCmd(cmdWONT, opt)
	}
}

func (c *Conn) handleWill(opt byte) {
	switch opt {
	case optEcho, optSGA:
		c.writeCmd(cmdDO, opt)
	default:
		c.writeCmd(cmdDONT, opt)
	}
}

func (c *Conn) handleWont(opt byte) {
	c.writeCmd(cmdDONT, opt)
}

func (c *Conn) handleDont(opt byte) {
	c.writeCmd(cmdWONT, opt)
}

func (c *Conn) sendNAWS() {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], Cols)
	binary.BigEndian.PutUint16(payload[2:4], Rows)
	c.writeSubnegotiation(optNAWS, payload)
}

func (c *Conn) handleSubnegotiation(data []byte) {
	if len(data) >= 2 && data[0] == optTermType && data[1] == termTypeSEND {
		reply := append([]byte{termTypeIS}, []byte("ANSI")...)
		c.writeSubnegotiation(optTermType, reply)
	}
}

func (c *Conn) writeCmd(cmd, opt byte) {
	c.writeRaw([]byte{cmdIAC, cmd, opt})
}

func (c *Conn) writeSubnegotiation(opt byte, data []byte) {
	buf := make([]byte, 0, len(data)+5)
	buf = append(buf, cmdIAC, cmdSB, opt)
	buf = append(buf, escapeIAC(data)...)
	buf = append(buf, cmdIAC, cmdSE)
	c.writeRaw(buf)
}

func (c *Conn) writeRaw(b []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.Write(b)
}

func escapeIAC(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, by := range b {
		out = append(out, by)
		if by == cmdIAC {
			out = append(out, cmdIAC)
		}
	}
	return out
}
