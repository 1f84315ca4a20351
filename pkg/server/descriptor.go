package server

import (
	"net"
	"net/netip"
	"time"

	"github.com/crystal-mush/mushcore/pkg/world"
)

// ConnState tracks the state of a connection.
type ConnState int

const (
	ConnPending ConnState = iota // Awaiting login commands
	ConnPlaying                  // Bound to a player
)

const (
	maxInputLine   = 1024  // Longest accepted command line
	outputLimit    = 16384 // Queued output above this is discarded oldest-first
	defaultRetries = 3
)

// Descriptor represents a single client connection. All fields are owned
// by the event loop goroutine; the only other party that touches a
// Descriptor is its reader goroutine, which owns nothing here and only
// delivers raw chunks over the server's input channel.
type Descriptor struct {
	ID       int
	Conn     net.Conn
	State    ConnState
	Player   world.DBRef
	Addr     string // Hostname once resolved, dotted quad until then
	IPAddr   netip.Addr
	Port     uint16
	ConnTime time.Time
	LastCmd  time.Time
	Retries  int           // Failed logins remaining before the boot
	Quota    int           // Commands this descriptor may still run this slice
	Timeout  time.Duration // Idle limit consulted by the dispatch layer
	Access   SiteAccess    // Admission class, for the session layer

	raw    []byte   // Partial input line under edit
	input  []string // Completed lines awaiting their quota slot
	output [][]byte // Queued output blocks, flushed when writable

	outBytes  int // Total bytes sitting in output
	lostIn    int // Input bytes dropped to line-length overflow
	lostOut   int // Output bytes discarded to the output limit
	lostNoted int // High-water mark of lostOut already reported

	CmdCount  int // Commands entered this session
	BytesRecv int
	BytesSent int

	OutputPrefix string // Written before each command's output
	OutputSuffix string // Written after each command's output

	next *Descriptor // Registry chain
}

func newDescriptor(id int, conn net.Conn, quota int) *Descriptor {
	now := time.Now()
	d := &Descriptor{
		ID:       id,
		Conn:     conn,
		State:    ConnPending,
		Player:   world.Nothing,
		ConnTime: now,
		LastCmd:  now,
		Retries:  defaultRetries,
		Quota:    quota,
	}
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		d.IPAddr = ap.Addr().Unmap()
		d.Port = ap.Port()
		d.Addr = d.IPAddr.String()
	} else {
		d.Addr = conn.RemoteAddr().String()
	}
	return d
}

// queueWrite appends a block to the pending output. When the total queued
// output would exceed the limit, the oldest blocks are discarded first and
// counted as lost; a slow client loses scrollback, never stalls the loop.
func (d *Descriptor) queueWrite(data []byte) {
	if len(data) == 0 {
		return
	}
	for d.outBytes+len(data) > outputLimit && len(d.output) > 0 {
		drop := d.output[0]
		d.output = d.output[1:]
		d.outBytes -= len(drop)
		d.lostOut += len(drop)
	}
	block := append([]byte(nil), data...)
	d.output = append(d.output, block)
	d.outBytes += len(block)
}

// queueString queues a text message, normalizing the line ending for
// telnet-style clients.
func (d *Descriptor) queueString(msg string) {
	if msg == "" {
		return
	}
	if msg[len(msg)-1] != '\n' {
		msg += "\r\n"
	}
	d.queueWrite([]byte(msg))
}

// Send queues a text message for the client. Loop goroutine only; the
// flush happens at the end of the tick.
func (d *Descriptor) Send(msg string) {
	d.queueString(msg)
}

// flushOutput writes as much queued output as the socket will take. A
// deadline-expired write is not an error: whatever did not fit stays
// queued for the next tick. Any other failure reports connection death.
func (d *Descriptor) flushOutput() error {
	for len(d.output) > 0 {
		d.Conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := d.Conn.Write(d.output[0])
		d.BytesSent += n
		if n == len(d.output[0]) {
			d.output = d.output[1:]
			d.outBytes -= n
		} else if n > 0 {
			d.output[0] = d.output[0][n:]
			d.outBytes -= n
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil // Would block; retry next tick
			}
			return err
		}
	}
	d.Conn.SetWriteDeadline(time.Time{})
	return nil
}

// hasOutput reports whether any output is still queued.
func (d *Descriptor) hasOutput() bool {
	return len(d.output) > 0
}

// processInput folds a raw chunk from the reader into the descriptor's
// line edit buffer: newline completes a command, backspace and DEL erase
// with a terminal echo correction, and anything outside printable ASCII
// plus tab, escape and bell is dropped. Over-length lines lose their
// excess, counted per byte.
func (d *Descriptor) processInput(chunk []byte) {
	d.BytesRecv += len(chunk)
	for _, c := range chunk {
		switch {
		case c == '\n':
			if len(d.raw) > 0 {
				d.input = append(d.input, string(d.raw))
				d.raw = d.raw[:0]
			}
		case c == '\r':
			// Ignored; the newline does the work.
		case c == '\b' || c == 0x7f:
			if len(d.raw) > 0 {
				d.raw = d.raw[:len(d.raw)-1]
			}
			if c == 0x7f {
				d.queueWrite([]byte("\b \b"))
			} else {
				d.queueWrite([]byte(" \b"))
			}
		case c >= ' ' && c < 0x7f, c == '\t', c == 0x1b, c == 0x07:
			if len(d.raw) < maxInputLine {
				d.raw = append(d.raw, c)
			} else {
				d.lostIn++
			}
		}
	}
}

// nextCommand pops the oldest completed input line, if any.
func (d *Descriptor) nextCommand() (string, bool) {
	if len(d.input) == 0 {
		return "", false
	}
	cmd := d.input[0]
	d.input = d.input[1:]
	return cmd, true
}

// recycle resets a descriptor back to the pending-auth state after a
// logout, keeping the socket and its resolved address.
func (d *Descriptor) recycle(quota int) {
	now := time.Now()
	d.State = ConnPending
	d.Player = world.Nothing
	d.ConnTime = now
	d.LastCmd = now
	d.Retries = defaultRetries
	d.Quota = quota
	d.CmdCount = 0
	d.BytesRecv = 0
	d.BytesSent = 0
	d.lostIn = 0
	d.lostOut = 0
	d.lostNoted = 0
	d.raw = nil
	d.input = nil
	d.OutputPrefix = ""
	d.OutputSuffix = ""
}

// connSecs is the session length used in accounting records.
func (d *Descriptor) connSecs(now time.Time) int {
	return int(now.Sub(d.ConnTime) / time.Second)
}
