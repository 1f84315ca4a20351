// Package resolver runs the background hostname-resolution worker. The
// event loop submits reverse-lookup requests for freshly accepted peers and
// drains replies one per tick; the worker owns no shared state and talks to
// the loop only through its bounded message channels.
package resolver

import (
	"net"
	"net/netip"
	"strings"
)

// Dest tags a Message with its destination so request and reply traffic
// never collide on the channel pair.
type Dest uint8

const (
	DestWorker Dest = iota + 1 // New request, consumed by the worker
	DestLoop                   // Reply, consumed by the event loop
)

// Family is the address family of a request. FamilyUnspec is the shutdown
// sentinel: a request carrying it tells the worker to clean up and exit.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

// Message is the fixed-shape request/reply exchanged with the worker.
type Message struct {
	Dest     Dest
	Family   Family
	Addr     netip.Addr
	Port     uint16
	Hostname string // Reply only; empty when resolution failed
}

// LookupFunc performs one reverse lookup. Swappable in tests.
type LookupFunc func(addr string) ([]string, error)

// Worker is the resolution worker handle. Start launches the goroutine;
// Shutdown terminates it. All request/reply traffic is message passing.
type Worker struct {
	requests chan Message
	replies  chan Message
	lookup   LookupFunc
}

// New creates a Worker with the given channel depth. A depth of zero gets a
// sensible default.
func New(depth int) *Worker {
	if depth <= 0 {
		depth = 64
	}
	return &Worker{
		requests: make(chan Message, depth),
		replies:  make(chan Message, depth),
		lookup:   net.LookupAddr,
	}
}

// SetLookup replaces the lookup function. Must be called before Start.
func (w *Worker) SetLookup(fn LookupFunc) {
	w.lookup = fn
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	for msg := range w.requests {
		if msg.Dest != DestWorker {
			// A reply leaked onto the request side; drop it.
			continue
		}
		if msg.Family == FamilyUnspec {
			close(w.replies)
			return
		}
		names, err := w.lookup(msg.Addr.String())
		reply := Message{
			Dest:   DestLoop,
			Family: msg.Family,
			Addr:   msg.Addr,
			Port:   msg.Port,
		}
		if err == nil && len(names) > 0 {
			reply.Hostname = strings.TrimSuffix(names[0], ".")
		}
		w.replies <- reply
	}
}

// Request submits an asynchronous reverse-lookup request for addr. Returns
// false when the request channel is full; the caller simply goes without a
// hostname rather than blocking the loop.
func (w *Worker) Request(addr netip.Addr, port uint16) bool {
	fam := FamilyIPv4
	if addr.Is6() && !addr.Is4In6() {
		fam = FamilyIPv6
	}
	msg := Message{Dest: DestWorker, Family: fam, Addr: addr, Port: port}
	select {
	case w.requests <- msg:
		return true
	default:
		return false
	}
}

// Replies exposes the reply channel for the loop's non-blocking drain.
func (w *Worker) Replies() <-chan Message {
	return w.replies
}

// Shutdown sends the unspecified-family sentinel and drains the backlog so
// a worker blocked on a full reply channel can reach the sentinel. Returns
// once the worker has closed its reply channel and exited.
func (w *Worker) Shutdown() {
	w.requests <- Message{Dest: DestWorker, Family: FamilyUnspec}
	for range w.replies {
	}
}
