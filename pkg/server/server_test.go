package server

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/crystal-mush/mushcore/pkg/events"
	"github.com/crystal-mush/mushcore/pkg/world"
)

// fakeConn is a net.Conn whose peer address is under test control. Reads
// block until Close so the reader goroutine sits quietly.
type fakeConn struct {
	remote  string
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written []byte
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{remote: remote, closed: make(chan struct{})}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) LocalAddr() net.Addr { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(c.remote), Port: 4000}
}
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type stubSession struct{}

func (stubSession) LoginCommand(d *Descriptor, line string) LoginResult { return LoginPending }

// recordingSub collects bus events for assertions.
type recordingSub struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSub) Receive(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSub) Closed() bool { return false }

func (r *recordingSub) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	disp := DispatchFunc(func(player, cause world.DBRef, command string, args []string, rdata *RegisterData, entry *QueueEntry) error {
		return nil
	})
	return NewServer(cfg, newMockStore(), world.NopHooks{}, stubSession{}, disp)
}

func TestAcceptConfiguresDescriptor(t *testing.T) {
	s := newTestServer(t)
	conn := newFakeConn("203.0.113.9")
	s.accept(conn)
	defer conn.Close()

	d := s.conns.find(1)
	if d == nil {
		t.Fatal("accept did not register a descriptor")
	}
	want := time.Duration(s.cfg.IdleTimeout) * time.Second
	if d.Timeout != want {
		t.Errorf("Timeout = %v, want %v", d.Timeout, want)
	}
	if d.Access != SiteTrust {
		t.Errorf("Access = %v, want SiteTrust", d.Access)
	}
	if d.Quota != s.cfg.CmdQuotaMax {
		t.Errorf("Quota = %d, want %d", d.Quota, s.cfg.CmdQuotaMax)
	}
}

func TestForbiddenSiteRejectEvent(t *testing.T) {
	s := newTestServer(t)
	path := writeSiteFile(t, "forbid 192.0.2.0/24\n")
	if err := s.sites.Load(path); err != nil {
		t.Fatal(err)
	}
	global := &recordingSub{}
	zero := &recordingSub{}
	s.bus.SubscribeGlobal(global)
	s.bus.Subscribe(0, zero)

	conn := newFakeConn("192.0.2.5")
	s.accept(conn)

	if s.conns.len() != 0 {
		t.Errorf("forbidden peer got a descriptor")
	}
	if !conn.isClosed() {
		t.Errorf("forbidden peer's socket left open")
	}
	evs := global.Events()
	if len(evs) != 1 || evs[0].Type != events.EvReject {
		t.Fatalf("global events = %+v, want one EvReject", evs)
	}
	if evs[0].Player != world.Nothing {
		t.Errorf("reject event player = %d, want Nothing", evs[0].Player)
	}
	if got := zero.Events(); len(got) != 0 {
		t.Errorf("player #0 subscriber received unrelated events: %+v", got)
	}
}

func TestShutdownEventCarriesNoPlayer(t *testing.T) {
	s := newTestServer(t)
	global := &recordingSub{}
	zero := &recordingSub{}
	s.bus.SubscribeGlobal(global)
	s.bus.Subscribe(0, zero)

	s.closeSockets(false, "Going down - Bye.")

	evs := global.Events()
	if len(evs) != 1 || evs[0].Type != events.EvShutdown {
		t.Fatalf("global events = %+v, want one EvShutdown", evs)
	}
	if evs[0].Player != world.Nothing {
		t.Errorf("shutdown event player = %d, want Nothing", evs[0].Player)
	}
	if got := zero.Events(); len(got) != 0 {
		t.Errorf("player #0 subscriber received unrelated events: %+v", got)
	}
}

func TestDisconnectUnboundSkipsAccounting(t *testing.T) {
	s := newTestServer(t)
	global := &recordingSub{}
	s.bus.SubscribeGlobal(global)

	conn := newFakeConn("198.51.100.7")
	s.accept(conn)
	d := s.conns.find(1)
	if d == nil {
		t.Fatal("accept did not register a descriptor")
	}
	s.disconnect(d, ReasonNetFailure)

	if s.conns.len() != 0 {
		t.Errorf("descriptor still registered after disconnect")
	}
	for _, ev := range global.Events() {
		if ev.Type == events.EvDisconnect {
			t.Errorf("never-connected descriptor emitted a disconnect record: %+v", ev)
		}
	}
}
