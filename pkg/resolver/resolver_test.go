package resolver

import (
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestWorkerResolves(t *testing.T) {
	w := New(4)
	w.SetLookup(func(addr string) ([]string, error) {
		if addr != "10.1.2.3" {
			t.Errorf("lookup got %q, want 10.1.2.3", addr)
		}
		return []string{"host.example.com."}, nil
	})
	w.Start()

	if !w.Request(netip.MustParseAddr("10.1.2.3"), 4201) {
		t.Fatal("request refused on empty channel")
	}
	select {
	case reply := <-w.Replies():
		if reply.Dest != DestLoop {
			t.Errorf("reply dest = %d, want DestLoop", reply.Dest)
		}
		if reply.Family != FamilyIPv4 {
			t.Errorf("reply family = %d, want FamilyIPv4", reply.Family)
		}
		if reply.Hostname != "host.example.com" {
			t.Errorf("hostname = %q, want host.example.com", reply.Hostname)
		}
		if reply.Port != 4201 {
			t.Errorf("port = %d, want 4201", reply.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from worker")
	}
	w.Shutdown()
}

func TestWorkerLookupFailure(t *testing.T) {
	w := New(4)
	w.SetLookup(func(string) ([]string, error) {
		return nil, errors.New("nxdomain")
	})
	w.Start()

	w.Request(netip.MustParseAddr("192.0.2.9"), 23)
	select {
	case reply := <-w.Replies():
		if reply.Hostname != "" {
			t.Errorf("hostname = %q, want empty on failure", reply.Hostname)
		}
		if reply.Addr != netip.MustParseAddr("192.0.2.9") {
			t.Errorf("addr = %v, want 192.0.2.9", reply.Addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from worker")
	}
	w.Shutdown()
}

func TestWorkerIPv6Family(t *testing.T) {
	w := New(4)
	w.SetLookup(func(string) ([]string, error) { return nil, nil })
	w.Start()

	w.Request(netip.MustParseAddr("2001:db8::1"), 4201)
	reply := <-w.Replies()
	if reply.Family != FamilyIPv6 {
		t.Errorf("family = %d, want FamilyIPv6", reply.Family)
	}
	w.Shutdown()
}

func TestWorkerShutdownClosesReplies(t *testing.T) {
	w := New(4)
	w.SetLookup(func(string) ([]string, error) { return nil, nil })
	w.Start()
	w.Shutdown()

	select {
	case _, ok := <-w.Replies():
		if ok {
			t.Error("expected closed reply channel after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply channel never closed")
	}
}

func TestRequestBackpressure(t *testing.T) {
	w := New(1)
	// Never started: the single slot fills and the second request must
	// be refused without blocking.
	if !w.Request(netip.MustParseAddr("10.0.0.1"), 1) {
		t.Fatal("first request refused")
	}
	if w.Request(netip.MustParseAddr("10.0.0.2"), 2) {
		t.Error("second request accepted on full channel")
	}
}

func TestShutdownDrainsReplyBacklog(t *testing.T) {
	w := New(1)
	w.SetLookup(func(string) ([]string, error) {
		return []string{"host.example.com."}, nil
	})
	w.Start()

	// Two lookups against a depth-1 reply channel: the worker ends up
	// blocked delivering the second reply.
	for i := 0; i < 2; i++ {
		for !w.Request(netip.MustParseAddr("10.0.0.1"), uint16(i+1)) {
			time.Sleep(time.Millisecond)
		}
	}

	done := make(chan struct{})
	go func() {
		w.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not drain the reply backlog")
	}
	if _, ok := <-w.Replies(); ok {
		t.Error("reply channel still open after shutdown")
	}
}
