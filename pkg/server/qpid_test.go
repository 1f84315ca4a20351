package server

import "testing"

func TestPIDTableRotatingHint(t *testing.T) {
	p := newPIDTable(100)
	a := p.alloc(&QueueEntry{})
	p.free(a)
	b := p.alloc(&QueueEntry{})
	if b == a {
		t.Errorf("freed pid %d reissued immediately", a)
	}
}

func TestPIDTableFullLap(t *testing.T) {
	p := newPIDTable(4)
	for i := 0; i < 4; i++ {
		if pid := p.alloc(&QueueEntry{}); pid == 0 {
			t.Fatalf("alloc %d returned sentinel with space free", i)
		}
	}
	if pid := p.alloc(&QueueEntry{}); pid != 0 {
		t.Errorf("alloc on full space = %d, want 0", pid)
	}
	p.free(3)
	if pid := p.alloc(&QueueEntry{}); pid != 3 {
		t.Errorf("alloc after freeing 3 = %d, want 3", pid)
	}
}

func TestPIDTableLookup(t *testing.T) {
	p := newPIDTable(10)
	e := &QueueEntry{Command: "x"}
	pid := p.alloc(e)
	if got := p.lookup(pid); got != e {
		t.Errorf("lookup returned wrong entry")
	}
	p.free(pid)
	if p.lookup(pid) != nil {
		t.Error("lookup after free not nil")
	}
	if p.live() != 0 {
		t.Errorf("live = %d, want 0", p.live())
	}
}
