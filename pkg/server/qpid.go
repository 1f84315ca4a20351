package server

// pidTable allocates queue PIDs from a bounded space with a rotating hint,
// so freshly freed PIDs are not reissued immediately. PID 0 is the
// exhaustion sentinel and is never allocated.
type pidTable struct {
	entries map[int]*QueueEntry
	next    int // Rotating allocation hint
	max     int // Top of the PID space, inclusive
}

func newPIDTable(max int) *pidTable {
	if max <= 0 {
		max = defaultPIDMax
	}
	return &pidTable{
		entries: make(map[int]*QueueEntry),
		next:    1,
		max:     max,
	}
}

// alloc finds the next free PID at or after the hint, wrapping once. It
// returns 0 when every PID in the space is live.
func (p *pidTable) alloc(qe *QueueEntry) int {
	for i := 0; i < p.max; i++ {
		pid := p.next
		p.next++
		if p.next > p.max {
			p.next = 1
		}
		if _, live := p.entries[pid]; !live {
			p.entries[pid] = qe
			return pid
		}
	}
	return 0
}

// lookup returns the live entry for pid, or nil.
func (p *pidTable) lookup(pid int) *QueueEntry {
	return p.entries[pid]
}

// free releases pid. The hint is not rewound; the space keeps rotating.
func (p *pidTable) free(pid int) {
	delete(p.entries, pid)
}

func (p *pidTable) live() int {
	return len(p.entries)
}
