package server

// registry owns the set of live descriptors as a head-linked chain:
// accepts are O(1) head inserts and teardown unlinks in one pass. Only
// the loop goroutine touches it.
type registry struct {
	head  *Descriptor
	count int
}

// add links d at the head of the chain.
func (r *registry) add(d *Descriptor) {
	d.next = r.head
	r.head = d
	r.count++
}

// remove unlinks d. Unknown descriptors are ignored.
func (r *registry) remove(d *Descriptor) {
	if r.head == d {
		r.head = d.next
		d.next = nil
		r.count--
		return
	}
	for p := r.head; p != nil; p = p.next {
		if p.next == d {
			p.next = d.next
			d.next = nil
			r.count--
			return
		}
	}
}

// each calls fn for every descriptor. fn may not mutate the chain; callers
// that tear down collect first, then remove.
func (r *registry) each(fn func(*Descriptor)) {
	for d := r.head; d != nil; d = d.next {
		fn(d)
	}
}

// find returns the descriptor with the given ID, or nil.
func (r *registry) find(id int) *Descriptor {
	for d := r.head; d != nil; d = d.next {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (r *registry) len() int { return r.count }
