package server

// MaxGlobalRegs is the number of positional q-registers (%q0-%q9, %qa-%qz).
const MaxGlobalRegs = 36

// RegisterData is the register context snapshot carried by a queue entry.
// A deep copy is taken when the entry is enqueued so later mutations by the
// enqueuing task cannot leak in; at execution the snapshot is moved, not
// copied, into the execution context.
type RegisterData struct {
	QRegs  [MaxGlobalRegs]string // %q0-%q9, %qa-%qz
	QLens  [MaxGlobalRegs]int
	QAlloc int
	XRegs  map[string]string // Named registers %q<name>
	Dirty  int
}

// NewRegisterData creates a RegisterData with defaults.
func NewRegisterData() *RegisterData {
	return &RegisterData{
		QAlloc: MaxGlobalRegs,
		XRegs:  make(map[string]string),
	}
}

// Clone deep-copies the register data. A nil receiver clones to nil, which
// an entry with no register context carries straight through.
func (r *RegisterData) Clone() *RegisterData {
	if r == nil {
		return nil
	}
	nr := &RegisterData{
		QAlloc: r.QAlloc,
		Dirty:  r.Dirty,
		XRegs:  make(map[string]string, len(r.XRegs)),
	}
	copy(nr.QRegs[:], r.QRegs[:])
	copy(nr.QLens[:], r.QLens[:])
	for k, v := range r.XRegs {
		nr.XRegs[k] = v
	}
	return nr
}

// Set stores a positional register and its length bookkeeping.
func (r *RegisterData) Set(i int, val string) {
	if i < 0 || i >= MaxGlobalRegs {
		return
	}
	r.QRegs[i] = val
	r.QLens[i] = len(val)
	r.Dirty++
}

// SetNamed stores a named register.
func (r *RegisterData) SetNamed(name, val string) {
	if r.XRegs == nil {
		r.XRegs = make(map[string]string)
	}
	r.XRegs[name] = val
	r.Dirty++
}
