package world

import "sync"

// Object is one entry in the reference in-memory store.
type Object struct {
	Ref      DBRef
	Name     string
	Flags    string
	Owner    DBRef
	Location DBRef
	Pennies  int
	Player   bool
	Halted   bool
	Password string // Used only by the standalone server's login handler
}

type memSemKey struct {
	obj  DBRef
	attr int
}

// MemStore is a reference Store kept entirely in memory. The standalone
// server runs on it; real games plug in their own database layer.
type MemStore struct {
	mu       sync.Mutex
	objects  map[DBRef]*Object
	queue    map[DBRef]int
	sems     map[memSemKey]int
	nextRef  DBRef
	QueueCap int // Per-owner queue quota handed to every owner
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects:  make(map[DBRef]*Object),
		queue:    make(map[DBRef]int),
		sems:     make(map[memSemKey]int),
		QueueCap: 100,
	}
}

// Add installs an object and returns its ref.
func (m *MemStore) Add(o Object) DBRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.nextRef
	m.nextRef++
	o.Ref = ref
	if o.Owner == 0 && !o.Player {
		o.Owner = ref
	}
	if o.Player {
		o.Owner = ref
	}
	m.objects[ref] = &o
	return ref
}

// Get returns the object for ref, or nil.
func (m *MemStore) Get(ref DBRef) *Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[ref]
}

// FindPlayer looks a player up by name.
func (m *MemStore) FindPlayer(name string) *Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.objects {
		if o.Player && o.Name == name {
			return o
		}
	}
	return nil
}

func (m *MemStore) Good(obj DBRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[obj]
	return ok
}

func (m *MemStore) IsPlayer(obj DBRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.objects[obj]
	return o != nil && o.Player
}

func (m *MemStore) Owner(obj DBRef) DBRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.objects[obj]; o != nil {
		return o.Owner
	}
	return obj
}

func (m *MemStore) Halted(obj DBRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.objects[obj]
	return o != nil && o.Halted
}

func (m *MemStore) SetHalted(obj DBRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.objects[obj]; o != nil {
		o.Halted = true
	}
}

// ClearHalted lifts a halt, for the @halt/clear admin path.
func (m *MemStore) ClearHalted(obj DBRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.objects[obj]; o != nil {
		o.Halted = false
	}
}

func (m *MemStore) Name(obj DBRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.objects[obj]; o != nil {
		return o.Name
	}
	return ""
}

func (m *MemStore) FlagDesc(obj DBRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.objects[obj]; o != nil {
		return o.Flags
	}
	return ""
}

func (m *MemStore) Location(obj DBRef) DBRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.objects[obj]; o != nil {
		return o.Location
	}
	return Nothing
}

func (m *MemStore) Pennies(obj DBRef) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.objects[obj]; o != nil {
		return o.Pennies
	}
	return 0
}

func (m *MemStore) Payfor(obj DBRef, cost int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.objects[obj]
	if o == nil || o.Pennies < cost {
		return false
	}
	o.Pennies -= cost
	return true
}

func (m *MemStore) GiveTo(obj DBRef, amount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.objects[obj]; o != nil {
		o.Pennies += amount
	}
}

func (m *MemStore) QueueCount(owner DBRef, delta int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[owner] += delta
	return m.queue[owner]
}

func (m *MemStore) SetQueueCount(owner DBRef, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[owner] = count
}

func (m *MemStore) QueueMax(owner DBRef) int {
	return m.QueueCap
}

func (m *MemStore) SemCount(doer, obj DBRef, delta int, attr int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memSemKey{obj, attr}
	m.sems[k] += delta
	return m.sems[k]
}

func (m *MemStore) ClearSem(obj DBRef, attr int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sems, memSemKey{obj, attr})
}
