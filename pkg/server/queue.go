package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/mushcore/pkg/world"
)

// ImminentWindow is how close a deadline must be before next_wakeup stops
// subtracting and just asks for a one-second tick. Overridable for games
// that run a longer fairness slice.
var ImminentWindow = 2 * time.Second

const (
	defaultPIDMax        = 10000
	defaultWakeupCeiling = 1000 * time.Second
)

var (
	// ErrNoFunds means the submitter could not pay the queue deposit.
	ErrNoFunds = errors.New("queue: insufficient funds for deposit")
	// ErrHalted means the submitter or its owner is halted.
	ErrHalted = errors.New("queue: object is halted")
	// ErrPIDExhausted means every PID in the space is held by a live entry.
	ErrPIDExhausted = errors.New("queue: pid space exhausted")
	// ErrQueueLimit means the owner blew through its queue quota.
	ErrQueueLimit = errors.New("queue: owner queue quota exceeded")
)

// QueueEntry represents a queued command to be executed.
type QueueEntry struct {
	Pid       int            // Unique while the entry is live
	Player    world.DBRef    // Object executing the command; Nothing once dequeued
	Cause     world.DBRef    // Enactor who triggered this
	Command   string         // Command string to execute
	Args      []string       // Captured args (%0-%9)
	RData     *RegisterData  // Saved register state
	WaitUntil time.Time      // When to execute (zero = no deadline)
	SemObj    world.DBRef    // Semaphore object (Nothing = none)
	SemAttr   int            // Semaphore attribute number
	Desc      *Descriptor    // Originating connection, if any

	cost int // Deposit actually charged, refunded on release
}

// Dispatcher executes one dequeued entry. The register snapshot has
// already been moved out of the entry into rdata.
type Dispatcher interface {
	Dispatch(player, cause world.DBRef, command string, args []string, rdata *RegisterData, entry *QueueEntry) error
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(player, cause world.DBRef, command string, args []string, rdata *RegisterData, entry *QueueEntry) error

func (f DispatchFunc) Dispatch(player, cause world.DBRef, command string, args []string, rdata *RegisterData, entry *QueueEntry) error {
	return f(player, cause, command, args, rdata, entry)
}

// CommandQueue manages the four command queues: immediate, object-delayed,
// timed-wait (sorted by deadline) and semaphore-wait. One instance per
// server; all accounting goes through the world store.
type CommandQueue struct {
	mu       sync.Mutex
	store    world.Store
	dispatch Dispatcher
	pids     *pidTable
	clock    func() time.Time

	immediate []*QueueEntry // Execute on the next batch
	objectQ   []*QueueEntry // Object-triggered; spliced in one tick later
	waitQueue []*QueueEntry // Delayed execution, sorted by WaitUntil
	semQueue  []*QueueEntry // Waiting on semaphores

	waitCost  int  // Deposit charged on enqueue, refunded at execution
	noDequeue bool // Automatic dequeueing disabled; Kick still works
}

// NewCommandQueue creates a command queue backed by store, dispatching
// through d. waitCost is the per-entry deposit; pidMax bounds the PID space
// (0 means the default).
func NewCommandQueue(store world.Store, d Dispatcher, waitCost, pidMax int) *CommandQueue {
	return &CommandQueue{
		store:    store,
		dispatch: d,
		pids:     newPIDTable(pidMax),
		clock:    time.Now,
		waitCost: waitCost,
	}
}

// setup charges the deposit, allocates a PID and checks the owner's quota.
// Caller holds the lock. The returned entry is not yet on any queue.
func (q *CommandQueue) setup(player, cause world.DBRef, cost int, command string, args []string, rdata *RegisterData) (*QueueEntry, error) {
	if q.store.Halted(player) || q.store.Halted(q.store.Owner(player)) {
		return nil, ErrHalted
	}
	if cost > 0 && !q.store.Payfor(player, cost) {
		return nil, ErrNoFunds
	}
	entry := &QueueEntry{
		Player:  player,
		Cause:   cause,
		Command: command,
		Args:    append([]string(nil), args...),
		RData:   rdata.Clone(),
		SemObj:  world.Nothing,
		cost:    cost,
	}
	entry.Pid = q.pids.alloc(entry)
	if entry.Pid == 0 {
		q.store.GiveTo(player, cost)
		return nil, ErrPIDExhausted
	}
	owner := q.store.Owner(player)
	n := q.store.QueueCount(owner, 1)
	if max := q.store.QueueMax(owner); max > 0 && n > max {
		// Runaway object: flush everything it has queued and halt it.
		q.store.GiveTo(player, cost)
		q.store.QueueCount(owner, -1)
		q.pids.free(entry.Pid)
		q.haltLocked(owner, world.Nothing)
		q.store.SetHalted(player)
		log.Printf("QUEUE: #%d exceeded queue quota, halted", player)
		return nil, ErrQueueLimit
	}
	return entry, nil
}

// give routes a ready entry by its cause: player-caused work goes on the
// immediate queue, object-caused work on the object queue so it cannot run
// before the tick after submission.
func (q *CommandQueue) give(entry *QueueEntry) {
	if q.store.IsPlayer(entry.Cause) {
		q.immediate = append(q.immediate, entry)
	} else {
		q.objectQ = append(q.objectQ, entry)
	}
}

// Enqueue queues a command for execution on the next available tick.
// Returns the assigned PID.
func (q *CommandQueue) Enqueue(player, cause world.DBRef, command string, args []string, rdata *RegisterData) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.setup(player, cause, q.waitCost, command, args, rdata)
	if err != nil {
		return 0, err
	}
	q.give(entry)
	return entry.Pid, nil
}

// EnqueueInput queues a completed input line from a connection. Input
// lines carry no deposit: the connection's own quota throttles them.
func (q *CommandQueue) EnqueueInput(d *Descriptor, command string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.setup(d.Player, d.Player, 0, command, nil, nil)
	if err != nil {
		return 0, err
	}
	entry.Desc = d
	q.immediate = append(q.immediate, entry)
	return entry.Pid, nil
}

// Wait queues a command for execution after delay, on a semaphore, or
// both. With a semaphore the object's counter is bumped first; if the
// counter was already negative the semaphore has been pre-notified and the
// entry degrades to a plain (or immediate) wait.
func (q *CommandQueue) Wait(player, cause world.DBRef, delay time.Duration, sem world.DBRef, attr int, command string, args []string, rdata *RegisterData) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sem != world.Nothing {
		if n := q.store.SemCount(player, sem, 1, attr); n <= 0 {
			sem = world.Nothing
			attr = 0
		}
	}
	entry, err := q.setup(player, cause, q.waitCost, command, args, rdata)
	if err != nil {
		return 0, err
	}
	entry.SemObj = sem
	entry.SemAttr = attr
	if delay > 0 {
		entry.WaitUntil = q.clock().Add(delay)
	}

	switch {
	case sem == world.Nothing && delay <= 0:
		q.give(entry)
	case sem == world.Nothing:
		q.insertWait(entry)
	case delay > 0:
		// Deadline-carrying entries go to the head so the expiry scan
		// reaches them first.
		q.semQueue = append([]*QueueEntry{entry}, q.semQueue...)
	default:
		q.semQueue = append(q.semQueue, entry)
	}
	return entry.Pid, nil
}

// insertWait places entry in the wait queue, sorted by ascending deadline.
// Equal deadlines keep insertion order. Caller holds the lock.
func (q *CommandQueue) insertWait(entry *QueueEntry) {
	for i, e := range q.waitQueue {
		if entry.WaitUntil.Before(e.WaitUntil) {
			q.waitQueue = append(q.waitQueue[:i+1], q.waitQueue[i:]...)
			q.waitQueue[i] = entry
			return
		}
	}
	q.waitQueue = append(q.waitQueue, entry)
}

// NextWakeup tells the event loop how long it may sleep. Zero when
// immediate work is pending, one second when the object queue needs its
// splice tick, otherwise the distance to the nearest deadline less one
// second, with deadlines inside ImminentWindow collapsing to one second.
func (q *CommandQueue) NextWakeup() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.immediate) > 0 {
		return 0
	}
	if len(q.objectQ) > 0 {
		return time.Second
	}
	now := q.clock()
	min := defaultWakeupCeiling
	if len(q.waitQueue) > 0 {
		// Sorted, so only the head matters.
		its := q.waitQueue[0].WaitUntil.Sub(now)
		if its <= ImminentWindow {
			return time.Second
		}
		if its < min {
			min = its
		}
	}
	for _, e := range q.semQueue {
		if e.WaitUntil.IsZero() {
			continue
		}
		its := e.WaitUntil.Sub(now)
		if its <= ImminentWindow {
			return time.Second
		}
		if its < min {
			min = its
		}
	}
	return min - time.Second
}

// TickTimers advances the once-per-second queue machinery: splices the
// whole object queue onto the immediate queue, promotes expired timed
// waits, and times out semaphore waits that carry a deadline (their counter
// is decremented whether or not anyone ever notified, so a lost notify
// cannot wedge the object forever).
func (q *CommandQueue) TickTimers() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.noDequeue {
		return
	}
	now := q.clock()
	if len(q.objectQ) > 0 {
		q.immediate = append(q.immediate, q.objectQ...)
		q.objectQ = nil
	}

	cutoff := 0
	for _, e := range q.waitQueue {
		if e.WaitUntil.After(now) {
			break
		}
		cutoff++
	}
	if cutoff > 0 {
		q.immediate = append(q.immediate, q.waitQueue[:cutoff]...)
		q.waitQueue = append([]*QueueEntry(nil), q.waitQueue[cutoff:]...)
	}

	var remaining []*QueueEntry
	for _, e := range q.semQueue {
		if !e.WaitUntil.IsZero() && !e.WaitUntil.After(now) {
			q.store.SemCount(e.Player, e.SemObj, -1, e.SemAttr)
			e.SemObj = world.Nothing
			q.immediate = append(q.immediate, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	q.semQueue = remaining
}

// SetDequeue enables or disables automatic dequeueing. While disabled,
// Run and TickTimers are no-ops and entries pile up; Kick still forces a
// batch through.
func (q *CommandQueue) SetDequeue(enabled bool) {
	q.mu.Lock()
	q.noDequeue = !enabled
	q.mu.Unlock()
}

// Run executes up to n immediate-queue entries in FIFO order and returns
// the number taken off the queue. Each entry is marked dequeued before its
// command runs, so a crash inside one command can neither re-run it nor
// abort the rest of the batch.
func (q *CommandQueue) Run(n int) int {
	q.mu.Lock()
	disabled := q.noDequeue
	q.mu.Unlock()
	if disabled {
		return 0
	}
	return q.runBatch(n)
}

func (q *CommandQueue) runBatch(n int) int {
	done := 0
	for done < n {
		q.mu.Lock()
		if len(q.immediate) == 0 {
			q.mu.Unlock()
			break
		}
		entry := q.immediate[0]
		q.immediate = q.immediate[1:]
		q.mu.Unlock()

		q.runOne(entry)
		done++

		q.mu.Lock()
		q.pids.free(entry.Pid)
		q.mu.Unlock()
	}
	return done
}

func (q *CommandQueue) runOne(entry *QueueEntry) {
	player := entry.Player
	entry.Player = world.Nothing
	if player == world.Nothing || !q.store.Good(player) {
		return
	}
	q.store.GiveTo(player, entry.cost)
	q.store.QueueCount(q.store.Owner(player), -1)
	if q.store.Halted(player) {
		return
	}
	rdata := entry.RData
	entry.RData = nil

	if d := entry.Desc; d != nil && d.OutputPrefix != "" {
		d.queueString(d.OutputPrefix)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("QUEUE: panic in command for #%d: %v", player, r)
		}
		if d := entry.Desc; d != nil && d.OutputSuffix != "" {
			d.queueString(d.OutputSuffix)
		}
	}()
	if err := q.dispatch.Dispatch(player, entry.Cause, entry.Command, entry.Args, rdata, entry); err != nil {
		log.Printf("QUEUE: command for #%d failed: %v", player, err)
	}
}

// NotifySemaphore signals a semaphore: the object's counter drops by count
// and, once it reaches zero or below, every entry waiting on that exact
// attribute moves to the immediate queue (run on a later tick, never
// synchronously). Returns the number of entries released.
func (q *CommandQueue) NotifySemaphore(player, obj world.DBRef, attr int, count int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	left := q.store.SemCount(player, obj, -count, attr)
	if left > 0 {
		return 0
	}
	released := 0
	var remaining []*QueueEntry
	for _, e := range q.semQueue {
		if e.SemObj == obj && e.SemAttr == attr {
			e.SemObj = world.Nothing
			e.WaitUntil = time.Time{}
			q.immediate = append(q.immediate, e)
			released++
		} else {
			remaining = append(remaining, e)
		}
	}
	q.semQueue = remaining
	q.store.ClearSem(obj, attr)
	return released
}

// DrainSemaphore discards all commands waiting on a semaphore without
// running them, refunding deposits and resetting the counter.
func (q *CommandQueue) DrainSemaphore(obj world.DBRef, attr int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	var remaining []*QueueEntry
	for _, e := range q.semQueue {
		if e.SemObj == obj && e.SemAttr == attr {
			q.discardLocked(e)
			removed++
		} else {
			remaining = append(remaining, e)
		}
	}
	q.semQueue = remaining
	q.store.ClearSem(obj, attr)
	return removed
}

// discardLocked releases an entry that will never run: refund the deposit,
// give back the quota slot, free the PID. Caller holds the lock.
func (q *CommandQueue) discardLocked(e *QueueEntry) {
	if e.Player != world.Nothing && q.store.Good(e.Player) {
		q.store.GiveTo(e.Player, e.cost)
		q.store.QueueCount(q.store.Owner(e.Player), -1)
	}
	q.pids.free(e.Pid)
}

// Halt removes queued commands owned by player or caused by object (either
// may be Nothing). Entries on the wait and semaphore queues are released
// outright; entries already on a ready queue are only poisoned, and fall
// out at dequeue time. Returns the number halted.
func (q *CommandQueue) Halt(player, object world.DBRef) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.haltLocked(player, object)
}

func (q *CommandQueue) haltLocked(player, object world.DBRef) int {
	match := func(e *QueueEntry) bool {
		if e.Player == world.Nothing {
			return false
		}
		if player != world.Nothing && q.store.Owner(e.Player) == player {
			return true
		}
		return object != world.Nothing && e.Cause == object
	}

	halted, refund := 0, 0
	for _, e := range q.immediate {
		if match(e) {
			e.Player = world.Nothing
			halted++
			refund += e.cost
		}
	}
	for _, e := range q.objectQ {
		if match(e) {
			e.Player = world.Nothing
			halted++
			refund += e.cost
		}
	}
	filter := func(entries []*QueueEntry) []*QueueEntry {
		var result []*QueueEntry
		for _, e := range entries {
			if match(e) {
				if e.SemObj != world.Nothing {
					q.store.SemCount(e.Player, e.SemObj, -1, e.SemAttr)
				}
				halted++
				refund += e.cost
				q.pids.free(e.Pid)
			} else {
				result = append(result, e)
			}
		}
		return result
	}
	q.waitQueue = filter(q.waitQueue)
	q.semQueue = filter(q.semQueue)

	refundee := player
	if refundee == world.Nothing {
		refundee = q.store.Owner(object)
	}
	if refundee != world.Nothing && halted > 0 {
		q.store.GiveTo(refundee, refund)
		q.store.SetQueueCount(refundee, 0)
	}
	return halted
}

// HaltPID removes the single live entry with the given PID. Returns false
// if no such entry is live.
func (q *CommandQueue) HaltPID(pid int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := q.pids.lookup(pid)
	if entry == nil {
		return false
	}
	// Ready-queue entries are poisoned in place; their PID is reclaimed
	// when Run pops them.
	onReady := false
	for _, e := range q.immediate {
		if e == entry {
			onReady = true
		}
	}
	for _, e := range q.objectQ {
		if e == entry {
			onReady = true
		}
	}
	if onReady {
		if entry.Player != world.Nothing && q.store.Good(entry.Player) {
			q.store.GiveTo(entry.Player, entry.cost)
			q.store.QueueCount(q.store.Owner(entry.Player), -1)
		}
		entry.Player = world.Nothing
		return true
	}

	remove := func(entries []*QueueEntry) []*QueueEntry {
		for i, e := range entries {
			if e == entry {
				return append(entries[:i], entries[i+1:]...)
			}
		}
		return entries
	}
	if entry.SemObj != world.Nothing {
		q.store.SemCount(entry.Player, entry.SemObj, -1, entry.SemAttr)
	}
	q.waitQueue = remove(q.waitQueue)
	q.semQueue = remove(q.semQueue)
	q.discardLocked(entry)
	return true
}

// Warp shifts every deadline by -offset (a positive offset jumps the clock
// forward) and then forces a timer tick so newly expired entries promote
// at once.
func (q *CommandQueue) Warp(offset time.Duration) {
	q.mu.Lock()
	for _, e := range q.waitQueue {
		e.WaitUntil = e.WaitUntil.Add(-offset)
	}
	for _, e := range q.semQueue {
		if !e.WaitUntil.IsZero() {
			e.WaitUntil = e.WaitUntil.Add(-offset)
		}
	}
	q.mu.Unlock()
	q.TickTimers()
}

// Kick forces a batch of n entries to run right now, even while automatic
// dequeueing is disabled. Returns the number run.
func (q *CommandQueue) Kick(n int) int {
	return q.runBatch(n)
}

// QueueStats is a point-in-time size report for the status surface and
// the metrics gauges.
type QueueStats struct {
	Immediate int
	Object    int
	Wait      int
	Semaphore int
	Deleted   int // Poisoned entries still awaiting dequeue
	PIDsLive  int
}

// Stats returns queue size info.
func (q *CommandQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := QueueStats{
		Immediate: len(q.immediate),
		Object:    len(q.objectQ),
		Wait:      len(q.waitQueue),
		Semaphore: len(q.semQueue),
		PIDsLive:  q.pids.live(),
	}
	for _, e := range q.immediate {
		if e.Player == world.Nothing {
			s.Deleted++
		}
	}
	for _, e := range q.objectQ {
		if e.Player == world.Nothing {
			s.Deleted++
		}
	}
	return s
}

// EntryInfo is one row of a queue listing.
type EntryInfo struct {
	Pid     int
	Player  world.DBRef
	Cause   world.DBRef
	Command string
	Args    []string
	Until   time.Time
	SemObj  world.DBRef
	SemAttr int
}

// Brief formats the short listing form.
func (e EntryInfo) Brief() string {
	return fmt.Sprintf("%d:#%d:%s", e.Pid, e.Player, e.Command)
}

// Long formats the verbose listing form with cause and argument dump.
func (e EntryInfo) Long() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:#%d:%s [cause #%d]", e.Pid, e.Player, e.Command, e.Cause)
	for i, a := range e.Args {
		if a != "" {
			fmt.Fprintf(&b, " %%%d=%s", i, a)
		}
	}
	return b.String()
}

// QueueListing is a per-tier snapshot, optionally filtered by owner.
type QueueListing struct {
	Immediate []EntryInfo
	Object    []EntryInfo
	Wait      []EntryInfo
	Semaphore []EntryInfo
}

// List snapshots every queue for inspection. With owner != Nothing only
// entries belonging to that owner are included.
func (q *CommandQueue) List(owner world.DBRef) QueueListing {
	q.mu.Lock()
	defer q.mu.Unlock()

	collect := func(entries []*QueueEntry) []EntryInfo {
		var result []EntryInfo
		for _, e := range entries {
			if e.Player == world.Nothing {
				continue
			}
			if owner != world.Nothing && q.store.Owner(e.Player) != owner {
				continue
			}
			result = append(result, EntryInfo{
				Pid:     e.Pid,
				Player:  e.Player,
				Cause:   e.Cause,
				Command: e.Command,
				Args:    append([]string(nil), e.Args...),
				Until:   e.WaitUntil,
				SemObj:  e.SemObj,
				SemAttr: e.SemAttr,
			})
		}
		return result
	}
	return QueueListing{
		Immediate: collect(q.immediate),
		Object:    collect(q.objectQ),
		Wait:      collect(q.waitQueue),
		Semaphore: collect(q.semQueue),
	}
}
