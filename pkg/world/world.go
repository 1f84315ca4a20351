// Package world defines the collaborator interface between the runtime
// core (event loop, scheduler, resolver) and the game-state layer that
// owns the object database, the command language and the login flow.
package world

// DBRef identifies an object in the game database.
type DBRef int

// Nothing is the null DBRef.
const Nothing DBRef = -1

// Store is the game-state side of the scheduler and loop. All methods are
// called from the loop goroutine only.
type Store interface {
	// Good reports whether the object exists and is not in the middle of
	// destruction.
	Good(obj DBRef) bool
	// IsPlayer reports whether the object is a player (as opposed to a
	// thing, room or exit).
	IsPlayer(obj DBRef) bool
	// Owner returns the owning player of an object. Players own themselves.
	Owner(obj DBRef) DBRef
	// Halted reports whether the object has been halted and may not run
	// queued commands.
	Halted(obj DBRef) bool
	// SetHalted marks an object halted.
	SetHalted(obj DBRef)
	// Name returns the object's display name.
	Name(obj DBRef) string
	// FlagDesc returns the object's flag string as shown in accounting
	// records.
	FlagDesc(obj DBRef) string
	// Location returns the object's current location.
	Location(obj DBRef) DBRef
	// Pennies returns the object's money balance.
	Pennies(obj DBRef) int
	// Payfor deducts cost from the object's balance, returning false when
	// the object cannot afford it.
	Payfor(obj DBRef, cost int) bool
	// GiveTo refunds money to an object.
	GiveTo(obj DBRef, amount int)

	// QueueCount adjusts the owner's outstanding-queue count by delta and
	// returns the new value.
	QueueCount(owner DBRef, delta int) int
	// SetQueueCount resets the owner's outstanding-queue count.
	SetQueueCount(owner DBRef, count int)
	// QueueMax returns the maximum number of commands the owner may have
	// queued at once.
	QueueMax(owner DBRef) int

	// SemCount adjusts the semaphore counter stored on obj under the given
	// attribute by delta and returns the new value.
	SemCount(doer, obj DBRef, delta int, attr int) int
	// ClearSem clears the semaphore counter stored on obj.
	ClearSem(obj DBRef, attr int)
}

// Hooks are invoked once per loop iteration so the game-state layer can run
// its own periodic work on the loop goroutine.
type Hooks interface {
	ProcessReadyCommands()
	ProcessPeriodicEvents()
}

// NopHooks is a Hooks implementation that does nothing.
type NopHooks struct{}

func (NopHooks) ProcessReadyCommands()  {}
func (NopHooks) ProcessPeriodicEvents() {}
