package events

import (
	"sync"

	"github.com/crystal-mush/mushcore/pkg/world"
)

// Subscriber receives events from the bus.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Bus is a per-player pub/sub event bus with support for global subscribers.
// The loop emits structured session events; each subscriber (accounting
// writer, metrics, game-state triggers) consumes the types it cares about.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[world.DBRef][]Subscriber
	global      []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[world.DBRef][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific player's events.
func (b *Bus) Subscribe(player world.DBRef, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[player] = append(b.subscribers[player], sub)
}

// Unsubscribe removes a subscriber for a specific player.
func (b *Bus) Unsubscribe(player world.DBRef, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[player]
	for i, s := range subs {
		if s == sub {
			b.subscribers[player] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[player]) == 0 {
		delete(b.subscribers, player)
	}
}

// SubscribeGlobal registers a subscriber that receives all events.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

// Emit sends an event to the player's subscribers and all global subscribers.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.Player]
	globals := b.global
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
	for _, s := range globals {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}
