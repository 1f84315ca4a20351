package events

import (
	"sync"
	"testing"

	"github.com/crystal-mush/mushcore/pkg/world"
)

// mockSubscriber implements Subscriber for testing.
type mockSubscriber struct {
	mu       sync.Mutex
	events   []Event
	isClosed bool
}

func (m *mockSubscriber) Receive(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockSubscriber) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isClosed
}

func (m *mockSubscriber) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func TestBusEmitToPlayer(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{}

	player := world.DBRef(1)
	bus.Subscribe(player, sub)

	ev := Event{
		Type:   EvConnect,
		Player: player,
		Desc:   3,
		Addr:   "10.0.0.9",
	}
	bus.Emit(ev)

	events := sub.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EvConnect {
		t.Errorf("expected type EvConnect, got %v", events[0].Type)
	}
	if events[0].Addr != "10.0.0.9" {
		t.Errorf("expected addr %q, got %q", "10.0.0.9", events[0].Addr)
	}
}

func TestBusGlobalSubscriber(t *testing.T) {
	bus := NewBus()
	global := &mockSubscriber{}
	bus.SubscribeGlobal(global)

	ev := Event{Type: EvDisconnect, Player: world.DBRef(5), Reason: "Quit", Cmds: 12}
	bus.Emit(ev)

	events := global.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 global event, got %d", len(events))
	}
	if events[0].Reason != "Quit" {
		t.Errorf("expected reason %q, got %q", "Quit", events[0].Reason)
	}
}

func TestBusClosedSubscriberSkipped(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{isClosed: true}
	player := world.DBRef(2)
	bus.Subscribe(player, sub)

	bus.Emit(Event{Type: EvResolved, Player: player})

	if n := len(sub.Events()); n != 0 {
		t.Errorf("closed subscriber received %d events, want 0", n)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{}
	player := world.DBRef(7)
	bus.Subscribe(player, sub)
	bus.Unsubscribe(player, sub)

	bus.Emit(Event{Type: EvConnect, Player: player})

	if n := len(sub.Events()); n != 0 {
		t.Errorf("unsubscribed subscriber received %d events, want 0", n)
	}
}
