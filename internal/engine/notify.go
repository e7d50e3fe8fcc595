package engine

import (
	"fmt"
	"slices"

	"github.com/roach88/confine/internal/ir"
)

// Signal names a notification emitted by a Manager.
type Signal int

const (
	// SignalWillMassUpdate is emitted on the committing Thread before a
	// commit whose pending change count exceeds the mass-update threshold.
	SignalWillMassUpdate Signal = iota + 1

	// SignalEntityUpdated is emitted on a receiving Thread after a merge
	// overwrote an entity with a foreign snapshot.
	SignalEntityUpdated

	// SignalEntityDeleted is emitted on a receiving Thread after a merge
	// removed an entity deleted elsewhere.
	SignalEntityDeleted
)

func (s Signal) String() string {
	switch s {
	case SignalWillMassUpdate:
		return "will-mass-update"
	case SignalEntityUpdated:
		return "entity-updated"
	case SignalEntityDeleted:
		return "entity-deleted"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Notification is delivered to every observer of a Manager.
type Notification struct {
	Seq     int64 // Manager-wide logical order
	Signal  Signal
	Model   string
	Thread  string      // Thread the signal was emitted on
	ID      ir.ObjectID // entity signals only
	Pending int         // SignalWillMassUpdate only
}

// Observer receives notifications. It is called synchronously on the
// emitting Thread and must not block.
type Observer func(Notification)

// Subscribe registers fn and returns a function that removes it. Calling
// the returned function more than once is harmless.
func (m *Manager) Subscribe(fn Observer) (cancel func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	m.nextObserver++
	id := m.nextObserver
	m.observers[id] = fn

	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}

// notify stamps n and delivers it to a snapshot of the current observers,
// in subscription order.
func (m *Manager) notify(n Notification) {
	n.Seq = m.seq.Add(1)
	n.Model = m.name

	m.obsMu.Lock()
	ids := make([]uint64, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	observers := make([]Observer, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		observers = append(observers, m.observers[id])
	}
	m.obsMu.Unlock()

	for _, fn := range observers {
		fn(n)
	}
}
