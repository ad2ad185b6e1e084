package tracker

import (
	"context"
	"sync"
	"time"

	"go.fleetpanel.dev/engine/fleet"
)

// EventStore keeps connection events. Implementations must be safe
// for concurrent use.
type EventStore interface {
	InsertEvent(ctx context.Context, ev fleet.ConnectionEvent) error
	EventsSince(ctx context.Context, userID int64, since time.Time) ([]fleet.ConnectionEvent, error)
	DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error)
}

// MemoryEvents is an in-process EventStore. Each user has its own lock
// so recording for one user does not wait on another.
type MemoryEvents struct {
	mu    sync.RWMutex
	users map[int64]*userEvents
}

type userEvents struct {
	mu     sync.Mutex
	events []fleet.ConnectionEvent
}

func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{users: map[int64]*userEvents{}}
}

// InsertEvent appends under the shared map lock so a concurrent
// DeleteEventsBefore cannot drop the user entry mid-append.
func (m *MemoryEvents) InsertEvent(_ context.Context, ev fleet.ConnectionEvent) error {
	m.mu.RLock()
	if u, ok := m.users[ev.UserID]; ok {
		u.mu.Lock()
		u.events = append(u.events, ev)
		u.mu.Unlock()
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[ev.UserID]
	if !ok {
		u = &userEvents{}
		m.users[ev.UserID] = u
	}
	u.mu.Lock()
	u.events = append(u.events, ev)
	u.mu.Unlock()
	return nil
}

func (m *MemoryEvents) EventsSince(_ context.Context, userID int64, since time.Time) ([]fleet.ConnectionEvent, error) {
	m.mu.RLock()
	u, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	var r []fleet.ConnectionEvent
	for _, ev := range u.events {
		if !ev.Time.Before(since) {
			r = append(r, ev)
		}
	}
	return r, nil
}

// DeleteEventsBefore holds the user map exclusively so that users left
// without events can be dropped safely.
func (m *MemoryEvents) DeleteEventsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, u := range m.users {
		u.mu.Lock()
		kept := u.events[:0]
		for _, ev := range u.events {
			if ev.Time.Before(before) {
				n++
				continue
			}
			kept = append(kept, ev)
		}
		clear(u.events[len(kept):])
		u.events = kept
		empty := len(kept) == 0
		u.mu.Unlock()
		if empty {
			delete(m.users, id)
		}
	}
	return n, nil
}
