// Package protection contains the synchronization orchestrator that
// projects policy-list rules onto protected rooms, and its supporting
// pieces: activity ranking, the redaction queue, and error de-duplication.
package protection

import (
	"slices"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ActivityTracker ranks protected rooms by most-recent activity so fanout
// hits busy rooms first. The sorted order is computed lazily and cached
// until the next mutation.
type ActivityTracker struct {
	mu         sync.Mutex
	lastActive map[id.RoomID]int64
	sorted     []id.RoomID
}

func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{lastActive: make(map[id.RoomID]int64)}
}

// AddRoom starts tracking a room. Its activity starts at zero, ranking it
// last until an event arrives.
func (t *ActivityTracker) AddRoom(roomID id.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lastActive[roomID]; !ok {
		t.lastActive[roomID] = 0
		t.sorted = nil
	}
}

func (t *ActivityTracker) RemoveRoom(roomID id.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastActive, roomID)
	t.sorted = nil
}

// RecordEvent bumps the room's last-activity timestamp when the event's
// origin timestamp moves it forward.
func (t *ActivityTracker) RecordEvent(roomID id.RoomID, evt *event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, tracked := t.lastActive[roomID]
	if !tracked || evt.Timestamp <= current {
		return
	}
	t.lastActive[roomID] = evt.Timestamp
	t.sorted = nil
}

// RoomsByActivity returns the tracked rooms, most recently active first.
func (t *ActivityTracker) RoomsByActivity() []id.RoomID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sorted == nil {
		t.sorted = make([]id.RoomID, 0, len(t.lastActive))
		for roomID := range t.lastActive {
			t.sorted = append(t.sorted, roomID)
		}
		slices.SortStableFunc(t.sorted, func(a, b id.RoomID) int {
			switch {
			case t.lastActive[a] > t.lastActive[b]:
				return -1
			case t.lastActive[a] < t.lastActive[b]:
				return 1
			default:
				return 0
			}
		})
	}
	return slices.Clone(t.sorted)
}
