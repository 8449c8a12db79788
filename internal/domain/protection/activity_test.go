package protection

import (
	"fmt"
	"slices"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func timelineEvent(ts int64) *event.Event {
	return &event.Event{ID: id.EventID(fmt.Sprintf("$ts-%d", ts)), Timestamp: ts}
}

func TestActivityOrdering(t *testing.T) {
	t.Parallel()
	tracker := NewActivityTracker()
	rooms := []id.RoomID{"!r1:x", "!r2:x", "!r3:x", "!r4:x", "!r5:x"}
	for _, roomID := range rooms {
		tracker.AddRoom(roomID)
	}

	// Events arrive in order r5..r1, one second apart; r1 ends up most recent.
	base := int64(1_700_000_000_000)
	for i, roomID := range []id.RoomID{"!r5:x", "!r4:x", "!r3:x", "!r2:x", "!r1:x"} {
		tracker.RecordEvent(roomID, timelineEvent(base+int64(i)*1000))
	}

	want := []id.RoomID{"!r1:x", "!r2:x", "!r3:x", "!r4:x", "!r5:x"}
	if got := tracker.RoomsByActivity(); !slices.Equal(got, want) {
		t.Errorf("RoomsByActivity() = %v, want %v", got, want)
	}
}

func TestActivityIgnoresStaleTimestamps(t *testing.T) {
	t.Parallel()
	tracker := NewActivityTracker()
	tracker.AddRoom("!a:x")
	tracker.AddRoom("!b:x")
	tracker.RecordEvent("!a:x", timelineEvent(2000))
	tracker.RecordEvent("!b:x", timelineEvent(1000))
	// An older event must not move !a back down.
	tracker.RecordEvent("!a:x", timelineEvent(500))

	want := []id.RoomID{"!a:x", "!b:x"}
	if got := tracker.RoomsByActivity(); !slices.Equal(got, want) {
		t.Errorf("RoomsByActivity() = %v, want %v", got, want)
	}
}

func TestActivityUntrackedRoomIgnored(t *testing.T) {
	t.Parallel()
	tracker := NewActivityTracker()
	tracker.RecordEvent("!never:x", timelineEvent(1000))
	if got := tracker.RoomsByActivity(); len(got) != 0 {
		t.Errorf("RoomsByActivity() = %v for untracked room, want empty", got)
	}

	tracker.AddRoom("!gone:x")
	tracker.RemoveRoom("!gone:x")
	if got := tracker.RoomsByActivity(); len(got) != 0 {
		t.Errorf("RoomsByActivity() = %v after removal, want empty", got)
	}
}
