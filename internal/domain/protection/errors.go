package protection

import (
	"errors"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/id"

	outbound "github.com/matrix-warden/warden/internal/port/outbound"
)

// ErrorKind classifies per-room projection failures.
type ErrorKind int

const (
	// ErrorPermission means the daemon lacks the power level for the
	// operation. Cleared when the room's power levels change.
	ErrorPermission ErrorKind = iota
	// ErrorFatal is any other transport failure.
	ErrorFatal
)

func (k ErrorKind) String() string {
	if k == ErrorPermission {
		return "permission"
	}
	return "fatal"
}

// RoomError is one collected per-room failure. Projection never aborts on
// these; they are gathered and summarized once per sync.
type RoomError struct {
	Room id.RoomID
	Kind ErrorKind
	Err  error
}

func (e RoomError) Error() string {
	return fmt.Sprintf("%s in %s: %v", e.Kind, e.Room, e.Err)
}

func (e RoomError) Unwrap() error {
	return e.Err
}

// classifyRoomError wraps a transport failure for a room into a RoomError.
func classifyRoomError(roomID id.RoomID, err error) RoomError {
	kind := ErrorFatal
	if errors.Is(err, outbound.ErrPermissionDenied) {
		kind = ErrorPermission
	}
	return RoomError{Room: roomID, Kind: kind, Err: err}
}

type errorCacheKey struct {
	room id.RoomID
	kind ErrorKind
}

// ErrorCache suppresses repeated reports of the same (room, kind) failure
// until something explicitly resets it, such as a power-level change
// clearing a permission error.
type ErrorCache struct {
	mu   sync.Mutex
	seen map[errorCacheKey]struct{}
}

func NewErrorCache() *ErrorCache {
	return &ErrorCache{seen: make(map[errorCacheKey]struct{})}
}

// IsNew records the failure and reports whether it had not been seen since
// the last reset.
func (c *ErrorCache) IsNew(roomID id.RoomID, kind ErrorKind) bool {
	key := errorCacheKey{room: roomID, kind: kind}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	return true
}

// Reset clears the suppression for one (room, kind), so the next occurrence
// is reported again.
func (c *ErrorCache) Reset(roomID id.RoomID, kind ErrorKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, errorCacheKey{room: roomID, kind: kind})
}
