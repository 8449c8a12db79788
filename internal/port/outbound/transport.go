// Package outbound declares the ports the engine consumes. Any transport
// implementation that reproduces these contracts can host the engine.
package outbound

import (
	"context"
	"errors"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Transport contract errors. Adapters wrap their native failures so the
// engine can classify them with errors.Is.
var (
	// ErrNotFound is returned when a requested state event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied is returned when the daemon lacks the power level
	// for an operation.
	ErrPermissionDenied = errors.New("permission denied")
)

// PushEvent is one event delivered by the transport's push subscription.
type PushEvent struct {
	RoomID id.RoomID
	Event  *event.Event
}

// Transport is the client the engine issues all remote operations through.
type Transport interface {
	// RoomState returns the full current state of a room.
	RoomState(ctx context.Context, roomID id.RoomID) ([]*event.Event, error)
	// StateEvent reads one state event's content into the given value.
	// Returns ErrNotFound when the event does not exist.
	StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, into any) error
	// SendStateEvent writes a state event and returns its event id.
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (id.EventID, error)

	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error
	BanUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error

	// RedactUserMessages redacts every message the user sent in the room
	// since their most recent join, returning how many were redacted.
	RedactUserMessages(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) (int, error)

	// JoinRoom accepts a room id or alias and returns the joined room's id.
	JoinRoom(ctx context.Context, roomOrAlias string) (id.RoomID, error)
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)

	// JoinedMembers is the fast membership path: currently joined users only.
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	// Members is the slow path: the full member state, leaves and bans included.
	Members(ctx context.Context, roomID id.RoomID) ([]*event.Event, error)

	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)

	// GetAccountData reads operator account data of the given type into the
	// given value. Returns ErrNotFound when none is set.
	GetAccountData(ctx context.Context, eventType string, into any) error
	SetAccountData(ctx context.Context, eventType string, content any) error

	// Events is the push subscription delivering (room, event) pairs. The
	// channel closes when the transport shuts down.
	Events() <-chan PushEvent
}
