// Package memory provides an in-memory implementation of the outbound
// transport port. It backs the engine's tests and local experimentation;
// real deployments use the matrix adapter.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	outbound "github.com/matrix-warden/warden/internal/port/outbound"
)

// BanRecord captures one BanUser call for assertions.
type BanRecord struct {
	RoomID id.RoomID
	UserID id.UserID
	Reason string
}

// KickRecord captures one KickUser call.
type KickRecord struct {
	RoomID id.RoomID
	UserID id.UserID
	Reason string
}

type stateID struct {
	eventType string
	stateKey  string
}

type room struct {
	// stateOrder preserves first-seen order so state diffs are stable.
	stateOrder []*event.Event
	index      map[stateID]int
	// messages holds sent message event ids per user, oldest first.
	messages map[id.UserID][]id.EventID
	redacted map[id.EventID]struct{}
}

// Transport is a thread-safe in-memory transport. Construct it with
// NewTransport; per-room state is created lazily on first use.
type Transport struct {
	mu sync.Mutex

	selfUser    id.UserID
	rooms       map[id.RoomID]*room
	aliases     map[id.RoomAlias]id.RoomID
	joined      map[id.RoomID]struct{}
	accountData map[string]json.RawMessage
	events      chan outbound.PushEvent

	// Recorded actions, for assertions.
	Bans     []BanRecord
	Kicks    []KickRecord
	Notices  []*event.MessageEventContent
	Redacted []id.EventID

	// Failure injection: operations against these rooms fail with the
	// mapped error.
	FailBansIn   map[id.RoomID]error
	FailStateIn  map[id.RoomID]error
	FailRedactIn map[id.RoomID]error
}

var _ outbound.Transport = (*Transport)(nil)

// NewTransport creates an empty in-memory transport acting as selfUser.
func NewTransport(selfUser id.UserID) *Transport {
	return &Transport{
		selfUser:     selfUser,
		rooms:        make(map[id.RoomID]*room),
		aliases:      make(map[id.RoomAlias]id.RoomID),
		joined:       make(map[id.RoomID]struct{}),
		accountData:  make(map[string]json.RawMessage),
		events:       make(chan outbound.PushEvent, 256),
		FailBansIn:   make(map[id.RoomID]error),
		FailStateIn:  make(map[id.RoomID]error),
		FailRedactIn: make(map[id.RoomID]error),
	}
}

// AddRoom registers a room and marks it joined.
func (t *Transport) AddRoom(roomID id.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roomLocked(roomID)
	t.joined[roomID] = struct{}{}
}

// AddAlias maps an alias to a room id.
func (t *Transport) AddAlias(alias id.RoomAlias, roomID id.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliases[alias] = roomID
}

func (t *Transport) roomLocked(roomID id.RoomID) *room {
	r, ok := t.rooms[roomID]
	if !ok {
		r = &room{
			index:    make(map[stateID]int),
			messages: make(map[id.UserID][]id.EventID),
			redacted: make(map[id.EventID]struct{}),
		}
		t.rooms[roomID] = r
	}
	return r
}

// eventCounter numbers events across every Transport in the process, so
// event ids are unique even when several transports back one test.
var eventCounter atomic.Int64

func (t *Transport) newEventIDLocked() id.EventID {
	return id.EventID(fmt.Sprintf("$mem-%d", eventCounter.Add(1)))
}

// toRaw converts arbitrary content into the untyped map form events carry
// on the wire.
func toRaw(content any) (map[string]any, error) {
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// PutState installs a state event authored by sender and returns it. Used
// by tests to seed room state; unlike SendStateEvent it does not deliver a
// push event.
func (t *Transport) PutState(roomID id.RoomID, sender id.UserID, eventType event.Type, stateKey string, content any, timestamp int64) *event.Event {
	raw, err := toRaw(content)
	if err != nil {
		panic(fmt.Sprintf("memory transport: unencodable state content: %v", err))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	evt := &event.Event{
		ID:        t.newEventIDLocked(),
		Type:      eventType,
		RoomID:    roomID,
		Sender:    sender,
		StateKey:  &stateKey,
		Timestamp: timestamp,
		Content:   event.Content{Raw: raw},
	}
	r := t.roomLocked(roomID)
	key := stateID{eventType: eventType.Type, stateKey: stateKey}
	if pos, ok := r.index[key]; ok {
		r.stateOrder[pos] = evt
	} else {
		r.index[key] = len(r.stateOrder)
		r.stateOrder = append(r.stateOrder, evt)
	}
	return evt
}

// SetMembership seeds a member state event.
func (t *Transport) SetMembership(roomID id.RoomID, userID id.UserID, membership event.Membership) *event.Event {
	return t.PutState(roomID, userID, event.StateMember, string(userID),
		map[string]any{"membership": string(membership)}, 0)
}

// SeedMessage records a message sent by userID, for redaction tests.
func (t *Transport) SeedMessage(roomID id.RoomID, userID id.UserID) id.EventID {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.roomLocked(roomID)
	eventID := t.newEventIDLocked()
	r.messages[userID] = append(r.messages[userID], eventID)
	return eventID
}

// Deliver pushes an event into the subscription channel as if it arrived
// over /sync.
func (t *Transport) Deliver(roomID id.RoomID, evt *event.Event) {
	t.events <- outbound.PushEvent{RoomID: roomID, Event: evt}
}

// MarkRedacted flags a state event as redacted by the server.
func (t *Transport) MarkRedacted(roomID id.RoomID, eventID id.EventID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.roomLocked(roomID)
	for _, evt := range r.stateOrder {
		if evt.ID == eventID {
			evt.Content = event.Content{Raw: map[string]any{}}
			evt.Unsigned.RedactedBecause = &event.Event{ID: t.newEventIDLocked(), Type: event.EventRedaction}
		}
	}
}

// RoomState implements outbound.Transport.
func (t *Transport) RoomState(_ context.Context, roomID id.RoomID) ([]*event.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailStateIn[roomID]; err != nil {
		return nil, err
	}
	r := t.roomLocked(roomID)
	out := make([]*event.Event, len(r.stateOrder))
	copy(out, r.stateOrder)
	return out, nil
}

// StateEvent implements outbound.Transport.
func (t *Transport) StateEvent(_ context.Context, roomID id.RoomID, eventType event.Type, stateKey string, into any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailStateIn[roomID]; err != nil {
		return err
	}
	r := t.roomLocked(roomID)
	pos, ok := r.index[stateID{eventType: eventType.Type, stateKey: stateKey}]
	if !ok {
		return fmt.Errorf("no %s state in %s: %w", eventType.Type, roomID, outbound.ErrNotFound)
	}
	encoded, err := json.Marshal(r.stateOrder[pos].Content.Raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, into)
}

// SendStateEvent implements outbound.Transport. The write is applied to
// the room state and also delivered on the push channel, mirroring how a
// homeserver echoes the daemon's own writes back through /sync.
func (t *Transport) SendStateEvent(_ context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (id.EventID, error) {
	t.mu.Lock()
	if err := t.FailStateIn[roomID]; err != nil {
		t.mu.Unlock()
		return "", err
	}
	t.mu.Unlock()
	evt := t.PutState(roomID, t.selfUser, eventType, stateKey, content, 0)
	select {
	case t.events <- outbound.PushEvent{RoomID: roomID, Event: evt}:
	default:
	}
	return evt.ID, nil
}

// RedactEvent implements outbound.Transport.
func (t *Transport) RedactEvent(_ context.Context, roomID id.RoomID, eventID id.EventID, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailRedactIn[roomID]; err != nil {
		return err
	}
	r := t.roomLocked(roomID)
	r.redacted[eventID] = struct{}{}
	t.Redacted = append(t.Redacted, eventID)
	return nil
}

// BanUser implements outbound.Transport.
func (t *Transport) BanUser(_ context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	t.mu.Lock()
	if err := t.FailBansIn[roomID]; err != nil {
		t.mu.Unlock()
		return err
	}
	t.Bans = append(t.Bans, BanRecord{RoomID: roomID, UserID: userID, Reason: reason})
	t.mu.Unlock()
	t.SetMembership(roomID, userID, event.MembershipBan)
	return nil
}

// KickUser implements outbound.Transport.
func (t *Transport) KickUser(_ context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	t.mu.Lock()
	t.Kicks = append(t.Kicks, KickRecord{RoomID: roomID, UserID: userID, Reason: reason})
	t.mu.Unlock()
	t.SetMembership(roomID, userID, event.MembershipLeave)
	return nil
}

// RedactUserMessages implements outbound.Transport.
func (t *Transport) RedactUserMessages(_ context.Context, roomID id.RoomID, userID id.UserID, _ string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailRedactIn[roomID]; err != nil {
		return 0, err
	}
	r := t.roomLocked(roomID)
	count := 0
	for _, eventID := range r.messages[userID] {
		if _, done := r.redacted[eventID]; done {
			continue
		}
		r.redacted[eventID] = struct{}{}
		t.Redacted = append(t.Redacted, eventID)
		count++
	}
	return count, nil
}

// JoinRoom implements outbound.Transport.
func (t *Transport) JoinRoom(_ context.Context, roomOrAlias string) (id.RoomID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	roomID := id.RoomID(roomOrAlias)
	if roomOrAlias != "" && roomOrAlias[0] == '#' {
		resolved, ok := t.aliases[id.RoomAlias(roomOrAlias)]
		if !ok {
			return "", fmt.Errorf("unknown alias %s: %w", roomOrAlias, outbound.ErrNotFound)
		}
		roomID = resolved
	}
	t.roomLocked(roomID)
	t.joined[roomID] = struct{}{}
	return roomID, nil
}

// ResolveAlias implements outbound.Transport.
func (t *Transport) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	roomID, ok := t.aliases[alias]
	if !ok {
		return "", fmt.Errorf("unknown alias %s: %w", alias, outbound.ErrNotFound)
	}
	return roomID, nil
}

// JoinedRooms implements outbound.Transport.
func (t *Transport) JoinedRooms(_ context.Context) ([]id.RoomID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]id.RoomID, 0, len(t.joined))
	for roomID := range t.joined {
		out = append(out, roomID)
	}
	return out, nil
}

// JoinedMembers implements outbound.Transport.
func (t *Transport) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailStateIn[roomID]; err != nil {
		return nil, err
	}
	r := t.roomLocked(roomID)
	var out []id.UserID
	for _, evt := range r.stateOrder {
		if evt.Type.Type != event.StateMember.Type || evt.StateKey == nil {
			continue
		}
		if membership, _ := evt.Content.Raw["membership"].(string); membership == string(event.MembershipJoin) {
			out = append(out, id.UserID(*evt.StateKey))
		}
	}
	return out, nil
}

// Members implements outbound.Transport.
func (t *Transport) Members(_ context.Context, roomID id.RoomID) ([]*event.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailStateIn[roomID]; err != nil {
		return nil, err
	}
	r := t.roomLocked(roomID)
	var out []*event.Event
	for _, evt := range r.stateOrder {
		if evt.Type.Type == event.StateMember.Type {
			out = append(out, evt)
		}
	}
	return out, nil
}

// SendMessage implements outbound.Transport.
func (t *Transport) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Notices = append(t.Notices, content)
	r := t.roomLocked(roomID)
	eventID := t.newEventIDLocked()
	r.messages[t.selfUser] = append(r.messages[t.selfUser], eventID)
	return eventID, nil
}

// GetAccountData implements outbound.Transport.
func (t *Transport) GetAccountData(_ context.Context, eventType string, into any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw, ok := t.accountData[eventType]
	if !ok {
		return fmt.Errorf("no account data of type %s: %w", eventType, outbound.ErrNotFound)
	}
	return json.Unmarshal(raw, into)
}

// SetAccountData implements outbound.Transport.
func (t *Transport) SetAccountData(_ context.Context, eventType string, content any) error {
	encoded, err := json.Marshal(content)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accountData[eventType] = encoded
	return nil
}

// Events implements outbound.Transport.
func (t *Transport) Events() <-chan outbound.PushEvent {
	return t.events
}

// Close closes the push channel.
func (t *Transport) Close() {
	close(t.events)
}
