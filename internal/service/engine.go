package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/domain/access"
	"github.com/matrix-warden/warden/internal/domain/policylist"
	"github.com/matrix-warden/warden/internal/domain/protection"
	"github.com/matrix-warden/warden/internal/domain/rule"
	outbound "github.com/matrix-warden/warden/internal/port/outbound"
)

// Command-level configuration errors. These fail the originating command
// with a single user-visible notice and nothing else.
var (
	ErrUnknownList          = errors.New("no watched list with that shortcode or room id")
	ErrWildcardConfirmation = errors.New("wildcard bans require --force")
	ErrBadRoomReference     = errors.New("unrecognized room reference")
)

// MessageHandler consumes management-room messages. The management command
// adapter implements it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, evt *event.Event)
}

// EngineParams collects everything an engine instance needs. Engines are
// fully instantiable: a process may host several, one per operator.
type EngineParams struct {
	Transport      outbound.Transport
	Reporter       *Reporter
	Metrics        protection.Metrics
	Log            *slog.Logger
	SelfUserID     id.UserID
	SelfServer     string
	ManagementRoom id.RoomID

	Options               protection.Options
	ConfirmWildcardBan    bool
	ProtectAllJoinedRooms bool
}

// Engine owns one operator's policy lists, access-control unit, and
// protected-rooms set, and routes push events between them.
type Engine struct {
	transport outbound.Transport
	reporter  *Reporter
	log       *slog.Logger

	selfUserID     id.UserID
	selfServer     string
	managementRoom id.RoomID

	confirmWildcardBan    bool
	protectAllJoinedRooms bool

	rooms *protection.ProtectedRoomsSet

	commands MessageHandler

	mu    sync.Mutex
	lists map[id.RoomID]*policylist.PolicyList
}

func NewEngine(params EngineParams) *Engine {
	e := &Engine{
		transport:             params.Transport,
		reporter:              params.Reporter,
		log:                   params.Log,
		selfUserID:            params.SelfUserID,
		selfServer:            params.SelfServer,
		managementRoom:        params.ManagementRoom,
		confirmWildcardBan:    params.ConfirmWildcardBan,
		protectAllJoinedRooms: params.ProtectAllJoinedRooms,
		lists:                 make(map[id.RoomID]*policylist.PolicyList),
	}
	e.rooms = protection.NewProtectedRoomsSet(protection.Params{
		Client:     params.Transport,
		Unit:       access.NewAccessControlUnit(),
		Redactor:   params.Transport,
		Reporter:   params.Reporter,
		Metrics:    params.Metrics,
		Log:        params.Log,
		SelfUserID: params.SelfUserID,
		SelfServer: params.SelfServer,
		Options:    params.Options,
	})
	return e
}

// SetCommandHandler attaches the management-room command adapter.
func (e *Engine) SetCommandHandler(handler MessageHandler) {
	e.commands = handler
}

// Noticef posts a notice to the management room.
func (e *Engine) Noticef(ctx context.Context, format string, args ...any) {
	e.reporter.Noticef(ctx, format, args...)
}

// Run restores persisted state and then consumes the push-event stream
// until the context ends or the transport closes the channel.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restoreWatchedLists(ctx); err != nil {
		e.log.Error("failed to restore watched lists", "error", err)
		e.Noticef(ctx, "Failed to restore watched lists: %v", err)
	}
	if e.protectAllJoinedRooms {
		if err := e.protectJoinedRooms(ctx); err != nil {
			e.log.Error("failed to protect joined rooms", "error", err)
		}
	}
	if err := e.rooms.SyncLists(ctx); err != nil {
		e.log.Error("initial list sync failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.rooms.Shutdown()
			return ctx.Err()
		case push, ok := <-e.transport.Events():
			if !ok {
				e.rooms.Shutdown()
				return nil
			}
			e.dispatch(ctx, push)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, push outbound.PushEvent) {
	evt := push.Event
	if push.RoomID == e.managementRoom {
		if e.commands != nil && evt.Type.Type == event.EventMessage.Type && evt.Sender != e.selfUserID {
			e.commands.HandleMessage(ctx, evt)
		}
		return
	}
	if list := e.listFor(push.RoomID); list != nil && isListRelevant(evt) {
		list.UpdateForEvent(ctx, evt.ID)
		return
	}
	e.rooms.HandleEvent(ctx, push.RoomID, evt)
}

// isListRelevant filters policy-room events down to the ones that can
// change list state.
func isListRelevant(evt *event.Event) bool {
	if _, ok := rule.KindForType(evt.Type); ok {
		return true
	}
	return evt.Type.Type == rule.StateShortcode.Type || evt.Type.Type == event.EventRedaction.Type
}

func (e *Engine) listFor(roomID id.RoomID) *policylist.PolicyList {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lists[roomID]
}

// Lists returns the watched policy lists.
func (e *Engine) Lists() []*policylist.PolicyList {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*policylist.PolicyList, 0, len(e.lists))
	for _, list := range e.lists {
		out = append(out, list)
	}
	return out
}

// WatchList resolves a room reference, joins the room, and starts watching
// it as a policy list. The watched references are persisted so they
// survive restarts.
func (e *Engine) WatchList(ctx context.Context, ref string) (*policylist.PolicyList, error) {
	roomID, err := e.resolveRoomRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err = e.transport.JoinRoom(ctx, string(roomID)); err != nil {
		return nil, fmt.Errorf("failed to join policy room %s: %w", roomID, err)
	}

	e.mu.Lock()
	if existing, ok := e.lists[roomID]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	list := policylist.New(roomID, ref, e.transport, e.log)
	e.lists[roomID] = list
	e.mu.Unlock()

	e.rooms.WatchList(list)
	if _, _, err := list.UpdateList(ctx); err != nil {
		e.log.Error("initial refresh of watched list failed", "policy_room", roomID, "error", err)
	}
	if err := e.persistWatchedLists(ctx); err != nil {
		e.log.Error("failed to persist watched lists", "error", err)
	}
	e.warnIfUnprotected(ctx, roomID)
	return list, nil
}

// UnwatchList stops watching a list identified by shortcode, room id, or
// the reference it was watched under.
func (e *Engine) UnwatchList(ctx context.Context, ref string) error {
	list := e.findList(ctx, ref)
	if list == nil {
		return fmt.Errorf("%w: %s", ErrUnknownList, ref)
	}
	e.mu.Lock()
	delete(e.lists, list.RoomID())
	e.mu.Unlock()
	e.rooms.UnwatchList(list)
	if err := e.persistWatchedLists(ctx); err != nil {
		e.log.Error("failed to persist watched lists", "error", err)
	}
	return nil
}

// findList resolves a list by shortcode first, then by room reference.
func (e *Engine) findList(ctx context.Context, ref string) *policylist.PolicyList {
	if list := e.rooms.FindListByShortcode(ref); list != nil {
		return list
	}
	roomID, err := e.resolveRoomRef(ctx, ref)
	if err != nil {
		return nil
	}
	return e.listFor(roomID)
}

// ProtectRoom adds a room to the protected set.
func (e *Engine) ProtectRoom(ctx context.Context, ref string) (id.RoomID, error) {
	roomID, err := e.resolveRoomRef(ctx, ref)
	if err != nil {
		return "", err
	}
	if _, err = e.transport.JoinRoom(ctx, string(roomID)); err != nil {
		return "", fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	e.rooms.AddProtectedRoom(roomID)
	return roomID, nil
}

// UnprotectRoom removes a room from the protected set.
func (e *Engine) UnprotectRoom(ctx context.Context, ref string) (id.RoomID, error) {
	roomID, err := e.resolveRoomRef(ctx, ref)
	if err != nil {
		return "", err
	}
	e.rooms.RemoveProtectedRoom(roomID)
	return roomID, nil
}

// ProtectedRooms returns the protected rooms by recent activity.
func (e *Engine) ProtectedRooms() []id.RoomID {
	return e.rooms.ProtectedRooms()
}

// BanEntity writes a ban rule into the named list. Wildcard entities
// require force when confirm_wildcard_ban is configured.
func (e *Engine) BanEntity(ctx context.Context, listRef string, kind rule.EntityKind, entity, reason string, force bool) error {
	if e.confirmWildcardBan && !force && strings.ContainsAny(entity, "*?") {
		return fmt.Errorf("%w: %q", ErrWildcardConfirmation, entity)
	}
	list := e.findList(ctx, listRef)
	if list == nil {
		return fmt.Errorf("%w: %s", ErrUnknownList, listRef)
	}
	return list.BanEntity(ctx, kind, entity, reason)
}

// UnbanEntity soft-redacts the entity's rules in the named list.
func (e *Engine) UnbanEntity(ctx context.Context, listRef string, kind rule.EntityKind, entity string) (bool, error) {
	list := e.findList(ctx, listRef)
	if list == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownList, listRef)
	}
	return list.UnbanEntity(ctx, kind, entity)
}

// KickUser removes a user from a protected room without banning them.
func (e *Engine) KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	return e.transport.KickUser(ctx, roomID, userID, reason)
}

// QueueRedaction defers a redaction of the user's messages in the room.
func (e *Engine) QueueRedaction(userID id.UserID, roomID id.RoomID) {
	e.rooms.QueueRedaction(userID, roomID)
}

// ProcessRedactions drains the redaction queue, optionally for one room.
func (e *Engine) ProcessRedactions(ctx context.Context, room *id.RoomID) (int, []protection.RoomError) {
	return e.rooms.ProcessRedactions(ctx, room)
}

// Sync refreshes every watched list and reprojects policies.
func (e *Engine) Sync(ctx context.Context) error {
	return e.rooms.SyncLists(ctx)
}

// Status renders a one-notice summary of the engine's state.
func (e *Engine) Status(ctx context.Context) string {
	lists := e.Lists()
	protected := e.ProtectedRooms()
	var b strings.Builder
	fmt.Fprintf(&b, "Watching %d policy list(s), protecting %d room(s).\n", len(lists), len(protected))
	for _, list := range lists {
		name := list.Shortcode()
		if name == "" {
			name = "(no shortcode)"
		}
		fmt.Fprintf(&b, "* %s `%s`: %d rule(s), revision `%s`\n",
			name, list.RoomID(), len(list.AllRules()), list.Revision())
	}
	return b.String()
}

// resolveRoomRef accepts a room id, an alias, or a matrix.to / matrix: URI.
func (e *Engine) resolveRoomRef(ctx context.Context, ref string) (id.RoomID, error) {
	switch {
	case ref == "":
		return "", ErrBadRoomReference
	case ref[0] == '!':
		return id.RoomID(ref), nil
	case ref[0] == '#':
		roomID, err := e.transport.ResolveAlias(ctx, id.RoomAlias(ref))
		if err != nil {
			return "", fmt.Errorf("failed to resolve alias %s: %w", ref, err)
		}
		return roomID, nil
	default:
		uri, err := id.ParseMatrixURIOrMatrixToURL(ref)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBadRoomReference, ref)
		}
		if roomID := uri.RoomID(); roomID != "" {
			return roomID, nil
		}
		if alias := uri.RoomAlias(); alias != "" {
			return e.resolveRoomRef(ctx, string(alias))
		}
		return "", fmt.Errorf("%w: %s", ErrBadRoomReference, ref)
	}
}

func (e *Engine) protectJoinedRooms(ctx context.Context) error {
	joined, err := e.transport.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}
	for _, roomID := range joined {
		if roomID == e.managementRoom || e.listFor(roomID) != nil {
			continue
		}
		e.rooms.AddProtectedRoom(roomID)
	}
	return nil
}
