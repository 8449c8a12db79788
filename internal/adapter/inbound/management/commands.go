// Package management parses operator commands out of the management room
// and turns them into engine calls.
package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/domain/policylist"
	"github.com/matrix-warden/warden/internal/domain/protection"
	"github.com/matrix-warden/warden/internal/domain/rule"
	"github.com/matrix-warden/warden/internal/service"
)

// Engine is the slice of the engine the command surface drives.
type Engine interface {
	Noticef(ctx context.Context, format string, args ...any)
	Status(ctx context.Context) string
	WatchList(ctx context.Context, ref string) (*policylist.PolicyList, error)
	UnwatchList(ctx context.Context, ref string) error
	ProtectRoom(ctx context.Context, ref string) (id.RoomID, error)
	UnprotectRoom(ctx context.Context, ref string) (id.RoomID, error)
	ProtectedRooms() []id.RoomID
	KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	BanEntity(ctx context.Context, listRef string, kind rule.EntityKind, entity, reason string, force bool) error
	UnbanEntity(ctx context.Context, listRef string, kind rule.EntityKind, entity string) (bool, error)
	QueueRedaction(userID id.UserID, roomID id.RoomID)
	ProcessRedactions(ctx context.Context, room *id.RoomID) (int, []protection.RoomError)
	Sync(ctx context.Context) error
}

const commandPrefix = "!warden"

type command struct {
	name    string
	usage   string
	help    string
	minArgs int
	run     func(h *Handler, ctx context.Context, args []string)
}

// Handler dispatches management-room messages to the engine.
type Handler struct {
	engine   Engine
	log      *slog.Logger
	commands []command
}

func NewHandler(engine Engine, log *slog.Logger) *Handler {
	h := &Handler{engine: engine, log: log}
	h.commands = []command{
		{"help", "help", "Show this help.", 0, (*Handler).cmdHelp},
		{"status", "status", "Summarize watched lists and protected rooms.", 0, (*Handler).cmdStatus},
		{"watch", "watch <room>", "Subscribe to a policy room.", 1, (*Handler).cmdWatch},
		{"unwatch", "unwatch <shortcode|room>", "Unsubscribe from a policy room.", 1, (*Handler).cmdUnwatch},
		{"protect", "protect <room>", "Add a room to the protected set.", 1, (*Handler).cmdProtect},
		{"unprotect", "unprotect <room>", "Remove a room from the protected set.", 1, (*Handler).cmdUnprotect},
		{"rooms", "rooms", "List protected rooms by recent activity.", 0, (*Handler).cmdRooms},
		{"ban", "ban <list> <user|room|server> <entity> [reason...] [--force]", "Write a ban rule into a list.", 3, (*Handler).cmdBan},
		{"unban", "unban <list> <user|room|server> <entity>", "Remove an entity's rules from a list.", 3, (*Handler).cmdUnban},
		{"kick", "kick <user> <room> [reason...]", "Kick a user from a room.", 2, (*Handler).cmdKick},
		{"redact", "redact <user> [room]", "Redact a user's recent messages.", 1, (*Handler).cmdRedact},
		{"sync", "sync", "Refresh all lists and reproject policies.", 0, (*Handler).cmdSync},
	}
	return h
}

// HandleMessage implements service.MessageHandler.
func (h *Handler) HandleMessage(ctx context.Context, evt *event.Event) {
	body, _ := evt.Content.Raw["body"].(string)
	fields := strings.Fields(body)
	if len(fields) == 0 || fields[0] != commandPrefix {
		return
	}
	if len(fields) == 1 {
		h.cmdHelp(ctx, nil)
		return
	}
	name := strings.ToLower(fields[1])
	args := fields[2:]
	for _, cmd := range h.commands {
		if cmd.name != name {
			continue
		}
		if len(args) < cmd.minArgs {
			h.engine.Noticef(ctx, "Usage: `%s %s`", commandPrefix, cmd.usage)
			return
		}
		cmd.run(h, ctx, args)
		return
	}
	h.engine.Noticef(ctx, "Unknown command `%s`. Try `%s help`.", name, commandPrefix)
}

func (h *Handler) cmdHelp(ctx context.Context, _ []string) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range h.commands {
		fmt.Fprintf(&b, "* `%s %s`: %s\n", commandPrefix, cmd.usage, cmd.help)
	}
	h.engine.Noticef(ctx, "%s", b.String())
}

func (h *Handler) cmdStatus(ctx context.Context, _ []string) {
	h.engine.Noticef(ctx, "%s", h.engine.Status(ctx))
}

func (h *Handler) cmdWatch(ctx context.Context, args []string) {
	list, err := h.engine.WatchList(ctx, args[0])
	if err != nil {
		h.engine.Noticef(ctx, "Failed to watch %s: %v", args[0], err)
		return
	}
	h.engine.Noticef(ctx, "Now watching policy room [%s](%s).",
		list.RoomID(), list.RoomID().URI().MatrixToURL())
}

func (h *Handler) cmdUnwatch(ctx context.Context, args []string) {
	if err := h.engine.UnwatchList(ctx, args[0]); err != nil {
		h.engine.Noticef(ctx, "Failed to unwatch %s: %v", args[0], err)
		return
	}
	h.engine.Noticef(ctx, "Stopped watching %s.", args[0])
}

func (h *Handler) cmdProtect(ctx context.Context, args []string) {
	roomID, err := h.engine.ProtectRoom(ctx, args[0])
	if err != nil {
		h.engine.Noticef(ctx, "Failed to protect %s: %v", args[0], err)
		return
	}
	h.engine.Noticef(ctx, "Now protecting [%s](%s).", roomID, roomID.URI().MatrixToURL())
}

func (h *Handler) cmdUnprotect(ctx context.Context, args []string) {
	roomID, err := h.engine.UnprotectRoom(ctx, args[0])
	if err != nil {
		h.engine.Noticef(ctx, "Failed to unprotect %s: %v", args[0], err)
		return
	}
	h.engine.Noticef(ctx, "Stopped protecting %s.", roomID)
}

func (h *Handler) cmdRooms(ctx context.Context, _ []string) {
	rooms := h.engine.ProtectedRooms()
	if len(rooms) == 0 {
		h.engine.Noticef(ctx, "No protected rooms.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Protecting %d room(s), most recently active first:\n", len(rooms))
	for _, roomID := range rooms {
		fmt.Fprintf(&b, "* [%s](%s)\n", roomID, roomID.URI().MatrixToURL())
	}
	h.engine.Noticef(ctx, "%s", b.String())
}

func parseEntityKind(raw string) (rule.EntityKind, bool) {
	switch strings.ToLower(raw) {
	case "user":
		return rule.EntityKindUser, true
	case "room":
		return rule.EntityKindRoom, true
	case "server":
		return rule.EntityKindServer, true
	default:
		return "", false
	}
}

func (h *Handler) cmdBan(ctx context.Context, args []string) {
	kind, ok := parseEntityKind(args[1])
	if !ok {
		h.engine.Noticef(ctx, "Unknown entity kind `%s`; expected user, room, or server.", args[1])
		return
	}
	force := false
	rest := slices.Clone(args[3:])
	if idx := slices.Index(rest, "--force"); idx >= 0 {
		force = true
		rest = slices.Delete(rest, idx, idx+1)
	}
	reason := strings.Join(rest, " ")
	err := h.engine.BanEntity(ctx, args[0], kind, args[2], reason, force)
	switch {
	case errors.Is(err, service.ErrWildcardConfirmation):
		h.engine.Noticef(ctx, "`%s` contains wildcards. Repeat the command with `--force` to confirm.", args[2])
	case err != nil:
		h.engine.Noticef(ctx, "Failed to ban `%s`: %v", args[2], err)
	default:
		h.engine.Noticef(ctx, "Added %s ban for `%s`.", kind, args[2])
	}
}

func (h *Handler) cmdUnban(ctx context.Context, args []string) {
	kind, ok := parseEntityKind(args[1])
	if !ok {
		h.engine.Noticef(ctx, "Unknown entity kind `%s`; expected user, room, or server.", args[1])
		return
	}
	removed, err := h.engine.UnbanEntity(ctx, args[0], kind, args[2])
	switch {
	case err != nil:
		h.engine.Noticef(ctx, "Failed to unban `%s`: %v", args[2], err)
	case !removed:
		h.engine.Noticef(ctx, "No rules for `%s` in %s.", args[2], args[0])
	default:
		h.engine.Noticef(ctx, "Removed rules for `%s` from %s.", args[2], args[0])
	}
}

func (h *Handler) cmdKick(ctx context.Context, args []string) {
	userID := id.UserID(args[0])
	roomID := id.RoomID(args[1])
	reason := strings.Join(args[2:], " ")
	if err := h.engine.KickUser(ctx, roomID, userID, reason); err != nil {
		h.engine.Noticef(ctx, "Failed to kick %s from %s: %v", userID, roomID, err)
		return
	}
	h.engine.Noticef(ctx, "Kicked %s from [%s](%s).", userID, roomID, roomID.URI().MatrixToURL())
}

func (h *Handler) cmdRedact(ctx context.Context, args []string) {
	userID := id.UserID(args[0])
	var room *id.RoomID
	if len(args) > 1 {
		roomID := id.RoomID(args[1])
		room = &roomID
		h.engine.QueueRedaction(userID, roomID)
	} else {
		for _, roomID := range h.engine.ProtectedRooms() {
			h.engine.QueueRedaction(userID, roomID)
		}
	}
	redacted, errs := h.engine.ProcessRedactions(ctx, room)
	if len(errs) > 0 {
		h.engine.Noticef(ctx, "Redacted %d message(s); %d task(s) failed.", redacted, len(errs))
		return
	}
	h.engine.Noticef(ctx, "Redacted %d message(s) from %s.", redacted, userID)
}

func (h *Handler) cmdSync(ctx context.Context, _ []string) {
	if err := h.engine.Sync(ctx); err != nil {
		h.engine.Noticef(ctx, "Sync finished with errors: %v", err)
		return
	}
	h.engine.Noticef(ctx, "Sync complete.")
}
