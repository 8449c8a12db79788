package service

import (
	"context"
	"errors"
	"fmt"

	outbound "github.com/matrix-warden/warden/internal/port/outbound"
	"maunium.net/go/mautrix/id"
)

// Operator persistence lives in account data on the daemon's own account,
// under the same types the wider ecosystem uses.
const (
	watchedListsAccountDataType = "org.matrix.mjolnir.watched_lists"
	unprotectedWarningPrefix    = "org.matrix.mjolnir.unprotected_room_warning.for."
)

type watchedListsContent struct {
	References []string `json:"references"`
}

type unprotectedWarningContent struct {
	Warned bool `json:"warned"`
}

// restoreWatchedLists re-watches every persisted list reference.
func (e *Engine) restoreWatchedLists(ctx context.Context) error {
	var content watchedListsContent
	err := e.transport.GetAccountData(ctx, watchedListsAccountDataType, &content)
	if errors.Is(err, outbound.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read watched lists account data: %w", err)
	}
	var failures []error
	for _, ref := range content.References {
		if _, err := e.WatchList(ctx, ref); err != nil {
			e.log.Error("failed to restore watched list", "ref", ref, "error", err)
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// persistWatchedLists writes the watched references back to account data.
func (e *Engine) persistWatchedLists(ctx context.Context) error {
	var content watchedListsContent
	for _, list := range e.Lists() {
		content.References = append(content.References, list.Ref())
	}
	return e.transport.SetAccountData(ctx, watchedListsAccountDataType, &content)
}

// warnIfUnprotected posts a one-time warning when a freshly watched policy
// room is not itself protected. The per-room flag keeps the warning from
// repeating across restarts.
func (e *Engine) warnIfUnprotected(ctx context.Context, roomID id.RoomID) {
	if e.rooms.IsProtected(roomID) {
		return
	}
	flagType := unprotectedWarningPrefix + string(roomID)
	var flag unprotectedWarningContent
	err := e.transport.GetAccountData(ctx, flagType, &flag)
	if err == nil && flag.Warned {
		return
	}
	if err != nil && !errors.Is(err, outbound.ErrNotFound) {
		e.log.Warn("failed to read unprotected-room warning flag", "room_id", roomID, "error", err)
	}
	e.Noticef(ctx, "Policy room [%s](%s) is being watched but is not a protected room.",
		roomID, roomID.URI().MatrixToURL())
	if err := e.transport.SetAccountData(ctx, flagType, &unprotectedWarningContent{Warned: true}); err != nil {
		e.log.Warn("failed to set unprotected-room warning flag", "room_id", roomID, "error", err)
	}
}
