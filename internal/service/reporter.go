// Package service assembles the moderation engine: one instance per
// operator, wired from the transport, the policy lists, the access-control
// unit, and the protected-rooms orchestrator.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.mau.fi/util/exslices"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/domain/policylist"
	"github.com/matrix-warden/warden/internal/domain/protection"
)

// MessageSender is the slice of the transport the reporter writes through.
type MessageSender interface {
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
}

// Reporter posts the engine's user-visible output to the management room as
// HTML + plaintext notices.
type Reporter struct {
	sender         MessageSender
	managementRoom id.RoomID
	log            *slog.Logger
}

var _ protection.Reporter = (*Reporter)(nil)

func NewReporter(sender MessageSender, managementRoom id.RoomID, log *slog.Logger) *Reporter {
	return &Reporter{sender: sender, managementRoom: managementRoom, log: log}
}

// Noticef renders the formatted markdown and posts it as a notice.
func (r *Reporter) Noticef(ctx context.Context, formatString string, args ...any) {
	content := format.RenderMarkdown(fmt.Sprintf(formatString, args...), true, false)
	content.MsgType = event.MsgNotice
	if _, err := r.sender.SendMessage(ctx, r.managementRoom, &content); err != nil {
		r.log.Error("failed to post notice to management room", "error", err)
	}
}

// ListChanges pretty-prints a list's change-set.
func (r *Reporter) ListChanges(ctx context.Context, list *policylist.PolicyList, changes []policylist.Change, revision policylist.Revision) {
	name := list.Shortcode()
	if name == "" {
		name = string(list.RoomID())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Policy list **%s** updated (revision `%s`):\n", name, revision)
	for _, change := range changes {
		switch change.Type {
		case policylist.ChangeAdded:
			fmt.Fprintf(&b, "* Added %s rule `%s` (%s): %s\n",
				change.Rule.Kind, change.Rule.Entity, change.Rule.Recommendation, reasonOrDash(change.Rule.Reason))
		case policylist.ChangeModified:
			fmt.Fprintf(&b, "* Updated %s rule `%s` (%s): %s\n",
				change.Rule.Kind, change.Rule.Entity, change.Rule.Recommendation, reasonOrDash(change.Rule.Reason))
		case policylist.ChangeRemoved:
			fmt.Fprintf(&b, "* Removed %s rule `%s`\n", change.Rule.Kind, change.Rule.Entity)
		}
	}
	r.Noticef(ctx, "%s", b.String())
}

// SyncSummary posts a single summary per sync. Syncs that changed nothing
// and hit no errors stay quiet.
func (r *Reporter) SyncSummary(ctx context.Context, result protection.SyncResult) {
	if result.ACLUpdates == 0 && result.Bans == 0 && result.Redactions == 0 && len(result.Errors) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Policy sync: %d ACL update(s), %d ban(s), %d redaction(s).",
		result.ACLUpdates, result.Bans, result.Redactions)
	if len(result.Errors) > 0 {
		rooms := make([]id.RoomID, 0, len(result.Errors))
		for _, roomErr := range result.Errors {
			rooms = append(rooms, roomErr.Room)
		}
		fmt.Fprintf(&b, "\n\n%d room(s) reported errors:\n", len(exslices.DeduplicateUnsorted(rooms)))
		for _, roomErr := range result.Errors {
			fmt.Fprintf(&b, "* [%s](%s): %s error: %v\n",
				roomErr.Room, roomErr.Room.URI().MatrixToURL(), roomErr.Kind, roomErr.Err)
		}
	}
	r.Noticef(ctx, "%s", b.String())
}

func reasonOrDash(reason string) string {
	if reason == "" {
		return "(no reason)"
	}
	return reason
}
