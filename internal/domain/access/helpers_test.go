package access_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/adapter/outbound/memory"
	"github.com/matrix-warden/warden/internal/domain/policylist"
)

const testModerator = id.UserID("@mod:example.org")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type policyEntry struct {
	eventType      event.Type
	entity         string
	recommendation string
	reason         string
}

// newListWithPolicies builds a policy list from the given entries and
// refreshes it once.
func newListWithPolicies(t *testing.T, name string, entries []policyEntry) (*policylist.PolicyList, *memory.Transport) {
	t.Helper()
	roomID := id.RoomID(fmt.Sprintf("!%s:example.org", name))
	transport := memory.NewTransport("@warden:example.org")
	transport.AddRoom(roomID)
	for _, entry := range entries {
		transport.PutState(roomID, testModerator, entry.eventType,
			"rule:"+entry.entity, map[string]any{
				"entity":         entry.entity,
				"recommendation": entry.recommendation,
				"reason":         entry.reason,
			}, 0)
	}
	list := policylist.New(roomID, string(roomID), transport, discardLogger())
	if _, _, err := list.UpdateList(context.Background()); err != nil {
		t.Fatalf("UpdateList() error: %v", err)
	}
	return list, transport
}

func refresh(t *testing.T, list *policylist.PolicyList) {
	t.Helper()
	if _, _, err := list.UpdateList(context.Background()); err != nil {
		t.Fatalf("UpdateList() error: %v", err)
	}
}
