package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/adapter/outbound/memory"
	"github.com/matrix-warden/warden/internal/domain/protection"
	"github.com/matrix-warden/warden/internal/domain/rule"
	"github.com/matrix-warden/warden/internal/service"
)

const (
	selfUser       = id.UserID("@warden:example.org")
	selfServer     = "example.org"
	managementRoom = id.RoomID("!management:example.org")
	policyRoom     = id.RoomID("!policy:example.org")
	moderator      = id.UserID("@mod:example.org")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, transport *memory.Transport, confirmWildcard bool) *service.Engine {
	t.Helper()
	reporter := service.NewReporter(transport, managementRoom, discardLogger())
	return service.NewEngine(service.EngineParams{
		Transport:          transport,
		Reporter:           reporter,
		Metrics:            protection.NopMetrics,
		Log:                discardLogger(),
		SelfUserID:         selfUser,
		SelfServer:         selfServer,
		ManagementRoom:     managementRoom,
		ConfirmWildcardBan: confirmWildcard,
	})
}

func newTestTransport() *memory.Transport {
	transport := memory.NewTransport(selfUser)
	transport.AddRoom(managementRoom)
	transport.AddRoom(policyRoom)
	return transport
}

func TestWatchListPersistsReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	transport := newTestTransport()
	engine := newTestEngine(t, transport, false)

	list, err := engine.WatchList(ctx, string(policyRoom))
	if err != nil {
		t.Fatalf("WatchList() error: %v", err)
	}
	if list.RoomID() != policyRoom {
		t.Errorf("WatchList() room = %s, want %s", list.RoomID(), policyRoom)
	}

	var persisted struct {
		References []string `json:"references"`
	}
	if err := transport.GetAccountData(ctx, "org.matrix.mjolnir.watched_lists", &persisted); err != nil {
		t.Fatalf("watched lists not persisted: %v", err)
	}
	if len(persisted.References) != 1 || persisted.References[0] != string(policyRoom) {
		t.Errorf("persisted references = %v", persisted.References)
	}

	// Watching again is idempotent.
	if _, err := engine.WatchList(ctx, string(policyRoom)); err != nil {
		t.Fatalf("second WatchList() error: %v", err)
	}
	if got := len(engine.Lists()); got != 1 {
		t.Errorf("Lists() = %d entries after duplicate watch, want 1", got)
	}
}

func TestUnwatchUnknownListIsConfigError(t *testing.T) {
	t.Parallel()
	transport := newTestTransport()
	engine := newTestEngine(t, transport, false)

	err := engine.UnwatchList(context.Background(), "nosuchlist")
	if !errors.Is(err, service.ErrUnknownList) {
		t.Errorf("UnwatchList() error = %v, want ErrUnknownList", err)
	}
}

func TestBanEntityWildcardConfirmation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	transport := newTestTransport()
	engine := newTestEngine(t, transport, true)
	if _, err := engine.WatchList(ctx, string(policyRoom)); err != nil {
		t.Fatalf("WatchList() error: %v", err)
	}

	err := engine.BanEntity(ctx, string(policyRoom), rule.EntityKindUser, "@spam*:bad.example", "abuse", false)
	if !errors.Is(err, service.ErrWildcardConfirmation) {
		t.Fatalf("BanEntity() without force = %v, want ErrWildcardConfirmation", err)
	}

	if err := engine.BanEntity(ctx, string(policyRoom), rule.EntityKindUser, "@spam*:bad.example", "abuse", true); err != nil {
		t.Fatalf("BanEntity() with force error: %v", err)
	}
	var content struct {
		Entity         string `json:"entity"`
		Recommendation string `json:"recommendation"`
	}
	if err := transport.StateEvent(ctx, policyRoom, event.StatePolicyUser, "rule:@spam*:bad.example", &content); err != nil {
		t.Fatalf("ban rule not written: %v", err)
	}
	if content.Entity != "@spam*:bad.example" || content.Recommendation != "m.ban" {
		t.Errorf("written rule content = %+v", content)
	}
}

func TestBanEntityUnknownShortcode(t *testing.T) {
	t.Parallel()
	transport := newTestTransport()
	engine := newTestEngine(t, transport, false)

	err := engine.BanEntity(context.Background(), "nosuchlist", rule.EntityKindUser, "@x:y.example", "", false)
	if !errors.Is(err, service.ErrUnknownList) {
		t.Errorf("BanEntity() error = %v, want ErrUnknownList", err)
	}
}

func TestUnprotectedPolicyRoomWarnsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	transport := newTestTransport()
	engine := newTestEngine(t, transport, false)

	if _, err := engine.WatchList(ctx, string(policyRoom)); err != nil {
		t.Fatalf("WatchList() error: %v", err)
	}
	warnings := countNotices(transport, "not a protected room")
	if warnings != 1 {
		t.Fatalf("warnings after first watch = %d, want 1", warnings)
	}

	// Unwatch and rewatch: the account-data flag suppresses a repeat.
	if err := engine.UnwatchList(ctx, string(policyRoom)); err != nil {
		t.Fatalf("UnwatchList() error: %v", err)
	}
	if _, err := engine.WatchList(ctx, string(policyRoom)); err != nil {
		t.Fatalf("WatchList() error: %v", err)
	}
	if got := countNotices(transport, "not a protected room"); got != 1 {
		t.Errorf("warnings after rewatch = %d, want still 1", got)
	}
}

func countNotices(transport *memory.Transport, substring string) int {
	count := 0
	for _, notice := range transport.Notices {
		if strings.Contains(notice.Body, substring) {
			count++
		}
	}
	return count
}

func TestRestoreWatchedListsOnRun(t *testing.T) {
	t.Parallel()
	transport := newTestTransport()
	first := newTestEngine(t, transport, false)
	if _, err := first.WatchList(context.Background(), string(policyRoom)); err != nil {
		t.Fatalf("WatchList() error: %v", err)
	}

	// A fresh engine over the same account restores the watched list and
	// then exits when the push channel closes.
	second := newTestEngine(t, transport, false)
	runDone := make(chan error, 1)
	go func() {
		runDone <- second.Run(context.Background())
	}()
	transport.Close()
	if err := <-runDone; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := len(second.Lists()); got != 1 {
		t.Errorf("restored lists = %d, want 1", got)
	}
}

func TestProtectAndUnprotectRoom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	transport := newTestTransport()
	engine := newTestEngine(t, transport, false)
	room := id.RoomID("!target:example.org")
	transport.AddRoom(room)

	if _, err := engine.ProtectRoom(ctx, string(room)); err != nil {
		t.Fatalf("ProtectRoom() error: %v", err)
	}
	if rooms := engine.ProtectedRooms(); len(rooms) != 1 || rooms[0] != room {
		t.Errorf("ProtectedRooms() = %v, want [%s]", rooms, room)
	}

	if _, err := engine.UnprotectRoom(ctx, string(room)); err != nil {
		t.Fatalf("UnprotectRoom() error: %v", err)
	}
	if rooms := engine.ProtectedRooms(); len(rooms) != 0 {
		t.Errorf("ProtectedRooms() after unprotect = %v, want empty", rooms)
	}
}

func TestStatusSummarizesState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	transport := newTestTransport()
	engine := newTestEngine(t, transport, false)
	if _, err := engine.WatchList(ctx, string(policyRoom)); err != nil {
		t.Fatalf("WatchList() error: %v", err)
	}

	status := engine.Status(ctx)
	if !strings.Contains(status, "1 policy list(s)") {
		t.Errorf("Status() = %q, want list count", status)
	}
}
