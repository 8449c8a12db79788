package protection_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/adapter/outbound/memory"
	"github.com/matrix-warden/warden/internal/domain/access"
	"github.com/matrix-warden/warden/internal/domain/policylist"
	"github.com/matrix-warden/warden/internal/domain/protection"
	outbound "github.com/matrix-warden/warden/internal/port/outbound"
)

const (
	selfUser   = id.UserID("@warden:example.org")
	selfServer = "matrix.self"
	moderator  = id.UserID("@mod:example.org")
	policyRoom = id.RoomID("!policy:example.org")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingReporter struct {
	mu        sync.Mutex
	summaries []protection.SyncResult
}

func (r *recordingReporter) Noticef(context.Context, string, ...any) {}
func (r *recordingReporter) ListChanges(context.Context, *policylist.PolicyList, []policylist.Change, policylist.Revision) {
}
func (r *recordingReporter) SyncSummary(_ context.Context, result protection.SyncResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, result)
}

type fixture struct {
	transport *memory.Transport
	list      *policylist.PolicyList
	unit      *access.AccessControlUnit
	set       *protection.ProtectedRoomsSet
	reporter  *recordingReporter
}

func newFixture(t *testing.T, opts protection.Options) *fixture {
	t.Helper()
	transport := memory.NewTransport(selfUser)
	transport.AddRoom(policyRoom)
	list := policylist.New(policyRoom, string(policyRoom), transport, discardLogger())
	unit := access.NewAccessControlUnit()
	reporter := &recordingReporter{}
	set := protection.NewProtectedRoomsSet(protection.Params{
		Client:     transport,
		Unit:       unit,
		Redactor:   transport,
		Reporter:   reporter,
		Log:        discardLogger(),
		SelfUserID: selfUser,
		SelfServer: selfServer,
		Options:    opts,
	})
	set.WatchList(list)
	return &fixture{transport: transport, list: list, unit: unit, set: set, reporter: reporter}
}

func (f *fixture) addProtectedRoom(roomID id.RoomID, members ...id.UserID) {
	f.transport.AddRoom(roomID)
	for _, member := range members {
		f.transport.SetMembership(roomID, member, event.MembershipJoin)
	}
	f.set.AddProtectedRoom(roomID)
}

func (f *fixture) banUser(t *testing.T, entity, reason string) {
	t.Helper()
	f.transport.PutState(policyRoom, moderator, event.StatePolicyUser,
		"rule:"+entity, map[string]any{
			"entity": entity, "recommendation": "m.ban", "reason": reason,
		}, 0)
	if _, _, err := f.list.UpdateList(context.Background()); err != nil {
		t.Fatalf("UpdateList() error: %v", err)
	}
}

func TestSingleUserBanProjection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protection.Options{})
	room1 := id.RoomID("!r1:example.org")
	room2 := id.RoomID("!r2:example.org")
	f.addProtectedRoom(room1, "@spam:bad.example", "@ok:good.example")
	f.addProtectedRoom(room2, "@ok:good.example")

	// The list update triggers projection through the update listener.
	f.banUser(t, "@spam:bad.example", "abuse")

	if len(f.transport.Bans) != 1 {
		t.Fatalf("bans = %+v, want exactly one", f.transport.Bans)
	}
	ban := f.transport.Bans[0]
	if ban.RoomID != room1 || ban.UserID != "@spam:bad.example" || ban.Reason != "abuse" {
		t.Errorf("unexpected ban %+v", ban)
	}
}

func TestACLProjectionAndSkipWhenEqual(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protection.Options{})
	room := id.RoomID("!r1:example.org")
	f.addProtectedRoom(room)

	f.transport.PutState(policyRoom, moderator, event.StatePolicyServer,
		"rule:*.evil.example", map[string]any{
			"entity": "*.evil.example", "recommendation": "m.ban",
		}, 0)
	if _, _, err := f.list.UpdateList(context.Background()); err != nil {
		t.Fatalf("UpdateList() error: %v", err)
	}

	var acl event.ServerACLEventContent
	if err := f.transport.StateEvent(context.Background(), room, event.StateServerACL, "", &acl); err != nil {
		t.Fatalf("no server ACL written: %v", err)
	}
	if len(acl.Deny) != 1 || acl.Deny[0] != "*.evil.example" {
		t.Errorf("ACL deny = %v, want [*.evil.example]", acl.Deny)
	}
	if acl.AllowIPLiterals {
		t.Error("written ACL allows IP literals")
	}

	// A second full sync against unchanged state writes nothing.
	result := f.set.SyncRoomsWithPolicies(context.Background())
	if result.ACLUpdates != 0 {
		t.Errorf("second sync wrote %d ACL updates, want 0", result.ACLUpdates)
	}
}

func TestBanBeforeRedactionAndRoomFilteredDrain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protection.Options{
		AutoRedactReasons: protection.CompileReasonPatterns([]string{"*spam*"}),
	})
	room1 := id.RoomID("!r1:example.org")
	room2 := id.RoomID("!r2:example.org")
	f.addProtectedRoom(room1, "@spam:bad.example")
	f.addProtectedRoom(room2)
	spamMessage := f.transport.SeedMessage(room1, "@spam:bad.example")

	f.banUser(t, "@spam:bad.example", "spam links")

	if len(f.transport.Bans) != 1 {
		t.Fatalf("bans = %+v, want one", f.transport.Bans)
	}
	found := false
	for _, redacted := range f.transport.Redacted {
		if redacted == spamMessage {
			found = true
		}
	}
	if !found {
		t.Errorf("redacted = %v, want the spam message redacted after the ban", f.transport.Redacted)
	}

	// The queue drains per room when asked for one.
	otherMessage := f.transport.SeedMessage(room2, "@spam:bad.example")
	f.set.QueueRedaction("@spam:bad.example", room1)
	f.set.QueueRedaction("@spam:bad.example", room2)
	_, errs := f.set.ProcessRedactions(context.Background(), &room1)
	if len(errs) != 0 {
		t.Fatalf("ProcessRedactions() errors: %v", errs)
	}
	for _, redacted := range f.transport.Redacted {
		if redacted == otherMessage {
			t.Fatal("filtered drain redacted a message in the other room")
		}
	}
	redacted, _ := f.set.ProcessRedactions(context.Background(), nil)
	if redacted != 1 {
		t.Errorf("full drain redacted %d message(s), want the remaining one", redacted)
	}
}

func TestMembershipEventTriggersProjection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protection.Options{})
	room := id.RoomID("!r1:example.org")
	f.addProtectedRoom(room)
	f.banUser(t, "@spam:bad.example", "abuse")
	f.transport.Bans = nil

	joinEvt := f.transport.SetMembership(room, "@spam:bad.example", event.MembershipJoin)
	f.set.HandleEvent(context.Background(), room, joinEvt)

	if len(f.transport.Bans) != 1 || f.transport.Bans[0].UserID != "@spam:bad.example" {
		t.Errorf("bans after membership event = %+v, want the joining spammer banned", f.transport.Bans)
	}
}

func TestSelfEventsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protection.Options{})
	room := id.RoomID("!r1:example.org")
	f.addProtectedRoom(room)
	f.banUser(t, "@spam:bad.example", "abuse")
	f.transport.Bans = nil

	stateKey := string(selfUser)
	selfEvt := &event.Event{
		ID:       "$self:example.org",
		Type:     event.StateMember,
		Sender:   selfUser,
		StateKey: &stateKey,
		Content:  event.Content{Raw: map[string]any{"membership": "join"}},
	}
	f.set.HandleEvent(context.Background(), room, selfEvt)
	if len(f.transport.Bans) != 0 {
		t.Errorf("self event triggered projection: %+v", f.transport.Bans)
	}
}

func TestPermissionErrorsClassifiedAndDeduplicated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protection.Options{})
	room := id.RoomID("!r1:example.org")
	f.addProtectedRoom(room, "@spam:bad.example")
	f.transport.FailBansIn[room] = fmt.Errorf("insufficient power level: %w", outbound.ErrPermissionDenied)

	f.banUser(t, "@spam:bad.example", "abuse")

	f.reporter.mu.Lock()
	summaries := len(f.reporter.summaries)
	var firstErrors []protection.RoomError
	if summaries > 0 {
		firstErrors = f.reporter.summaries[0].Errors
	}
	f.reporter.mu.Unlock()
	if len(firstErrors) != 1 {
		t.Fatalf("first sync errors = %+v, want one", firstErrors)
	}
	if firstErrors[0].Kind != protection.ErrorPermission {
		t.Errorf("error kind = %s, want permission", firstErrors[0].Kind)
	}

	// The same failure on a repeat sync is suppressed by the error cache.
	result := f.set.SyncRoomsWithPolicies(context.Background())
	if len(result.Errors) != 0 {
		t.Errorf("repeat sync errors = %+v, want suppressed", result.Errors)
	}
}

func TestFatalErrorsDoNotBlockOtherRooms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protection.Options{})
	broken := id.RoomID("!broken:example.org")
	healthy := id.RoomID("!healthy:example.org")
	f.addProtectedRoom(broken, "@spam:bad.example")
	f.addProtectedRoom(healthy, "@spam:bad.example")
	f.transport.FailBansIn[broken] = fmt.Errorf("backend exploded")

	f.banUser(t, "@spam:bad.example", "abuse")

	var bannedInHealthy bool
	for _, ban := range f.transport.Bans {
		if ban.RoomID == healthy {
			bannedInHealthy = true
		}
	}
	if !bannedInHealthy {
		t.Errorf("bans = %+v; failure in one room blocked another", f.transport.Bans)
	}
}

func TestNoOpModePerformsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protection.Options{NoOp: true})
	room := id.RoomID("!r1:example.org")
	f.addProtectedRoom(room, "@spam:bad.example")

	f.transport.PutState(policyRoom, moderator, event.StatePolicyServer,
		"rule:evil.example", map[string]any{"entity": "evil.example", "recommendation": "m.ban"}, 0)
	f.banUser(t, "@spam:bad.example", "abuse")

	if len(f.transport.Bans) != 0 {
		t.Errorf("no-op mode issued bans: %+v", f.transport.Bans)
	}
	var acl event.ServerACLEventContent
	if err := f.transport.StateEvent(context.Background(), room, event.StateServerACL, "", &acl); err == nil {
		t.Error("no-op mode wrote a server ACL")
	}
}

func TestPowerLevelEventResetsPermissionCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protection.Options{})
	room := id.RoomID("!r1:example.org")
	f.addProtectedRoom(room, "@spam:bad.example")
	f.transport.FailBansIn[room] = fmt.Errorf("no power: %w", outbound.ErrPermissionDenied)
	f.banUser(t, "@spam:bad.example", "abuse")

	// Power levels now grant the daemon enough power; the cached permission
	// error resets and the next failure is reported again.
	plEvt := f.transport.PutState(room, moderator, event.StatePowerLevels, "", map[string]any{
		"users": map[string]any{string(selfUser): 100},
		"ban":   50, "redact": 50,
	}, 0)
	f.set.HandleEvent(context.Background(), room, plEvt)

	result := f.set.SyncRoomsWithPolicies(context.Background())
	if len(result.Errors) != 1 || result.Errors[0].Kind != protection.ErrorPermission {
		t.Errorf("errors after reset = %+v, want the permission error reported again", result.Errors)
	}
}
