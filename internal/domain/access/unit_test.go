package access_test

import (
	"testing"

	"maunium.net/go/mautrix/event"

	"github.com/matrix-warden/warden/internal/domain/access"
)

func TestEmptyUnitAllowsEverything(t *testing.T) {
	t.Parallel()
	unit := access.NewAccessControlUnit()

	if got := unit.GetAccessForUser("@anyone:anywhere.example", access.CheckServer); got.Outcome != access.OutcomeAllowed {
		t.Errorf("GetAccessForUser() = %s with no rules, want allowed", got.Outcome)
	}
	if got := unit.GetAccessForServer("anywhere.example"); got.Outcome != access.OutcomeAllowed {
		t.Errorf("GetAccessForServer() = %s with no rules, want allowed", got.Outcome)
	}
}

func TestUserBan(t *testing.T) {
	t.Parallel()
	list, _ := newListWithPolicies(t, "unit1", []policyEntry{
		{event.StatePolicyUser, "@spam:bad.example", "m.ban", "abuse"},
	})
	unit := access.NewAccessControlUnit()
	unit.Watch(list)

	got := unit.GetAccessForUser("@spam:bad.example", access.IgnoreServer)
	if got.Outcome != access.OutcomeBanned {
		t.Fatalf("GetAccessForUser() = %s, want banned", got.Outcome)
	}
	if got.Rule == nil || got.Rule.Reason != "abuse" {
		t.Errorf("verdict rule = %+v, want the ban rule with its reason", got.Rule)
	}
	if clean := unit.GetAccessForUser("@ok:good.example", access.IgnoreServer); clean.Outcome != access.OutcomeAllowed {
		t.Errorf("unrelated user = %s, want allowed", clean.Outcome)
	}
}

func TestBanWinsOverAllow(t *testing.T) {
	t.Parallel()
	list, transport := newListWithPolicies(t, "unit2", []policyEntry{
		{event.StatePolicyUser, "@dual:x.example", "org.matrix.mjolnir.allow", ""},
	})
	// A second rule for the same entity under a different state key.
	transport.PutState(list.RoomID(), testModerator, event.StatePolicyUser,
		"ban:@dual:x.example", map[string]any{
			"entity": "@dual:x.example", "recommendation": "m.ban", "reason": "banned anyway",
		}, 0)
	refresh(t, list)
	unit := access.NewAccessControlUnit()
	unit.Watch(list)

	// The allow check passes, then the ban rule applies.
	if got := unit.GetAccessForUser("@dual:x.example", access.IgnoreServer); got.Outcome != access.OutcomeBanned {
		t.Errorf("entity with both allow and ban = %s, want banned", got.Outcome)
	}
}

func TestNonEmptyAllowListDeniesUnmatched(t *testing.T) {
	t.Parallel()
	list, _ := newListWithPolicies(t, "unit3", []policyEntry{
		{event.StatePolicyServer, "good.example", "org.matrix.mjolnir.allow", ""},
	})
	unit := access.NewAccessControlUnit()
	unit.Watch(list)

	if got := unit.GetAccessForServer("good.example"); got.Outcome != access.OutcomeAllowed {
		t.Errorf("allow-listed server = %s, want allowed", got.Outcome)
	}
	if got := unit.GetAccessForServer("other.example"); got.Outcome != access.OutcomeNotAllowed {
		t.Errorf("unlisted server with allow-list present = %s, want not allowed", got.Outcome)
	}
}

func TestUserCheckFallsThroughToServer(t *testing.T) {
	t.Parallel()
	list, _ := newListWithPolicies(t, "unit4", []policyEntry{
		{event.StatePolicyServer, "bad.example", "m.ban", "bad server"},
	})
	unit := access.NewAccessControlUnit()
	unit.Watch(list)

	if got := unit.GetAccessForUser("@user:bad.example", access.CheckServer); got.Outcome != access.OutcomeBanned {
		t.Errorf("CheckServer policy = %s, want banned via homeserver", got.Outcome)
	}
	if got := unit.GetAccessForUser("@user:bad.example", access.IgnoreServer); got.Outcome != access.OutcomeAllowed {
		t.Errorf("IgnoreServer policy = %s, want allowed", got.Outcome)
	}
}

func TestServerAccessStripsPortAndCase(t *testing.T) {
	t.Parallel()
	list, _ := newListWithPolicies(t, "unit5", []policyEntry{
		{event.StatePolicyServer, "bad.example", "m.ban", ""},
	})
	unit := access.NewAccessControlUnit()
	unit.Watch(list)

	if got := unit.GetAccessForServer("BAD.example:8448"); got.Outcome != access.OutcomeBanned {
		t.Errorf("GetAccessForServer(with port, mixed case) = %s, want banned", got.Outcome)
	}
}

func TestDecisionCacheInvalidatedByUpdates(t *testing.T) {
	t.Parallel()
	list, transport := newListWithPolicies(t, "unit6", nil)
	unit := access.NewAccessControlUnit()
	unit.Watch(list)

	if got := unit.GetAccessForUser("@spam:bad.example", access.IgnoreServer); got.Outcome != access.OutcomeAllowed {
		t.Fatalf("precondition: user should start allowed, got %s", got.Outcome)
	}

	transport.PutState(list.RoomID(), testModerator, event.StatePolicyUser,
		"rule:@spam:bad.example", map[string]any{
			"entity": "@spam:bad.example", "recommendation": "m.ban",
		}, 0)
	refresh(t, list)

	// The memoized allowed verdict must not survive the list update.
	if got := unit.GetAccessForUser("@spam:bad.example", access.IgnoreServer); got.Outcome != access.OutcomeBanned {
		t.Errorf("verdict after update = %s, want banned", got.Outcome)
	}
}

func TestUnwatchDropsContributions(t *testing.T) {
	t.Parallel()
	list, _ := newListWithPolicies(t, "unit7", []policyEntry{
		{event.StatePolicyUser, "@spam:bad.example", "m.ban", ""},
	})
	unit := access.NewAccessControlUnit()
	unit.Watch(list)
	unit.Unwatch(list)

	if got := unit.GetAccessForUser("@spam:bad.example", access.IgnoreServer); got.Outcome != access.OutcomeAllowed {
		t.Errorf("verdict after unwatch = %s, want allowed", got.Outcome)
	}
}
