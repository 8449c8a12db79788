package access_test

import (
	"slices"
	"testing"

	"maunium.net/go/mautrix/event"

	"github.com/matrix-warden/warden/internal/domain/access"
)

const selfServer = "matrix.self"

func TestCompileServerACLDefaults(t *testing.T) {
	t.Parallel()
	unit := access.NewAccessControlUnit()
	acl := access.CompileServerACL(unit, selfServer, discardLogger())

	content := acl.SafeContent()
	if !slices.Equal(content.Allow, []string{"*"}) {
		t.Errorf("Allow = %v with no allow rules, want [\"*\"]", content.Allow)
	}
	if len(content.Deny) != 0 {
		t.Errorf("Deny = %v with no ban rules, want empty", content.Deny)
	}
	if content.AllowIPLiterals {
		t.Error("AllowIPLiterals = true, must always be false")
	}
}

func TestServerACLSelfProtection(t *testing.T) {
	t.Parallel()
	list, _ := newListWithPolicies(t, "acl1", []policyEntry{
		{event.StatePolicyServer, "*.evil.example", "m.ban", ""},
		{event.StatePolicyServer, selfServer, "m.ban", ""},
	})
	unit := access.NewAccessControlUnit()
	unit.Watch(list)

	acl := access.CompileServerACL(unit, selfServer, discardLogger())
	safe := acl.SafeContent()
	if !slices.Equal(safe.Deny, []string{"*.evil.example"}) {
		t.Errorf("safe Deny = %v, want the self-banning entry skipped", safe.Deny)
	}
	if !slices.Equal(safe.Allow, []string{"*"}) {
		t.Errorf("safe Allow = %v, want [\"*\"]", safe.Allow)
	}
	if safe.AllowIPLiterals {
		t.Error("AllowIPLiterals = true, must always be false")
	}

	literal := acl.LiteralContent()
	if !slices.Contains(literal.Deny, selfServer) {
		t.Errorf("literal Deny = %v, want the self entry included", literal.Deny)
	}
}

func TestServerACLSafeNeverMatchesSelf(t *testing.T) {
	t.Parallel()
	list, _ := newListWithPolicies(t, "acl2", []policyEntry{
		{event.StatePolicyServer, "matrix.*", "m.ban", ""},
		{event.StatePolicyServer, "*.self", "m.ban", ""},
		{event.StatePolicyServer, "unrelated.example", "m.ban", ""},
	})
	unit := access.NewAccessControlUnit()
	unit.Watch(list)

	acl := access.CompileServerACL(unit, selfServer, discardLogger())
	for _, r := range unit.ServerBanRules() {
		if !r.Matches(selfServer) {
			continue
		}
		if slices.Contains(acl.SafeContent().Deny, r.Entity) {
			t.Errorf("safe Deny contains %q which matches the self server", r.Entity)
		}
	}
	if !slices.Contains(acl.SafeContent().Deny, "unrelated.example") {
		t.Error("safe Deny lost an entry that does not match the self server")
	}
}

func TestServerACLSelfInjectedIntoAllow(t *testing.T) {
	t.Parallel()
	list, _ := newListWithPolicies(t, "acl3", []policyEntry{
		{event.StatePolicyServer, "only.example", "org.matrix.mjolnir.allow", ""},
	})
	unit := access.NewAccessControlUnit()
	unit.Watch(list)

	acl := access.CompileServerACL(unit, selfServer, discardLogger())
	if !slices.Contains(acl.SafeContent().Allow, selfServer) {
		t.Errorf("Allow = %v, want the self server injected", acl.SafeContent().Allow)
	}
	if slices.Contains(acl.LiteralContent().Allow, selfServer) {
		t.Errorf("literal Allow = %v, must not contain the injected self server", acl.LiteralContent().Allow)
	}
}

func TestServerACLMatchesContentIgnoresOrder(t *testing.T) {
	t.Parallel()
	list, _ := newListWithPolicies(t, "acl4", []policyEntry{
		{event.StatePolicyServer, "a.example", "m.ban", ""},
		{event.StatePolicyServer, "b.example", "m.ban", ""},
	})
	unit := access.NewAccessControlUnit()
	unit.Watch(list)
	acl := access.CompileServerACL(unit, selfServer, discardLogger())

	current := &event.ServerACLEventContent{
		Allow: []string{"*"},
		Deny:  []string{"b.example", "a.example"},
	}
	if !acl.MatchesContent(current) {
		t.Error("MatchesContent() = false for structurally equal ACL with different order")
	}
	if acl.MatchesContent(nil) {
		t.Error("MatchesContent(nil) = true, want false")
	}
	current.AllowIPLiterals = true
	if acl.MatchesContent(current) {
		t.Error("MatchesContent() = true despite differing allow_ip_literals")
	}
}
