package access

import (
	"log/slog"
	"slices"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ServerACL is a compiled server access-control list. The literal view
// includes every entry the rules produced; the safe view is what actually
// gets written to rooms and never contains an entry matching the daemon's
// own server.
type ServerACL struct {
	selfServer string
	safe       event.ServerACLEventContent
	literal    event.ServerACLEventContent
}

// CompileServerACL builds the wire-format ACL from the unit's server
// caches. IP literals are always denied. A ban rule matching the daemon's
// own server is kept out of the safe view, and if the allow set would lock
// the daemon's server out, the server is injected into it; both adjustments
// log a warning because they mean a watched list asked the daemon to ban
// itself.
func CompileServerACL(unit *AccessControlUnit, selfServer string, log *slog.Logger) *ServerACL {
	acl := &ServerACL{selfServer: selfServer}

	allows := unit.ServerAllowRules()
	if len(allows) == 0 {
		acl.literal.Allow = []string{"*"}
	} else {
		acl.literal.Allow = make([]string, 0, len(allows))
		for _, r := range allows {
			acl.literal.Allow = append(acl.literal.Allow, r.Entity)
		}
		slices.Sort(acl.literal.Allow)
	}
	acl.safe.Allow = slices.Clone(acl.literal.Allow)

	selfAllowed := false
	for _, r := range allows {
		if r.Matches(selfServer) {
			selfAllowed = true
			break
		}
	}
	if len(allows) > 0 && !selfAllowed {
		log.Warn("server allow rules exclude our own server, adding it to the allow list",
			"self_server", selfServer)
		acl.safe.Allow = append(acl.safe.Allow, selfServer)
	}

	bans := unit.ServerBanRules()
	acl.literal.Deny = make([]string, 0, len(bans))
	acl.safe.Deny = make([]string, 0, len(bans))
	for _, r := range bans {
		acl.literal.Deny = append(acl.literal.Deny, r.Entity)
		if r.Matches(selfServer) {
			log.Warn("skipping server ban rule that would ban our own server",
				"entity", r.Entity, "self_server", selfServer)
			continue
		}
		acl.safe.Deny = append(acl.safe.Deny, r.Entity)
	}
	slices.Sort(acl.literal.Deny)
	slices.Sort(acl.safe.Deny)

	acl.literal.AllowIPLiterals = false
	acl.safe.AllowIPLiterals = false
	return acl
}

// SafeContent returns the content that is written to protected rooms.
func (a *ServerACL) SafeContent() *event.ServerACLEventContent {
	content := event.ServerACLEventContent{
		Allow:           slices.Clone(a.safe.Allow),
		Deny:            slices.Clone(a.safe.Deny),
		AllowIPLiterals: a.safe.AllowIPLiterals,
	}
	return &content
}

// LiteralContent returns the uncensored compilation, self-banning entries
// included. Used for comparisons and diagnostics, never written.
func (a *ServerACL) LiteralContent() *event.ServerACLEventContent {
	content := event.ServerACLEventContent{
		Allow:           slices.Clone(a.literal.Allow),
		Deny:            slices.Clone(a.literal.Deny),
		AllowIPLiterals: a.literal.AllowIPLiterals,
	}
	return &content
}

// MatchesContent reports whether an existing room ACL is structurally equal
// to the safe view, ignoring entry order. Rooms whose ACL already matches
// are skipped during projection.
func (a *ServerACL) MatchesContent(other *event.ServerACLEventContent) bool {
	if other == nil {
		return false
	}
	if other.AllowIPLiterals != a.safe.AllowIPLiterals {
		return false
	}
	return equalUnordered(a.safe.Allow, other.Allow) && equalUnordered(a.safe.Deny, other.Deny)
}

func equalUnordered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sortedA := slices.Clone(a)
	sortedB := slices.Clone(b)
	slices.SortFunc(sortedA, strings.Compare)
	slices.SortFunc(sortedB, strings.Compare)
	return slices.Equal(sortedA, sortedB)
}
