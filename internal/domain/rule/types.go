// Package rule contains the typed representation of a single moderation
// policy rule and the defensive parsing of policy-room state events.
package rule

import (
	"strings"

	"go.mau.fi/util/glob"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EntityKind identifies what a policy rule applies to.
type EntityKind string

const (
	EntityKindUser   EntityKind = "user"
	EntityKindRoom   EntityKind = "room"
	EntityKindServer EntityKind = "server"
)

// Recommendation is the normalized intent of a policy rule. Legacy
// identifiers are folded into their stable form on ingest; identifiers we
// do not recognize become RecommendationUnknown and are cached but never
// acted on.
type Recommendation string

const (
	RecommendationBan     Recommendation = "m.ban"
	RecommendationAllow   Recommendation = "org.matrix.mjolnir.allow"
	RecommendationOpinion Recommendation = "org.matrix.msc3845.opinion"
	RecommendationUnknown Recommendation = "unknown"
)

// legacyRecommendations maps deprecated recommendation identifiers to their
// stable replacements.
var legacyRecommendations = map[string]Recommendation{
	"org.matrix.mjolnir.ban": RecommendationBan,
}

// NormalizeRecommendation folds legacy recommendation identifiers into
// their stable form. Unrecognized values map to RecommendationUnknown.
func NormalizeRecommendation(raw string) Recommendation {
	switch Recommendation(raw) {
	case RecommendationBan, RecommendationAllow, RecommendationOpinion:
		return Recommendation(raw)
	}
	if normalized, ok := legacyRecommendations[raw]; ok {
		return normalized
	}
	return RecommendationUnknown
}

// StateShortcode is the marker event carrying a policy room's human-readable
// nickname in its content ({"shortcode": "..."}). Its state key is "".
var StateShortcode = event.Type{Type: "org.matrix.mjolnir.shortcode", Class: event.StateEventType}

// typesByKind lists the recognized state event types per entity kind,
// newest first. The order defines obsolescence: an event stored under a
// later (older) type never overwrites one stored under an earlier type.
var typesByKind = map[EntityKind][]event.Type{
	EntityKindUser:   {event.StatePolicyUser, event.StateLegacyPolicyUser, event.StateUnstablePolicyUser},
	EntityKindRoom:   {event.StatePolicyRoom, event.StateLegacyPolicyRoom, event.StateUnstablePolicyRoom},
	EntityKindServer: {event.StatePolicyServer, event.StateLegacyPolicyServer, event.StateUnstablePolicyServer},
}

// KindForType returns the entity kind a policy event type applies to.
// The second return is false for non-policy types.
func KindForType(t event.Type) (EntityKind, bool) {
	for kind, types := range typesByKind {
		for _, candidate := range types {
			if candidate.Type == t.Type {
				return kind, true
			}
		}
	}
	return "", false
}

// TypesForKind returns the recognized event types for a kind, newest first.
func TypesForKind(kind EntityKind) []event.Type {
	return typesByKind[kind]
}

// CanonicalTypeForKind returns the stable (newest) event type for a kind.
func CanonicalTypeForKind(kind EntityKind) event.Type {
	return typesByKind[kind][0]
}

// TypeRank returns the obsolescence rank of a policy event type within its
// kind: 0 is the newest type. Unknown types rank last.
func TypeRank(t event.Type) int {
	kind, ok := KindForType(t)
	if !ok {
		return len(typesByKind[EntityKindUser])
	}
	for i, candidate := range typesByKind[kind] {
		if candidate.Type == t.Type {
			return i
		}
	}
	return len(typesByKind[kind])
}

// Rule is one parsed policy rule. Entity is a glob when it contains * or ?,
// otherwise a literal; Pattern is the compiled form either way.
type Rule struct {
	SourceEventID  id.EventID
	SourceStateKey string

	Entity  string
	Pattern glob.Glob

	Kind           EntityKind
	Recommendation Recommendation
	Reason         string

	// Opinion is only meaningful when Recommendation is RecommendationOpinion.
	Opinion int
}

// IsGlob reports whether the rule's entity is a pattern rather than a literal.
func (r *Rule) IsGlob() bool {
	return strings.ContainsAny(r.Entity, "*?")
}

// Matches reports whether the rule applies to the given entity. Server
// entities are compared case-insensitively on the host; any port suffix has
// already been stripped by the caller.
func (r *Rule) Matches(entity string) bool {
	if r.Kind == EntityKindServer {
		return r.Pattern.Match(strings.ToLower(entity))
	}
	return r.Pattern.Match(entity)
}

// compilePattern builds the matcher for an entity. Server patterns are
// lowercased so host comparison is case-insensitive.
func compilePattern(kind EntityKind, entity string) glob.Glob {
	if kind == EntityKindServer {
		entity = strings.ToLower(entity)
	}
	return glob.Compile(entity)
}
