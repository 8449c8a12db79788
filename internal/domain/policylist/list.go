// Package policylist maintains the cached state of a single policy room and
// diffs state refreshes into ordered change-sets with monotonic revisions.
package policylist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/domain/rule"
)

// Client is the slice of the transport a policy list needs: reading the full
// room state and writing rule state events.
type Client interface {
	RoomState(ctx context.Context, roomID id.RoomID) ([]*event.Event, error)
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (id.EventID, error)
}

// ChangeType classifies one entry of an update's change-set.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
}

// Change is one rule transition observed by an update. For Added and
// Modified, Rule is the newly parsed rule; for Removed it is the rule that
// was active before the removal. Previous carries the replaced rule of a
// Modified change so caches can un-intern it by source event id.
type Change struct {
	Type     ChangeType
	Event    *event.Event
	Rule     *rule.Rule
	Previous *rule.Rule
}

// UpdateFunc receives the change-set and revision of a list update.
type UpdateFunc func(list *PolicyList, changes []Change, revision Revision)

// PolicyList is the in-memory model of one policy room.
type PolicyList struct {
	roomID id.RoomID
	ref    string
	client Client
	log    *slog.Logger

	// refreshMu makes UpdateList mutually exclusive with itself. Revisions
	// are allocated while it is held so their order matches real time.
	refreshMu sync.Mutex
	revisions *revisionSource

	mu        sync.RWMutex
	state     map[rule.EntityKind]map[string]*event.Event
	rules     map[rule.EntityKind]map[string]*rule.Rule
	byEventID map[id.EventID]*event.Event
	raw       []*event.Event
	shortcode string
	revision  Revision

	listenerMu   sync.Mutex
	listeners    map[int]UpdateFunc
	nextListener int

	batcher *UpdateBatcher
}

// New creates a policy list for the given room. ref is the shareable
// reference (permalink) the list was watched under.
func New(roomID id.RoomID, ref string, client Client, log *slog.Logger) *PolicyList {
	l := &PolicyList{
		roomID:    roomID,
		ref:       ref,
		client:    client,
		log:       log.With("policy_room", roomID),
		revisions: newRevisionSource(),
		state:     make(map[rule.EntityKind]map[string]*event.Event),
		rules:     make(map[rule.EntityKind]map[string]*rule.Rule),
		byEventID: make(map[id.EventID]*event.Event),
		listeners: make(map[int]UpdateFunc),
	}
	l.batcher = NewUpdateBatcher(defaultWaitPeriod, defaultMaxWait, func(ctx context.Context) {
		if _, _, err := l.UpdateList(ctx); err != nil {
			l.log.Error("batched list refresh failed", "error", err)
		}
	})
	return l
}

func (l *PolicyList) RoomID() id.RoomID { return l.roomID }
func (l *PolicyList) Ref() string       { return l.ref }

// Shortcode returns the list's human-readable nickname, if one is set.
func (l *PolicyList) Shortcode() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shortcode
}

// Revision returns the revision of the current snapshot.
func (l *PolicyList) Revision() Revision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.revision
}

// HasEvent reports whether the given event is part of the current snapshot.
func (l *PolicyList) HasEvent(eventID id.EventID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byEventID[eventID]
	return ok
}

// OnUpdate registers a listener for list updates and returns a function
// that unregisters it.
func (l *PolicyList) OnUpdate(fn UpdateFunc) (unsubscribe func()) {
	l.listenerMu.Lock()
	token := l.nextListener
	l.nextListener++
	l.listeners[token] = fn
	l.listenerMu.Unlock()
	return func() {
		l.listenerMu.Lock()
		delete(l.listeners, token)
		l.listenerMu.Unlock()
	}
}

// UpdateForEvent informs the list that new state may exist. It never blocks:
// events already in the snapshot are ignored and anything else is handed to
// the batcher, which coalesces bursts into a single refresh.
func (l *PolicyList) UpdateForEvent(ctx context.Context, eventID id.EventID) {
	if l.HasEvent(eventID) {
		return
	}
	l.batcher.Add(ctx, eventID)
}

// UpdateList refreshes the snapshot from the full room state and returns the
// change-set versus the previous snapshot. A new revision is allocated only
// when the change-set is non-empty; refreshing unchanged state returns the
// existing revision and no changes. Transport failures leave the snapshot
// untouched.
func (l *PolicyList) UpdateList(ctx context.Context) (Revision, []Change, error) {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	stateEvents, err := l.client.RoomState(ctx, l.roomID)
	if err != nil {
		return Revision{}, nil, fmt.Errorf("failed to read state of %s: %w", l.roomID, err)
	}

	newState := make(map[rule.EntityKind]map[string]*event.Event)
	newRules := make(map[rule.EntityKind]map[string]*rule.Rule)
	newByEventID := make(map[id.EventID]*event.Event, len(stateEvents))
	newShortcode := l.Shortcode()

	l.mu.RLock()
	priorState := l.state
	priorRules := l.rules
	l.mu.RUnlock()

	// Normalize first: pick the winning event per (kind, state key), with
	// newer types beating legacy ones regardless of iteration order. Losing
	// events stay in the existence index but are otherwise not represented.
	type slot struct {
		kind     rule.EntityKind
		stateKey string
	}
	winners := make(map[slot]*event.Event)
	var order []slot
	for _, evt := range stateEvents {
		stateKey := ""
		if evt.StateKey != nil {
			stateKey = *evt.StateKey
		}
		if evt.Type.Type == rule.StateShortcode.Type && stateKey == "" {
			if code, ok := evt.Content.Raw["shortcode"].(string); ok {
				newShortcode = code
			}
			newByEventID[evt.ID] = evt
			continue
		}
		kind, ok := rule.KindForType(evt.Type)
		if !ok || stateKey == "" {
			continue
		}
		newByEventID[evt.ID] = evt
		key := slot{kind: kind, stateKey: stateKey}
		existing, claimed := winners[key]
		if claimed && rule.TypeRank(existing.Type) <= rule.TypeRank(evt.Type) {
			continue
		}
		if !claimed {
			order = append(order, key)
		}
		winners[key] = evt
	}

	// Then diff the winners against the prior snapshot, in source order.
	var changes []Change
	for _, key := range order {
		evt := winners[key]
		if newState[key.kind] == nil {
			newState[key.kind] = make(map[string]*event.Event)
		}
		newState[key.kind][key.stateKey] = evt
		change, parsed := l.diffEntry(key.kind, key.stateKey, evt, priorState, priorRules)
		if parsed != nil {
			if newRules[key.kind] == nil {
				newRules[key.kind] = make(map[string]*rule.Rule)
			}
			newRules[key.kind][key.stateKey] = parsed
		}
		if change != nil {
			changes = append(changes, *change)
		}
	}

	l.mu.Lock()
	l.state = newState
	l.rules = newRules
	l.byEventID = newByEventID
	l.raw = stateEvents
	l.shortcode = newShortcode
	if len(changes) > 0 {
		l.revision = l.revisions.next()
	}
	revision := l.revision
	l.mu.Unlock()

	if len(changes) > 0 {
		l.notify(changes, revision)
	}
	return revision, changes, nil
}

// diffEntry compares one normalized (kind, state key) entry of the fresh
// state against the prior snapshot. It returns the change to emit (nil for
// no change or a suppressed one) and the parsed rule to retain for the new
// snapshot (nil when the entry contributes no valid rule).
func (l *PolicyList) diffEntry(kind rule.EntityKind, stateKey string, evt *event.Event, priorState map[rule.EntityKind]map[string]*event.Event, priorRules map[rule.EntityKind]map[string]*rule.Rule) (*Change, *rule.Rule) {
	prior := priorState[kind][stateKey]
	priorRule := priorRules[kind][stateKey]
	redacted := evt.Unsigned.RedactedBecause != nil

	switch {
	case prior == nil:
		if redacted || len(evt.Content.Raw) == 0 {
			return nil, nil
		}
		parsed, err := rule.Parse(evt)
		if err != nil {
			l.logParseFailure(evt, err)
			return nil, nil
		}
		return &Change{Type: ChangeAdded, Event: evt, Rule: parsed}, parsed
	case prior.ID == evt.ID && redacted:
		// Removed by redaction; only meaningful if a valid rule was active.
		if priorRule == nil {
			return nil, nil
		}
		return &Change{Type: ChangeRemoved, Event: evt, Rule: priorRule}, nil
	case prior.ID != evt.ID && len(evt.Content.Raw) == 0:
		// Soft-redaction: the rule was overwritten with empty content.
		if priorRule == nil {
			return nil, nil
		}
		return &Change{Type: ChangeRemoved, Event: evt, Rule: priorRule}, nil
	case prior.ID != evt.ID:
		parsed, err := rule.Parse(evt)
		if err != nil {
			l.logParseFailure(evt, err)
			return nil, nil
		}
		return &Change{Type: ChangeModified, Event: evt, Rule: parsed, Previous: priorRule}, parsed
	default:
		// Same event, not redacted: nothing changed. Keep the prior rule.
		return nil, priorRule
	}
}

func (l *PolicyList) logParseFailure(evt *event.Event, err error) {
	if errors.Is(err, rule.ErrNoContent) {
		return
	}
	l.log.Debug("discarding unparseable policy event", "event_id", evt.ID, "type", evt.Type.Type, "error", err)
}

// notify calls listeners in registration order, so downstream caches see a
// change-set before anything registered later reacts to it.
func (l *PolicyList) notify(changes []Change, revision Revision) {
	l.listenerMu.Lock()
	tokens := make([]int, 0, len(l.listeners))
	for token := range l.listeners {
		tokens = append(tokens, token)
	}
	sort.Ints(tokens)
	listeners := make([]UpdateFunc, 0, len(tokens))
	for _, token := range tokens {
		listeners = append(listeners, l.listeners[token])
	}
	l.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(l, changes, revision)
	}
}

// RulesOfKind returns a snapshot of the list's valid rules of one kind.
// An empty recommendation matches every recommendation.
func (l *PolicyList) RulesOfKind(kind rule.EntityKind, recommendation rule.Recommendation) []*rule.Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*rule.Rule
	for _, r := range l.rules[kind] {
		if recommendation == "" || r.Recommendation == recommendation {
			out = append(out, r)
		}
	}
	return out
}

// AllRules returns every valid rule in the snapshot.
func (l *PolicyList) AllRules() []*rule.Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*rule.Rule
	for _, byKey := range l.rules {
		for _, r := range byKey {
			out = append(out, r)
		}
	}
	return out
}

// RulesMatchingEntity returns the rules applying to the given entity. An
// empty kind matches all kinds. For a user entity the server rules are also
// scanned against the user's homeserver.
func (l *PolicyList) RulesMatchingEntity(entity string, kind rule.EntityKind) []*rule.Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*rule.Rule
	match := func(k rule.EntityKind, target string) {
		for _, r := range l.rules[k] {
			if r.Matches(target) {
				out = append(out, r)
			}
		}
	}
	switch kind {
	case "":
		for _, k := range []rule.EntityKind{rule.EntityKindUser, rule.EntityKindRoom, rule.EntityKindServer} {
			match(k, entity)
		}
	default:
		match(kind, entity)
	}
	if (kind == "" || kind == rule.EntityKindUser) && len(entity) > 0 && entity[0] == '@' {
		if _, homeserver, err := id.UserID(entity).Parse(); err == nil {
			match(rule.EntityKindServer, homeserver)
		}
	}
	return out
}

// BanEntity writes a ban rule for the entity into the policy room and then
// schedules a refresh for the resulting event.
func (l *PolicyList) BanEntity(ctx context.Context, kind rule.EntityKind, entity, reason string) error {
	content := map[string]any{
		"entity":         entity,
		"recommendation": string(rule.RecommendationBan),
		"reason":         reason,
	}
	eventID, err := l.client.SendStateEvent(ctx, l.roomID, rule.CanonicalTypeForKind(kind), "rule:"+entity, content)
	if err != nil {
		return fmt.Errorf("failed to write ban rule for %s: %w", entity, err)
	}
	l.UpdateForEvent(ctx, eventID)
	return nil
}

// UnbanEntity soft-redacts every active rule for the entity across all
// recognized event types, legacy ones included. It reports whether at least
// one rule was present.
func (l *PolicyList) UnbanEntity(ctx context.Context, kind rule.EntityKind, entity string) (bool, error) {
	l.mu.RLock()
	raw := l.raw
	l.mu.RUnlock()

	types := rule.TypesForKind(kind)
	var cleared bool
	for _, evt := range raw {
		if evt.StateKey == nil || len(evt.Content.Raw) == 0 {
			continue
		}
		if !typeMatches(types, evt.Type) {
			continue
		}
		if ruleEntity, ok := evt.Content.Raw["entity"].(string); !ok || ruleEntity != entity {
			continue
		}
		eventID, err := l.client.SendStateEvent(ctx, l.roomID, evt.Type, *evt.StateKey, struct{}{})
		if err != nil {
			return cleared, fmt.Errorf("failed to clear rule %s for %s: %w", *evt.StateKey, entity, err)
		}
		cleared = true
		l.UpdateForEvent(ctx, eventID)
	}
	return cleared, nil
}

func typeMatches(types []event.Type, t event.Type) bool {
	for _, candidate := range types {
		if candidate.Type == t.Type {
			return true
		}
	}
	return false
}
