// Package access aggregates the rules of multiple watched policy lists and
// answers whether an entity is banned or allowed.
package access

import (
	"slices"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/domain/policylist"
	"github.com/matrix-warden/warden/internal/domain/rule"
)

// ListRuleCache indexes the rules of one (kind, recommendation) pair across
// every watched list. Literal entities resolve in O(1); glob entities are
// scanned sequentially in insertion order.
type ListRuleCache struct {
	kind           rule.EntityKind
	recommendation rule.Recommendation

	mu        sync.RWMutex
	literals  map[string][]*rule.Rule
	globs     []*rule.Rule
	byEventID map[id.EventID]*rule.Rule
	watched   map[*policylist.PolicyList]func()
}

// NewListRuleCache creates an empty cache for one kind and recommendation.
func NewListRuleCache(kind rule.EntityKind, recommendation rule.Recommendation) *ListRuleCache {
	return &ListRuleCache{
		kind:           kind,
		recommendation: recommendation,
		literals:       make(map[string][]*rule.Rule),
		byEventID:      make(map[id.EventID]*rule.Rule),
		watched:        make(map[*policylist.PolicyList]func()),
	}
}

// Watch subscribes to the list's update stream and interns its current
// rules of the matching kind and recommendation. Watching an already
// watched list is a no-op.
func (c *ListRuleCache) Watch(list *policylist.PolicyList) {
	c.mu.Lock()
	if _, ok := c.watched[list]; ok {
		c.mu.Unlock()
		return
	}
	c.watched[list] = list.OnUpdate(c.handleUpdate)
	c.mu.Unlock()
	for _, r := range list.RulesOfKind(c.kind, c.recommendation) {
		c.mu.Lock()
		c.intern(r)
		c.mu.Unlock()
	}
}

// Unwatch unsubscribes from the list and un-interns every rule whose source
// event still belongs to it. Contributions of other lists are retained.
func (c *ListRuleCache) Unwatch(list *policylist.PolicyList) {
	c.mu.Lock()
	unsubscribe, ok := c.watched[list]
	delete(c.watched, list)
	var drop []id.EventID
	if ok {
		for eventID := range c.byEventID {
			if list.HasEvent(eventID) {
				drop = append(drop, eventID)
			}
		}
		for _, eventID := range drop {
			c.unintern(eventID)
		}
	}
	c.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

func (c *ListRuleCache) handleUpdate(_ *policylist.PolicyList, changes []policylist.Change, _ policylist.Revision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, change := range changes {
		switch change.Type {
		case policylist.ChangeAdded:
			c.intern(change.Rule)
		case policylist.ChangeModified:
			if change.Previous != nil {
				c.unintern(change.Previous.SourceEventID)
			}
			c.intern(change.Rule)
		case policylist.ChangeRemoved:
			c.unintern(change.Rule.SourceEventID)
		}
	}
}

// intern adds a rule if it matches the cache's kind and recommendation.
// Duplicates across lists are retained on purpose: removing one list's
// contribution must not remove another's. Caller holds the lock.
func (c *ListRuleCache) intern(r *rule.Rule) {
	if r == nil || r.Kind != c.kind || r.Recommendation != c.recommendation {
		return
	}
	if _, ok := c.byEventID[r.SourceEventID]; ok {
		return
	}
	c.byEventID[r.SourceEventID] = r
	if r.IsGlob() {
		c.globs = append(c.globs, r)
	} else {
		key := c.normalize(r.Entity)
		c.literals[key] = append(c.literals[key], r)
	}
}

// unintern removes the rule contributed by the given source event, if any.
// Caller holds the lock.
func (c *ListRuleCache) unintern(eventID id.EventID) {
	r, ok := c.byEventID[eventID]
	if !ok {
		return
	}
	delete(c.byEventID, eventID)
	if r.IsGlob() {
		c.globs = slices.DeleteFunc(c.globs, func(candidate *rule.Rule) bool {
			return candidate.SourceEventID == eventID
		})
		return
	}
	key := c.normalize(r.Entity)
	remaining := slices.DeleteFunc(c.literals[key], func(candidate *rule.Rule) bool {
		return candidate.SourceEventID == eventID
	})
	if len(remaining) == 0 {
		delete(c.literals, key)
	} else {
		c.literals[key] = remaining
	}
}

// GetAnyRuleForEntity returns a rule applying to the entity, or nil. A
// literal hit wins; otherwise globs are scanned in insertion order. Which
// duplicate is returned is unspecified: the outcome is the same either way.
func (c *ListRuleCache) GetAnyRuleForEntity(entity string) *rule.Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if matches := c.literals[c.normalize(entity)]; len(matches) > 0 {
		return matches[0]
	}
	for _, r := range c.globs {
		if r.Matches(entity) {
			return r
		}
	}
	return nil
}

// IsEmpty reports whether the cache holds no rules at all.
func (c *ListRuleCache) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.literals) == 0 && len(c.globs) == 0
}

// AllRules returns a de-duplicated view across lists: one rule per entity.
func (c *ListRuleCache) AllRules() []*rule.Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{}, len(c.literals)+len(c.globs))
	out := make([]*rule.Rule, 0, len(c.literals)+len(c.globs))
	for _, matches := range c.literals {
		for _, r := range matches {
			if _, dup := seen[r.Entity]; !dup {
				seen[r.Entity] = struct{}{}
				out = append(out, r)
			}
		}
	}
	for _, r := range c.globs {
		if _, dup := seen[r.Entity]; !dup {
			seen[r.Entity] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

func (c *ListRuleCache) normalize(entity string) string {
	if c.kind == rule.EntityKindServer {
		return strings.ToLower(entity)
	}
	return entity
}
