package access

import (
	"regexp"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/domain/policylist"
	"github.com/matrix-warden/warden/internal/domain/rule"
)

// Outcome is the aggregated verdict for an entity.
type Outcome int

const (
	// OutcomeAllowed means no rule denies the entity.
	OutcomeAllowed Outcome = iota
	// OutcomeNotAllowed means an allow-list exists and nothing on it matches.
	OutcomeNotAllowed
	// OutcomeBanned means a ban rule matches the entity.
	OutcomeBanned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeNotAllowed:
		return "not allowed"
	case OutcomeBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Access is the verdict for one entity. Rule is set when a ban rule
// produced the outcome.
type Access struct {
	Outcome Outcome
	Rule    *rule.Rule
}

// UserCheckPolicy selects whether a user check falls through to the user's
// homeserver when the user itself is allowed.
type UserCheckPolicy int

const (
	CheckServer UserCheckPolicy = iota
	IgnoreServer
)

var portSuffix = regexp.MustCompile(`:\d+$`)

// AccessControlUnit aggregates the ban and allow caches of every watched
// policy list and answers entity access queries. Verdicts are memoized in a
// small cache that is invalidated whenever any watched list updates.
type AccessControlUnit struct {
	userBans     *ListRuleCache
	userAllows   *ListRuleCache
	serverBans   *ListRuleCache
	serverAllows *ListRuleCache

	decisions *decisionCache

	mu      sync.Mutex
	watched map[*policylist.PolicyList]func()
}

// NewAccessControlUnit creates a unit with empty caches.
func NewAccessControlUnit() *AccessControlUnit {
	return &AccessControlUnit{
		userBans:     NewListRuleCache(rule.EntityKindUser, rule.RecommendationBan),
		userAllows:   NewListRuleCache(rule.EntityKindUser, rule.RecommendationAllow),
		serverBans:   NewListRuleCache(rule.EntityKindServer, rule.RecommendationBan),
		serverAllows: NewListRuleCache(rule.EntityKindServer, rule.RecommendationAllow),
		decisions:    newDecisionCache(decisionCacheSize),
		watched:      make(map[*policylist.PolicyList]func()),
	}
}

// Watch subscribes all four caches to the list. Idempotent.
func (u *AccessControlUnit) Watch(list *policylist.PolicyList) {
	u.mu.Lock()
	if _, ok := u.watched[list]; ok {
		u.mu.Unlock()
		return
	}
	u.watched[list] = list.OnUpdate(func(*policylist.PolicyList, []policylist.Change, policylist.Revision) {
		u.decisions.invalidateAll()
	})
	u.mu.Unlock()
	u.userBans.Watch(list)
	u.userAllows.Watch(list)
	u.serverBans.Watch(list)
	u.serverAllows.Watch(list)
	u.decisions.invalidateAll()
}

// Unwatch removes the list's contributions from all four caches. Idempotent.
func (u *AccessControlUnit) Unwatch(list *policylist.PolicyList) {
	u.mu.Lock()
	unsubscribe, ok := u.watched[list]
	delete(u.watched, list)
	u.mu.Unlock()
	if !ok {
		return
	}
	unsubscribe()
	u.userBans.Unwatch(list)
	u.userAllows.Unwatch(list)
	u.serverBans.Unwatch(list)
	u.serverAllows.Unwatch(list)
	u.decisions.invalidateAll()
}

// ServerBanRules returns the de-duplicated server ban rules, one per entity.
func (u *AccessControlUnit) ServerBanRules() []*rule.Rule {
	return u.serverBans.AllRules()
}

// ServerAllowRules returns the de-duplicated server allow rules.
func (u *AccessControlUnit) ServerAllowRules() []*rule.Rule {
	return u.serverAllows.AllRules()
}

// GetAccessForServer answers whether a server may interact with the
// protected rooms. An empty allow cache implicitly allows everything; a
// non-empty one denies any server it does not match.
func (u *AccessControlUnit) GetAccessForServer(domain string) Access {
	domain = portSuffix.ReplaceAllString(domain, "")
	key := decisionKey("server", 0, domain)
	if verdict, ok := u.decisions.get(key); ok {
		return verdict
	}
	verdict := checkCaches(domain, u.serverAllows, u.serverBans)
	u.decisions.put(key, verdict)
	return verdict
}

// GetAccessForUser answers whether a user may participate. With CheckServer
// an allowed user is additionally checked against their homeserver's access;
// server-level enforcement during ban projection uses IgnoreServer because
// the server ACL covers it.
func (u *AccessControlUnit) GetAccessForUser(userID id.UserID, policy UserCheckPolicy) Access {
	key := decisionKey("user", byte(policy), string(userID))
	if verdict, ok := u.decisions.get(key); ok {
		return verdict
	}
	verdict := checkCaches(string(userID), u.userAllows, u.userBans)
	if verdict.Outcome == OutcomeAllowed && policy == CheckServer {
		if _, homeserver, err := userID.Parse(); err == nil {
			verdict = u.GetAccessForServer(homeserver)
		}
	}
	u.decisions.put(key, verdict)
	return verdict
}

func checkCaches(entity string, allows, bans *ListRuleCache) Access {
	if !allows.IsEmpty() && allows.GetAnyRuleForEntity(entity) == nil {
		return Access{Outcome: OutcomeNotAllowed}
	}
	if banned := bans.GetAnyRuleForEntity(entity); banned != nil {
		return Access{Outcome: OutcomeBanned, Rule: banned}
	}
	return Access{Outcome: OutcomeAllowed}
}
