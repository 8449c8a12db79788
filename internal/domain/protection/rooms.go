package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/util/glob"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-warden/warden/internal/domain/access"
	"github.com/matrix-warden/warden/internal/domain/policylist"
	outbound "github.com/matrix-warden/warden/internal/port/outbound"
)

// Client is the slice of the transport the orchestrator needs.
type Client interface {
	StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, into any) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (id.EventID, error)
	BanUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	Members(ctx context.Context, roomID id.RoomID) ([]*event.Event, error)
}

// Reporter receives the user-visible output of the projection pipeline:
// list-change diffs and per-sync summaries for the management room.
type Reporter interface {
	Noticef(ctx context.Context, format string, args ...any)
	ListChanges(ctx context.Context, list *policylist.PolicyList, changes []policylist.Change, revision policylist.Revision)
	SyncSummary(ctx context.Context, result SyncResult)
}

// SyncResult summarizes one sync_rooms_with_policies run.
type SyncResult struct {
	ACLUpdates int
	Bans       int
	Redactions int
	// Errors contains only failures the error cache had not already
	// reported.
	Errors []RoomError
}

// Options are the operator-configured knobs the orchestrator honors.
type Options struct {
	// AutoRedactReasons are lowercased globs; a ban whose reason matches
	// one queues a redaction of the banned user's messages.
	AutoRedactReasons []glob.Glob
	// FasterMembershipChecks uses the joined-members path for ban
	// projection instead of reading full member state.
	FasterMembershipChecks bool
	// NoOp logs every action instead of performing it.
	NoOp bool
	// VerboseLogging emits additional diagnostics to the management room.
	VerboseLogging bool
}

// CompileReasonPatterns lowercases and compiles the configured auto-redact
// reason globs.
func CompileReasonPatterns(patterns []string) []glob.Glob {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		compiled = append(compiled, glob.Compile(strings.ToLower(pattern)))
	}
	return compiled
}

// Params collects the dependencies of a ProtectedRoomsSet.
type Params struct {
	Client     Client
	Unit       *access.AccessControlUnit
	Redactor   Redactor
	Reporter   Reporter
	Metrics    Metrics
	Log        *slog.Logger
	SelfUserID id.UserID
	SelfServer string
	Options    Options
	// BaseContext is used for work triggered by list listeners, which carry
	// no context of their own. Defaults to context.Background().
	BaseContext context.Context
}

// ProtectedRoomsSet is the synchronization orchestrator. It owns the
// watched lists, the set of protected rooms, the activity tracker, the
// redaction queue, and the error cache, and drives ACL updates, member
// bans, and redactions.
type ProtectedRoomsSet struct {
	opts     Options
	client   Client
	unit     *access.AccessControlUnit
	activity *ActivityTracker
	queue    *EventRedactionQueue
	errCache *ErrorCache
	reporter Reporter
	metrics  Metrics
	log      *slog.Logger

	selfUserID id.UserID
	selfServer string
	baseCtx    context.Context

	mu        sync.Mutex
	protected map[id.RoomID]struct{}
	watched   map[id.RoomID]*watchedList
	applied   map[id.RoomID]policylist.Revision

	// aclChain serializes every ACL state write; two overlapping syncs can
	// never interleave writes to the same room.
	aclChain sync.Mutex

	shuttingDown atomic.Bool
}

type watchedList struct {
	list        *policylist.PolicyList
	unsubscribe func()
}

// NewProtectedRoomsSet assembles an orchestrator. Unset optional fields
// (Reporter, Metrics, BaseContext) get no-op or background defaults.
func NewProtectedRoomsSet(params Params) *ProtectedRoomsSet {
	if params.Metrics == nil {
		params.Metrics = NopMetrics
	}
	if params.Reporter == nil {
		params.Reporter = nopReporter{}
	}
	if params.BaseContext == nil {
		params.BaseContext = context.Background()
	}
	s := &ProtectedRoomsSet{
		opts:       params.Options,
		client:     params.Client,
		unit:       params.Unit,
		activity:   NewActivityTracker(),
		errCache:   NewErrorCache(),
		reporter:   params.Reporter,
		metrics:    params.Metrics,
		log:        params.Log,
		selfUserID: params.SelfUserID,
		selfServer: params.SelfServer,
		baseCtx:    params.BaseContext,
		protected:  make(map[id.RoomID]struct{}),
		watched:    make(map[id.RoomID]*watchedList),
		applied:    make(map[id.RoomID]policylist.Revision),
	}
	s.queue = NewEventRedactionQueue(params.Redactor, params.Log)
	return s
}

// Shutdown asks long-running projection loops to stop at their next check.
func (s *ProtectedRoomsSet) Shutdown() {
	s.shuttingDown.Store(true)
}

// WatchList registers a policy list: the access-control unit subscribes to
// it and the orchestrator reacts to its updates. The unit subscribes first
// so its caches have ingested a change-set by the time the orchestrator's
// listener re-projects policies. Idempotent.
func (s *ProtectedRoomsSet) WatchList(list *policylist.PolicyList) {
	s.mu.Lock()
	if _, ok := s.watched[list.RoomID()]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.unit.Watch(list)
	entry := &watchedList{list: list}
	entry.unsubscribe = list.OnUpdate(s.handleListUpdate)
	s.mu.Lock()
	s.watched[list.RoomID()] = entry
	s.mu.Unlock()
}

// UnwatchList removes a policy list and its cached contributions. Idempotent.
func (s *ProtectedRoomsSet) UnwatchList(list *policylist.PolicyList) {
	s.mu.Lock()
	entry, ok := s.watched[list.RoomID()]
	delete(s.watched, list.RoomID())
	delete(s.applied, list.RoomID())
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.unsubscribe()
	s.unit.Unwatch(list)
}

// WatchedLists returns the currently watched lists.
func (s *ProtectedRoomsSet) WatchedLists() []*policylist.PolicyList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*policylist.PolicyList, 0, len(s.watched))
	for _, entry := range s.watched {
		out = append(out, entry.list)
	}
	return out
}

// FindListByShortcode resolves a watched list by its nickname.
func (s *ProtectedRoomsSet) FindListByShortcode(shortcode string) *policylist.PolicyList {
	for _, list := range s.WatchedLists() {
		if strings.EqualFold(list.Shortcode(), shortcode) {
			return list
		}
	}
	return nil
}

// AddProtectedRoom starts projecting rules onto the room. Idempotent.
func (s *ProtectedRoomsSet) AddProtectedRoom(roomID id.RoomID) {
	s.mu.Lock()
	s.protected[roomID] = struct{}{}
	s.mu.Unlock()
	s.activity.AddRoom(roomID)
}

// RemoveProtectedRoom stops projecting rules onto the room. Idempotent.
func (s *ProtectedRoomsSet) RemoveProtectedRoom(roomID id.RoomID) {
	s.mu.Lock()
	delete(s.protected, roomID)
	s.mu.Unlock()
	s.activity.RemoveRoom(roomID)
}

// IsProtected reports whether the room is part of the set.
func (s *ProtectedRoomsSet) IsProtected(roomID id.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.protected[roomID]
	return ok
}

// ProtectedRooms returns the protected rooms ordered by recent activity.
func (s *ProtectedRoomsSet) ProtectedRooms() []id.RoomID {
	byActivity := s.activity.RoomsByActivity()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]id.RoomID, 0, len(byActivity))
	for _, roomID := range byActivity {
		if _, ok := s.protected[roomID]; ok {
			out = append(out, roomID)
		}
	}
	return out
}

// QueueRedaction defers a redaction of the user's messages in the room.
func (s *ProtectedRoomsSet) QueueRedaction(userID id.UserID, roomID id.RoomID) {
	s.queue.Queue(userID, roomID)
}

// ProcessRedactions drains the redaction queue, optionally for one room.
func (s *ProtectedRoomsSet) ProcessRedactions(ctx context.Context, room *id.RoomID) (int, []RoomError) {
	redacted, errs := s.queue.Process(ctx, room)
	s.metrics.RecordRedactions(redacted)
	return redacted, errs
}

// HandleEvent is the entry point for push events addressed to a protected
// room. Events sent by the daemon itself are dropped. Power-level changes
// clear the room's cached permission error and trigger a verification pass;
// membership changes re-run ban projection for the room and then drain its
// redactions.
func (s *ProtectedRoomsSet) HandleEvent(ctx context.Context, roomID id.RoomID, evt *event.Event) {
	if evt.Sender == s.selfUserID || !s.IsProtected(roomID) {
		return
	}
	s.metrics.RecordEvent()
	s.activity.RecordEvent(roomID, evt)

	switch evt.Type.Type {
	case event.StatePowerLevels.Type:
		s.errCache.Reset(roomID, ErrorPermission)
		if err := s.verifyPermissions(ctx, roomID); err != nil {
			s.log.Warn("permission verification failed", "room_id", roomID, "error", err)
			s.reportErrors(ctx, []RoomError{classifyRoomError(roomID, err)})
		}
	case event.StateMember.Type:
		_, errs := s.applyMemberBansToRoom(ctx, roomID)
		_, redactionErrs := s.ProcessRedactions(ctx, &roomID)
		s.reportErrors(ctx, append(errs, redactionErrs...))
	}
}

// SyncLists refreshes every watched list and, if any produced a revision
// superseding the last applied one, runs a full room sync.
func (s *ProtectedRoomsSet) SyncLists(ctx context.Context) error {
	needSync := false
	var failures []error
	for _, list := range s.WatchedLists() {
		revision, _, err := list.UpdateList(ctx)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		s.metrics.RecordListRefresh()
		if s.markApplied(list.RoomID(), revision) {
			needSync = true
		}
	}
	if needSync {
		s.SyncRoomsWithPolicies(ctx)
	}
	return errors.Join(failures...)
}

// markApplied records the revision if it supersedes the last applied one
// for the list, reporting whether it did.
func (s *ProtectedRoomsSet) markApplied(listRoom id.RoomID, revision policylist.Revision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !revision.Supersedes(s.applied[listRoom]) {
		return false
	}
	s.applied[listRoom] = revision
	return true
}

// handleListUpdate reacts to a watched list emitting a change-set: stale
// revisions are ignored, fresh ones trigger a full sync, and the diff is
// always pretty-printed to the management room.
func (s *ProtectedRoomsSet) handleListUpdate(list *policylist.PolicyList, changes []policylist.Change, revision policylist.Revision) {
	ctx := s.baseCtx
	s.reporter.ListChanges(ctx, list, changes, revision)
	if s.markApplied(list.RoomID(), revision) {
		s.SyncRoomsWithPolicies(ctx)
	}
}

// SyncRoomsWithPolicies projects the current rules onto every protected
// room: the server ACL pass and the member-ban pass run in parallel, the
// redaction queue drains after both, and a single summary goes to the
// management room. Per-room failures never abort the sync.
func (s *ProtectedRoomsSet) SyncRoomsWithPolicies(ctx context.Context) SyncResult {
	start := time.Now()
	var result SyncResult
	var resultMu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		updates, errs := s.applyServerACLs(groupCtx)
		resultMu.Lock()
		result.ACLUpdates += updates
		result.Errors = append(result.Errors, errs...)
		resultMu.Unlock()
		return nil
	})
	group.Go(func() error {
		bans, errs := s.applyMemberBans(groupCtx)
		resultMu.Lock()
		result.Bans += bans
		result.Errors = append(result.Errors, errs...)
		resultMu.Unlock()
		return nil
	})
	// Both passes collect their failures instead of returning them.
	_ = group.Wait()

	redacted, redactionErrs := s.ProcessRedactions(ctx, nil)
	result.Redactions = redacted
	result.Errors = append(result.Errors, redactionErrs...)

	result.Errors = s.filterReportedErrors(result.Errors)
	s.metrics.ObserveSyncDuration(time.Since(start))
	s.reporter.SyncSummary(ctx, result)
	return result
}

// applyServerACLs compiles the ACL once and writes it to each protected
// room in activity order, skipping rooms whose ACL already matches.
func (s *ProtectedRoomsSet) applyServerACLs(ctx context.Context) (updates int, errs []RoomError) {
	acl := access.CompileServerACL(s.unit, s.selfServer, s.log)
	content := acl.SafeContent()

	s.aclChain.Lock()
	defer s.aclChain.Unlock()
	for _, roomID := range s.ProtectedRooms() {
		if s.shuttingDown.Load() || ctx.Err() != nil {
			return updates, errs
		}
		var current event.ServerACLEventContent
		err := s.client.StateEvent(ctx, roomID, event.StateServerACL, "", &current)
		switch {
		case errors.Is(err, outbound.ErrNotFound):
			// No ACL yet; anything we compile is a change.
		case err != nil:
			errs = append(errs, classifyRoomError(roomID, err))
			continue
		case acl.MatchesContent(&current):
			continue
		}
		if s.opts.NoOp {
			s.log.Info("no-op mode: would update server ACL",
				"room_id", roomID, "deny_count", len(content.Deny))
			continue
		}
		if _, err := s.client.SendStateEvent(ctx, roomID, event.StateServerACL, "", content); err != nil {
			errs = append(errs, classifyRoomError(roomID, err))
			continue
		}
		updates++
		s.metrics.RecordACLUpdate()
		if s.opts.VerboseLogging {
			s.log.Info("updated server ACL", "room_id", roomID, "deny_count", len(content.Deny))
			s.reporter.Noticef(ctx, "Updated server ACL in %s (%d deny entries).", roomID, len(content.Deny))
		}
	}
	return updates, errs
}

// applyMemberBans runs ban projection across all protected rooms in
// activity order.
func (s *ProtectedRoomsSet) applyMemberBans(ctx context.Context) (bans int, errs []RoomError) {
	for _, roomID := range s.ProtectedRooms() {
		if s.shuttingDown.Load() || ctx.Err() != nil {
			return bans, errs
		}
		banned, roomErrs := s.applyMemberBansToRoom(ctx, roomID)
		bans += banned
		errs = append(errs, roomErrs...)
	}
	return bans, errs
}

type roomMember struct {
	userID     id.UserID
	membership event.Membership
}

// applyMemberBansToRoom bans every member of the room the access-control
// unit says is banned, queueing auto-redactions where the ban reason
// matches the configured patterns.
func (s *ProtectedRoomsSet) applyMemberBansToRoom(ctx context.Context, roomID id.RoomID) (banned int, errs []RoomError) {
	members, err := s.roomMembers(ctx, roomID)
	if err != nil {
		return 0, []RoomError{classifyRoomError(roomID, err)}
	}
	for _, member := range members {
		if s.shuttingDown.Load() || ctx.Err() != nil {
			break
		}
		if member.membership == event.MembershipBan || member.userID == s.selfUserID {
			continue
		}
		verdict := s.unit.GetAccessForUser(member.userID, access.IgnoreServer)
		if verdict.Outcome != access.OutcomeBanned {
			continue
		}
		reason := verdict.Rule.Reason
		if s.opts.NoOp {
			s.log.Info("no-op mode: would ban user",
				"user_id", member.userID, "room_id", roomID, "reason", reason)
		} else if err := s.client.BanUser(ctx, roomID, member.userID, reason); err != nil {
			errs = append(errs, classifyRoomError(roomID, err))
			continue
		} else {
			banned++
			s.metrics.RecordBan()
		}
		if s.matchesAutoRedact(reason) {
			if s.opts.NoOp {
				s.log.Info("no-op mode: would redact user messages",
					"user_id", member.userID, "room_id", roomID)
			} else {
				s.queue.Queue(member.userID, roomID)
			}
		}
	}
	return banned, errs
}

// roomMembers fetches the room's members through the configured path.
func (s *ProtectedRoomsSet) roomMembers(ctx context.Context, roomID id.RoomID) ([]roomMember, error) {
	if s.opts.FasterMembershipChecks {
		joined, err := s.client.JoinedMembers(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to list joined members of %s: %w", roomID, err)
		}
		members := make([]roomMember, 0, len(joined))
		for _, userID := range joined {
			members = append(members, roomMember{userID: userID, membership: event.MembershipJoin})
		}
		return members, nil
	}
	memberEvents, err := s.client.Members(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to read member state of %s: %w", roomID, err)
	}
	members := make([]roomMember, 0, len(memberEvents))
	for _, evt := range memberEvents {
		if evt.StateKey == nil {
			continue
		}
		membership, _ := evt.Content.Raw["membership"].(string)
		members = append(members, roomMember{
			userID:     id.UserID(*evt.StateKey),
			membership: event.Membership(membership),
		})
	}
	return members, nil
}

func (s *ProtectedRoomsSet) matchesAutoRedact(reason string) bool {
	lowered := strings.ToLower(reason)
	for _, pattern := range s.opts.AutoRedactReasons {
		if pattern.Match(lowered) {
			return true
		}
	}
	return false
}

// verifyPermissions checks that the daemon holds the power levels required
// for bans, redactions, and ACL writes in the room.
func (s *ProtectedRoomsSet) verifyPermissions(ctx context.Context, roomID id.RoomID) error {
	var powerLevels event.PowerLevelsEventContent
	if err := s.client.StateEvent(ctx, roomID, event.StatePowerLevels, "", &powerLevels); err != nil {
		return fmt.Errorf("failed to read power levels of %s: %w", roomID, err)
	}
	ownLevel := powerLevels.GetUserLevel(s.selfUserID)
	minLevel := max(powerLevels.Ban(), powerLevels.Redact(), powerLevels.GetEventLevel(event.StateServerACL))
	if ownLevel < minLevel {
		return fmt.Errorf("%w: have power level %d in %s, need %d",
			outbound.ErrPermissionDenied, ownLevel, roomID, minLevel)
	}
	return nil
}

// filterReportedErrors drops failures the error cache already reported.
func (s *ProtectedRoomsSet) filterReportedErrors(errs []RoomError) []RoomError {
	fresh := errs[:0]
	for _, roomErr := range errs {
		if s.errCache.IsNew(roomErr.Room, roomErr.Kind) {
			fresh = append(fresh, roomErr)
		}
	}
	return fresh
}

func (s *ProtectedRoomsSet) reportErrors(ctx context.Context, errs []RoomError) {
	fresh := s.filterReportedErrors(errs)
	if len(fresh) == 0 {
		return
	}
	s.reporter.SyncSummary(ctx, SyncResult{Errors: fresh})
}

type nopReporter struct{}

func (nopReporter) Noticef(context.Context, string, ...any) {}
func (nopReporter) ListChanges(context.Context, *policylist.PolicyList, []policylist.Change, policylist.Revision) {
}
func (nopReporter) SyncSummary(context.Context, SyncResult) {}
