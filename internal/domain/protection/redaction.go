package protection

import (
	"context"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"
)

// Redactor removes a user's recent messages from a room. The transport
// implements this on top of message pagination and per-event redaction.
type Redactor interface {
	RedactUserMessages(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) (int, error)
}

// RedactUserTask names one pending redaction: every message the user sent
// in the room since their most recent join.
type RedactUserTask struct {
	UserID id.UserID
	RoomID id.RoomID
}

// EventRedactionQueue holds deferred redaction tasks that run after bans
// have landed. Queueing an already queued (user, room) pair is a no-op.
// Processed tasks leave the queue whether they succeeded or not; failures
// are collected and reported once, never retried.
type EventRedactionQueue struct {
	redactor Redactor
	log      *slog.Logger

	mu     sync.Mutex
	tasks  []RedactUserTask
	queued map[RedactUserTask]struct{}
}

func NewEventRedactionQueue(redactor Redactor, log *slog.Logger) *EventRedactionQueue {
	return &EventRedactionQueue{
		redactor: redactor,
		log:      log,
		queued:   make(map[RedactUserTask]struct{}),
	}
}

// Queue adds a redaction task unless an identical one is already pending.
func (q *EventRedactionQueue) Queue(userID id.UserID, roomID id.RoomID) {
	task := RedactUserTask{UserID: userID, RoomID: roomID}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[task]; ok {
		return
	}
	q.queued[task] = struct{}{}
	q.tasks = append(q.tasks, task)
}

// Has reports whether a task for the pair is pending.
func (q *EventRedactionQueue) Has(userID id.UserID, roomID id.RoomID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[RedactUserTask{UserID: userID, RoomID: roomID}]
	return ok
}

// Len returns the number of pending tasks.
func (q *EventRedactionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Process executes the queued tasks in FIFO order, optionally restricted to
// a single room. It returns how many messages were redacted and the
// failures encountered; a failing task never blocks the rest.
func (q *EventRedactionQueue) Process(ctx context.Context, room *id.RoomID) (redacted int, errs []RoomError) {
	q.mu.Lock()
	var run, keep []RedactUserTask
	for _, task := range q.tasks {
		if room == nil || task.RoomID == *room {
			run = append(run, task)
			delete(q.queued, task)
		} else {
			keep = append(keep, task)
		}
	}
	q.tasks = keep
	q.mu.Unlock()

	for _, task := range run {
		count, err := q.redactor.RedactUserMessages(ctx, task.RoomID, task.UserID, "")
		redacted += count
		if err != nil {
			q.log.Error("failed to redact user messages",
				"user_id", task.UserID, "room_id", task.RoomID, "error", err)
			errs = append(errs, classifyRoomError(task.RoomID, err))
		}
	}
	return redacted, errs
}
