// Package matrix implements the outbound transport port on top of the
// mautrix client-server API client.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	outbound "github.com/matrix-warden/warden/internal/port/outbound"
)

// Client is the mautrix-backed transport. Push events arrive through the
// /sync loop started by Start and are delivered on the Events channel.
type Client struct {
	mau    *mautrix.Client
	log    *slog.Logger
	events chan outbound.PushEvent
}

var _ outbound.Transport = (*Client)(nil)

// NewClient builds a transport for the given account. The mautrix client's
// own logging is bridged into the engine's slog logger.
func NewClient(homeserverURL string, userID id.UserID, accessToken string, log *slog.Logger) (*Client, error) {
	mau, err := mautrix.NewClient(homeserverURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	mau.Log = zerolog.New(slogWriter{log: log}).With().Timestamp().Logger()

	c := &Client{
		mau:    mau,
		log:    log,
		events: make(chan outbound.PushEvent, 1024),
	}
	syncer := mautrix.NewDefaultSyncer()
	syncer.OnEvent(func(_ context.Context, evt *event.Event) {
		select {
		case c.events <- outbound.PushEvent{RoomID: evt.RoomID, Event: evt}:
		default:
			log.Warn("push event buffer full, dropping event",
				"room_id", evt.RoomID, "event_id", evt.ID)
		}
	})
	mau.Syncer = syncer
	mau.Store = mautrix.NewMemorySyncStore()
	return c, nil
}

// UserID returns the account the client acts as.
func (c *Client) UserID() id.UserID {
	return c.mau.UserID
}

// Start runs the /sync loop until the context is canceled, then closes the
// push channel.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.events)
	err := c.mau.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync loop failed: %w", err)
	}
	return nil
}

// translate maps mautrix API failures onto the transport contract errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mautrix.MNotFound):
		return fmt.Errorf("%w: %v", outbound.ErrNotFound, err)
	case errors.Is(err, mautrix.MForbidden):
		return fmt.Errorf("%w: %v", outbound.ErrPermissionDenied, err)
	default:
		return err
	}
}

func (c *Client) RoomState(ctx context.Context, roomID id.RoomID) ([]*event.Event, error) {
	state, err := c.mau.State(ctx, roomID)
	if err != nil {
		return nil, translate(err)
	}
	var out []*event.Event
	for _, byKey := range state {
		for _, evt := range byKey {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (c *Client) StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, into any) error {
	return translate(c.mau.StateEvent(ctx, roomID, eventType, stateKey, into))
}

func (c *Client) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (id.EventID, error) {
	resp, err := c.mau.SendStateEvent(ctx, roomID, eventType, stateKey, content)
	if err != nil {
		return "", translate(err)
	}
	return resp.EventID, nil
}

func (c *Client) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	_, err := c.mau.RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{
		Reason: reason,
		TxnID:  "warden-" + uuid.NewString(),
	})
	return translate(err)
}

func (c *Client) BanUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := c.mau.BanUser(ctx, roomID, &mautrix.ReqBanUser{UserID: userID, Reason: reason})
	return translate(err)
}

func (c *Client) KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := c.mau.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	return translate(err)
}

// maxRedactionScan bounds how far back the message history is paginated
// when redacting a user's messages.
const maxRedactionScan = 1000

// RedactUserMessages walks the room timeline backwards, redacting every
// message the user sent since their most recent join. The scan stops at the
// user's join event or after maxRedactionScan timeline events.
func (c *Client) RedactUserMessages(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) (int, error) {
	redacted := 0
	scanned := 0
	from := ""
	for scanned < maxRedactionScan {
		resp, err := c.mau.Messages(ctx, roomID, from, "", mautrix.DirectionBackward, nil, 100)
		if err != nil {
			return redacted, translate(err)
		}
		for _, evt := range resp.Chunk {
			scanned++
			if evt.Type.Type == event.StateMember.Type && evt.StateKey != nil && *evt.StateKey == string(userID) {
				if membership, _ := evt.Content.Raw["membership"].(string); membership == string(event.MembershipJoin) {
					return redacted, nil
				}
			}
			if evt.Sender != userID {
				continue
			}
			if evt.Type.Type != event.EventMessage.Type && evt.Type.Type != event.EventEncrypted.Type {
				continue
			}
			if evt.Unsigned.RedactedBecause != nil {
				continue
			}
			if err := c.RedactEvent(ctx, roomID, evt.ID, reason); err != nil {
				return redacted, err
			}
			redacted++
		}
		if resp.End == "" || len(resp.Chunk) == 0 {
			return redacted, nil
		}
		from = resp.End
	}
	return redacted, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomOrAlias string) (id.RoomID, error) {
	resp, err := c.mau.JoinRoom(ctx, roomOrAlias, nil)
	if err != nil {
		return "", translate(err)
	}
	return resp.RoomID, nil
}

func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := c.mau.ResolveAlias(ctx, alias)
	if err != nil {
		return "", translate(err)
	}
	return resp.RoomID, nil
}

func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.mau.JoinedRooms(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return resp.JoinedRooms, nil
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := c.mau.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		out = append(out, userID)
	}
	return out, nil
}

func (c *Client) Members(ctx context.Context, roomID id.RoomID) ([]*event.Event, error) {
	resp, err := c.mau.Members(ctx, roomID)
	if err != nil {
		return nil, translate(err)
	}
	return resp.Chunk, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.mau.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", translate(err)
	}
	return resp.EventID, nil
}

func (c *Client) GetAccountData(ctx context.Context, eventType string, into any) error {
	return translate(c.mau.GetAccountData(ctx, eventType, into))
}

func (c *Client) SetAccountData(ctx context.Context, eventType string, content any) error {
	return translate(c.mau.SetAccountData(ctx, eventType, content))
}

func (c *Client) Events() <-chan outbound.PushEvent {
	return c.events
}
