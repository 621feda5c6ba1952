package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type envelope struct {
	Source string    `json:"source"`
	Event  Event     `json:"event"`
	SentAt time.Time `json:"sent_at"`
}

// NATSBridge mirrors published events to other nodes over NATS and feeds
// events from other nodes into the local relay.
type NATSBridge struct {
	local   Relay
	conn    *nats.Conn
	subject string
	nodeID  string
	logger  zerolog.Logger
	sub     *nats.Subscription
}

// NewNATSBridge wraps local. The subject is derived from prefix the same way
// for every node so they all share one stream of relay traffic.
func NewNATSBridge(local Relay, conn *nats.Conn, prefix string, logger zerolog.Logger) *NATSBridge {
	if prefix == "" {
		prefix = "roomchat"
	}
	return &NATSBridge{
		local:   local,
		conn:    conn,
		subject: strings.ReplaceAll(prefix, ":", ".") + ".relay",
		nodeID:  uuid.NewString(),
		logger:  logger.With().Str("component", "relay_nats").Logger(),
	}
}

// Start subscribes to the relay subject until ctx is cancelled.
func (b *NATSBridge) Start(ctx context.Context) error {
	if b.conn == nil {
		return nil
	}
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		b.handle(context.Background(), msg.Data)
	})
	if err != nil {
		return err
	}
	b.sub = sub

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain relay subscription")
		}
	}()
	return nil
}

func (b *NATSBridge) Publish(ctx context.Context, roomID uint64, event Event) error {
	if err := b.local.Publish(ctx, roomID, event); err != nil {
		return err
	}
	if b.conn == nil {
		return nil
	}

	event.RoomID = roomID
	payload, err := json.Marshal(envelope{Source: b.nodeID, Event: event, SentAt: time.Now().UTC()})
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to encode relay envelope")
		return nil
	}
	if err := b.conn.Publish(b.subject, payload); err != nil {
		b.logger.Warn().Err(err).Uint64("room_id", roomID).Msg("failed to forward relay event")
	}
	return nil
}

func (b *NATSBridge) PollSince(ctx context.Context, roomID uint64, userID string, since time.Time) ([]Event, error) {
	return b.local.PollSince(ctx, roomID, userID, since)
}

func (b *NATSBridge) handle(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn().Err(err).Msg("invalid relay envelope")
		return
	}
	if env.Source == b.nodeID {
		return
	}
	if err := b.local.Publish(ctx, env.Event.RoomID, env.Event); err != nil {
		b.logger.Warn().Err(err).Uint64("room_id", env.Event.RoomID).Msg("dropping remote relay event")
	}
}
