// Package stream runs the per-connection poll loop that feeds a client with
// room events.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/models"
	"github.com/noah-isme/roomchat-api/internal/observability"
	"github.com/noah-isme/roomchat-api/internal/presence"
	"github.com/noah-isme/roomchat-api/internal/relay"
	"github.com/noah-isme/roomchat-api/internal/repository"
)

// Event names written to clients.
const (
	EventConnected       = "connected"
	EventNewMessage      = "new_message"
	EventMessageUpdated  = "message_updated"
	EventMessageDeleted  = "message_deleted"
	EventReactionUpdated = "reaction_updated"
	EventTypingUpdate    = "typing_update"
	EventHeartbeat       = "heartbeat"
)

const (
	defaultTick           = time.Second
	defaultErrorBackoff   = 5 * time.Second
	defaultHeartbeatEvery = 30
	defaultRetry          = 5 * time.Second
	defaultAuthorizeEvery = 1
	ledgerPageSize        = 100
)

// State is the lifecycle position of a Session.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionUsed is returned when Run is called on a session that already ran.
var ErrSessionUsed = errors.New("stream session already started")

// Transport writes named events to one client.
type Transport interface {
	// Send writes one event. A non-zero id is advertised to the client as
	// its resume position.
	Send(event string, id uint64, data interface{}) error
	Disconnected() bool
}

// LedgerSource reads the authoritative message history of the session room.
type LedgerSource interface {
	ListSince(ctx context.Context, cursor uint64, opts repository.ListOptions) ([]models.Message, error)
}

// Authorizer decides whether a user may open a stream on a room.
type Authorizer interface {
	AuthorizeStream(ctx context.Context, roomID uint64, userID string) error
}

// Config controls loop cadence.
type Config struct {
	Tick           time.Duration
	ErrorBackoff   time.Duration
	HeartbeatEvery int
	// AuthorizeEvery is how many ticks pass between membership checks.
	AuthorizeEvery int
	Retry          time.Duration
	Clock          clock.Clock
	Logger         zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = defaultHeartbeatEvery
	}
	if c.Retry <= 0 {
		c.Retry = defaultRetry
	}
	if c.AuthorizeEvery <= 0 {
		c.AuthorizeEvery = defaultAuthorizeEvery
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

// Dependencies are the collaborators shared by all sessions.
type Dependencies struct {
	Relay    relay.Relay
	Ledger   LedgerSource
	Typing   presence.Tracker
	Registry presence.Registry
	Auth     Authorizer
}

// ConnectedPayload is the first event of every stream.
type ConnectedPayload struct {
	SessionID        string `json:"session_id"`
	RoomID           uint64 `json:"room_id"`
	UserID           string `json:"user_id"`
	Cursor           uint64 `json:"cursor"`
	RetryMs          int64  `json:"retry_ms"`
	HeartbeatSeconds int64  `json:"heartbeat_interval_seconds"`
}

// TypingPayload lists the other users currently typing.
type TypingPayload struct {
	RoomID uint64                 `json:"room_id"`
	Users  []presence.TypingEntry `json:"users"`
}

// HeartbeatPayload keeps intermediaries from timing the stream out.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Cursor    uint64    `json:"cursor"`
}

// Session is one client's stream on one room.
//
// new_message events are not guaranteed to arrive in id order: a message
// recovered from the ledger can follow a higher id already relayed. Every
// id is delivered at least once, and clients order and dedupe by id.
//
// cursor is the highest message id delivered. ledgerCursor is how far the
// ledger has been scanned; seen holds ids above ledgerCursor already
// delivered through the relay so the ledger scan does not repeat them.
type Session struct {
	id     string
	roomID uint64
	userID string
	cfg    Config
	deps   Dependencies
	logger zerolog.Logger

	mu    sync.Mutex
	state State

	cursor       uint64
	ledgerCursor uint64
	seen         map[uint64]struct{}
	lastChecked  time.Time
	ticks        int
	heartbeats   int
	typingActive bool
}

// NewSession prepares a session anchored at lastMessageID.
func NewSession(roomID uint64, userID string, lastMessageID uint64, deps Dependencies, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:           id,
		roomID:       roomID,
		userID:       userID,
		cfg:          cfg,
		deps:         deps,
		logger:       cfg.Logger.With().Str("component", "stream_session").Str("session_id", id).Uint64("room_id", roomID).Str("user_id", userID).Logger(),
		state:        StateConnecting,
		cursor:       lastMessageID,
		ledgerCursor: lastMessageID,
		seen:         make(map[uint64]struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the highest message id delivered so far.
func (s *Session) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Retry is the reconnect delay advertised to clients.
func (s *Session) Retry() time.Duration { return s.cfg.Retry }

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run authorizes the session and streams until the client disconnects or
// ctx is cancelled. Membership is checked again every AuthorizeEvery ticks
// and a revoked membership ends the session with its error. Other errors
// inside an iteration never end the session.
func (s *Session) Run(ctx context.Context, transport Transport) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.mu.Unlock()

	if s.roomID == 0 || s.userID == "" {
		s.setState(StateClosed)
		return apperror.InvalidArgument("room id and user id are required")
	}
	if err := s.deps.Auth.AuthorizeStream(ctx, s.roomID, s.userID); err != nil {
		s.setState(StateClosed)
		return err
	}

	s.setState(StateStreaming)
	observability.StreamSessionsActive().Inc()
	defer observability.StreamSessionsActive().Dec()
	defer s.close(ctx)

	s.lastChecked = s.cfg.Clock.Now()
	if err := s.deps.Registry.Touch(ctx, s.roomID, s.userID, s.id); err != nil {
		s.logger.Warn().Err(err).Msg("failed to register stream connection")
	}

	if err := s.emit(transport, EventConnected, 0, ConnectedPayload{
		SessionID:        s.id,
		RoomID:           s.roomID,
		UserID:           s.userID,
		Cursor:           s.Cursor(),
		RetryMs:          s.cfg.Retry.Milliseconds(),
		HeartbeatSeconds: int64((s.cfg.Tick * time.Duration(s.cfg.HeartbeatEvery)).Seconds()),
	}); err != nil {
		s.logger.Debug().Err(err).Msg("client gone before connected event")
		return nil
	}
	s.logger.Info().Uint64("cursor", s.Cursor()).Msg("stream session started")

	for {
		if ctx.Err() != nil || transport.Disconnected() {
			return nil
		}

		if err := s.reauthorize(ctx); err != nil {
			if revoked(err) {
				s.logger.Info().Err(err).Msg("stream membership revoked")
				return err
			}
			observability.StreamTickErrors().Inc()
			s.logger.Warn().Err(err).Dur("backoff", s.cfg.ErrorBackoff).Msg("stream authorization check failed")
			select {
			case <-ctx.Done():
				return nil
			case <-s.cfg.Clock.After(s.cfg.ErrorBackoff):
			}
			continue
		}

		wait := s.cfg.Tick
		if err := s.tick(ctx, transport); err != nil {
			if ctx.Err() != nil || transport.Disconnected() {
				return nil
			}
			observability.StreamTickErrors().Inc()
			s.logger.Warn().Err(err).Dur("backoff", s.cfg.ErrorBackoff).Msg("stream iteration failed")
			wait = s.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.cfg.Clock.After(wait):
		}
	}
}

// reauthorize checks membership every AuthorizeEvery ticks. A failed check
// is repeated on the next pass.
func (s *Session) reauthorize(ctx context.Context) error {
	s.ticks++
	if s.ticks%s.cfg.AuthorizeEvery != 0 {
		return nil
	}
	if err := s.deps.Auth.AuthorizeStream(ctx, s.roomID, s.userID); err != nil {
		s.ticks--
		return err
	}
	return nil
}

func revoked(err error) bool {
	return errors.Is(err, apperror.ErrAccessDenied) || errors.Is(err, apperror.ErrNotFound)
}

func (s *Session) close(ctx context.Context) {
	s.setState(StateClosed)
	if err := s.deps.Registry.Release(context.WithoutCancel(ctx), s.roomID, s.userID, s.id); err != nil {
		s.logger.Warn().Err(err).Msg("failed to release stream connection")
	}
	s.logger.Info().Uint64("cursor", s.Cursor()).Msg("stream session closed")
}

func (s *Session) tick(ctx context.Context, transport Transport) error {
	if err := s.pollRelay(ctx, transport); err != nil {
		return err
	}
	if err := s.pollLedger(ctx, transport); err != nil {
		return err
	}
	if err := s.pollTyping(ctx, transport); err != nil {
		return err
	}

	s.heartbeats++
	if s.heartbeats%s.cfg.HeartbeatEvery == 0 {
		if err := s.emit(transport, EventHeartbeat, 0, HeartbeatPayload{Timestamp: s.cfg.Clock.Now().UTC(), Cursor: s.Cursor()}); err != nil {
			return err
		}
		if err := s.deps.Registry.Touch(ctx, s.roomID, s.userID, s.id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) pollRelay(ctx context.Context, transport Transport) error {
	events, err := s.deps.Relay.PollSince(ctx, s.roomID, s.userID, s.lastChecked)
	if err != nil {
		return err
	}

	for _, event := range events {
		if event.Timestamp.After(s.lastChecked) {
			s.lastChecked = event.Timestamp
		}

		switch event.Kind {
		case relay.KindCreated:
			if event.SenderID == s.userID || !s.unseen(event.MessageID) {
				continue
			}
			if err := s.deliver(transport, event); err != nil {
				return err
			}
		case relay.KindUpdated:
			if err := s.emit(transport, EventMessageUpdated, 0, event); err != nil {
				return err
			}
		case relay.KindDeleted:
			if err := s.emit(transport, EventMessageDeleted, 0, event); err != nil {
				return err
			}
		case relay.KindReactionUpdated:
			if err := s.emit(transport, EventReactionUpdated, 0, event); err != nil {
				return err
			}
		default:
			s.logger.Debug().Str("kind", string(event.Kind)).Msg("ignoring relay event of unknown kind")
		}
	}
	return nil
}

func (s *Session) pollLedger(ctx context.Context, transport Transport) error {
	for {
		rows, err := s.deps.Ledger.ListSince(ctx, s.ledgerCursor, repository.ListOptions{Limit: ledgerPageSize})
		if err != nil {
			return err
		}

		for _, row := range rows {
			if row.ID <= s.ledgerCursor {
				continue
			}
			s.ledgerCursor = row.ID
			if _, delivered := s.seen[row.ID]; delivered {
				delete(s.seen, row.ID)
				continue
			}
			if row.SenderID == s.userID {
				continue
			}
			event, _ := relay.Sanitize(relay.FromMessage(relay.KindCreated, row, row.SenderID))
			if err := s.deliver(transport, event); err != nil {
				return err
			}
			delete(s.seen, row.ID)
		}

		for id := range s.seen {
			if id <= s.ledgerCursor {
				delete(s.seen, id)
			}
		}

		if len(rows) < ledgerPageSize {
			return nil
		}
	}
}

func (s *Session) pollTyping(ctx context.Context, transport Transport) error {
	entries, err := s.deps.Typing.ListTyping(ctx, s.roomID, s.userID)
	if err != nil {
		return err
	}
	if len(entries) == 0 && !s.typingActive {
		return nil
	}
	if entries == nil {
		entries = []presence.TypingEntry{}
	}
	if err := s.emit(transport, EventTypingUpdate, 0, TypingPayload{RoomID: s.roomID, Users: entries}); err != nil {
		return err
	}
	s.typingActive = len(entries) > 0
	return nil
}

func (s *Session) unseen(id uint64) bool {
	if id <= s.ledgerCursor {
		return false
	}
	_, delivered := s.seen[id]
	return !delivered
}

func (s *Session) deliver(transport Transport, event relay.Event) error {
	if err := s.emit(transport, EventNewMessage, event.MessageID, event); err != nil {
		return err
	}
	s.mu.Lock()
	s.seen[event.MessageID] = struct{}{}
	if event.MessageID > s.cursor {
		s.cursor = event.MessageID
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) emit(transport Transport, name string, id uint64, data interface{}) error {
	if err := transport.Send(name, id, data); err != nil {
		return err
	}
	observability.StreamEventsEmitted().WithLabelValues(name).Inc()
	return nil
}
