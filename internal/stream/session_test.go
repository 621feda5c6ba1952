package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/models"
	"github.com/noah-isme/roomchat-api/internal/presence"
	"github.com/noah-isme/roomchat-api/internal/relay"
	"github.com/noah-isme/roomchat-api/internal/repository"
)

const waitTimeout = 2 * time.Second

var epoch = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

type sent struct {
	name string
	id   uint64
	data interface{}
}

type recorder struct {
	mu     sync.Mutex
	events []sent
	notify chan sent
	gone   atomic.Bool
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan sent, 256)}
}

func (r *recorder) Send(event string, id uint64, data interface{}) error {
	if r.gone.Load() {
		return errors.New("broken pipe")
	}
	entry := sent{name: event, id: id, data: data}
	r.mu.Lock()
	r.events = append(r.events, entry)
	r.mu.Unlock()
	r.notify <- entry
	return nil
}

func (r *recorder) Disconnected() bool { return r.gone.Load() }

func (r *recorder) messageIDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint64
	for _, event := range r.events {
		if event.name == EventNewMessage {
			ids = append(ids, event.id)
		}
	}
	return ids
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.name == name {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, r *recorder, name string) sent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case event := <-r.notify:
			if event.name == name {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

type fakeLedger struct {
	mu       sync.Mutex
	messages []models.Message
	failures int
}

func (l *fakeLedger) append(sender string) models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	content := "message from " + sender
	message := models.Message{
		ID:         uint64(len(l.messages) + 1),
		RoomID:     1,
		SenderID:   sender,
		SenderName: "User " + sender,
		Type:       models.MessageTypeText,
		Content:    &content,
		CreatedAt:  epoch,
	}
	l.messages = append(l.messages, message)
	return message
}

func (l *fakeLedger) ListSince(ctx context.Context, cursor uint64, opts repository.ListOptions) ([]models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, apperror.Transient(errors.New("database is locked"))
	}
	var out []models.Message
	for _, message := range l.messages {
		if message.ID > cursor && len(out) < opts.Limit {
			out = append(out, message)
		}
	}
	return out, nil
}

type authFunc func(ctx context.Context, roomID uint64, userID string) error

func (f authFunc) AuthorizeStream(ctx context.Context, roomID uint64, userID string) error {
	return f(ctx, roomID, userID)
}

func allowAll(context.Context, uint64, string) error { return nil }

type harness struct {
	clk      *testclock.Clock
	relay    *relay.Memory
	ledger   *fakeLedger
	typing   *presence.MemoryTracker
	registry *presence.MemoryRegistry
	deps     Dependencies
	cfg      Config
}

func newHarness() *harness {
	clk := testclock.NewClock(epoch)
	h := &harness{
		clk:      clk,
		relay:    relay.NewMemory(relay.Options{Clock: clk, Logger: zerolog.Nop()}),
		ledger:   &fakeLedger{},
		typing:   presence.NewMemoryTracker(presence.Options{Clock: clk}),
		registry: presence.NewMemoryRegistry(presence.Options{Clock: clk}),
		cfg:      Config{Clock: clk, Logger: zerolog.Nop()},
	}
	h.deps = Dependencies{Relay: h.relay, Ledger: h.ledger, Typing: h.typing, Registry: h.registry, Auth: authFunc(allowAll)}
	return h
}

// send mimics the write path: ledger commit followed by relay publish.
func (h *harness) send(t *testing.T, sender string) models.Message {
	t.Helper()
	message := h.ledger.append(sender)
	require.NoError(t, h.relay.Publish(context.Background(), 1, relay.FromMessage(relay.KindCreated, message, sender)))
	return message
}

func (h *harness) start(ctx context.Context, session *Session, transport Transport) chan error {
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx, transport) }()
	return done
}

func (h *harness) advance(t *testing.T, d time.Duration, sleepers int) {
	t.Helper()
	require.NoError(t, h.clk.WaitAdvance(d, waitTimeout, sleepers))
}

func TestSessionDeliversOthersMessagesOnly(t *testing.T) {
	h := newHarness()
	h.ledger.append("u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewSession(1, "u1", 0, h.deps, h.cfg)
	b := NewSession(1, "u2", 0, h.deps, h.cfg)
	ta, tb := newRecorder(), newRecorder()
	doneA := h.start(ctx, a, ta)
	doneB := h.start(ctx, b, tb)

	connected := waitFor(t, tb, EventConnected)
	require.Equal(t, uint64(0), connected.data.(ConnectedPayload).Cursor)
	require.Equal(t, int64(5000), connected.data.(ConnectedPayload).RetryMs)
	waitFor(t, ta, EventConnected)

	first := waitFor(t, tb, EventNewMessage)
	require.Equal(t, uint64(1), first.id)

	h.advance(t, time.Second, 2)
	message := h.send(t, "u1")
	require.Equal(t, uint64(2), message.ID)

	h.advance(t, time.Second, 2)
	second := waitFor(t, tb, EventNewMessage)
	require.Equal(t, uint64(2), second.id)
	require.Equal(t, "message from u1", second.data.(relay.Event).Content)

	h.advance(t, time.Second, 2)
	h.advance(t, time.Second, 2)

	require.Equal(t, []uint64{1, 2}, tb.messageIDs())
	require.Empty(t, ta.messageIDs())
	require.Equal(t, uint64(2), b.Cursor())
	require.Equal(t, StateStreaming, b.State())

	cancel()
	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)
	require.Equal(t, StateClosed, a.State())
}

func TestSessionDisconnectReleasesRegistryAndResumes(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.ledger.append("u1")
	h.ledger.append("u1")

	a := NewSession(1, "u1", 0, h.deps, h.cfg)
	ta := newRecorder()
	h.start(ctx, a, ta)
	waitFor(t, ta, EventConnected)

	b := NewSession(1, "u2", 0, h.deps, h.cfg)
	tb := newRecorder()
	doneB := h.start(ctx, b, tb)
	waitFor(t, tb, EventConnected)
	waitFor(t, tb, EventNewMessage)
	waitFor(t, tb, EventNewMessage)

	count, err := h.registry.Count(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	h.advance(t, 0, 2)
	tb.gone.Store(true)
	h.advance(t, time.Second, 2)

	select {
	case err := <-doneB:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("session did not stop after disconnect")
	}
	require.Equal(t, StateClosed, b.State())

	count, err = h.registry.Count(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	h.send(t, "u1")

	resumed := NewSession(1, "u2", 2, h.deps, h.cfg)
	tr := newRecorder()
	h.start(ctx, resumed, tr)
	require.Equal(t, uint64(2), waitFor(t, tr, EventConnected).data.(ConnectedPayload).Cursor)
	require.Equal(t, uint64(3), waitFor(t, tr, EventNewMessage).id)

	h.advance(t, time.Second, 2)
	h.advance(t, time.Second, 2)
	require.Equal(t, []uint64{3}, tr.messageIDs())
}

func TestSessionRecoversFromIterationErrors(t *testing.T) {
	h := newHarness()
	h.ledger.failures = 1
	h.ledger.append("u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(1, "u2", 0, h.deps, h.cfg)
	transport := newRecorder()
	done := h.start(ctx, session, transport)
	waitFor(t, transport, EventConnected)

	h.advance(t, defaultErrorBackoff, 1)
	require.Equal(t, uint64(1), waitFor(t, transport, EventNewMessage).id)
	require.Equal(t, StateStreaming, session.State())

	cancel()
	require.NoError(t, <-done)
}

func TestSessionRejectsNonParticipants(t *testing.T) {
	h := newHarness()
	h.deps.Auth = authFunc(func(context.Context, uint64, string) error {
		return apperror.AccessDenied("user u9 is not a participant")
	})

	session := NewSession(1, "u9", 0, h.deps, h.cfg)
	transport := newRecorder()
	err := session.Run(context.Background(), transport)
	require.True(t, errors.Is(err, apperror.ErrAccessDenied))
	require.Equal(t, StateClosed, session.State())
	require.Zero(t, transport.count(EventConnected))

	require.ErrorIs(t, session.Run(context.Background(), transport), ErrSessionUsed)
}

func TestSessionEmitsTypingAndHeartbeat(t *testing.T) {
	h := newHarness()
	h.cfg.HeartbeatEvery = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.typing.SetTyping(ctx, 1, "u1", "Alice"))
	require.NoError(t, h.typing.SetTyping(ctx, 1, "u2", "Bob"))

	session := NewSession(1, "u2", 0, h.deps, h.cfg)
	transport := newRecorder()
	done := h.start(ctx, session, transport)
	waitFor(t, transport, EventConnected)

	typing := waitFor(t, transport, EventTypingUpdate).data.(TypingPayload)
	require.Len(t, typing.Users, 1)
	require.Equal(t, "u1", typing.Users[0].UserID)

	require.NoError(t, h.typing.ClearTyping(ctx, 1, "u1"))
	h.advance(t, time.Second, 1)
	cleared := waitFor(t, transport, EventTypingUpdate).data.(TypingPayload)
	require.Empty(t, cleared.Users)
	waitFor(t, transport, EventHeartbeat)

	h.advance(t, time.Second, 1)
	h.advance(t, time.Second, 1)
	require.Equal(t, 2, transport.count(EventTypingUpdate))

	cancel()
	require.NoError(t, <-done)
}

func TestSessionForwardsUpdates(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	message := h.send(t, "u1")

	session := NewSession(1, "u2", 0, h.deps, h.cfg)
	transport := newRecorder()
	done := h.start(ctx, session, transport)
	waitFor(t, transport, EventConnected)
	waitFor(t, transport, EventNewMessage)

	h.advance(t, 0, 1)
	h.clk.Advance(time.Millisecond)
	message.IsDeleted = true
	require.NoError(t, h.relay.Publish(ctx, 1, relay.FromMessage(relay.KindDeleted, message, "mod")))
	h.advance(t, time.Second, 1)

	deleted := waitFor(t, transport, EventMessageDeleted).data.(relay.Event)
	require.Equal(t, message.ID, deleted.MessageID)
	require.True(t, deleted.IsDeleted)

	cancel()
	require.NoError(t, <-done)
}

func TestSessionEndsWhenMembershipIsRevoked(t *testing.T) {
	h := newHarness()
	var denied atomic.Bool
	h.deps.Auth = authFunc(func(context.Context, uint64, string) error {
		if denied.Load() {
			return apperror.AccessDenied("user u2 is not a participant of room 1")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(1, "u2", 0, h.deps, h.cfg)
	transport := newRecorder()
	done := h.start(ctx, session, transport)
	waitFor(t, transport, EventConnected)

	h.advance(t, 0, 1)
	denied.Store(true)
	h.send(t, "u1")
	h.advance(t, time.Second, 1)

	select {
	case err := <-done:
		require.ErrorIs(t, err, apperror.ErrAccessDenied)
	case <-time.After(waitTimeout):
		t.Fatal("session kept streaming after membership was revoked")
	}
	require.Equal(t, StateClosed, session.State())
	require.Empty(t, transport.messageIDs())

	connected, err := h.registry.IsConnected(ctx, 1, "u2")
	require.NoError(t, err)
	require.False(t, connected)
}

func TestSessionCloseKeepsOtherTabsRegistered(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tabA := NewSession(1, "u2", 0, h.deps, h.cfg)
	tabB := NewSession(1, "u2", 0, h.deps, h.cfg)
	ta, tb := newRecorder(), newRecorder()
	doneA := h.start(ctx, tabA, ta)
	doneB := h.start(ctx, tabB, tb)
	waitFor(t, ta, EventConnected)
	waitFor(t, tb, EventConnected)

	h.advance(t, 0, 2)
	tb.gone.Store(true)
	h.advance(t, time.Second, 2)

	select {
	case err := <-doneB:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("tab B did not stop after disconnect")
	}
	require.Equal(t, StateStreaming, tabA.State())

	count, err := h.registry.Count(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	connected, err := h.registry.IsConnected(ctx, 1, "u2")
	require.NoError(t, err)
	require.True(t, connected)

	cancel()
	require.NoError(t, <-doneA)
	connected, err = h.registry.IsConnected(context.Background(), 1, "u2")
	require.NoError(t, err)
	require.False(t, connected)
}
