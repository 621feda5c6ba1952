package relay

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/observability"
)

const (
	defaultCapacity  = 512
	defaultRetention = 5 * time.Minute
)

// Options configures the relay backends.
type Options struct {
	// Capacity bounds the number of events kept per room.
	Capacity int
	// Retention bounds the age of events served by PollSince.
	Retention time.Duration
	Clock     clock.Clock
	Logger    zerolog.Logger
	// Prefix namespaces redis keys.
	Prefix string
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = defaultCapacity
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Prefix == "" {
		o.Prefix = "roomchat"
	}
	return o
}

// ring grows up to capacity and then overwrites its oldest event.
type ring struct {
	events   []Event
	capacity int
	start    int
	size     int
	last     time.Time
}

func (r *ring) push(event Event) {
	if len(r.events) < r.capacity {
		r.events = append(r.events, event)
		r.size++
		return
	}
	r.events[r.start] = event
	r.start = (r.start + 1) % len(r.events)
}

func (r *ring) at(i int) Event {
	return r.events[(r.start+i)%len(r.events)]
}

// Memory is a single-process relay keeping a bounded ring per room. Rooms
// whose newest event is past retention are dropped.
type Memory struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.RWMutex
	rooms map[uint64]*ring
	swept time.Time
}

// NewMemory constructs an in-process relay.
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "relay_memory").Logger(),
		rooms:  make(map[uint64]*ring),
	}
}

func (m *Memory) Publish(ctx context.Context, roomID uint64, event Event) error {
	if roomID == 0 {
		return apperror.InvalidArgument("room id is required")
	}
	event.RoomID = roomID
	event, ok := Sanitize(event)
	if !ok {
		observability.RelaySkipped().WithLabelValues("malformed").Inc()
		return apperror.InvalidArgument("relay event for room %d is missing identifiers", roomID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Clock.Now().UTC()
	m.sweepLocked(now)

	r, exists := m.rooms[roomID]
	if !exists {
		r = &ring{capacity: m.opts.Capacity}
		m.rooms[roomID] = r
	}

	// Timestamps are strictly increasing per room so PollSince never
	// drops an event that shares its instant with the previous one.
	if !now.After(r.last) {
		now = r.last.Add(time.Nanosecond)
	}
	event.Timestamp = now
	r.last = now
	r.push(event)

	observability.RelayPublished().WithLabelValues(string(event.Kind)).Inc()
	return nil
}

// sweepLocked drops idle rooms, at most once per retention period.
func (m *Memory) sweepLocked(now time.Time) {
	if now.Sub(m.swept) < m.opts.Retention {
		return
	}
	m.swept = now
	cutoff := now.Add(-m.opts.Retention)
	for roomID, r := range m.rooms {
		if !r.last.After(cutoff) {
			delete(m.rooms, roomID)
		}
	}
}

func (m *Memory) PollSince(ctx context.Context, roomID uint64, userID string, since time.Time) ([]Event, error) {
	if roomID == 0 {
		return nil, apperror.InvalidArgument("room id is required")
	}

	cutoff := m.opts.Clock.Now().Add(-m.opts.Retention)
	if since.Before(cutoff) {
		since = cutoff
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.rooms[roomID]
	if !exists {
		return nil, nil
	}

	var events []Event
	for i := 0; i < r.size; i++ {
		event := r.at(i)
		if !event.Timestamp.After(since) {
			continue
		}
		if userID != "" && event.Author() == userID {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
