package presence

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/roomchat-api/internal/apperror"
)

type roomKey struct {
	room uint64
	user string
}

// MemoryTracker keeps typing entries in process.
type MemoryTracker struct {
	opts Options

	mu      sync.Mutex
	entries map[roomKey]TypingEntry
}

// NewMemoryTracker constructs an in-process typing tracker.
func NewMemoryTracker(opts Options) *MemoryTracker {
	return &MemoryTracker{
		opts:    opts.withDefaults(),
		entries: make(map[roomKey]TypingEntry),
	}
}

func (t *MemoryTracker) SetTyping(ctx context.Context, roomID uint64, userID, displayName string) error {
	if roomID == 0 || userID == "" {
		return apperror.InvalidArgument("room id and user id are required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[roomKey{roomID, userID}] = TypingEntry{
		UserID:      userID,
		DisplayName: displayName,
		ExpiresAt:   t.opts.Clock.Now().Add(t.opts.TypingTTL),
	}
	return nil
}

func (t *MemoryTracker) ClearTyping(ctx context.Context, roomID uint64, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, roomKey{roomID, userID})
	return nil
}

func (t *MemoryTracker) ListTyping(ctx context.Context, roomID uint64, excludingUserID string) ([]TypingEntry, error) {
	now := t.opts.Clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var entries []TypingEntry
	for key, entry := range t.entries {
		if !entry.ExpiresAt.After(now) {
			delete(t.entries, key)
			continue
		}
		if key.room != roomID || key.user == excludingUserID {
			continue
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

// MemoryRegistry keeps connection markers in process, one per stream
// connection, grouped by room and user.
type MemoryRegistry struct {
	opts Options

	mu      sync.Mutex
	markers map[uint64]map[string]map[string]time.Time
}

// NewMemoryRegistry constructs an in-process connection registry.
func NewMemoryRegistry(opts Options) *MemoryRegistry {
	return &MemoryRegistry{
		opts:    opts.withDefaults(),
		markers: make(map[uint64]map[string]map[string]time.Time),
	}
}

func (r *MemoryRegistry) Touch(ctx context.Context, roomID uint64, userID, connID string) error {
	if roomID == 0 || userID == "" || connID == "" {
		return apperror.InvalidArgument("room id, user id and connection id are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.markers[roomID]
	if !ok {
		users = make(map[string]map[string]time.Time)
		r.markers[roomID] = users
	}
	conns, ok := users[userID]
	if !ok {
		conns = make(map[string]time.Time)
		users[userID] = conns
	}
	conns[connID] = r.opts.Clock.Now().Add(r.opts.RegistryTTL)
	return nil
}

func (r *MemoryRegistry) Release(ctx context.Context, roomID uint64, userID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := r.markers[roomID]
	conns := users[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(r.markers, roomID)
	}
	return nil
}

func (r *MemoryRegistry) Count(ctx context.Context, roomID uint64) (int, error) {
	now := r.opts.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for userID := range r.markers[roomID] {
		if r.liveLocked(roomID, userID, now) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRegistry) IsConnected(ctx context.Context, roomID uint64, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked(roomID, userID, r.opts.Clock.Now()), nil
}

// liveLocked prunes the user's expired markers and reports whether any remain.
func (r *MemoryRegistry) liveLocked(roomID uint64, userID string, now time.Time) bool {
	users := r.markers[roomID]
	conns := users[userID]
	for connID, expiry := range conns {
		if !expiry.After(now) {
			delete(conns, connID)
		}
	}
	if len(conns) > 0 {
		return true
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.markers, roomID)
	}
	return false
}
