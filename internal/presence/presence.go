// Package presence keeps ephemeral per-room state: who is typing and who
// holds an open stream. Entries expire passively; nothing sweeps them.
package presence

import (
	"context"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

const (
	defaultTypingTTL   = 10 * time.Second
	defaultRegistryTTL = 90 * time.Second
)

// TypingEntry is one user currently typing in a room.
type TypingEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Tracker records typing indicators.
type Tracker interface {
	SetTyping(ctx context.Context, roomID uint64, userID, displayName string) error
	ClearTyping(ctx context.Context, roomID uint64, userID string) error
	// ListTyping returns unexpired entries ordered by user id, without excludingUserID.
	ListTyping(ctx context.Context, roomID uint64, excludingUserID string) ([]TypingEntry, error)
}

// Registry tracks liveness markers of stream connections. Markers are kept
// per connection so closing one tab leaves the user's other streams counted.
type Registry interface {
	Touch(ctx context.Context, roomID uint64, userID, connID string) error
	Release(ctx context.Context, roomID uint64, userID, connID string) error
	// Count returns the distinct users with at least one live connection.
	Count(ctx context.Context, roomID uint64) (int, error)
	IsConnected(ctx context.Context, roomID uint64, userID string) (bool, error)
}

// Options configures the presence backends.
type Options struct {
	TypingTTL   time.Duration
	RegistryTTL time.Duration
	Clock       clock.Clock
	Logger      zerolog.Logger
	Prefix      string
}

func (o Options) withDefaults() Options {
	if o.TypingTTL <= 0 {
		o.TypingTTL = defaultTypingTTL
	}
	if o.RegistryTTL <= 0 {
		o.RegistryTTL = defaultRegistryTTL
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Prefix == "" {
		o.Prefix = "roomchat"
	}
	return o
}

func sortEntries(entries []TypingEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
}
