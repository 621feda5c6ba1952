package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/roomchat-api/internal/apperror"
)

// Both redis backends keep one sorted set per room, scored by expiry in
// milliseconds. Expired members are removed lazily on read.

func expiredRange(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

func liveRange(now time.Time) string {
	return "(" + strconv.FormatInt(now.UnixMilli(), 10)
}

// RedisTracker shares typing indicators across processes.
type RedisTracker struct {
	client *redis.Client
	opts   Options
	logger zerolog.Logger
}

// NewRedisTracker constructs a redis-backed typing tracker.
func NewRedisTracker(client *redis.Client, opts Options) *RedisTracker {
	opts = opts.withDefaults()
	return &RedisTracker{
		client: client,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "typing_redis").Logger(),
	}
}

func (t *RedisTracker) keys(roomID uint64) (string, string) {
	base := fmt.Sprintf("%s:typing:%d", t.opts.Prefix, roomID)
	return base, base + ":names"
}

func (t *RedisTracker) SetTyping(ctx context.Context, roomID uint64, userID, displayName string) error {
	if roomID == 0 || userID == "" {
		return apperror.InvalidArgument("room id and user id are required")
	}

	members, names := t.keys(roomID)
	expiry := t.opts.Clock.Now().Add(t.opts.TypingTTL)

	pipe := t.client.TxPipeline()
	pipe.ZAdd(ctx, members, redis.Z{Score: float64(expiry.UnixMilli()), Member: userID})
	pipe.HSet(ctx, names, userID, displayName)
	pipe.Expire(ctx, members, t.opts.TypingTTL)
	pipe.Expire(ctx, names, t.opts.TypingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (t *RedisTracker) ClearTyping(ctx context.Context, roomID uint64, userID string) error {
	members, names := t.keys(roomID)

	pipe := t.client.TxPipeline()
	pipe.ZRem(ctx, members, userID)
	pipe.HDel(ctx, names, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

func (t *RedisTracker) ListTyping(ctx context.Context, roomID uint64, excludingUserID string) ([]TypingEntry, error) {
	members, names := t.keys(roomID)
	now := t.opts.Clock.Now()

	expired, err := t.client.ZRangeByScore(ctx, members, &redis.ZRangeBy{Min: "-inf", Max: expiredRange(now)}).Result()
	if err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}
	if len(expired) > 0 {
		pipe := t.client.Pipeline()
		pipe.ZRemRangeByScore(ctx, members, "-inf", expiredRange(now))
		pipe.HDel(ctx, names, expired...)
		if _, err := pipe.Exec(ctx); err != nil {
			t.logger.Warn().Err(err).Uint64("room_id", roomID).Msg("failed to prune typing entries")
		}
	}

	live, err := t.client.ZRangeByScoreWithScores(ctx, members, &redis.ZRangeBy{Min: liveRange(now), Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}

	entries := make([]TypingEntry, 0, len(live))
	ids := make([]string, 0, len(live))
	for _, z := range live {
		userID, _ := z.Member.(string)
		if userID == "" || userID == excludingUserID {
			continue
		}
		ids = append(ids, userID)
		entries = append(entries, TypingEntry{UserID: userID, ExpiresAt: time.UnixMilli(int64(z.Score)).UTC()})
	}
	if len(ids) == 0 {
		return nil, nil
	}

	display, err := t.client.HMGet(ctx, names, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("list typing names: %w", err)
	}
	for i := range entries {
		if name, ok := display[i].(string); ok {
			entries[i].DisplayName = name
		}
	}

	sortEntries(entries)
	return entries, nil
}

// RedisRegistry shares connection markers across processes. Each member
// of the room set is one stream connection, encoded as user|connection.
type RedisRegistry struct {
	client *redis.Client
	opts   Options
}

// NewRedisRegistry constructs a redis-backed connection registry.
func NewRedisRegistry(client *redis.Client, opts Options) *RedisRegistry {
	return &RedisRegistry{client: client, opts: opts.withDefaults()}
}

func (r *RedisRegistry) key(roomID uint64) string {
	return fmt.Sprintf("%s:online:%d", r.opts.Prefix, roomID)
}

func connMember(userID, connID string) string {
	return userID + "|" + connID
}

func memberUser(member string) string {
	if i := strings.LastIndexByte(member, '|'); i >= 0 {
		return member[:i]
	}
	return member
}

func (r *RedisRegistry) Touch(ctx context.Context, roomID uint64, userID, connID string) error {
	if roomID == 0 || userID == "" || connID == "" {
		return apperror.InvalidArgument("room id, user id and connection id are required")
	}

	key := r.key(roomID)
	expiry := r.opts.Clock.Now().Add(r.opts.RegistryTTL)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiry.UnixMilli()), Member: connMember(userID, connID)})
	pipe.Expire(ctx, key, r.opts.RegistryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, roomID uint64, userID, connID string) error {
	if err := r.client.ZRem(ctx, r.key(roomID), connMember(userID, connID)).Err(); err != nil {
		return fmt.Errorf("release connection: %w", err)
	}
	return nil
}

// liveUsers returns the distinct users holding at least one unexpired marker.
func (r *RedisRegistry) liveUsers(ctx context.Context, roomID uint64) (map[string]struct{}, error) {
	key := r.key(roomID)
	now := r.opts.Clock.Now()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", expiredRange(now))
	members := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: liveRange(now), Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	users := make(map[string]struct{}, len(members.Val()))
	for _, member := range members.Val() {
		users[memberUser(member)] = struct{}{}
	}
	return users, nil
}

func (r *RedisRegistry) Count(ctx context.Context, roomID uint64) (int, error) {
	users, err := r.liveUsers(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return len(users), nil
}

func (r *RedisRegistry) IsConnected(ctx context.Context, roomID uint64, userID string) (bool, error) {
	users, err := r.liveUsers(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("check connection: %w", err)
	}
	_, ok := users[userID]
	return ok, nil
}
