package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/observability"
)

// Redis shares the relay between processes through one sorted set per room,
// scored by publish time in microseconds.
type Redis struct {
	client *redis.Client
	opts   Options
	logger zerolog.Logger
}

// NewRedis constructs a redis-backed relay.
func NewRedis(client *redis.Client, opts Options) *Redis {
	opts = opts.withDefaults()
	return &Redis{
		client: client,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "relay_redis").Logger(),
	}
}

func (r *Redis) key(roomID uint64) string {
	return fmt.Sprintf("%s:relay:%d", r.opts.Prefix, roomID)
}

func (r *Redis) Publish(ctx context.Context, roomID uint64, event Event) error {
	if roomID == 0 {
		return apperror.InvalidArgument("room id is required")
	}
	event.RoomID = roomID
	event, ok := Sanitize(event)
	if !ok {
		observability.RelaySkipped().WithLabelValues("malformed").Inc()
		return apperror.InvalidArgument("relay event for room %d is missing identifiers", roomID)
	}

	now := r.opts.Clock.Now().UTC()
	event.Timestamp = time.UnixMicro(now.UnixMicro()).UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode relay event: %w", err)
	}

	key := r.key(roomID)
	cutoff := now.Add(-r.opts.Retention).UnixMicro()

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(event.Timestamp.UnixMicro()), Member: payload})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-r.opts.Capacity-1))
	pipe.Expire(ctx, key, r.opts.Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}

	observability.RelayPublished().WithLabelValues(string(event.Kind)).Inc()
	return nil
}

func (r *Redis) PollSince(ctx context.Context, roomID uint64, userID string, since time.Time) ([]Event, error) {
	if roomID == 0 {
		return nil, apperror.InvalidArgument("room id is required")
	}

	cutoff := r.opts.Clock.Now().Add(-r.opts.Retention)
	if since.Before(cutoff) {
		since = cutoff
	}

	entries, err := r.client.ZRangeByScoreWithScores(ctx, r.key(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("poll relay: %w", err)
	}

	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Member.(string)
		if !ok {
			observability.RelaySkipped().WithLabelValues("decode").Inc()
			r.logger.Warn().Uint64("room_id", roomID).Msg("skipping relay entry with unexpected member type")
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			observability.RelaySkipped().WithLabelValues("decode").Inc()
			r.logger.Warn().Err(err).Uint64("room_id", roomID).Msg("skipping undecodable relay entry")
			continue
		}

		event, ok = Sanitize(event)
		if !ok || event.RoomID != roomID {
			observability.RelaySkipped().WithLabelValues("malformed").Inc()
			r.logger.Warn().Uint64("room_id", roomID).Uint64("message_id", event.MessageID).Msg("skipping malformed relay entry")
			continue
		}

		event.Timestamp = time.UnixMicro(int64(entry.Score)).UTC()
		if userID != "" && event.Author() == userID {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
