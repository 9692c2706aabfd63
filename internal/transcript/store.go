// Package transcript records crisis chat transcripts. Recording is optional:
// a nil store silently drops everything, so the chat path never depends on
// Redis being reachable.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const transcriptKeyPrefix = "crisis_transcript:"

// Transcripts of crisis conversations are sensitive; keep them short-lived.
const defaultTTL = 7 * 24 * time.Hour

// Message is one recorded transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user", "assistant", or "system"
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind,omitempty"`
}

// Store persists chat transcripts.
type Store interface {
	Append(ctx context.Context, sessionID string, msg Message) error
	List(ctx context.Context, sessionID string, limit int64) ([]Message, error)
}

// RedisStore keeps per-session transcripts in capped Redis lists.
type RedisStore struct {
	redis       *redis.Client
	tracer      trace.Tracer
	maxMessages int64
	ttl         time.Duration
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		return nil
	}
	return &RedisStore{
		redis:       redisClient,
		tracer:      otel.Tracer("crisischat.internal.transcript"),
		maxMessages: 250,
		ttl:         defaultTTL,
	}
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if sessionID == "" {
		return errors.New("transcript: sessionID required")
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transcript: marshal message: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "transcript.append")
	defer span.End()

	key := transcriptKey(sessionID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, key, -s.maxMessages, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("transcript: append message: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string, limit int64) ([]Message, error) {
	if s == nil || s.redis == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if sessionID == "" {
		return nil, errors.New("transcript: sessionID required")
	}

	ctx, span := s.tracer.Start(ctx, "transcript.list")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = -limit
	}

	key := transcriptKey(sessionID)
	raw, err := s.redis.LRange(ctx, key, start, -1).Result()
	if err != nil {
		span.RecordError(err)
		if err == redis.Nil {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("transcript: list: %w", err)
	}

	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func transcriptKey(sessionID string) string {
	return transcriptKeyPrefix + sessionID
}
