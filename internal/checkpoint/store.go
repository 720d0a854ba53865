package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// ErrNotFound is returned when a session has no checkpoints.
var ErrNotFound = errors.New("checkpoint not found")

// Record is one persisted pipeline snapshot. Later checkpoints supersede
// earlier ones for the same session; none are deleted before their TTL.
type Record struct {
	SessionID string                `json:"session_id"`
	Sequence  int64                 `json:"sequence"`
	State     *models.WorkflowState `json:"state"`
	CreatedAt time.Time             `json:"created_at"`
}

// Store persists and retrieves pipeline checkpoints per session.
type Store interface {
	Save(ctx context.Context, sessionID string, state *models.WorkflowState, sequence int64) error
	LoadLatest(ctx context.Context, sessionID string) (*Record, error)
}

// RedisStore keeps checkpoints in Redis: one key per snapshot plus a
// per-session sorted-set index scored by sequence number.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a checkpoint store.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func checkpointKey(sessionID string, seq int64) string {
	return fmt.Sprintf("checkpoint:%s:%d", sessionID, seq)
}

func indexKey(sessionID string) string {
	return fmt.Sprintf("checkpoint:index:%s", sessionID)
}

// Save writes one checkpoint and registers it in the session index.
func (s *RedisStore) Save(ctx context.Context, sessionID string, state *models.WorkflowState, sequence int64) error {
	rec := Record{
		SessionID: sessionID,
		Sequence:  sequence,
		State:     state,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, checkpointKey(sessionID, sequence), data, s.ttl)
	pipe.ZAdd(ctx, indexKey(sessionID), redis.Z{
		Score:  float64(sequence),
		Member: strconv.FormatInt(sequence, 10),
	})
	pipe.Expire(ctx, indexKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the highest-sequence checkpoint for a session.
func (s *RedisStore) LoadLatest(ctx context.Context, sessionID string) (*Record, error) {
	seqs, err := s.client.ZRevRange(ctx, indexKey(sessionID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	if len(seqs) == 0 {
		return nil, ErrNotFound
	}

	seq, err := strconv.ParseInt(seqs[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint index entry %q: %w", seqs[0], err)
	}

	data, err := s.client.Get(ctx, checkpointKey(sessionID, seq)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Snapshot expired ahead of its index entry.
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &rec, nil
}
