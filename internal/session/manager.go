package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/metrics"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// Manager is the conversation store: an append-only message log per session,
// kept in a Redis list. It seeds the pipeline's conversation context and
// persists final answers.
type Manager struct {
	client     *redis.Client
	logger     *zap.Logger
	ttl        time.Duration
	maxHistory int64
}

// Config controls history retention.
type Config struct {
	TTL        time.Duration
	MaxHistory int
}

// NewManager creates a conversation manager over an existing Redis client.
func NewManager(client *redis.Client, cfg Config, logger *zap.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxHistory < 1 {
		cfg.MaxHistory = 200
	}
	return &Manager{
		client:     client,
		logger:     logger,
		ttl:        cfg.TTL,
		maxHistory: int64(cfg.MaxHistory),
	}
}

func conversationKey(sessionID string) string {
	return fmt.Sprintf("conversation:%s", sessionID)
}

// Append adds one message to the session log, trimming to the retention
// bound and refreshing the TTL.
func (m *Manager) Append(ctx context.Context, sessionID string, msg models.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := conversationKey(sessionID)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -m.maxHistory, -1)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	metrics.SessionMessagesAppended.Inc()
	return nil
}

// History returns up to limit most recent messages in insertion order.
// A session with no history returns an empty slice.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit < 1 {
		limit = int(m.maxHistory)
	}

	key := conversationKey(sessionID)
	raw, err := m.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	messages := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			m.logger.Warn("Skipping corrupt conversation entry",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// RecordExchange persists the user query and the final answer as one turn
// pair. Failures are logged only; persistence never fails the request.
func (m *Manager) RecordExchange(ctx context.Context, sessionID, query, answer string) {
	if err := m.Append(ctx, sessionID, models.Message{Role: "user", Content: query}); err != nil {
		m.logger.Warn("Failed to persist user message",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}
	if err := m.Append(ctx, sessionID, models.Message{Role: "assistant", Content: answer}); err != nil {
		m.logger.Warn("Failed to persist assistant message",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}
