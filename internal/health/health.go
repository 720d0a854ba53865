package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Checker is one dependency health probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Manager runs registered checkers and serves liveness/readiness endpoints.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	logger   *zap.Logger
	timeout  time.Duration
}

// NewManager creates a health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger, timeout: 5 * time.Second}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunChecks executes all checkers and reports per-component status.
func (m *Manager) RunChecks(ctx context.Context) (map[string]checkResult, bool) {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	results := make(map[string]checkResult, len(checkers))
	healthy := true
	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			healthy = false
			results[c.Name()] = checkResult{Status: "unhealthy", Error: err.Error()}
			m.logger.Warn("Health check failed", zap.String("component", c.Name()), zap.Error(err))
		} else {
			results[c.Name()] = checkResult{Status: "healthy"}
		}
	}
	return results, healthy
}

// RegisterRoutes mounts the health endpoints on the admin mux.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		results, healthy := m.RunChecks(r.Context())
		status := "healthy"
		code := http.StatusOK
		if !healthy {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     status,
			"components": results,
			"timestamp":  time.Now().UTC(),
		})
	})
	mux.HandleFunc("/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		_, healthy := m.RunChecks(r.Context())
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}

// RedisChecker probes Redis connectivity.
type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PostgresChecker probes database connectivity.
type PostgresChecker struct {
	db *sqlx.DB
}

func NewPostgresChecker(db *sqlx.DB) *PostgresChecker {
	return &PostgresChecker{db: db}
}

func (c *PostgresChecker) Name() string { return "postgres" }

func (c *PostgresChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
