package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/config"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is one knowledge-base playbook document.
type Document struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Content   string    `db:"content" json:"content"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	IsActive  bool      `db:"is_active" json:"is_active"`
}

// DocumentRepository is the backing store behind the document cache.
type DocumentRepository interface {
	ListActive(ctx context.Context) ([]Document, error)
	FindByID(ctx context.Context, id string) (*Document, error)
}

// PostgresRepository reads playbook documents from Postgres.
type PostgresRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Connect opens a pooled connection to Postgres.
func Connect(cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewPostgresRepository creates a repository over an existing connection pool.
func NewPostgresRepository(db *sqlx.DB, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

// ListActive returns all active documents ordered by title.
func (r *PostgresRepository) ListActive(ctx context.Context) ([]Document, error) {
	const query = `
		SELECT id, title, content, updated_at, is_active
		FROM playbook_documents
		WHERE is_active = true
		ORDER BY title`

	var docs []Document
	if err := r.db.SelectContext(ctx, &docs, query); err != nil {
		return nil, fmt.Errorf("failed to list active documents: %w", err)
	}
	return docs, nil
}

// FindByID returns one document regardless of its active flag; callers decide
// what an inactive document means for them.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*Document, error) {
	const query = `
		SELECT id, title, content, updated_at, is_active
		FROM playbook_documents
		WHERE id = $1`

	var doc Document
	if err := r.db.GetContext(ctx, &doc, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find document %s: %w", id, err)
	}
	return &doc, nil
}
