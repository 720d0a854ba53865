package doccache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/metrics"
	"github.com/mikepica/pmo-playbook-sub001/internal/repository"
)

// ErrNotFound is returned when a document is not in the cache or backing store.
var ErrNotFound = errors.New("document not in cache")

// Entry is one cached knowledge document.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
	IsActive  bool      `json:"is_active"`
}

// Stats is an observability snapshot. ApproxMemoryBytes is a character-length
// estimate, never used for eviction (the cache is whole-set, not LRU).
type Stats struct {
	Count             int       `json:"count"`
	Hits              int64     `json:"hits"`
	Misses            int64     `json:"misses"`
	LastRefresh       time.Time `json:"last_refresh"`
	ApproxMemoryBytes int64     `json:"approx_memory_bytes"`
}

// Config controls cache behavior.
type Config struct {
	Enabled     bool
	TTL         time.Duration
	AutoRefresh bool
}

// Cache is a read-through, TTL-bound cache of the whole active document set.
// The first reader triggers a single-flight load; concurrent readers during
// the load block on the same in-flight operation.
type Cache struct {
	repo   repository.DocumentRepository
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	entries     map[string]*Entry
	loaded      bool
	loading     chan struct{} // non-nil while a load is in flight
	loadErr     error
	hits        int64
	misses      int64
	lastRefresh time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a cache over the given repository. Call Start to enable the
// background TTL refresh.
func New(repo repository.DocumentRepository, cfg Config, logger *zap.Logger) *Cache {
	return &Cache{
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*Entry),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the TTL auto-refresh loop when enabled.
func (c *Cache) Start() {
	if !c.cfg.Enabled || !c.cfg.AutoRefresh || c.cfg.TTL <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.cfg.TTL)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Refresh(context.Background())
			}
		}
	}()
}

// Stop terminates the refresh loop.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// GetAll returns every cached document. In disabled mode it passes through to
// the backing store and counts a miss.
func (c *Cache) GetAll(ctx context.Context) ([]*Entry, error) {
	if !c.cfg.Enabled {
		c.countMiss()
		docs, err := c.repo.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		return toEntries(docs), nil
	}

	triggered, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	if triggered {
		c.countMiss()
	} else {
		c.countHit()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out, nil
}

// GetByID returns one cached document, or ErrNotFound.
func (c *Cache) GetByID(ctx context.Context, id string) (*Entry, error) {
	if !c.cfg.Enabled {
		c.countMiss()
		doc, err := c.repo.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		if !doc.IsActive {
			return nil, ErrNotFound
		}
		return toEntry(*doc), nil
	}

	if _, err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		c.countMiss()
		return nil, ErrNotFound
	}
	c.countHit()
	return e, nil
}

// Invalidate drops one entry and re-fetches only that entry from the backing
// store. If the store errors, or no longer has the document, or has it marked
// inactive, the entry stays dropped.
func (c *Cache) Invalidate(ctx context.Context, id string) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	delete(c.entries, id)
	metrics.CacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()

	doc, err := c.repo.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			// Fail safe, not fail stale: keep the entry dropped.
			c.logger.Warn("Targeted re-fetch failed, dropping entry",
				zap.String("document_id", id),
				zap.Error(err),
			)
		}
		return
	}
	if !doc.IsActive {
		return
	}

	c.mu.Lock()
	c.entries[id] = toEntry(*doc)
	metrics.CacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

// Warm eagerly loads the cache. No-op when caching is disabled.
func (c *Cache) Warm(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	_, err := c.ensureLoaded(ctx)
	return err
}

// Refresh reloads the full set. On failure the existing contents stay intact.
func (c *Cache) Refresh(ctx context.Context) {
	docs, err := c.repo.ListActive(ctx)
	if err != nil {
		metrics.CacheRefreshFailures.Inc()
		c.logger.Warn("Cache refresh failed, keeping existing contents", zap.Error(err))
		return
	}

	fresh := make(map[string]*Entry, len(docs))
	for _, d := range docs {
		fresh[d.ID] = toEntry(d)
	}

	c.mu.Lock()
	c.entries = fresh
	c.loaded = true
	c.lastRefresh = time.Now()
	metrics.CacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()

	c.logger.Debug("Cache refreshed", zap.Int("documents", len(fresh)))
}

// Clear empties the cache; the next read triggers a fresh load.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.loaded = false
	metrics.CacheSize.Set(0)
	c.mu.Unlock()
}

// Stats returns the observability snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var mem int64
	for _, e := range c.entries {
		mem += int64(len(e.Title) + len(e.Content) + len(e.Summary) + len(e.ID))
	}
	return Stats{
		Count:             len(c.entries),
		Hits:              c.hits,
		Misses:            c.misses,
		LastRefresh:       c.lastRefresh,
		ApproxMemoryBytes: mem,
	}
}

// ensureLoaded performs the single-flight initial load. It returns whether
// this call (or the in-flight load it joined) was the loading one.
func (c *Cache) ensureLoaded(ctx context.Context) (triggered bool, err error) {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return false, nil
	}
	if c.loading != nil {
		ch := c.loading
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return true, ctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.loaded {
			return true, nil
		}
		return true, c.loadErr
	}

	ch := make(chan struct{})
	c.loading = ch
	c.mu.Unlock()

	docs, loadErr := c.repo.ListActive(ctx)

	c.mu.Lock()
	if loadErr == nil {
		c.entries = make(map[string]*Entry, len(docs))
		for _, d := range docs {
			c.entries[d.ID] = toEntry(d)
		}
		c.loaded = true
		c.lastRefresh = time.Now()
		metrics.CacheSize.Set(float64(len(c.entries)))
	}
	c.loadErr = loadErr
	c.loading = nil
	close(ch)
	c.mu.Unlock()

	if loadErr != nil {
		return true, loadErr
	}
	return true, nil
}

func (c *Cache) countHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	metrics.CacheHits.Inc()
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.CacheMisses.Inc()
}

func toEntries(docs []repository.Document) []*Entry {
	out := make([]*Entry, 0, len(docs))
	for _, d := range docs {
		out = append(out, toEntry(d))
	}
	return out
}

func toEntry(d repository.Document) *Entry {
	return &Entry{
		ID:        d.ID,
		Title:     d.Title,
		Content:   d.Content,
		Summary:   summarize(d.Content),
		UpdatedAt: d.UpdatedAt,
		IsActive:  d.IsActive,
	}
}

// summarize derives a short preview from document content, cut at a word
// boundary near 280 characters.
func summarize(content string) string {
	const max = 280
	trimmed := strings.TrimSpace(content)
	if len(trimmed) <= max {
		return trimmed
	}
	cut := trimmed[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
