package doccache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/repository"
)

// fakeRepo is a controllable in-memory document repository.
type fakeRepo struct {
	mu        sync.Mutex
	docs      map[string]repository.Document
	listCalls atomic.Int64
	findCalls atomic.Int64
	listErr   error
	findErr   error
	listDelay time.Duration
}

func newFakeRepo(docs ...repository.Document) *fakeRepo {
	m := make(map[string]repository.Document, len(docs))
	for _, d := range docs {
		m[d.ID] = d
	}
	return &fakeRepo{docs: m}
}

func (f *fakeRepo) ListActive(ctx context.Context) ([]repository.Document, error) {
	f.listCalls.Add(1)
	if f.listDelay > 0 {
		time.Sleep(f.listDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []repository.Document
	for _, d := range f.docs {
		if d.IsActive {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRepo) FindByID(ctx context.Context, id string) (*repository.Document, error) {
	f.findCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	d, ok := f.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (f *fakeRepo) set(d repository.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[d.ID] = d
}

func doc(id, title, content string) repository.Document {
	return repository.Document{
		ID: id, Title: title, Content: content,
		UpdatedAt: time.Now(), IsActive: true,
	}
}

func newEnabledCache(repo repository.DocumentRepository) *Cache {
	return New(repo, Config{Enabled: true, TTL: time.Hour}, zap.NewNop())
}

func TestGetAllSingleFlight(t *testing.T) {
	repo := newFakeRepo(doc("d1", "Closing a Project", "closure steps"))
	repo.listDelay = 50 * time.Millisecond
	c := newEnabledCache(repo)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, err := c.GetAll(context.Background())
			assert.NoError(t, err)
			assert.Len(t, entries, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), repo.listCalls.Load(),
		"concurrent uninitialized readers must share one backing load")
}

func TestGetByIDHitAndMiss(t *testing.T) {
	repo := newFakeRepo(doc("d1", "Risk Register", "risks"))
	c := newEnabledCache(repo)

	entry, err := c.GetByID(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "Risk Register", entry.Title)

	_, err = c.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Positive(t, stats.Hits)
	assert.Positive(t, stats.Misses)
}

func TestInvalidateRefetchesFreshEntry(t *testing.T) {
	repo := newFakeRepo(doc("d1", "Old Title", "old content"))
	c := newEnabledCache(repo)
	require.NoError(t, c.Warm(context.Background()))

	repo.set(doc("d1", "New Title", "new content"))
	c.Invalidate(context.Background(), "d1")

	entry, err := c.GetByID(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "New Title", entry.Title, "post-invalidation read must never see the stale entry")
}

func TestInvalidateDropsInactiveDocument(t *testing.T) {
	repo := newFakeRepo(doc("d1", "Retired Playbook", "x"))
	c := newEnabledCache(repo)
	require.NoError(t, c.Warm(context.Background()))

	retired := doc("d1", "Retired Playbook", "x")
	retired.IsActive = false
	repo.set(retired)
	c.Invalidate(context.Background(), "d1")

	_, err := c.GetByID(context.Background(), "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidateDropsEntryOnBackingError(t *testing.T) {
	repo := newFakeRepo(doc("d1", "Playbook", "x"))
	c := newEnabledCache(repo)
	require.NoError(t, c.Warm(context.Background()))

	repo.mu.Lock()
	repo.findErr = errors.New("store down")
	repo.mu.Unlock()

	c.Invalidate(context.Background(), "d1")

	// Fail safe, not fail stale.
	repo.mu.Lock()
	repo.findErr = nil
	repo.docs = map[string]repository.Document{}
	repo.mu.Unlock()

	_, err := c.GetByID(context.Background(), "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisabledModePassesThrough(t *testing.T) {
	repo := newFakeRepo(doc("d1", "Playbook", "x"))
	c := New(repo, Config{Enabled: false}, zap.NewNop())

	for i := 0; i < 3; i++ {
		entries, err := c.GetAll(context.Background())
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}

	assert.Equal(t, int64(3), repo.listCalls.Load(), "disabled cache must hit the store every time")
	stats := c.Stats()
	assert.Equal(t, 0, stats.Count, "disabled cache retains nothing")
	assert.Equal(t, int64(3), stats.Misses)
	assert.Zero(t, stats.Hits)
}

func TestRefreshFailureKeepsExistingContents(t *testing.T) {
	repo := newFakeRepo(doc("d1", "Playbook", "x"))
	c := newEnabledCache(repo)
	require.NoError(t, c.Warm(context.Background()))

	repo.mu.Lock()
	repo.listErr = errors.New("store down")
	repo.mu.Unlock()

	c.Refresh(context.Background())

	entries, err := c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed refresh must leave prior contents intact")
}

func TestRefreshPicksUpNewDocuments(t *testing.T) {
	repo := newFakeRepo(doc("d1", "Playbook", "x"))
	c := newEnabledCache(repo)
	require.NoError(t, c.Warm(context.Background()))

	repo.set(doc("d2", "Second Playbook", "y"))
	c.Refresh(context.Background())

	entries, err := c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestClearForcesReload(t *testing.T) {
	repo := newFakeRepo(doc("d1", "Playbook", "x"))
	c := newEnabledCache(repo)
	require.NoError(t, c.Warm(context.Background()))
	require.Equal(t, int64(1), repo.listCalls.Load())

	c.Clear()
	_, err := c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), repo.listCalls.Load())
}

func TestStatsMemoryEstimate(t *testing.T) {
	repo := newFakeRepo(doc("d1", "T", "0123456789"))
	c := newEnabledCache(repo)
	require.NoError(t, c.Warm(context.Background()))

	stats := c.Stats()
	assert.Positive(t, stats.ApproxMemoryBytes)
	assert.False(t, stats.LastRefresh.IsZero())
}

func TestSummarizeCutsAtWordBoundary(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "playbook guidance "
	}
	s := summarize(long)
	assert.LessOrEqual(t, len(s), 284)
	assert.Contains(t, s, "...")
}
