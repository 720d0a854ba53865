package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/checkpoint"
	"github.com/mikepica/pmo-playbook-sub001/internal/doccache"
	"github.com/mikepica/pmo-playbook-sub001/internal/llm"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
	"github.com/mikepica/pmo-playbook-sub001/internal/repository"
	"github.com/mikepica/pmo-playbook-sub001/internal/stages"
)

// agentLLM scripts one reply or error per agent id and counts calls.
type agentLLM struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   map[string]int
}

func newAgentLLM() *agentLLM {
	return &agentLLM{
		replies: make(map[string]string),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (a *agentLLM) Complete(ctx context.Context, prompt string, opts llm.Options) (*llm.Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[opts.AgentID]++
	if err, ok := a.errs[opts.AgentID]; ok {
		return nil, err
	}
	text, ok := a.replies[opts.AgentID]
	if !ok {
		return nil, errors.New("unscripted agent " + opts.AgentID)
	}
	return &llm.Completion{Text: text, TokensUsed: 100}, nil
}

func (a *agentLLM) callCount(agentID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[agentID]
}

type memRepo struct {
	docs    []repository.Document
	listErr error
}

func (r *memRepo) ListActive(ctx context.Context) ([]repository.Document, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.docs, nil
}

func (r *memRepo) FindByID(ctx context.Context, id string) (*repository.Document, error) {
	for _, d := range r.docs {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

// memStore is an in-memory checkpoint store.
type memStore struct {
	mu   sync.Mutex
	recs map[string][]*checkpoint.Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string][]*checkpoint.Record)}
}

func (s *memStore) Save(ctx context.Context, sessionID string, state *models.WorkflowState, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[sessionID] = append(s.recs[sessionID], &checkpoint.Record{
		SessionID: sessionID, Sequence: sequence, State: state, CreatedAt: time.Now(),
	})
	return nil
}

func (s *memStore) LoadLatest(ctx context.Context, sessionID string) (*checkpoint.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.recs[sessionID]
	if len(recs) == 0 {
		return nil, checkpoint.ErrNotFound
	}
	latest := recs[0]
	for _, r := range recs[1:] {
		if r.Sequence > latest.Sequence {
			latest = r
		}
	}
	return latest, nil
}

func (s *memStore) count(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs[sessionID])
}

func closureDocs() []repository.Document {
	return []repository.Document{
		{ID: "d1", Title: "Project Closure", Content: "complete the closure checklist and archive documents", UpdatedAt: time.Now(), IsActive: true},
		{ID: "d2", Title: "Risk Management", Content: "maintain a risk register", UpdatedAt: time.Now(), IsActive: true},
	}
}

func defaultConfig() Config {
	return Config{
		HighConfidence:    0.80,
		MediumConfidence:  0.50,
		ParallelEnabled:   false,
		TaskTimeout:       5 * time.Second,
		MaxConcurrency:    4,
		CheckpointCadence: 3,
	}
}

func newTestEngine(svc llm.CompletionService, repo repository.DocumentRepository,
	writer *checkpoint.Writer, store checkpoint.Store, cfg Config) *Engine {
	logger := zap.NewNop()
	cache := doccache.New(repo, doccache.Config{Enabled: true}, logger)
	handlers := stages.New(svc, cache, logger)
	return New(handlers, cache, nil, writer, store, cfg, logger)
}

func scriptHappyPath(svc *agentLLM) {
	svc.replies["query_analyzer"] = `{"intent": "process_lookup", "key_topics": ["closure"], "confidence": 0.9}`
	svc.replies["document_assessor"] = `{"documents": [{"id": "d1", "confidence": 0.92, "matched_sections": ["checklist"], "key_points": ["complete the checklist"]}]}`
	svc.replies["fact_checker"] = `{"verified": ["complete the checklist"], "unsupported": [], "notes": []}`
	svc.replies["source_validator"] = `{"notes": ["solid match"], "weak_document_ids": []}`
	svc.replies["followup_generator"] = `{"questions": ["which phase?"]}`
	svc.replies["response_synthesizer"] = "Complete the closure checklist, then archive the documents."
}

func TestProcessQueryHighConfidencePath(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, nil, nil, defaultConfig())

	result, err := e.ProcessQuery(context.Background(), "how do we close a project?", nil, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, "Complete the closure checklist, then archive the documents.", result.Answer)
	require.NotNil(t, result.Coverage)
	assert.Equal(t, models.CoverageFull, result.Coverage.CoverageLevel)
	assert.InDelta(t, 0.92, result.Coverage.OverallConfidence, 1e-9)
	assert.Empty(t, result.Errors)

	// Confidence 0.92 routes through fact checking; the other branches stay cold.
	assert.Equal(t, 1, svc.callCount("fact_checker"))
	assert.Zero(t, svc.callCount("source_validator"))
	assert.Zero(t, svc.callCount("followup_generator"))
	assert.Positive(t, result.TokensUsed)
}

func TestProcessQueryMediumConfidencePath(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	svc.replies["document_assessor"] = `{"documents": [{"id": "d1", "confidence": 0.6, "key_points": ["complete the checklist"]}]}`
	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, nil, nil, defaultConfig())

	result, err := e.ProcessQuery(context.Background(), "how do we close a project?", nil, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, models.CoveragePartial, result.Coverage.CoverageLevel)
	assert.Equal(t, 1, svc.callCount("source_validator"))
	assert.Zero(t, svc.callCount("fact_checker"))
	assert.Zero(t, svc.callCount("followup_generator"))
}

func TestProcessQueryLowConfidencePath(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	svc.replies["document_assessor"] = `{"documents": []}`
	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, nil, nil, defaultConfig())

	result, err := e.ProcessQuery(context.Background(), "something off-topic entirely", nil, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, models.CoverageNone, result.Coverage.CoverageLevel)
	assert.Equal(t, models.StrategyClarify, result.Coverage.ResponseStrategy)
	assert.Equal(t, 1, svc.callCount("followup_generator"))
	assert.Zero(t, svc.callCount("fact_checker"))
	assert.Zero(t, svc.callCount("source_validator"))
}

func TestProcessQueryDegradedStagesStillAnswer(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	svc.errs["query_analyzer"] = errors.New("service unavailable")
	svc.errs["document_assessor"] = errors.New("service unavailable")
	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, nil, nil, defaultConfig())

	result, err := e.ProcessQuery(context.Background(), "how do we close out a project?", nil, "sess-1")
	require.NoError(t, err, "stage failures degrade, never abort")

	assert.NotEmpty(t, result.Answer)
	require.Len(t, result.Errors, 2, "one recorded error per failed stage")
	assert.Equal(t, models.StageQueryAnalysis, result.Errors[0].Stage)
	assert.Equal(t, models.ErrorKindUpstream, result.Errors[0].Kind)
	assert.Equal(t, models.StageDocumentAssessment, result.Errors[1].Stage)

	// Each failing stage retried exactly once.
	assert.Equal(t, 2, svc.callCount("query_analyzer"))
	assert.Equal(t, 2, svc.callCount("document_assessor"))
}

func TestProcessQueryParallelPrelude(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	cfg := defaultConfig()
	cfg.ParallelEnabled = true
	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, nil, nil, cfg)

	result, err := e.ProcessQuery(context.Background(), "how do we close a project?", nil, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, svc.callCount("query_analyzer"), "prelude must not re-run analysis in the loop")
}

func TestProcessQueryParallelPreludeAnalysisFailure(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	svc.errs["query_analyzer"] = errors.New("service unavailable")
	cfg := defaultConfig()
	cfg.ParallelEnabled = true
	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, nil, nil, cfg)

	result, err := e.ProcessQuery(context.Background(), "how do we close a project?", nil, "sess-1")
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, models.StageQueryAnalysis, result.Errors[0].Stage)
	assert.NotEmpty(t, result.Answer)
}

func TestCheckpointCadenceAndTerminalSnapshot(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	store := newMemStore()
	writer := checkpoint.NewWriter(store, 16, zap.NewNop())
	defer writer.Close()

	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, writer, store, defaultConfig())

	_, err := e.ProcessQuery(context.Background(), "how do we close a project?", nil, "sess-ckpt")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, writer.Flush(ctx))

	// Five completed stages, cadence three: one mid-run snapshot plus the
	// mandatory terminal one.
	assert.Equal(t, 2, store.count("sess-ckpt"))

	rec, err := store.LoadLatest(context.Background(), "sess-ckpt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Sequence)
	assert.True(t, rec.State.Completed(models.StageResponseSynthesis))
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	store := newMemStore()

	// Checkpoint taken right after coverage evaluation on the high branch.
	state := models.NewWorkflowState("run-1", "sess-res", "how do we close a project?", nil)
	state.MarkCompleted(models.StageQueryAnalysis)
	state.MarkCompleted(models.StageDocumentAssessment)
	state.MarkCompleted(models.StageCoverageEvaluation)
	state.CurrentNode = models.StageCoverageEvaluation
	state.DocumentReferences = []models.DocumentReference{
		{DocumentID: "d1", Title: "Project Closure", Confidence: 0.92, KeyPoints: []string{"complete the checklist"}},
	}
	state.Coverage = &models.CoverageAnalysis{
		OverallConfidence: 0.92,
		CoverageLevel:     models.CoverageFull,
		ResponseStrategy:  models.StrategyComprehensive,
	}
	require.NoError(t, store.Save(context.Background(), "sess-res", state, 1))

	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, nil, store, defaultConfig())

	result, err := e.Resume(context.Background(), "sess-res")
	require.NoError(t, err)

	assert.Equal(t, "Complete the closure checklist, then archive the documents.", result.Answer)
	// Completed stages never re-run.
	assert.Zero(t, svc.callCount("query_analyzer"))
	assert.Zero(t, svc.callCount("document_assessor"))
	assert.Equal(t, 1, svc.callCount("fact_checker"))
	assert.Equal(t, 1, svc.callCount("response_synthesizer"))
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	e := newTestEngine(newAgentLLM(), &memRepo{}, nil, newMemStore(), defaultConfig())

	_, err := e.Resume(context.Background(), "unknown-session")
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRunAbortsOnUnknownStage(t *testing.T) {
	svc := newAgentLLM()
	store := newMemStore()

	state := models.NewWorkflowState("run-1", "sess-bad", "q", nil)
	state.CurrentNode = models.Stage("totally_bogus")
	require.NoError(t, store.Save(context.Background(), "sess-bad", state, 1))

	e := newTestEngine(svc, &memRepo{}, nil, store, defaultConfig())

	_, err := e.Resume(context.Background(), "sess-bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stage")
}

func TestUpdateThresholdsChangesRouting(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	svc.replies["document_assessor"] = `{"documents": [{"id": "d1", "confidence": 0.6, "key_points": ["complete the checklist"]}]}`
	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, nil, nil, defaultConfig())

	// 0.6 confidence sits on the middle branch with the defaults; raising
	// medium above it pushes the run to follow-ups instead.
	e.UpdateThresholds(0.95, 0.7)

	_, err := e.ProcessQuery(context.Background(), "how do we close a project?", nil, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.callCount("followup_generator"))
	assert.Zero(t, svc.callCount("source_validator"))
}

func TestProcessQueryGeneratesSessionID(t *testing.T) {
	svc := newAgentLLM()
	scriptHappyPath(svc)
	e := newTestEngine(svc, &memRepo{docs: closureDocs()}, nil, nil, defaultConfig())

	result, err := e.ProcessQuery(context.Background(), "how do we close a project?", nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Answer)
}
