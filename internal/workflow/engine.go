package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/checkpoint"
	"github.com/mikepica/pmo-playbook-sub001/internal/doccache"
	"github.com/mikepica/pmo-playbook-sub001/internal/executor"
	"github.com/mikepica/pmo-playbook-sub001/internal/metrics"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
	"github.com/mikepica/pmo-playbook-sub001/internal/session"
	"github.com/mikepica/pmo-playbook-sub001/internal/stages"
	"github.com/mikepica/pmo-playbook-sub001/internal/tracing"
)

// Config holds the engine's execution knobs.
type Config struct {
	HighConfidence    float64
	MediumConfidence  float64
	ParallelEnabled   bool
	TaskTimeout       time.Duration
	MaxConcurrency    int
	CheckpointCadence int
	SeedTurns         int
}

// Engine sequences the pipeline stages, applies conditional routing at
// coverage evaluation, wraps each stage with uniform error handling, and
// checkpoints at the configured cadence. A stage failure degrades the run;
// only a routing-table violation aborts it.
type Engine struct {
	handlers *stages.Handlers
	cache    *doccache.Cache
	exec     *executor.Executor
	logger   *zap.Logger

	// optional collaborators; nil disables the concern
	sessions *session.Manager
	writer   *checkpoint.Writer
	store    checkpoint.Store

	mu  sync.RWMutex
	cfg Config
}

// New creates an engine. sessions, writer, and store may be nil.
func New(handlers *stages.Handlers, cache *doccache.Cache, sessions *session.Manager,
	writer *checkpoint.Writer, store checkpoint.Store, cfg Config, logger *zap.Logger) *Engine {
	if cfg.CheckpointCadence < 1 {
		cfg.CheckpointCadence = 3
	}
	if cfg.SeedTurns < 1 {
		cfg.SeedTurns = 20
	}
	return &Engine{
		handlers: handlers,
		cache:    cache,
		exec:     executor.New(logger),
		sessions: sessions,
		writer:   writer,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// UpdateThresholds applies hot-reloaded routing thresholds.
func (e *Engine) UpdateThresholds(high, medium float64) {
	e.mu.Lock()
	e.cfg.HighConfidence = high
	e.cfg.MediumConfidence = medium
	e.mu.Unlock()
	e.logger.Info("Engine routing thresholds updated",
		zap.Float64("high", high),
		zap.Float64("medium", medium),
	)
}

func (e *Engine) thresholds() (high, medium float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.HighConfidence, e.cfg.MediumConfidence
}

// ProcessQuery runs the full pipeline for one user query and returns the
// unified result. The caller-provided history wins over the stored
// conversation; when empty, the conversation store seeds the context.
func (e *Engine) ProcessQuery(ctx context.Context, query string, history []models.Message, sessionID string) (*models.UnifiedResult, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if len(history) == 0 && e.sessions != nil {
		stored, err := e.sessions.History(ctx, sessionID, e.cfg.SeedTurns)
		if err != nil {
			e.logger.Warn("Failed to seed conversation context",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		} else {
			history = stored
		}
	}

	state := models.NewWorkflowState(uuid.New().String(), sessionID, query, history)
	metrics.PipelineRunsStarted.Inc()

	result, err := e.run(ctx, state)
	if err != nil {
		return nil, err
	}

	if e.sessions != nil {
		e.sessions.RecordExchange(ctx, sessionID, query, result.Answer)
	}
	return result, nil
}

// Resume re-enters the pipeline from the latest checkpoint of a session,
// skipping stages already completed.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*models.UnifiedResult, error) {
	if e.store == nil {
		return nil, fmt.Errorf("no checkpoint store configured")
	}
	rec, err := e.store.LoadLatest(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for session %s: %w", sessionID, err)
	}

	e.logger.Info("Resuming pipeline from checkpoint",
		zap.String("session_id", sessionID),
		zap.Int64("sequence", rec.Sequence),
		zap.String("current_node", rec.State.CurrentNode.String()),
		zap.Int("completed", len(rec.State.CompletedNodes)),
	)
	return e.run(ctx, rec.State)
}

// run drives the state machine to the terminal sentinel.
func (e *Engine) run(ctx context.Context, state *models.WorkflowState) (*models.UnifiedResult, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.run")
	defer span.End()
	start := time.Now()

	e.prelude(ctx, state)

	for state.CurrentNode != models.StageEnd {
		stage := state.CurrentNode
		if !stage.Valid() {
			metrics.PipelineRunsCompleted.WithLabelValues("fatal").Inc()
			return nil, fmt.Errorf("invalid stage %q in workflow state", stage)
		}

		if !state.Completed(stage) {
			e.dispatch(ctx, state, stage)
			state.MarkCompleted(stage)
			e.maybeCheckpoint(state, stage)
		}

		next, err := e.next(stage, state)
		if err != nil {
			// Engine-level programming error: the only fatal path.
			metrics.PipelineRunsCompleted.WithLabelValues("fatal").Inc()
			return nil, err
		}
		if stage == models.StageCoverageEvaluation {
			metrics.RoutingDecisions.WithLabelValues(next.String()).Inc()
		}
		state.CurrentNode = next
	}

	elapsed := time.Since(start)
	metrics.PipelineDuration.Observe(elapsed.Seconds())
	status := "ok"
	if len(state.Errors) > 0 {
		status = "degraded"
	}
	metrics.PipelineRunsCompleted.WithLabelValues(status).Inc()

	return e.buildResult(state, elapsed), nil
}

// prelude runs cache warm-up and query analysis concurrently when parallel
// processing is enabled and the run is fresh. The two are independent;
// document assessment needs both.
func (e *Engine) prelude(ctx context.Context, state *models.WorkflowState) {
	if !e.cfg.ParallelEnabled || len(state.CompletedNodes) > 0 || state.CurrentNode != models.StageQueryAnalysis {
		return
	}

	results := e.exec.Run(ctx, map[string]executor.Task{
		"cache_warm": func(tctx context.Context) (interface{}, error) {
			return nil, e.cache.Warm(tctx)
		},
		"query_analysis": func(tctx context.Context) (interface{}, error) {
			// On failure the handler still returns its fallback update;
			// both travel through the task result.
			return e.handlers.AnalyzeQuery(tctx, state)
		},
	}, executor.Options{
		Timeout:        e.cfg.TaskTimeout,
		MaxConcurrency: e.cfg.MaxConcurrency,
		LogResults:     true,
	})

	// Warm-up failure only costs latency later; the cache loads on demand.
	if res := results["cache_warm"]; res.Err != nil {
		e.logger.Warn("Cache warm-up failed in prelude", zap.Error(res.Err))
	}

	res := results["query_analysis"]
	update, _ := res.Value.(*models.StageUpdate)
	if res.Err != nil {
		kind, msg := classify(res.Err)
		if res.TimedOut() {
			kind = models.ErrorKindTimeout
		}
		state.RecordError(models.StageQueryAnalysis, kind, msg)
		metrics.StageErrors.WithLabelValues(models.StageQueryAnalysis.String(), kind).Inc()
	}
	if update == nil {
		update = stages.FallbackAnalysis(state.Query)
	}

	e.merge(state, update)
	state.AppendConfidence(models.StageQueryAnalysis, update.Confidence, update.Note)
	state.MarkCompleted(models.StageQueryAnalysis)
	metrics.StageDuration.WithLabelValues(models.StageQueryAnalysis.String()).
		Observe(float64(res.Duration.Milliseconds()))
	state.CurrentNode = models.StageDocumentAssessment
}

// dispatch executes one stage under the uniform wrapper: panic recovery,
// error recording, partial-update merge, confidence log append.
func (e *Engine) dispatch(ctx context.Context, state *models.WorkflowState, stage models.Stage) {
	sctx, span := tracing.StartSpan(ctx, "stage."+stage.String())
	defer span.End()

	handler, ok := e.handlers.ForStage(stage)
	if !ok {
		state.RecordError(stage, models.ErrorKindInternal, "no handler registered")
		metrics.StageErrors.WithLabelValues(stage.String(), models.ErrorKindInternal).Inc()
		return
	}

	start := time.Now()
	update, err := e.safeInvoke(sctx, handler, state, stage)
	metrics.StageDuration.WithLabelValues(stage.String()).
		Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		kind, msg := classify(err)
		state.RecordError(stage, kind, msg)
		metrics.StageErrors.WithLabelValues(stage.String(), kind).Inc()
		e.logger.Warn("Stage degraded",
			zap.String("run_id", state.RunID),
			zap.String("stage", stage.String()),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}

	if update != nil {
		e.merge(state, update)
		state.AppendConfidence(stage, update.Confidence, update.Note)
	} else {
		state.AppendConfidence(stage, 0, "stage produced no update")
	}
}

// safeInvoke converts a handler panic into an error so a single broken stage
// degrades quality instead of aborting the request.
func (e *Engine) safeInvoke(ctx context.Context, handler stages.Handler, state *models.WorkflowState, stage models.Stage) (update *models.StageUpdate, err error) {
	defer func() {
		if p := recover(); p != nil {
			update = nil
			err = fmt.Errorf("stage %s panicked: %v", stage, p)
			e.logger.Error("Stage panic recovered",
				zap.String("stage", stage.String()),
				zap.Any("panic", p),
			)
		}
	}()
	return handler(ctx, state)
}

func classify(err error) (kind, msg string) {
	var failure *stages.Failure
	if errors.As(err, &failure) {
		return failure.Kind, failure.Err.Error()
	}
	return models.ErrorKindInternal, err.Error()
}

// merge applies a stage's partial update to the state. DocumentReferences
// are only written by assessment and are immutable once synthesis begins.
func (e *Engine) merge(state *models.WorkflowState, update *models.StageUpdate) {
	if update.QueryIntent != "" {
		state.QueryIntent = update.QueryIntent
	}
	if len(update.KeyTopics) > 0 {
		state.KeyTopics = update.KeyTopics
	}
	if update.Documents != nil && !state.Completed(models.StageResponseSynthesis) {
		state.DocumentReferences = update.Documents
	}
	if update.Coverage != nil {
		state.Coverage = update.Coverage
	}
	if len(update.ValidationNotes) > 0 {
		state.ValidationNotes = append(state.ValidationNotes, update.ValidationNotes...)
	}
	if len(update.FollowUps) > 0 {
		state.FollowUpQuestions = update.FollowUps
	}
	if update.Answer != "" {
		state.Answer = update.Answer
	}
	state.Metadata.TokensUsed += update.TokensUsed
	if update.TokensUsed > 0 {
		state.Metadata.LLMCalls++
	}
}

// maybeCheckpoint enqueues an async snapshot at the configured cadence and
// always after the terminal stage.
func (e *Engine) maybeCheckpoint(state *models.WorkflowState, stage models.Stage) {
	if e.writer == nil {
		return
	}
	terminal := stage == models.StageResponseSynthesis
	if !terminal && len(state.CompletedNodes)%e.cfg.CheckpointCadence != 0 {
		return
	}
	state.Metadata.CheckpointSeq++
	e.writer.Enqueue(state.SessionID, state, state.Metadata.CheckpointSeq)
}

func (e *Engine) buildResult(state *models.WorkflowState, elapsed time.Duration) *models.UnifiedResult {
	answer := state.Answer

	// Every stage failing means no stage produced trustworthy content;
	// return the generic refusal with the error log attached.
	if len(state.Errors) >= len(state.CompletedNodes) && len(state.CompletedNodes) > 0 {
		answer = "I'm unable to answer that right now. Please try again shortly."
	} else if answer == "" {
		answer = stages.FallbackAnswer(state)
	}

	return &models.UnifiedResult{
		Answer:             answer,
		Coverage:           state.Coverage,
		DocumentReferences: state.DocumentReferences,
		ProcessingTimeMs:   elapsed.Milliseconds(),
		TokensUsed:         state.Metadata.TokensUsed,
		Errors:             state.Errors,
	}
}
