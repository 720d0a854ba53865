package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/doccache"
	"github.com/mikepica/pmo-playbook-sub001/internal/llm"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// Handler is one pipeline stage: it receives the current state snapshot and
// produces a partial update for the engine to merge. A handler that fails
// after its retry returns BOTH a deterministic fallback update and a non-nil
// *Failure; the engine records the error and continues.
type Handler func(ctx context.Context, state *models.WorkflowState) (*models.StageUpdate, error)

// Failure is a degraded stage outcome carrying the error taxonomy kind.
type Failure struct {
	Kind string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Handlers hosts the per-stage functions and their collaborators.
type Handlers struct {
	llm    llm.CompletionService
	cache  *doccache.Cache
	logger *zap.Logger
}

// New creates the stage handlers.
func New(svc llm.CompletionService, cache *doccache.Cache, logger *zap.Logger) *Handlers {
	return &Handlers{llm: svc, cache: cache, logger: logger}
}

// ForStage returns the handler for a dispatchable stage.
func (h *Handlers) ForStage(stage models.Stage) (Handler, bool) {
	switch stage {
	case models.StageQueryAnalysis:
		return h.AnalyzeQuery, true
	case models.StageDocumentAssessment:
		return h.AssessDocuments, true
	case models.StageCoverageEvaluation:
		return h.EvaluateCoverage, true
	case models.StageFactChecking:
		return h.FactCheck, true
	case models.StageSourceValidation:
		return h.ValidateSources, true
	case models.StageFollowUpGeneration:
		return h.GenerateFollowUps, true
	case models.StageResponseSynthesis:
		return h.SynthesizeResponse, true
	default:
		return nil, false
	}
}

// completeJSON calls the model, retrying once, and unmarshals the first JSON
// object of the reply into out. Token usage of all attempts is returned even
// on failure so accounting stays accurate.
func (h *Handlers) completeJSON(ctx context.Context, agentID, prompt string, opts llm.Options, out interface{}) (int, error) {
	opts.AgentID = agentID

	tokens := 0
	var lastErr error
	kind := models.ErrorKindUpstream

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			h.logger.Debug("Retrying LLM call", zap.String("agent_id", agentID), zap.Error(lastErr))
		}
		comp, err := h.llm.Complete(ctx, prompt, opts)
		if err != nil {
			lastErr = err
			kind = models.ErrorKindUpstream
			continue
		}
		tokens += comp.TokensUsed

		raw, err := llm.ExtractJSON(comp.Text)
		if err != nil {
			lastErr = err
			kind = models.ErrorKindMalformed
			continue
		}
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			lastErr = err
			kind = models.ErrorKindMalformed
			continue
		}
		return tokens, nil
	}
	return tokens, &Failure{Kind: kind, Err: lastErr}
}

// completeText calls the model for free-form text, retrying once.
func (h *Handlers) completeText(ctx context.Context, agentID, prompt string, opts llm.Options) (string, int, error) {
	opts.AgentID = agentID

	tokens := 0
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			h.logger.Debug("Retrying LLM call", zap.String("agent_id", agentID), zap.Error(lastErr))
		}
		comp, err := h.llm.Complete(ctx, prompt, opts)
		if err != nil {
			lastErr = err
			continue
		}
		tokens += comp.TokensUsed
		if strings.TrimSpace(comp.Text) == "" {
			lastErr = fmt.Errorf("empty completion")
			continue
		}
		return comp.Text, tokens, nil
	}
	return "", tokens, &Failure{Kind: models.ErrorKindUpstream, Err: lastErr}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}

// writeConversation renders the last turns of context into a prompt section.
func writeConversation(sb *strings.Builder, history []models.Message, maxTurns int) {
	if len(history) == 0 {
		return
	}
	start := 0
	if len(history) > maxTurns {
		start = len(history) - maxTurns
	}
	sb.WriteString("## Recent Conversation:\n")
	for _, msg := range history[start:] {
		sb.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, truncate(msg.Content, 400)))
	}
	sb.WriteString("\n")
}
