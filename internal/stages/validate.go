package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/llm"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// FactCheck verifies the key points extracted during assessment against the
// source documents. High-confidence runs take this branch before synthesis.
func (h *Handlers) FactCheck(ctx context.Context, state *models.WorkflowState) (*models.StageUpdate, error) {
	if len(state.DocumentReferences) == 0 {
		return &models.StageUpdate{
			Confidence: 0,
			Note:       "fact check skipped (no documents)",
		}, nil
	}

	prompt := h.buildFactCheckPrompt(ctx, state)

	var parsed struct {
		Verified    []string `json:"verified"`
		Unsupported []string `json:"unsupported"`
		Notes       []string `json:"notes"`
	}
	tokens, err := h.completeJSON(ctx, "fact_checker", prompt, llm.Options{
		MaxTokens:   1024,
		Temperature: 0.1,
	}, &parsed)
	if err != nil {
		h.logger.Warn("Fact check degraded",
			zap.String("run_id", state.RunID),
			zap.Error(err),
		)
		return &models.StageUpdate{
			ValidationNotes: []string{"fact check unavailable; answer relies on document assessment only"},
			Confidence:      currentConfidence(state),
			Note:            "fact check fallback",
			TokensUsed:      tokens,
		}, err
	}

	notes := make([]string, 0, len(parsed.Unsupported)+len(parsed.Notes))
	for _, claim := range parsed.Unsupported {
		notes = append(notes, fmt.Sprintf("unsupported claim: %s", claim))
	}
	notes = append(notes, parsed.Notes...)

	return &models.StageUpdate{
		ValidationNotes: notes,
		Confidence:      currentConfidence(state),
		Note:            fmt.Sprintf("fact check: %d verified, %d unsupported", len(parsed.Verified), len(parsed.Unsupported)),
		TokensUsed:      tokens,
	}, nil
}

// ValidateSources reviews how trustworthy each referenced document is for
// this query. Medium-confidence runs take this branch.
func (h *Handlers) ValidateSources(ctx context.Context, state *models.WorkflowState) (*models.StageUpdate, error) {
	if len(state.DocumentReferences) == 0 {
		return &models.StageUpdate{
			Confidence: 0,
			Note:       "source validation skipped (no documents)",
		}, nil
	}

	prompt := buildSourceValidationPrompt(state)

	var parsed struct {
		Notes   []string `json:"notes"`
		WeakIDs []string `json:"weak_document_ids"`
	}
	tokens, err := h.completeJSON(ctx, "source_validator", prompt, llm.Options{
		MaxTokens:   1024,
		Temperature: 0.1,
	}, &parsed)
	if err != nil {
		h.logger.Warn("Source validation degraded",
			zap.String("run_id", state.RunID),
			zap.Error(err),
		)
		return &models.StageUpdate{
			ValidationNotes: fallbackSourceNotes(state),
			Confidence:      currentConfidence(state),
			Note:            "source validation fallback",
			TokensUsed:      tokens,
		}, err
	}

	notes := parsed.Notes
	for _, id := range parsed.WeakIDs {
		for _, r := range state.DocumentReferences {
			if r.DocumentID == id {
				notes = append(notes, fmt.Sprintf("weak support from %q; treat with caution", r.Title))
			}
		}
	}

	return &models.StageUpdate{
		ValidationNotes: notes,
		Confidence:      currentConfidence(state),
		Note:            fmt.Sprintf("source validation: %d notes", len(notes)),
		TokensUsed:      tokens,
	}, nil
}

// fallbackSourceNotes produces deterministic provenance notes from what the
// assessment already knows.
func fallbackSourceNotes(state *models.WorkflowState) []string {
	notes := make([]string, 0, len(state.DocumentReferences))
	for _, r := range state.DocumentReferences {
		notes = append(notes, fmt.Sprintf("source %q matched at confidence %.2f", r.Title, r.Confidence))
	}
	return notes
}

func currentConfidence(state *models.WorkflowState) float64 {
	if state.Coverage != nil {
		return state.Coverage.OverallConfidence
	}
	return 0
}

func (h *Handlers) buildFactCheckPrompt(ctx context.Context, state *models.WorkflowState) string {
	var sb strings.Builder

	sb.WriteString(`You are a fact checker. Verify each key point below against the source
document excerpts. A point is "verified" only when the excerpt substantively
supports it; vague or absent support makes it "unsupported".

Return a JSON object:
{
  "verified": ["..."],
  "unsupported": ["..."],
  "notes": ["..."]
}

`)
	sb.WriteString(fmt.Sprintf("## Question:\n%s\n\n", state.Query))
	sb.WriteString("## Key Points To Verify:\n")
	for _, r := range state.DocumentReferences {
		for _, p := range r.KeyPoints {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", r.Title, p))
		}
	}
	sb.WriteString("\n## Source Excerpts:\n")
	for _, r := range state.DocumentReferences {
		entry, err := h.cache.GetByID(ctx, r.DocumentID)
		if err != nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("### %s\n%s\n\n", entry.Title, truncate(entry.Content, 1500)))
	}
	return sb.String()
}

func buildSourceValidationPrompt(state *models.WorkflowState) string {
	var sb strings.Builder

	sb.WriteString(`You are a source reviewer for a project-management knowledge base. For each
candidate source, judge whether its match to the question is substantive or
superficial. Flag weakly supported sources.

Return a JSON object:
{
  "notes": ["..."],
  "weak_document_ids": ["..."]
}

`)
	sb.WriteString(fmt.Sprintf("## Question:\n%s\n\n", state.Query))
	sb.WriteString("## Candidate Sources:\n")
	for _, r := range state.DocumentReferences {
		sb.WriteString(fmt.Sprintf("- id: %s, title: %s, confidence: %.2f, matched: %s\n",
			r.DocumentID, r.Title, r.Confidence, strings.Join(r.MatchedSections, "; ")))
	}
	return sb.String()
}
