package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/llm"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// SynthesizeResponse produces the final answer from the selected documents,
// conversation context, and whatever the routed branch contributed. It is
// the terminal content-producing stage and always runs.
func (h *Handlers) SynthesizeResponse(ctx context.Context, state *models.WorkflowState) (*models.StageUpdate, error) {
	prompt := h.buildSynthesisPrompt(ctx, state)

	text, tokens, err := h.completeText(ctx, "response_synthesizer", prompt, llm.Options{
		MaxTokens:   2048,
		Temperature: 0.3,
	})
	if err != nil {
		h.logger.Warn("Response synthesis degraded to deterministic answer",
			zap.String("run_id", state.RunID),
			zap.Error(err),
		)
		return &models.StageUpdate{
			Answer:     FallbackAnswer(state),
			Confidence: currentConfidence(state),
			Note:       "response synthesis fallback",
			TokensUsed: tokens,
		}, err
	}

	return &models.StageUpdate{
		Answer:     strings.TrimSpace(text),
		Confidence: currentConfidence(state),
		Note:       "answer synthesized",
		TokensUsed: tokens,
	}, nil
}

// FallbackAnswer assembles a deterministic best-effort answer from the key
// points when the model is unavailable. It is never empty.
func FallbackAnswer(state *models.WorkflowState) string {
	var sb strings.Builder

	if len(state.DocumentReferences) > 0 {
		sb.WriteString("Based on the playbook documents, here is what I found:\n")
		for _, r := range state.DocumentReferences {
			sb.WriteString(fmt.Sprintf("\nFrom %q:\n", r.Title))
			for _, p := range r.KeyPoints {
				sb.WriteString(fmt.Sprintf("- %s\n", p))
			}
		}
		if state.Coverage != nil && len(state.Coverage.Gaps) > 0 {
			sb.WriteString(fmt.Sprintf("\nNote: I could not find playbook coverage for: %s.\n",
				strings.Join(state.Coverage.Gaps, ", ")))
		}
	} else {
		sb.WriteString("I couldn't find playbook guidance that answers your question directly.")
	}

	if len(state.FollowUpQuestions) > 0 {
		sb.WriteString("\nTo help me find the right material:\n")
		for _, q := range state.FollowUpQuestions {
			sb.WriteString(fmt.Sprintf("- %s\n", q))
		}
	}
	return strings.TrimSpace(sb.String())
}

func (h *Handlers) buildSynthesisPrompt(ctx context.Context, state *models.WorkflowState) string {
	var sb strings.Builder

	sb.WriteString(`You are a project-management assistant answering from an internal playbook.
Write a direct, practical answer grounded ONLY in the source material below.
Cite document titles inline. If the material does not cover something, say
so rather than inventing guidance.

`)
	if state.Coverage != nil {
		sb.WriteString(fmt.Sprintf("Answer strategy: %s (coverage: %s)\n\n",
			state.Coverage.ResponseStrategy, state.Coverage.CoverageLevel))
	}

	writeConversation(&sb, state.ConversationContext, 5)
	sb.WriteString(fmt.Sprintf("## Question:\n%s\n\n", state.Query))

	if len(state.DocumentReferences) > 0 {
		sb.WriteString("## Source Material:\n")
		for _, r := range state.DocumentReferences {
			sb.WriteString(fmt.Sprintf("### %s (confidence %.2f)\n", r.Title, r.Confidence))
			for _, p := range r.KeyPoints {
				sb.WriteString(fmt.Sprintf("- %s\n", p))
			}
			if entry, err := h.cache.GetByID(ctx, r.DocumentID); err == nil {
				sb.WriteString(fmt.Sprintf("Excerpt: %s\n", truncate(entry.Content, 1200)))
			}
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString("## Source Material:\n(none found)\n\n")
	}

	if len(state.ValidationNotes) > 0 {
		sb.WriteString(fmt.Sprintf("## Validation Notes:\n- %s\n\n", strings.Join(state.ValidationNotes, "\n- ")))
	}
	if len(state.FollowUpQuestions) > 0 {
		sb.WriteString("## If coverage is insufficient, offer these clarifying questions:\n")
		for _, q := range state.FollowUpQuestions {
			sb.WriteString(fmt.Sprintf("- %s\n", q))
		}
	}
	return sb.String()
}
