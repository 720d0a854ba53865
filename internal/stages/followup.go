package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/llm"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// GenerateFollowUps drafts clarifying questions when coverage is too low to
// answer directly. Low-confidence runs take this branch before synthesis.
func (h *Handlers) GenerateFollowUps(ctx context.Context, state *models.WorkflowState) (*models.StageUpdate, error) {
	prompt := buildFollowUpPrompt(state)

	var parsed struct {
		Questions []string `json:"questions"`
	}
	tokens, err := h.completeJSON(ctx, "followup_generator", prompt, llm.Options{
		MaxTokens:   512,
		Temperature: 0.4,
	}, &parsed)
	if err != nil {
		h.logger.Warn("Follow-up generation degraded",
			zap.String("run_id", state.RunID),
			zap.Error(err),
		)
		return &models.StageUpdate{
			FollowUps:  fallbackFollowUps(state),
			Confidence: currentConfidence(state),
			Note:       "follow-up generation fallback",
			TokensUsed: tokens,
		}, err
	}

	questions := parsed.Questions
	if len(questions) > 3 {
		questions = questions[:3]
	}
	if len(questions) == 0 {
		questions = fallbackFollowUps(state)
	}

	return &models.StageUpdate{
		FollowUps:  questions,
		Confidence: currentConfidence(state),
		Note:       fmt.Sprintf("generated %d follow-up questions", len(questions)),
		TokensUsed: tokens,
	}, nil
}

// fallbackFollowUps builds questions from the identified gaps, or generic
// scoping questions when there are none.
func fallbackFollowUps(state *models.WorkflowState) []string {
	var gaps []string
	if state.Coverage != nil {
		gaps = state.Coverage.Gaps
	}

	questions := make([]string, 0, 3)
	for _, gap := range gaps {
		questions = append(questions, fmt.Sprintf("Could you say more about what you mean by %q?", gap))
		if len(questions) == 3 {
			break
		}
	}
	if len(questions) == 0 {
		questions = []string{
			"Which project or phase does your question relate to?",
			"Are you looking for a process description or a specific template?",
		}
	}
	return questions
}

func buildFollowUpPrompt(state *models.WorkflowState) string {
	var sb strings.Builder

	sb.WriteString(`You are helping a project-management assistant that could not find enough
playbook content to answer confidently. Write up to 3 short clarifying
questions that would let it retry with a sharper query.

Return a JSON object:
{
  "questions": ["..."]
}

`)
	sb.WriteString(fmt.Sprintf("## Question:\n%s\n\n", state.Query))
	if state.Coverage != nil && len(state.Coverage.Gaps) > 0 {
		sb.WriteString(fmt.Sprintf("## Identified Gaps:\n- %s\n", strings.Join(state.Coverage.Gaps, "\n- ")))
	}
	return sb.String()
}
