package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/llm"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// AnalyzeQuery derives intent and key topics from the raw query. It is the
// cheapest stage and always runs first.
func (h *Handlers) AnalyzeQuery(ctx context.Context, state *models.WorkflowState) (*models.StageUpdate, error) {
	prompt := buildAnalysisPrompt(state)

	var parsed struct {
		Intent     string   `json:"intent"`
		KeyTopics  []string `json:"key_topics"`
		Confidence float64  `json:"confidence"`
	}
	tokens, err := h.completeJSON(ctx, "query_analyzer", prompt, llm.Options{
		MaxTokens:   512,
		Temperature: 0.1,
	}, &parsed)
	if err != nil {
		h.logger.Warn("Query analysis degraded to keyword fallback",
			zap.String("run_id", state.RunID),
			zap.Error(err),
		)
		update := FallbackAnalysis(state.Query)
		update.TokensUsed = tokens
		return update, err
	}

	if parsed.Intent == "" {
		parsed.Intent = "general_question"
	}
	return &models.StageUpdate{
		QueryIntent: parsed.Intent,
		KeyTopics:   parsed.KeyTopics,
		Confidence:  clamp01(parsed.Confidence),
		Note:        "query analyzed",
		TokensUsed:  tokens,
	}, nil
}

// FallbackAnalysis is the deterministic analysis used when the model is
// unavailable: intent defaults and topics come from query keywords. The
// engine also uses it when the parallel prelude times the stage out.
func FallbackAnalysis(query string) *models.StageUpdate {
	return &models.StageUpdate{
		QueryIntent: "general_question",
		KeyTopics:   keywordTopics(query),
		Confidence:  0.2,
		Note:        "query analysis fallback (keywords only)",
	}
}

func buildAnalysisPrompt(state *models.WorkflowState) string {
	var sb strings.Builder

	sb.WriteString(`You are a query analyst for a project-management knowledge base.
Classify the user's question and extract the topics to search for.

Return a JSON object:
{
  "intent": "how_to | definition | process_lookup | status_inquiry | general_question",
  "key_topics": ["topic1", "topic2"],
  "confidence": 0.8
}

`)
	writeConversation(&sb, state.ConversationContext, 5)
	sb.WriteString(fmt.Sprintf("## Question:\n%s\n", state.Query))
	return sb.String()
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "how": {}, "does": {},
	"can": {}, "are": {}, "was": {}, "were": {}, "have": {}, "has": {},
	"should": {}, "would": {}, "could": {}, "about": {}, "from": {},
	"into": {}, "our": {}, "your": {}, "their": {},
}

// keywordTopics extracts significant words from the query, lowercased,
// capped at six.
func keywordTopics(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})

	seen := make(map[string]struct{})
	topics := make([]string, 0, 6)
	for _, f := range fields {
		if len(f) <= 3 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		topics = append(topics, f)
		if len(topics) == 6 {
			break
		}
	}
	return topics
}
