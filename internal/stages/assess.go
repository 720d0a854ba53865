package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/doccache"
	"github.com/mikepica/pmo-playbook-sub001/internal/llm"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

const maxAssessedDocuments = 5

// AssessDocuments asks the model to rank the cached knowledge documents
// against the query and populates the document references.
func (h *Handlers) AssessDocuments(ctx context.Context, state *models.WorkflowState) (*models.StageUpdate, error) {
	docs, err := h.cache.GetAll(ctx)
	if err != nil {
		h.logger.Warn("Document cache unavailable for assessment",
			zap.String("run_id", state.RunID),
			zap.Error(err),
		)
		return &models.StageUpdate{
			Confidence: 0,
			Note:       "document assessment skipped (knowledge base unavailable)",
		}, &Failure{Kind: models.ErrorKindUpstream, Err: err}
	}
	if len(docs) == 0 {
		return &models.StageUpdate{
			Confidence: 0,
			Note:       "no documents in knowledge base",
		}, nil
	}

	prompt := buildAssessmentPrompt(state, docs)

	var parsed struct {
		Documents []struct {
			ID              string   `json:"id"`
			Confidence      float64  `json:"confidence"`
			MatchedSections []string `json:"matched_sections"`
			KeyPoints       []string `json:"key_points"`
		} `json:"documents"`
	}
	tokens, err := h.completeJSON(ctx, "document_assessor", prompt, llm.Options{
		MaxTokens:   2048,
		Temperature: 0.2,
	}, &parsed)
	if err != nil {
		h.logger.Warn("Document assessment degraded to keyword scoring",
			zap.String("run_id", state.RunID),
			zap.Error(err),
		)
		update := fallbackAssessment(state, docs)
		update.TokensUsed = tokens
		return update, err
	}

	byID := make(map[string]*doccache.Entry, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	refs := make([]models.DocumentReference, 0, len(parsed.Documents))
	for _, d := range parsed.Documents {
		entry, ok := byID[d.ID]
		if !ok || d.Confidence <= 0 {
			continue
		}
		refs = append(refs, models.DocumentReference{
			DocumentID:      entry.ID,
			Title:           entry.Title,
			Confidence:      clamp01(d.Confidence),
			MatchedSections: d.MatchedSections,
			KeyPoints:       d.KeyPoints,
		})
	}
	sortRefs(refs)
	if len(refs) > maxAssessedDocuments {
		refs = refs[:maxAssessedDocuments]
	}

	top := 0.0
	if len(refs) > 0 {
		top = refs[0].Confidence
	}
	return &models.StageUpdate{
		Documents:  refs,
		Confidence: top,
		Note:       fmt.Sprintf("assessed %d candidate documents", len(refs)),
		TokensUsed: tokens,
	}, nil
}

// fallbackAssessment scores documents by topic keyword overlap when the
// model cannot rank them. Confidence is deliberately capped low so the router
// sends degraded runs down the follow-up branch.
func fallbackAssessment(state *models.WorkflowState, docs []*doccache.Entry) *models.StageUpdate {
	topics := state.KeyTopics
	if len(topics) == 0 {
		topics = keywordTopics(state.Query)
	}

	refs := make([]models.DocumentReference, 0, len(docs))
	for _, d := range docs {
		title := strings.ToLower(d.Title)
		content := strings.ToLower(d.Content)
		hits := 0
		matched := make([]string, 0, len(topics))
		for _, topic := range topics {
			if strings.Contains(title, topic) {
				hits += 2
				matched = append(matched, topic)
			} else if strings.Contains(content, topic) {
				hits++
				matched = append(matched, topic)
			}
		}
		if hits == 0 {
			continue
		}
		conf := 0.1 * float64(hits)
		if conf > 0.4 {
			conf = 0.4
		}
		refs = append(refs, models.DocumentReference{
			DocumentID:      d.ID,
			Title:           d.Title,
			Confidence:      conf,
			MatchedSections: matched,
			KeyPoints:       []string{d.Summary},
		})
	}
	sortRefs(refs)
	if len(refs) > 3 {
		refs = refs[:3]
	}

	top := 0.0
	if len(refs) > 0 {
		top = refs[0].Confidence
	}
	return &models.StageUpdate{
		Documents:  refs,
		Confidence: top,
		Note:       "document assessment fallback (keyword overlap)",
	}
}

func sortRefs(refs []models.DocumentReference) {
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].Confidence > refs[j].Confidence
	})
}

func buildAssessmentPrompt(state *models.WorkflowState, docs []*doccache.Entry) string {
	var sb strings.Builder

	sb.WriteString(`You are a document assessor for a project-management knowledge base.
Rank the documents below by how well they answer the question. Skip documents
that are irrelevant. For each relevant document report the matched sections
and the key points a writer would cite.

Return a JSON object:
{
  "documents": [
    {"id": "...", "confidence": 0.9, "matched_sections": ["..."], "key_points": ["..."]}
  ]
}

`)
	sb.WriteString(fmt.Sprintf("## Question:\n%s\n\n", state.Query))
	if state.QueryIntent != "" {
		sb.WriteString(fmt.Sprintf("Intent: %s\n", state.QueryIntent))
	}
	if len(state.KeyTopics) > 0 {
		sb.WriteString(fmt.Sprintf("Topics: %s\n", strings.Join(state.KeyTopics, ", ")))
	}
	sb.WriteString("\n## Candidate Documents:\n")
	for _, d := range docs {
		sb.WriteString(fmt.Sprintf("- id: %s\n  title: %s\n  summary: %s\n", d.ID, d.Title, d.Summary))
	}
	return sb.String()
}
