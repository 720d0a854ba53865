package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// Coverage level cutoffs derived from the blended document confidence.
const (
	coverageFullThreshold    = 0.75
	coveragePartialThreshold = 0.35
)

// EvaluateCoverage computes the coverage analysis from the document
// references. It is a pure computation over prior stage output and the
// routing decision point of the pipeline; it never calls the model, so it
// cannot fail.
func (h *Handlers) EvaluateCoverage(_ context.Context, state *models.WorkflowState) (*models.StageUpdate, error) {
	coverage := computeCoverage(state)
	return &models.StageUpdate{
		Coverage:   coverage,
		Confidence: coverage.OverallConfidence,
		Note:       fmt.Sprintf("coverage %s (%d gaps)", coverage.CoverageLevel, len(coverage.Gaps)),
	}, nil
}

func computeCoverage(state *models.WorkflowState) *models.CoverageAnalysis {
	refs := state.DocumentReferences
	if len(refs) == 0 {
		return &models.CoverageAnalysis{
			OverallConfidence: 0,
			CoverageLevel:     models.CoverageNone,
			ResponseStrategy:  models.StrategyClarify,
			Gaps:              []string{"no relevant playbook content found"},
			QueryIntent:       state.QueryIntent,
			KeyTopics:         state.KeyTopics,
		}
	}

	// Blend the best match with the field: a single strong document should
	// dominate, weak long tails should not drag it down much.
	top, sum := 0.0, 0.0
	for _, r := range refs {
		if r.Confidence > top {
			top = r.Confidence
		}
		sum += r.Confidence
	}
	mean := sum / float64(len(refs))
	overall := clamp01(0.7*top + 0.3*mean)

	level := models.CoverageNone
	strategy := models.StrategyClarify
	switch {
	case overall >= coverageFullThreshold:
		level = models.CoverageFull
		strategy = models.StrategyComprehensive
	case overall >= coveragePartialThreshold:
		level = models.CoveragePartial
		strategy = models.StrategyPartial
	}

	return &models.CoverageAnalysis{
		OverallConfidence: overall,
		CoverageLevel:     level,
		ResponseStrategy:  strategy,
		Gaps:              uncoveredTopics(state.KeyTopics, refs),
		QueryIntent:       state.QueryIntent,
		KeyTopics:         state.KeyTopics,
	}
}

// uncoveredTopics lists key topics that no reference mentions in its title,
// matched sections, or key points.
func uncoveredTopics(topics []string, refs []models.DocumentReference) []string {
	var gaps []string
	for _, topic := range topics {
		lt := strings.ToLower(topic)
		covered := false
		for _, r := range refs {
			if strings.Contains(strings.ToLower(r.Title), lt) {
				covered = true
				break
			}
			for _, s := range r.MatchedSections {
				if strings.Contains(strings.ToLower(s), lt) {
					covered = true
					break
				}
			}
			for _, p := range r.KeyPoints {
				if strings.Contains(strings.ToLower(p), lt) {
					covered = true
					break
				}
			}
			if covered {
				break
			}
		}
		if !covered {
			gaps = append(gaps, topic)
		}
	}
	return gaps
}
