package workflow

import (
	"fmt"

	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// Route is the pure three-way routing function applied at coverage
// evaluation. Evaluated in order: high threshold first, then medium,
// otherwise the follow-up branch.
func Route(confidence, high, medium float64) models.Stage {
	switch {
	case confidence >= high:
		return models.StageFactChecking
	case confidence >= medium:
		return models.StageSourceValidation
	default:
		return models.StageFollowUpGeneration
	}
}

// next returns the stage scheduled after the given one. The switch is
// exhaustive over the closed stage set; anything else is an engine-level
// programming error and aborts the run.
func (e *Engine) next(stage models.Stage, state *models.WorkflowState) (models.Stage, error) {
	switch stage {
	case models.StageQueryAnalysis:
		return models.StageDocumentAssessment, nil
	case models.StageDocumentAssessment:
		return models.StageCoverageEvaluation, nil
	case models.StageCoverageEvaluation:
		confidence := 0.0
		if state.Coverage != nil {
			confidence = state.Coverage.OverallConfidence
		}
		high, medium := e.thresholds()
		branch := Route(confidence, high, medium)
		return branch, nil
	case models.StageFactChecking, models.StageSourceValidation, models.StageFollowUpGeneration:
		return models.StageResponseSynthesis, nil
	case models.StageResponseSynthesis:
		return models.StageEnd, nil
	default:
		return models.StageEnd, fmt.Errorf("no routing rule for stage %q", stage)
	}
}
