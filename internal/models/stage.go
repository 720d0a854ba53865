package models

// Stage identifies one node of the answer pipeline state machine.
// The set is closed: the engine's routing table switches exhaustively over
// these values and treats anything else as a fatal engine error.
type Stage string

const (
	StageQueryAnalysis      Stage = "query_analysis"
	StageDocumentAssessment Stage = "document_assessment"
	StageCoverageEvaluation Stage = "coverage_evaluation"
	StageFactChecking       Stage = "fact_checking"
	StageSourceValidation   Stage = "source_validation"
	StageFollowUpGeneration Stage = "follow_up_generation"
	StageResponseSynthesis  Stage = "response_synthesis"

	// StageEnd is the terminal sentinel; it is never dispatched.
	StageEnd Stage = "end"
)

// AllStages lists every dispatchable stage in canonical order.
var AllStages = []Stage{
	StageQueryAnalysis,
	StageDocumentAssessment,
	StageCoverageEvaluation,
	StageFactChecking,
	StageSourceValidation,
	StageFollowUpGeneration,
	StageResponseSynthesis,
}

// Valid reports whether s is a known dispatchable stage or the terminal sentinel.
func (s Stage) Valid() bool {
	switch s {
	case StageQueryAnalysis, StageDocumentAssessment, StageCoverageEvaluation,
		StageFactChecking, StageSourceValidation, StageFollowUpGeneration,
		StageResponseSynthesis, StageEnd:
		return true
	default:
		return false
	}
}

func (s Stage) String() string {
	return string(s)
}
