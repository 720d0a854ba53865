package models

import (
	"encoding/json"
	"time"
)

// CoverageLevel classifies how well the candidate documents address a query.
type CoverageLevel string

const (
	CoverageNone    CoverageLevel = "none"
	CoveragePartial CoverageLevel = "partial"
	CoverageFull    CoverageLevel = "full"
)

// ResponseStrategy is the answer style selected by coverage evaluation.
type ResponseStrategy string

const (
	StrategyComprehensive ResponseStrategy = "comprehensive"
	StrategyPartial       ResponseStrategy = "partial_with_gaps"
	StrategyClarify       ResponseStrategy = "clarification_needed"
)

// Error kinds recorded in WorkflowState.Errors.
const (
	ErrorKindUpstream  = "upstream_failure"
	ErrorKindMalformed = "malformed_output"
	ErrorKindTimeout   = "timeout"
	ErrorKindInternal  = "internal"
)

// Message is one conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// DocumentReference is a candidate knowledge-base document scored against the query.
type DocumentReference struct {
	DocumentID      string   `json:"document_id"`
	Title           string   `json:"title"`
	Confidence      float64  `json:"confidence"`
	MatchedSections []string `json:"matched_sections,omitempty"`
	KeyPoints       []string `json:"key_points,omitempty"`
}

// CoverageAnalysis summarizes how well the retrieved documents cover the query.
type CoverageAnalysis struct {
	OverallConfidence float64          `json:"overall_confidence"`
	CoverageLevel     CoverageLevel    `json:"coverage_level"`
	ResponseStrategy  ResponseStrategy `json:"response_strategy"`
	Gaps              []string         `json:"gaps,omitempty"`
	QueryIntent       string           `json:"query_intent,omitempty"`
	KeyTopics         []string         `json:"key_topics,omitempty"`
}

// ConfidencePoint is one append-only entry of the per-stage confidence log.
type ConfidencePoint struct {
	Stage      Stage     `json:"stage"`
	Confidence float64   `json:"confidence"`
	Note       string    `json:"note,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StageError records a degraded (non-fatal) stage failure.
type StageError struct {
	Stage   Stage  `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunMetadata accumulates bookkeeping across a single pipeline run.
type RunMetadata struct {
	StartedAt     time.Time `json:"started_at"`
	TokensUsed    int       `json:"tokens_used"`
	LLMCalls      int       `json:"llm_calls"`
	CheckpointSeq int64     `json:"checkpoint_seq"`
}

// WorkflowState is the single mutable record threaded through the pipeline.
// It is owned exclusively by one in-flight request and never shared.
type WorkflowState struct {
	RunID               string              `json:"run_id"`
	SessionID           string              `json:"session_id"`
	Query               string              `json:"query"`
	ConversationContext []Message           `json:"conversation_context,omitempty"`
	DocumentReferences  []DocumentReference `json:"document_references,omitempty"`
	Coverage            *CoverageAnalysis   `json:"coverage,omitempty"`
	ConfidenceHistory   []ConfidencePoint   `json:"confidence_history,omitempty"`
	CompletedNodes      []Stage             `json:"completed_nodes,omitempty"`
	CurrentNode         Stage               `json:"current_node"`
	QueryIntent         string              `json:"query_intent,omitempty"`
	KeyTopics           []string            `json:"key_topics,omitempty"`
	ValidationNotes     []string            `json:"validation_notes,omitempty"`
	FollowUpQuestions   []string            `json:"follow_up_questions,omitempty"`
	Answer              string              `json:"answer,omitempty"`
	Errors              []StageError        `json:"errors,omitempty"`
	Metadata            RunMetadata         `json:"metadata"`
}

// NewWorkflowState creates the initial state for a query.
func NewWorkflowState(runID, sessionID, query string, history []Message) *WorkflowState {
	return &WorkflowState{
		RunID:               runID,
		SessionID:           sessionID,
		Query:               query,
		ConversationContext: history,
		CurrentNode:         StageQueryAnalysis,
		Metadata:            RunMetadata{StartedAt: time.Now()},
	}
}

// Completed reports whether the stage has already executed.
func (s *WorkflowState) Completed(stage Stage) bool {
	for _, n := range s.CompletedNodes {
		if n == stage {
			return true
		}
	}
	return false
}

// MarkCompleted appends the stage to CompletedNodes in true completion order.
func (s *WorkflowState) MarkCompleted(stage Stage) {
	if !s.Completed(stage) {
		s.CompletedNodes = append(s.CompletedNodes, stage)
	}
}

// AppendConfidence appends an entry to the confidence log. Entries are
// immutable once appended and are never reordered.
func (s *WorkflowState) AppendConfidence(stage Stage, confidence float64, note string) {
	s.ConfidenceHistory = append(s.ConfidenceHistory, ConfidencePoint{
		Stage:      stage,
		Confidence: confidence,
		Note:       note,
		Timestamp:  time.Now(),
	})
}

// RecordError appends a degraded stage failure.
func (s *WorkflowState) RecordError(stage Stage, kind, message string) {
	s.Errors = append(s.Errors, StageError{Stage: stage, Kind: kind, Message: message})
}

// Clone returns a deep copy of the state, used to snapshot it for
// asynchronous checkpoint writes while the request keeps mutating the original.
func (s *WorkflowState) Clone() (*WorkflowState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out WorkflowState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StageUpdate is the partial state produced by one stage handler. The engine
// merges non-zero fields into the workflow state after the stage settles.
type StageUpdate struct {
	QueryIntent     string
	KeyTopics       []string
	Documents       []DocumentReference
	Coverage        *CoverageAnalysis
	ValidationNotes []string
	FollowUps       []string
	Answer          string

	// Confidence and Note feed the confidence history entry for the stage.
	Confidence float64
	Note       string
	TokensUsed int
}

// UnifiedResult is the user-facing outcome of one pipeline run.
type UnifiedResult struct {
	Answer             string              `json:"answer"`
	Coverage           *CoverageAnalysis   `json:"coverage_analysis,omitempty"`
	DocumentReferences []DocumentReference `json:"document_references,omitempty"`
	ProcessingTimeMs   int64               `json:"processing_time_ms"`
	TokensUsed         int                 `json:"tokens_used"`
	Errors             []StageError        `json:"errors,omitempty"`
}
