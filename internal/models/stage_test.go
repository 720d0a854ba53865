package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageValid(t *testing.T) {
	for _, s := range AllStages {
		assert.True(t, s.Valid(), s.String())
	}
	assert.True(t, StageEnd.Valid())
	assert.False(t, Stage("made_up").Valid())
	assert.False(t, Stage("").Valid())
}

func TestWorkflowStateCompletion(t *testing.T) {
	s := NewWorkflowState("run-1", "sess-1", "q", nil)
	assert.Equal(t, StageQueryAnalysis, s.CurrentNode)
	assert.False(t, s.Completed(StageQueryAnalysis))

	s.MarkCompleted(StageQueryAnalysis)
	s.MarkCompleted(StageQueryAnalysis) // idempotent
	assert.True(t, s.Completed(StageQueryAnalysis))
	assert.Len(t, s.CompletedNodes, 1)
}

func TestWorkflowStateClone(t *testing.T) {
	s := NewWorkflowState("run-1", "sess-1", "q", []Message{{Role: "user", Content: "hi"}})
	s.MarkCompleted(StageQueryAnalysis)
	s.AppendConfidence(StageQueryAnalysis, 0.9, "ok")
	s.RecordError(StageDocumentAssessment, ErrorKindUpstream, "down")

	clone, err := s.Clone()
	require.NoError(t, err)

	// Mutating the clone must not touch the original.
	clone.MarkCompleted(StageDocumentAssessment)
	clone.Answer = "changed"
	clone.ConversationContext[0].Content = "rewritten"

	assert.Len(t, s.CompletedNodes, 1)
	assert.Empty(t, s.Answer)
	assert.Equal(t, "hi", s.ConversationContext[0].Content)
	require.Len(t, clone.Errors, 1)
	assert.Equal(t, ErrorKindUpstream, clone.Errors[0].Kind)
}
