package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/pkg/schema"
)

func TestIntentStage(t *testing.T) {
	stage := NewIntentStage(capability.HeuristicParser{}, testGuard(), nil)
	state := schema.NewPipelineState("wf-1", "latest ai regulation news in europe")

	require.NoError(t, CheckRequires(stage, state))
	require.NoError(t, stage.Run(context.Background(), state))
	require.NotNil(t, state.Intent)
	assert.Equal(t, "ai regulation", state.Intent.Topic)
	assert.Equal(t, "europe", state.Intent.Scope)
}

func TestIntentStage_EmptyQueryFailsPrecondition(t *testing.T) {
	stage := NewIntentStage(capability.HeuristicParser{}, testGuard(), nil)
	state := schema.NewPipelineState("wf-1", "   ")

	err := CheckRequires(stage, state)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodePrecondition, perr.Code)
	assert.Equal(t, string(schema.StageIntent), perr.Stage)
}

type failingParser struct{}

func (failingParser) Parse(ctx context.Context, query string) (*schema.Intent, error) {
	return nil, errors.New("model unavailable")
}

type nilParser struct{}

func (nilParser) Parse(ctx context.Context, query string) (*schema.Intent, error) {
	return nil, nil
}

func TestIntentStage_NilIntentIsValidationError(t *testing.T) {
	stage := NewIntentStage(nilParser{}, testGuard(), nil)
	state := schema.NewPipelineState("wf-1", "anything interesting")

	err := stage.Run(context.Background(), state)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
	assert.Nil(t, state.Intent)
}

func TestIntentStage_ParserFailureIsCapabilityError(t *testing.T) {
	stage := NewIntentStage(failingParser{}, testGuard(), nil)
	state := schema.NewPipelineState("wf-1", "anything interesting")

	err := stage.Run(context.Background(), state)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCapability, perr.Code)
}
