package stages

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/internal/expressions"
	"github.com/postforge/postforge/pkg/schema"
)

// Test fakes shared across stage tests.

type fakeSearcher struct {
	batches [][]schema.Item
	errs    []error
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, req capability.SearchRequest) ([]schema.Item, error) {
	call := f.calls
	f.calls++
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	if call < len(f.batches) {
		return f.batches[call], nil
	}
	return nil, nil
}

type fakePublisher struct {
	postID string
	err    error
	calls  int
}

func (f *fakePublisher) Publish(ctx context.Context, req capability.PublishRequest) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.postID, nil
}

func testGuard() *capability.Guard {
	return capability.NewGuard(time.Second, capability.DefaultBreakerConfig(), nil)
}

func testCEL(t *testing.T) *expressions.CELEngine {
	t.Helper()
	engine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return engine
}

func makeItems(prefix string, n, engagement int) []schema.Item {
	items := make([]schema.Item, n)
	for i := range items {
		items[i] = schema.Item{
			ID:         fmt.Sprintf("%s-%d", prefix, i),
			Source:     "reddit",
			Text:       fmt.Sprintf("%s post %d about ai regulation", prefix, i),
			Engagement: engagement,
			CreatedAt:  time.Now().UTC(),
		}
	}
	return items
}

func researchedState() *schema.PipelineState {
	state := schema.NewPipelineState("wf-1", "latest ai regulation news in europe")
	state.Intent = &schema.Intent{Topic: "ai regulation", Scope: "europe", Tone: "informative"}
	return state
}
