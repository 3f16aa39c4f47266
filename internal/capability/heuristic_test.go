package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/pkg/schema"
)

func TestHeuristicParser(t *testing.T) {
	ctx := context.Background()
	parser := HeuristicParser{}

	tests := []struct {
		name      string
		query     string
		wantTopic string
		wantScope string
		wantTone  string
	}{
		{
			name:      "topic with scope clause",
			query:     "latest AI regulation news in Europe",
			wantTopic: "ai regulation",
			wantScope: "europe",
			wantTone:  "informative",
		},
		{
			name:      "tone keyword recognized and stripped",
			query:     "funny take on rust adoption",
			wantTopic: "take rust adoption",
			wantScope: "",
			wantTone:  "humorous",
		},
		{
			name:      "for clause becomes scope",
			query:     "kubernetes cost tips for startups",
			wantTopic: "kubernetes cost tips",
			wantScope: "startups",
			wantTone:  "informative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, err := parser.Parse(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTopic, intent.Topic)
			assert.Equal(t, tt.wantScope, intent.Scope)
			assert.Equal(t, tt.wantTone, intent.Tone)
		})
	}
}

func TestHeuristicParser_RejectsEmptyQuery(t *testing.T) {
	parser := HeuristicParser{}
	_, err := parser.Parse(context.Background(), "   ")
	require.Error(t, err)

	_, err = parser.Parse(context.Background(), "the a of")
	require.Error(t, err)
}

func TestHeuristicStrategist_IterationProgression(t *testing.T) {
	ctx := context.Background()
	strategist := HeuristicStrategist{}
	intent := schema.Intent{Topic: "ai regulation", Scope: "europe"}

	q0, err := strategist.NextQuery(ctx, intent, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "ai regulation", q0)

	q1, err := strategist.NextQuery(ctx, intent, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "ai regulation europe", q1)

	collected := []schema.Item{
		{ID: "a", Text: "the ai act enforcement deadline is close"},
		{ID: "b", Text: "enforcement actions expected this fall"},
	}
	q2, err := strategist.NextQuery(ctx, intent, 2, collected)
	require.NoError(t, err)
	assert.Equal(t, "ai regulation enforcement", q2)
}

func TestHeuristicScorer(t *testing.T) {
	ctx := context.Background()
	scorer := HeuristicScorer{}
	intent := schema.Intent{Topic: "ai regulation", Scope: "europe"}

	full, err := scorer.Score(ctx, intent, schema.Item{Text: "AI regulation in Europe tightens"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, full, 0.001)

	partial, err := scorer.Score(ctx, intent, schema.Item{Text: "regulation debate continues"})
	require.NoError(t, err)
	assert.Greater(t, partial, 0.0)
	assert.Less(t, partial, 1.0)

	none, err := scorer.Score(ctx, intent, schema.Item{Text: "cat pictures"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, none)
}

func TestHeuristicSummarizer(t *testing.T) {
	ctx := context.Background()
	intent := schema.Intent{Topic: "ai regulation"}
	items := []schema.Item{
		{ID: "a", Text: "enforcement deadline announced", Engagement: 10},
		{ID: "b", Text: "massive fines possible under enforcement rules", Engagement: 90},
		{ID: "c", Text: "startups worry about compliance fines", Engagement: 30},
	}

	insight, err := HeuristicSummarizer{MaxTrends: 2}.Summarize(ctx, intent, items)
	require.NoError(t, err)
	assert.Contains(t, insight.Summary, "massive fines possible")
	assert.Contains(t, insight.Summary, "3 posts")
	assert.Len(t, insight.KeyTrends, 2)
	assert.Contains(t, insight.KeyTrends, "enforcement")
	assert.Equal(t, []string{"a", "b", "c"}, insight.ItemIDs)
}

func TestHeuristicSummarizer_RejectsEmpty(t *testing.T) {
	_, err := HeuristicSummarizer{}.Summarize(context.Background(), schema.Intent{Topic: "x"}, nil)
	require.Error(t, err)
}

func TestTemplateDrafter_InitialDraft(t *testing.T) {
	drafter := TemplateDrafter{}
	text, err := drafter.Draft(context.Background(), DraftRequest{
		Insight: schema.Insight{
			Summary:   "Regulators are moving fast.",
			KeyTrends: []string{"enforcement", "fines"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, text, "Regulators are moving fast.")
	assert.Contains(t, text, "#enforcement #fines")
}

func TestTemplateDrafter_RevisionShortens(t *testing.T) {
	drafter := TemplateDrafter{}
	long := "This is a deliberately long draft about regulatory enforcement trends that keeps going and going with more and more detail than any social post needs to carry."
	text, err := drafter.Draft(context.Background(), DraftRequest{
		Insight:  schema.Insight{Summary: "s"},
		Previous: &schema.Draft{Version: 1, Text: long},
		Feedback: &schema.Feedback{ID: "fb-1", DraftVersion: 1, Decision: schema.DecisionModify, Note: "make it shorter"},
	})
	require.NoError(t, err)
	assert.Less(t, len(text), len(long))
}

func TestTemplateDrafter_RevisionAppliesNote(t *testing.T) {
	drafter := TemplateDrafter{}
	text, err := drafter.Draft(context.Background(), DraftRequest{
		Insight:  schema.Insight{Summary: "s"},
		Previous: &schema.Draft{Version: 1, Text: "Base draft."},
		Feedback: &schema.Feedback{ID: "fb-1", DraftVersion: 1, Decision: schema.DecisionModify, Note: "Mention the compliance deadline."},
	})
	require.NoError(t, err)
	assert.Contains(t, text, "Base draft.")
	assert.Contains(t, text, "Mention the compliance deadline.")
}

func TestTemplateDrafter_RevisionRequiresFeedback(t *testing.T) {
	drafter := TemplateDrafter{}
	_, err := drafter.Draft(context.Background(), DraftRequest{
		Previous: &schema.Draft{Version: 1, Text: "x"},
	})
	require.Error(t, err)
}

func TestSetValidate(t *testing.T) {
	set := DefaultSet(nil, nil)
	err := set.Validate()
	require.Error(t, err)

	set = DefaultSet(&HTTPSearcher{Endpoint: "http://localhost"}, &WebhookPublisher{Endpoint: "http://localhost"})
	require.NoError(t, set.Validate())
}
