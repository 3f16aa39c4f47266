package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/postforge/postforge/pkg/schema"
)

// Heuristic capability implementations. These are the deterministic
// built-ins used when no model-backed capability is configured; they keep
// the pipeline fully runnable offline and give tests stable behavior.

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "on": true, "for": true,
	"and": true, "or": true, "to": true, "with": true, "about": true,
	"latest": true, "news": true, "new": true, "me": true, "find": true,
	"what": true, "is": true, "are": true, "in": true, "at": true,
}

var toneKeywords = map[string]string{
	"funny":         "humorous",
	"humorous":      "humorous",
	"casual":        "casual",
	"professional":  "professional",
	"formal":        "professional",
	"informative":   "informative",
	"educational":   "informative",
	"provocative":   "provocative",
	"controversial": "provocative",
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// HeuristicParser extracts an intent from the query by keyword analysis.
// "in <place>" and "for <audience>" clauses become the scope; tone keywords
// are recognized and stripped; the remaining significant terms form the topic.
type HeuristicParser struct{}

func (HeuristicParser) Parse(ctx context.Context, query string) (*schema.Intent, error) {
	if strings.TrimSpace(query) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty query")
	}

	tokens := tokenize(query)
	intent := &schema.Intent{Tone: "informative"}

	var topicTerms, scopeTerms []string
	inScope := false
	for _, tok := range tokens {
		if tone, ok := toneKeywords[tok]; ok {
			intent.Tone = tone
			continue
		}
		if tok == "in" || tok == "for" {
			inScope = true
			continue
		}
		if stopwords[tok] {
			continue
		}
		if inScope {
			scopeTerms = append(scopeTerms, tok)
		} else {
			topicTerms = append(topicTerms, tok)
		}
	}

	if len(topicTerms) == 0 {
		// Everything landed in the scope clause; treat it as the topic.
		topicTerms, scopeTerms = scopeTerms, nil
	}
	if len(topicTerms) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"query %q contains no usable topic terms", query)
	}

	intent.Topic = strings.Join(topicTerms, " ")
	intent.Scope = strings.Join(scopeTerms, " ")
	return intent, nil
}

// HeuristicStrategist widens or narrows the search query per iteration:
// the first pass searches the bare topic, the second adds the scope, and
// later passes pivot to terms frequent in what was already collected.
type HeuristicStrategist struct{}

func (HeuristicStrategist) NextQuery(ctx context.Context, intent schema.Intent, iteration int, collected []schema.Item) (string, error) {
	switch {
	case iteration == 0:
		return intent.Topic, nil
	case iteration == 1 && intent.Scope != "":
		return intent.Topic + " " + intent.Scope, nil
	}

	// Pivot on the most frequent non-topic term seen so far.
	topicSet := map[string]bool{}
	for _, t := range tokenize(intent.Topic) {
		topicSet[t] = true
	}
	freq := map[string]int{}
	for _, item := range collected {
		for _, tok := range tokenize(item.Text) {
			if stopwords[tok] || topicSet[tok] || len(tok) < 4 {
				continue
			}
			freq[tok]++
		}
	}
	pivot := ""
	best := 0
	for tok, n := range freq {
		if n > best || (n == best && tok < pivot) || pivot == "" {
			pivot, best = tok, n
		}
	}
	if pivot == "" {
		return intent.Topic, nil
	}
	return intent.Topic + " " + pivot, nil
}

// HeuristicScorer scores relevance as the fraction of intent terms present
// in the item text.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(ctx context.Context, intent schema.Intent, item schema.Item) (float64, error) {
	terms := tokenize(intent.Topic + " " + intent.Scope)
	if len(terms) == 0 {
		return 0, nil
	}
	text := " " + strings.ToLower(item.Text) + " "
	hits := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms)), nil
}

// HeuristicSummarizer builds an insight from the highest-engagement items:
// the summary quotes the lead item, key trends are the most frequent
// significant terms across all items.
type HeuristicSummarizer struct {
	// MaxTrends caps the number of key trends reported. Defaults to 3.
	MaxTrends int
}

func (s HeuristicSummarizer) Summarize(ctx context.Context, intent schema.Intent, items []schema.Item) (*schema.Insight, error) {
	if len(items) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "no items to summarize")
	}
	maxTrends := s.MaxTrends
	if maxTrends <= 0 {
		maxTrends = 3
	}

	topicSet := map[string]bool{}
	for _, t := range tokenize(intent.Topic) {
		topicSet[t] = true
	}

	freq := map[string]int{}
	ids := make([]string, 0, len(items))
	lead := items[0]
	for _, item := range items {
		ids = append(ids, item.ID)
		if item.Engagement > lead.Engagement {
			lead = item
		}
		for _, tok := range tokenize(item.Text) {
			if stopwords[tok] || topicSet[tok] || len(tok) < 4 {
				continue
			}
			freq[tok]++
		}
	}

	type trend struct {
		term  string
		count int
	}
	trends := make([]trend, 0, len(freq))
	for term, count := range freq {
		trends = append(trends, trend{term, count})
	}
	sort.Slice(trends, func(i, j int) bool {
		if trends[i].count != trends[j].count {
			return trends[i].count > trends[j].count
		}
		return trends[i].term < trends[j].term
	})
	if len(trends) > maxTrends {
		trends = trends[:maxTrends]
	}
	keyTrends := make([]string, len(trends))
	for i, tr := range trends {
		keyTrends[i] = tr.term
	}

	summary := fmt.Sprintf("Across %d posts on %s, the standout take: %s",
		len(items), intent.Topic, strings.TrimSpace(lead.Text))

	return &schema.Insight{
		Summary:   summary,
		KeyTrends: keyTrends,
		ItemIDs:   ids,
	}, nil
}

// TemplateDrafter composes post text from the insight using a fixed
// template, and applies reviewer feedback mechanically on revision: a note
// mentioning "short" truncates, one mentioning "hashtag" toggles hashtags,
// anything else appends the angle the note asks for.
type TemplateDrafter struct {
	// MaxLength truncates the draft when positive.
	MaxLength int
}

func (d TemplateDrafter) Draft(ctx context.Context, req DraftRequest) (string, error) {
	if req.Previous != nil {
		return d.revise(req)
	}

	var b strings.Builder
	b.WriteString(req.Insight.Summary)
	if len(req.Insight.KeyTrends) > 0 {
		b.WriteString("\n\n")
		b.WriteString(hashtagLine(req.Insight.KeyTrends))
	}
	text := b.String()
	if d.MaxLength > 0 {
		text = truncate(text, d.MaxLength)
	}
	return text, nil
}

func (d TemplateDrafter) revise(req DraftRequest) (string, error) {
	if req.Feedback == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "revision requires feedback")
	}
	text := req.Previous.Text
	note := strings.ToLower(req.Feedback.Note)

	switch {
	case strings.Contains(note, "short"):
		limit := len(text) / 2
		if limit < 80 {
			limit = 80
		}
		text = truncate(text, limit)
	case strings.Contains(note, "hashtag"):
		if idx := strings.LastIndex(text, "\n\n#"); idx >= 0 {
			text = text[:idx]
		} else if len(req.Insight.KeyTrends) > 0 {
			text += "\n\n" + hashtagLine(req.Insight.KeyTrends)
		}
	default:
		text += "\n\n" + strings.TrimSpace(req.Feedback.Note)
	}
	if d.MaxLength > 0 {
		text = truncate(text, d.MaxLength)
	}
	return text, nil
}

func hashtagLine(trends []string) string {
	tags := make([]string, len(trends))
	for i, t := range trends {
		tags[i] = "#" + strings.ReplaceAll(t, " ", "")
	}
	return strings.Join(tags, " ")
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

// DefaultSet returns the heuristic capability set, with search and publish
// left for the caller to wire to real transports.
func DefaultSet(searcher Searcher, publisher Publisher) *Set {
	return &Set{
		Parser:     HeuristicParser{},
		Searcher:   searcher,
		Strategist: HeuristicStrategist{},
		Scorer:     HeuristicScorer{},
		Summarizer: HeuristicSummarizer{},
		Drafter:    TemplateDrafter{MaxLength: 560},
		Publisher:  publisher,
	}
}
