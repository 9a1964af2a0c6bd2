package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teampulse/backend/internal/circuitbreaker"
)

type scriptedCompleter struct {
	out string
	err error
}

func (s *scriptedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return s.out, s.err
}

func newClassifier(c Completer) *LLMClassifier {
	return NewLLMClassifier(c, circuitbreaker.New(circuitbreaker.Config{Name: "test"}))
}

func TestClassifyMessageParsesVerdict(t *testing.T) {
	c := newClassifier(&scriptedCompleter{
		out: `Here is the classification:
{"category": "other", "importance_score": 0.9, "is_breaking": true, "severity": "high", "summary": "removes the v1 endpoint"}`,
	})

	v := c.ClassifyMessage(context.Background(), "BREAKING: remove /v1 endpoint")
	assert.True(t, v.IsBreaking)
	assert.Equal(t, SeverityHigh, v.Severity)
	assert.Equal(t, 0.9, v.ImportanceScore)
}

func TestClassifyMessageFallsBackOnProviderError(t *testing.T) {
	c := newClassifier(&scriptedCompleter{err: errors.New("connection refused")})

	v := c.ClassifyMessage(context.Background(), "fix: parse bug")
	assert.False(t, v.IsBreaking)
	assert.Equal(t, SeverityLow, v.Severity)
	assert.Equal(t, CategoryOther, v.Category)
}

func TestClassifyMessageFallsBackOnMalformedJSON(t *testing.T) {
	c := newClassifier(&scriptedCompleter{out: "sorry, I can't help with that"})

	v := c.ClassifyMessage(context.Background(), "fix: parse bug")
	assert.Equal(t, FallbackVerdict(), v)
}

func TestClassifyNormalizesBadSeverity(t *testing.T) {
	c := newClassifier(&scriptedCompleter{
		out: `{"category": "discussion", "importance_score": 0.2, "is_breaking": false, "severity": "catastrophic"}`,
	})

	v := c.ClassifyContent(context.Background(), "lunch thread")
	assert.Equal(t, SeverityLow, v.Severity)
	assert.Equal(t, CategoryDiscussion, v.Category)
}

func TestExtractActionItems(t *testing.T) {
	c := newClassifier(&scriptedCompleter{
		out: "```json\n[{\"title\": \"update the docs\", \"assignee\": \"bob\", \"priority\": \"medium\"}]\n```",
	})

	items := c.ExtractActionItems(context.Background(), "someone should update the docs, bob can take it")
	assert.Len(t, items, 1)
	assert.Equal(t, "update the docs", items[0].Title)
	assert.Equal(t, "bob", items[0].Assignee)
}

func TestExtractDecisionsEmptyOnFailure(t *testing.T) {
	c := newClassifier(&scriptedCompleter{err: errors.New("timeout")})
	assert.Empty(t, c.ExtractDecisions(context.Background(), "we decided to use PostgreSQL"))
}

func TestFailoverTriesSecondProvider(t *testing.T) {
	f := NewFailover(
		&scriptedCompleter{err: errors.New("primary down")},
		&scriptedCompleter{out: `{"category":"other","severity":"low"}`},
	)

	out, err := f.Complete(context.Background(), "prompt")
	assert.NoError(t, err)
	assert.Contains(t, out, "category")
}
