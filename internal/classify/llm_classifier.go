package classify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teampulse/backend/internal/circuitbreaker"
)

const callTimeout = 25 * time.Second

// LLMClassifier drives a Completer with structured-output prompts. Every
// method degrades to a deterministic default when the provider chain fails;
// classification being down never stalls the pipeline.
type LLMClassifier struct {
	completer Completer
	breaker   *circuitbreaker.Breaker
	fallbacks prometheus.Counter
}

func NewLLMClassifier(completer Completer, breaker *circuitbreaker.Breaker) *LLMClassifier {
	return &LLMClassifier{completer: completer, breaker: breaker}
}

// WithFallbackCounter wires the fallback-verdict counter.
func (c *LLMClassifier) WithFallbackCounter(counter prometheus.Counter) *LLMClassifier {
	c.fallbacks = counter
	return c
}

func (c *LLMClassifier) ClassifyMessage(ctx context.Context, message string) Verdict {
	prompt := `Classify this commit message. Respond with only a JSON object:
{"category": "decision|action_item|discussion|other", "importance_score": 0.0-1.0, "is_breaking": bool, "severity": "low|medium|high|critical", "summary": "one sentence"}
A change is breaking when it removes or alters an API, schema, endpoint, or contract that consumers depend on.

Commit message:
` + message

	return c.classify(ctx, prompt)
}

func (c *LLMClassifier) ClassifyContent(ctx context.Context, content string) Verdict {
	prompt := `Classify this team discussion content. Respond with only a JSON object:
{"category": "decision|action_item|discussion|other", "importance_score": 0.0-1.0, "is_breaking": false, "severity": "low|medium|high|critical", "summary": "one sentence"}
Use category "decision" when the text records a choice the team made.

Content:
` + content

	return c.classify(ctx, prompt)
}

func (c *LLMClassifier) ExtractDecisions(ctx context.Context, content string) []Decision {
	prompt := `Extract decisions from this text. Respond with only a JSON array, empty if none:
[{"title": "short decision title", "body": "the decision and its rationale"}]

Text:
` + content

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		slog.Warn("decision extraction unavailable", "error", err)
		return nil
	}
	var out []Decision
	if err := json.Unmarshal([]byte(extractJSON(raw, '[', ']')), &out); err != nil {
		slog.Warn("decision extraction returned malformed JSON", "error", err)
		return nil
	}
	return out
}

func (c *LLMClassifier) ExtractActionItems(ctx context.Context, content string) []ActionItem {
	prompt := `Extract action items from this text. Respond with only a JSON array, empty if none:
[{"title": "what needs doing", "assignee": "username or empty", "priority": "low|medium|high"}]

Text:
` + content

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		slog.Warn("action item extraction unavailable", "error", err)
		return nil
	}
	var out []ActionItem
	if err := json.Unmarshal([]byte(extractJSON(raw, '[', ']')), &out); err != nil {
		slog.Warn("action item extraction returned malformed JSON", "error", err)
		return nil
	}
	return out
}

func (c *LLMClassifier) classify(ctx context.Context, prompt string) Verdict {
	raw, err := c.complete(ctx, prompt)
	if err != nil {
		slog.Warn("classifier unavailable, using fallback verdict", "error", err)
		return c.fallback()
	}

	var v Verdict
	if err := json.Unmarshal([]byte(extractJSON(raw, '{', '}')), &v); err != nil {
		slog.Warn("classifier returned malformed JSON, using fallback verdict", "error", err)
		return c.fallback()
	}
	if !validSeverity(v.Severity) {
		v.Severity = SeverityLow
	}
	if v.Category == "" {
		v.Category = CategoryOther
	}
	return v
}

func (c *LLMClassifier) fallback() Verdict {
	if c.fallbacks != nil {
		c.fallbacks.Inc()
	}
	return FallbackVerdict()
}

func (c *LLMClassifier) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var out string
	err := c.breaker.Do(func() error {
		var err error
		out, err = c.completer.Complete(ctx, prompt)
		return err
	})
	return out, err
}

// extractJSON pulls the first balanced JSON value delimited by open/close
// out of a completion that may be wrapped in prose or code fences.
func extractJSON(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func validSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}
