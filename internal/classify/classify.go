// Package classify is the LLM-backed classification and extraction
// capability. The rest of the pipeline sees only the Classifier interface and
// structured verdicts; providers, failover and fallback defaults all live
// here, so the core stays unit-testable with a fake.
package classify

import (
	"context"
)

// Severity levels, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Categories assigned to chat/issue content.
const (
	CategoryDecision   = "decision"
	CategoryActionItem = "action_item"
	CategoryDiscussion = "discussion"
	CategoryOther      = "other"
)

// Verdict is the structured result of classifying a commit message or a
// piece of content.
type Verdict struct {
	Category        string  `json:"category"`
	ImportanceScore float64 `json:"importance_score"`
	IsBreaking      bool    `json:"is_breaking"`
	Severity        string  `json:"severity"`
	Summary         string  `json:"summary"`
}

// Decision is an extracted decision statement.
type Decision struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ActionItem is an extracted piece of follow-up work.
type ActionItem struct {
	Title    string `json:"title"`
	Assignee string `json:"assignee"`
	Priority string `json:"priority"`
}

// Classifier is the capability consumed by the impact analyzer and the
// change processor. Implementations must never block longer than their
// per-call timeout and must degrade to safe defaults rather than fail the
// pipeline.
type Classifier interface {
	ClassifyMessage(ctx context.Context, message string) Verdict
	ClassifyContent(ctx context.Context, content string) Verdict
	ExtractDecisions(ctx context.Context, content string) []Decision
	ExtractActionItems(ctx context.Context, content string) []ActionItem
}

// FallbackVerdict is the safe default returned when no provider answers:
// non-breaking, low severity, unremarkable importance.
func FallbackVerdict() Verdict {
	return Verdict{
		Category:        CategoryOther,
		ImportanceScore: 0.3,
		IsBreaking:      false,
		Severity:        SeverityLow,
	}
}
