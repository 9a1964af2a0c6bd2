// Package impact resolves who is affected by a change and how urgently they
// should hear about it. It consults the classifier for breaking/severity
// verdicts and the ownership store for the affected-user set; its output is
// ephemeral, produced per event and never persisted verbatim.
package impact

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teampulse/backend/internal/classify"
)

// Change types.
const (
	ChangeCommit = "commit"
	ChangePR     = "pr"
)

// Notification priorities, lowest to highest.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Change describes a commit or a pull request under analysis.
type Change struct {
	ID      string // commit sha or PR number
	Type    string // ChangeCommit or ChangePR
	Repo    string
	Author  string
	Message string // commit message, or PR title + body
	Files   []string
	Merged  bool // PRs only
}

// Verdict is the analysis result.
type Verdict struct {
	ChangeID      string
	ChangeType    string
	IsBreaking    bool
	Severity      string
	AffectedUsers map[string][]string // user → files they own among the change
	Summary       string
	Priority      string
	ShouldNotify  bool
}

// OwnershipResolver is the slice of the ownership store the analyzer needs.
type OwnershipResolver interface {
	AffectedUsers(ctx context.Context, repo string, files []string, exclude string) (map[string][]string, error)
}

type Analyzer struct {
	classifier classify.Classifier
	ownership  OwnershipResolver
}

func NewAnalyzer(classifier classify.Classifier, ownership OwnershipResolver) *Analyzer {
	return &Analyzer{classifier: classifier, ownership: ownership}
}

// Analyze produces the impact verdict for one change. The ownership lookup is
// eventually consistent with in-flight commits; a lookup failure degrades to
// an empty affected set rather than failing the event.
func (a *Analyzer) Analyze(ctx context.Context, ch Change) Verdict {
	cls := a.classifier.ClassifyMessage(ctx, ch.Message)

	severity := cls.Severity
	if ch.Type == ChangePR && ch.Merged && severity == classify.SeverityLow {
		// A merged PR is never trivial.
		severity = classify.SeverityMedium
	}

	affected, err := a.ownership.AffectedUsers(ctx, ch.Repo, ch.Files, ch.Author)
	if err != nil {
		slog.Warn("ownership lookup failed, assuming no affected users",
			"repo", ch.Repo, "change", ch.ID, "error", err)
		affected = map[string][]string{}
	}
	// The author never notifies themselves; enforced here as well as in the
	// store query so fakes can't violate it.
	delete(affected, ch.Author)

	v := Verdict{
		ChangeID:      ch.ID,
		ChangeType:    ch.Type,
		IsBreaking:    cls.IsBreaking,
		Severity:      severity,
		AffectedUsers: affected,
		Summary:       cls.Summary,
	}
	if v.Summary == "" {
		v.Summary = fmt.Sprintf("%d file(s) changed in %s", len(ch.Files), ch.Repo)
	}

	merged := ch.Type == ChangePR && ch.Merged
	v.ShouldNotify = v.IsBreaking ||
		len(affected) > 0 ||
		(ch.Type == ChangeCommit && len(ch.Files) > 10) ||
		merged

	v.Priority = priorityFor(v.IsBreaking, severity, merged, len(affected))
	return v
}

func priorityFor(breaking bool, severity string, merged bool, affectedCount int) string {
	switch {
	case breaking && (severity == classify.SeverityHigh || severity == classify.SeverityCritical || merged):
		return PriorityUrgent
	case breaking:
		return PriorityHigh
	case merged || affectedCount > 3:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
