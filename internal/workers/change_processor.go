package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/classify"
	"github.com/teampulse/backend/internal/impact"
	"github.com/teampulse/backend/internal/knowledge"
	"github.com/teampulse/backend/internal/metrics"
)

// Commit content shorter than this is not worth indexing.
const indexContentMinLen = 50

// Comment importance above this gets indexed.
const indexImportanceMin = 0.5

// EventStore is the raw-event slice the change processor needs.
type EventStore interface {
	MarkEventProcessed(ctx context.Context, id string) error
	MarkEventError(ctx context.Context, id, msg string) error
}

// OwnershipRecorder applies commits to the ownership model.
type OwnershipRecorder interface {
	RecordCommit(ctx context.Context, repo, team, author string, files []string, linesAdded, linesRemoved int64, sha string, committedAt time.Time) error
}

// Appender is the producing side of the broker.
type Appender interface {
	Append(ctx context.Context, stream, eventType string, data map[string]interface{}) (string, error)
}

// ChangeProcessor consumes git_events and drives ownership, impact analysis
// and knowledge extraction. Handlers are idempotent: ownership updates are
// sha-guarded and knowledge writes are keyed by source identifiers, so a
// replayed delivery converges to the same state.
type ChangeProcessor struct {
	events     EventStore
	ownership  OwnershipRecorder
	analyzer   *impact.Analyzer
	classifier classify.Classifier
	knowledge  *knowledge.Writer
	appender   Appender
	metrics    *metrics.Metrics
}

func NewChangeProcessor(events EventStore, own OwnershipRecorder, analyzer *impact.Analyzer,
	classifier classify.Classifier, kw *knowledge.Writer, appender Appender, m *metrics.Metrics) *ChangeProcessor {
	return &ChangeProcessor{
		events:     events,
		ownership:  own,
		analyzer:   analyzer,
		classifier: classifier,
		knowledge:  kw,
		appender:   appender,
		metrics:    m,
	}
}

// Handle dispatches one git_events entry. On success the raw event is
// stamped processed before the worker acks.
func (p *ChangeProcessor) Handle(ctx context.Context, entry broker.Entry) error {
	eventID := stringField(entry.Data, "event_id")
	action := stringField(entry.Data, "action")
	payload := mapField(entry.Data, "data")

	var err error
	switch entry.EventType {
	case "push":
		err = p.handlePush(ctx, payload)
	case "pull_request":
		err = p.handlePullRequest(ctx, action, payload)
	case "issues":
		err = p.handleIssue(ctx, action, payload)
	case "issue_comment":
		err = p.handleIssueComment(ctx, action, payload)
	case "pull_request_review":
		err = p.handleReview(ctx, action, payload)
	default:
		slog.Debug("ignoring git event", "event_type", entry.EventType, "event_id", eventID)
	}
	if err != nil {
		if eventID != "" {
			if merr := p.events.MarkEventError(ctx, eventID, err.Error()); merr != nil {
				slog.Warn("failed to record event error", "event_id", eventID, "error", merr)
			}
		}
		return err
	}

	if eventID != "" {
		if err := p.events.MarkEventProcessed(ctx, eventID); err != nil {
			return err
		}
	}
	return nil
}

func (p *ChangeProcessor) handlePush(ctx context.Context, payload map[string]interface{}) error {
	repo := repoName(payload)
	team := stringField(payload, "team_id")

	for _, raw := range listField(payload, "commits") {
		commit, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		sha := stringField(commit, "id")
		author := commitAuthor(commit)
		message := stringField(commit, "message")
		files := append(append(stringsField(commit, "added"), stringsField(commit, "modified")...),
			stringsField(commit, "removed")...)
		if len(files) == 0 {
			continue
		}

		stats := mapField(commit, "stats")
		added := int64(floatField(stats, "additions"))
		removed := int64(floatField(stats, "deletions"))

		committedAt, _ := time.Parse(time.RFC3339, stringField(commit, "timestamp"))
		if err := p.ownership.RecordCommit(ctx, repo, team, author, files, added, removed, sha, committedAt); err != nil {
			return fmt.Errorf("record commit %s: %w", sha, err)
		}

		verdict := p.analyzer.Analyze(ctx, impact.Change{
			ID:      sha,
			Type:    impact.ChangeCommit,
			Repo:    repo,
			Author:  author,
			Message: message,
			Files:   files,
		})
		if verdict.ShouldNotify {
			if err := p.notifyAffected(ctx, team, repo, author, verdict); err != nil {
				return err
			}
		}

		if len(message) > indexContentMinLen {
			if err := p.knowledge.IndexContent(ctx, "commit", repo+"@"+sha, message, map[string]string{
				"repo":   repo,
				"author": author,
			}); err != nil {
				slog.Warn("commit indexing failed", "repo", repo, "sha", sha, "error", err)
			}
		}
	}
	return nil
}

func (p *ChangeProcessor) handlePullRequest(ctx context.Context, action string, payload map[string]interface{}) error {
	repo := repoName(payload)
	team := stringField(payload, "team_id")
	pr := mapField(payload, "pull_request")
	number := fmt.Sprintf("%.0f", floatField(pr, "number"))
	author := userLogin(mapField(pr, "user"))
	title := stringField(pr, "title")
	body := stringField(pr, "body")
	merged, _ := pr["merged"].(bool)

	// Every PR event leaves an activity trace on the task stream.
	if _, err := p.appender.Append(ctx, broker.StreamTaskEvents, "pr_activity", map[string]interface{}{
		"repo":    repo,
		"team_id": team,
		"number":  number,
		"action":  action,
		"author":  author,
		"title":   title,
	}); err != nil {
		return fmt.Errorf("append pr activity: %w", err)
	}
	p.metrics.StreamAppends.WithLabelValues(broker.StreamTaskEvents).Inc()

	switch {
	case action == "opened" || action == "edited":
		if err := p.knowledge.IndexContent(ctx, "pr", repo+"#"+number, title+"\n"+body, map[string]string{
			"repo":   repo,
			"author": author,
		}); err != nil {
			slog.Warn("pr indexing failed", "repo", repo, "number", number, "error", err)
		}
	case action == "closed" && merged:
		verdict := p.analyzer.Analyze(ctx, impact.Change{
			ID:      number,
			Type:    impact.ChangePR,
			Repo:    repo,
			Author:  author,
			Message: title + "\n" + body,
			Files:   stringsField(pr, "files"),
			Merged:  true,
		})
		if verdict.ShouldNotify {
			if err := p.notifyAffected(ctx, team, repo, author, verdict); err != nil {
				return err
			}
		}
		for i, d := range p.classifier.ExtractDecisions(ctx, body) {
			sourceID := fmt.Sprintf("%s#%s/%d", repo, number, i)
			if _, err := p.knowledge.RecordDecision(ctx, team, d, "pr", sourceID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *ChangeProcessor) handleIssue(ctx context.Context, action string, payload map[string]interface{}) error {
	if action != "opened" && action != "edited" {
		return nil
	}
	repo := repoName(payload)
	team := stringField(payload, "team_id")
	issue := mapField(payload, "issue")
	number := fmt.Sprintf("%.0f", floatField(issue, "number"))
	content := stringField(issue, "title") + "\n" + stringField(issue, "body")

	p.classifier.ClassifyContent(ctx, content)

	for i, item := range p.classifier.ExtractActionItems(ctx, content) {
		_, err := p.appender.Append(ctx, broker.StreamTaskEvents, "task_extracted", map[string]interface{}{
			"team_id":   team,
			"title":     item.Title,
			"assignee":  item.Assignee,
			"priority":  item.Priority,
			"creator":   userLogin(mapField(issue, "user")),
			"source":    "issue",
			"source_id": fmt.Sprintf("%s#%s/%d", repo, number, i),
		})
		if err != nil {
			return fmt.Errorf("append task_extracted: %w", err)
		}
		p.metrics.StreamAppends.WithLabelValues(broker.StreamTaskEvents).Inc()
	}

	if err := p.knowledge.IndexContent(ctx, "issue", repo+"#"+number, content, map[string]string{
		"repo": repo,
	}); err != nil {
		slog.Warn("issue indexing failed", "repo", repo, "number", number, "error", err)
	}
	return nil
}

func (p *ChangeProcessor) handleIssueComment(ctx context.Context, action string, payload map[string]interface{}) error {
	if action != "created" {
		return nil
	}
	repo := repoName(payload)
	team := stringField(payload, "team_id")
	comment := mapField(payload, "comment")
	commentID := fmt.Sprintf("%.0f", floatField(comment, "id"))
	body := stringField(comment, "body")

	verdict := p.classifier.ClassifyContent(ctx, body)
	if verdict.Category == classify.CategoryDecision {
		for i, d := range p.classifier.ExtractDecisions(ctx, body) {
			sourceID := fmt.Sprintf("%s/comment/%s/%d", repo, commentID, i)
			if _, err := p.knowledge.RecordDecision(ctx, team, d, "comment", sourceID); err != nil {
				return err
			}
		}
	}
	if verdict.ImportanceScore > indexImportanceMin {
		if err := p.knowledge.IndexContent(ctx, "comment", repo+"/"+commentID, body, map[string]string{
			"repo":     repo,
			"category": verdict.Category,
		}); err != nil {
			slog.Warn("comment indexing failed", "repo", repo, "comment", commentID, "error", err)
		}
	}
	return nil
}

func (p *ChangeProcessor) handleReview(ctx context.Context, action string, payload map[string]interface{}) error {
	if action != "submitted" {
		return nil
	}
	repo := repoName(payload)
	team := stringField(payload, "team_id")
	pr := mapField(payload, "pull_request")
	number := fmt.Sprintf("%.0f", floatField(pr, "number"))
	author := userLogin(mapField(pr, "user"))
	review := mapField(payload, "review")
	reviewer := userLogin(mapField(review, "user"))
	state := stringField(review, "state")

	if _, err := p.appender.Append(ctx, broker.StreamTaskEvents, "pr_activity", map[string]interface{}{
		"repo":    repo,
		"team_id": team,
		"number":  number,
		"action":  "reviewed",
		"author":  reviewer,
	}); err != nil {
		return fmt.Errorf("append review activity: %w", err)
	}
	p.metrics.StreamAppends.WithLabelValues(broker.StreamTaskEvents).Inc()

	if reviewer != "" && reviewer != author {
		_, err := p.appender.Append(ctx, broker.StreamNotifications, "pr_reviewed", map[string]interface{}{
			"recipient_id": author,
			"team_id":      team,
			"title":        fmt.Sprintf("PR #%s reviewed", number),
			"message":      fmt.Sprintf("%s %s your pull request in %s", reviewer, reviewVerb(state), repo),
			"priority":     "normal",
			"source_ref":   "pr:" + repo + "#" + number,
		})
		if err != nil {
			return fmt.Errorf("append pr_reviewed notification: %w", err)
		}
		p.metrics.StreamAppends.WithLabelValues(broker.StreamNotifications).Inc()
	}
	return nil
}

// notifyAffected fans one impact verdict out to every affected user.
func (p *ChangeProcessor) notifyAffected(ctx context.Context, team, repo, author string, v impact.Verdict) error {
	kind := "change_impact"
	if v.IsBreaking {
		kind = "breaking_change"
	}
	for user, files := range v.AffectedUsers {
		_, err := p.appender.Append(ctx, broker.StreamNotifications, kind, map[string]interface{}{
			"recipient_id": user,
			"team_id":      team,
			"title":        fmt.Sprintf("%s changed %d file(s) you own in %s", author, len(files), repo),
			"message":      v.Summary,
			"priority":     v.Priority,
			"source_ref":   v.ChangeType + ":" + v.ChangeID,
		})
		if err != nil {
			return fmt.Errorf("append %s notification for %s: %w", kind, user, err)
		}
		p.metrics.StreamAppends.WithLabelValues(broker.StreamNotifications).Inc()
	}
	return nil
}

func reviewVerb(state string) string {
	switch state {
	case "approved":
		return "approved"
	case "changes_requested":
		return "requested changes on"
	default:
		return "reviewed"
	}
}

func repoName(payload map[string]interface{}) string {
	return stringField(mapField(payload, "repository"), "full_name")
}

func commitAuthor(commit map[string]interface{}) string {
	author := mapField(commit, "author")
	if u := stringField(author, "username"); u != "" {
		return u
	}
	return stringField(author, "name")
}

func userLogin(user map[string]interface{}) string {
	return stringField(user, "login")
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]interface{})
	return v
}

func listField(m map[string]interface{}, key string) []interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].([]interface{})
	return v
}

func stringsField(m map[string]interface{}, key string) []string {
	var out []string
	for _, v := range listField(m, key) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatField(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	f, _ := m[key].(float64)
	return f
}
