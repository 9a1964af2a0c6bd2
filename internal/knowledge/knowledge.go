// Package knowledge writes derived artifacts: decisions, extracted tasks
// and vector entries. Every write is keyed by a source identifier (commit
// sha, PR number, comment id), so replayed stream messages are no-ops.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/teampulse/backend/internal/classify"
	"github.com/teampulse/backend/internal/store"
	"github.com/teampulse/backend/internal/vector"
)

// ArtifactStore is the persistence slice the writer needs.
type ArtifactStore interface {
	CreateDecisionIfAbsent(ctx context.Context, d *store.Decision) (bool, error)
	CreateTaskIfAbsent(ctx context.Context, t *store.Task) (bool, error)
}

type Writer struct {
	store   ArtifactStore
	vectors vector.Store
}

func NewWriter(artifacts ArtifactStore, vectors vector.Store) *Writer {
	return &Writer{store: artifacts, vectors: vectors}
}

// RecordDecision persists one extracted decision and indexes it. Returns
// true when the decision was new.
func (w *Writer) RecordDecision(ctx context.Context, team string, d classify.Decision, source, sourceID string) (bool, error) {
	inserted, err := w.store.CreateDecisionIfAbsent(ctx, &store.Decision{
		ID:       uuid.New().String(),
		Team:     team,
		Title:    d.Title,
		Body:     d.Body,
		Source:   source,
		SourceID: sourceID,
	})
	if err != nil {
		return false, fmt.Errorf("record decision: %w", err)
	}
	if inserted {
		if err := w.IndexContent(ctx, source, sourceID, d.Title+"\n"+d.Body, map[string]string{
			"type": "decision",
			"team": team,
		}); err != nil {
			// Index loss is acceptable; the decision row is the source of
			// truth and indexing can be rebuilt.
			slog.Warn("decision indexing failed", "source", source, "source_id", sourceID, "error", err)
		}
	}
	return inserted, nil
}

// RecordExtractedTask persists an action item as a pending task. Returns the
// task and whether it was newly created.
func (w *Writer) RecordExtractedTask(ctx context.Context, team, creator string, item classify.ActionItem, source, sourceID string) (*store.Task, bool, error) {
	priority := item.Priority
	if priority == "" {
		priority = "medium"
	}
	t := &store.Task{
		ID:       uuid.New().String(),
		Team:     team,
		Title:    item.Title,
		Assignee: item.Assignee,
		Creator:  creator,
		Status:   store.TaskPending,
		Priority: priority,
		Source:   source,
		SourceID: sourceID,
	}
	inserted, err := w.store.CreateTaskIfAbsent(ctx, t)
	if err != nil {
		return nil, false, fmt.Errorf("record extracted task: %w", err)
	}
	return t, inserted, nil
}

// IndexContent upserts content into the vector store under a deterministic
// point id, so re-indexing the same source is idempotent.
func (w *Writer) IndexContent(ctx context.Context, source, sourceID, content string, metadata map[string]string) error {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+":"+sourceID)).String()
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["source"] = source
	metadata["source_id"] = sourceID
	return w.vectors.Insert(ctx, id, content, metadata)
}
