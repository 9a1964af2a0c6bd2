// Package ownership tracks who owns which files, derived from commit
// history. Each (repo, file, user) row accumulates commit counts and line
// deltas; a score in [0,1] blends commit share, line share and recency over a
// 90-day window. The primary owner of a file is the argmax of score.
package ownership

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/teampulse/backend/internal/config"
)

// DefaultMinScore is the ownership threshold below which a user is not
// considered affected by a change.
const DefaultMinScore = 0.10

// Record is one ownership row.
type Record struct {
	Repo          string
	File          string
	User          string
	Team          string
	Commits       int
	LinesAdded    int64
	LinesRemoved  int64
	FirstCommitAt time.Time
	LastCommitAt  time.Time
	Score         float64
	RecentScore   float64
}

type Store struct {
	db      *sql.DB
	weights config.OwnershipConfig
	now     func() time.Time
}

func New(db *sql.DB, weights config.OwnershipConfig) *Store {
	if weights.RecencyDays == 0 {
		weights = config.OwnershipConfig{CommitWeight: 0.4, LinesWeight: 0.3, RecencyWeight: 0.3, RecencyDays: 90}
	}
	return &Store{db: db, weights: weights, now: time.Now}
}

// RecordCommit applies one commit to the ownership model. Line churn is
// distributed evenly across the touched files, half counted as added and
// half as removed per file record. After the upserts, scores are recomputed
// for every owner of every touched file.
//
// A non-empty sha is used as a replay guard: the same (repo, sha) is applied
// at most once, which keeps the additive counters exact under at-least-once
// delivery.
func (s *Store) RecordCommit(ctx context.Context, repo, team, author string, files []string, linesAdded, linesRemoved int64, sha string, committedAt time.Time) error {
	if len(files) == 0 || author == "" {
		return nil
	}
	if committedAt.IsZero() {
		committedAt = s.now()
	}

	if sha != "" {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO ownership_commits (repo, commit_sha) VALUES ($1, $2)
			 ON CONFLICT (repo, commit_sha) DO NOTHING`, repo, sha)
		if err != nil {
			return fmt.Errorf("record commit marker: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			// Already applied; replayed stream message.
			return nil
		}
	}

	perFile := (linesAdded + linesRemoved) / int64(len(files))
	addShare := perFile / 2
	removeShare := perFile - addShare

	for _, file := range files {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO ownership (repo, file_path, user_name, team, commits, lines_added, lines_removed, first_commit_at, last_commit_at)
			 VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $7)
			 ON CONFLICT (repo, file_path, user_name) DO UPDATE SET
				commits = ownership.commits + 1,
				lines_added = ownership.lines_added + EXCLUDED.lines_added,
				lines_removed = ownership.lines_removed + EXCLUDED.lines_removed,
				last_commit_at = GREATEST(ownership.last_commit_at, EXCLUDED.last_commit_at),
				team = EXCLUDED.team`,
			repo, file, author, team, addShare, removeShare, committedAt)
		if err != nil {
			return fmt.Errorf("upsert ownership %s/%s: %w", repo, file, err)
		}
	}

	for _, file := range files {
		if err := s.recomputeFile(ctx, repo, file); err != nil {
			return err
		}
	}
	return nil
}

// recomputeFile rescored every owner of one file. Not serialized across
// workers: the score is a pure function of current row state, so the last
// completed recomputation wins and the result converges once writes quiesce.
func (s *Store) recomputeFile(ctx context.Context, repo, file string) error {
	owners, err := s.fileOwners(ctx, repo, file)
	if err != nil {
		return err
	}
	scored := ComputeScores(owners, s.now(), s.weights)
	for _, o := range scored {
		_, err := s.db.ExecContext(ctx,
			`UPDATE ownership SET score = $4, recent_score = $5
			 WHERE repo = $1 AND file_path = $2 AND user_name = $3`,
			repo, file, o.User, o.Score, o.RecentScore)
		if err != nil {
			return fmt.Errorf("update score %s/%s/%s: %w", repo, file, o.User, err)
		}
	}
	return nil
}

// ComputeScores derives scores for the full owner cohort of a single file.
//
//	commit_share = commits / Σ commits
//	lines_share  = (added+removed) / Σ (added+removed)
//	recency      = max(0, 1 − days_since_last_commit / recency_days)
//	score        = wc·commit_share + wl·lines_share + wr·recency
func ComputeScores(owners []Record, now time.Time, w config.OwnershipConfig) []Record {
	var totalCommits int64
	var totalLines int64
	for _, o := range owners {
		totalCommits += int64(o.Commits)
		totalLines += o.LinesAdded + o.LinesRemoved
	}

	out := make([]Record, len(owners))
	for i, o := range owners {
		var commitShare, linesShare float64
		if totalCommits > 0 {
			commitShare = float64(o.Commits) / float64(totalCommits)
		}
		if totalLines > 0 {
			linesShare = float64(o.LinesAdded+o.LinesRemoved) / float64(totalLines)
		}
		days := now.Sub(o.LastCommitAt).Hours() / 24
		recency := 1 - days/float64(w.RecencyDays)
		if recency < 0 {
			recency = 0
		}
		o.Score = w.CommitWeight*commitShare + w.LinesWeight*linesShare + w.RecencyWeight*recency
		o.RecentScore = recency
		out[i] = o
	}
	return out
}

// OwnersOf returns owners of a file with score ≥ minScore, highest first.
// Ties break deterministically by user name.
func (s *Store) OwnersOf(ctx context.Context, repo, file string, minScore float64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT repo, file_path, user_name, team, commits, lines_added, lines_removed, first_commit_at, last_commit_at, score, recent_score
		 FROM ownership
		 WHERE repo = $1 AND file_path = $2 AND score >= $3
		 ORDER BY score DESC, user_name ASC`,
		repo, file, minScore)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// AffectedUsers resolves which users own any of the given files with score ≥
// DefaultMinScore, excluding the change author, mapped to the files each of
// them owns.
func (s *Store) AffectedUsers(ctx context.Context, repo string, files []string, exclude string) (map[string][]string, error) {
	if len(files) == 0 {
		return map[string][]string{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_name, file_path FROM ownership
		 WHERE repo = $1 AND file_path = ANY($2) AND user_name <> $3 AND score >= $4
		 ORDER BY user_name, file_path`,
		repo, pq.Array(files), exclude, DefaultMinScore)
	if err != nil {
		return nil, fmt.Errorf("query affected users: %w", err)
	}
	defer rows.Close()

	affected := map[string][]string{}
	for rows.Next() {
		var user, file string
		if err := rows.Scan(&user, &file); err != nil {
			return nil, fmt.Errorf("scan affected user: %w", err)
		}
		affected[user] = append(affected[user], file)
	}
	return affected, rows.Err()
}

func (s *Store) fileOwners(ctx context.Context, repo, file string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT repo, file_path, user_name, team, commits, lines_added, lines_removed, first_commit_at, last_commit_at, score, recent_score
		 FROM ownership WHERE repo = $1 AND file_path = $2`,
		repo, file)
	if err != nil {
		return nil, fmt.Errorf("query file owners: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Repo, &r.File, &r.User, &r.Team, &r.Commits, &r.LinesAdded, &r.LinesRemoved,
			&r.FirstCommitAt, &r.LastCommitAt, &r.Score, &r.RecentScore); err != nil {
			return nil, fmt.Errorf("scan ownership row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PrimaryOwner returns the top-scored owner of a file, or the zero Record
// when the file has no owners above the threshold.
func (s *Store) PrimaryOwner(ctx context.Context, repo, file string) (Record, bool, error) {
	owners, err := s.OwnersOf(ctx, repo, file, DefaultMinScore)
	if err != nil || len(owners) == 0 {
		return Record{}, false, err
	}
	sort.SliceStable(owners, func(i, j int) bool {
		if owners[i].Score != owners[j].Score {
			return owners[i].Score > owners[j].Score
		}
		return owners[i].User < owners[j].User
	})
	return owners[0], true, nil
}
