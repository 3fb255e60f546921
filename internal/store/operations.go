package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// BranchByName returns the configured Branch, or ErrNotFound.
func (s *Store) BranchByName(ctx context.Context, name string) (*Branch, error) {
	var b Branch
	err := s.db.GetContext(ctx, &b, "SELECT * FROM branches WHERE name = ? COLLATE NOCASE", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "branch lookup")
	}
	return &b, nil
}

// UpsertBranch inserts or replaces a branch row, used at startup to seed
// branches from configuration.
func (s *Store) UpsertBranch(ctx context.Context, b Branch) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO branches (name, repo_url, threshold, approval_required, permission_group)
		VALUES (:name, :repo_url, :threshold, :approval_required, :permission_group)
		ON CONFLICT(name) DO UPDATE SET
			repo_url = excluded.repo_url,
			threshold = excluded.threshold,
			approval_required = excluded.approval_required,
			permission_group = excluded.permission_group
	`, b)
	return errors.Wrap(err, "upserting branch")
}

// Branches returns every configured branch.
func (s *Store) Branches(ctx context.Context) ([]Branch, error) {
	var bs []Branch
	err := s.db.SelectContext(ctx, &bs, "SELECT * FROM branches ORDER BY name ASC")
	return bs, errors.Wrap(err, "listing branches")
}

// PurgeAllPatchsets deletes every queued patchset, returning the number of
// rows removed. It does not touch the outbox or the tracker — callers
// wanting a clean bug whiteboard after a purge must do that separately.
func (s *Store) PurgeAllPatchsets(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM patchsets")
	if err != nil {
		return 0, errors.Wrap(err, "purging patchsets")
	}
	return res.RowsAffected()
}

// RunningOnBranch counts in-flight patchsets for concurrency-cap checks. When
// includeTrial is true, it counts all patchsets currently running the trial
// stage (try_run = true) regardless of target branch, matching the shared
// trial-branch pool; otherwise it counts push_time-stamped patchsets bound
// for the named branch.
func (s *Store) RunningOnBranch(ctx context.Context, branch string, includeTrial bool) (int, error) {
	var count int
	var err error
	if includeTrial {
		err = s.db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM patchsets WHERE try_run = 1 AND push_time IS NOT NULL`)
	} else {
		err = s.db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM patchsets WHERE branch = ? AND push_time IS NOT NULL AND try_run = 0`, branch)
	}
	if err != nil {
		return 0, errors.Wrap(err, "counting in-flight patchsets")
	}
	return count, nil
}

// FindCriteria selects the subset of Patchset fields to filter by.
// Zero-valued fields are not included in the query.
type FindCriteria struct {
	ID       *int64
	BugID    *int
	Branch   *string
	Patches  *string
	TryRun   *bool
	Revision *string
}

// FindPatchset returns the first patchset matching the criteria, or ErrNotFound.
func (s *Store) FindPatchset(ctx context.Context, c FindCriteria) (*Patchset, error) {
	query := "SELECT * FROM patchsets WHERE 1=1"
	var args []any

	if c.ID != nil {
		query += " AND id = ?"
		args = append(args, *c.ID)
	}
	if c.BugID != nil {
		query += " AND bug_id = ?"
		args = append(args, *c.BugID)
	}
	if c.Branch != nil {
		query += " AND branch = ?"
		args = append(args, *c.Branch)
	}
	if c.Patches != nil {
		query += " AND patches = ?"
		args = append(args, *c.Patches)
	}
	if c.TryRun != nil {
		query += " AND try_run = ?"
		args = append(args, *c.TryRun)
	}
	if c.Revision != nil {
		query += " AND revision = ?"
		args = append(args, *c.Revision)
	}
	query += " LIMIT 1"

	var p Patchset
	err := s.db.GetContext(ctx, &p, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding patchset")
	}
	return &p, nil
}

// InsertPatchset inserts a new patchset, returning ErrUniquenessViolation if
// (bug_id, branch, patches, try_run) already exists.
func (s *Store) InsertPatchset(ctx context.Context, p Patchset) (int64, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO patchsets (bug_id, branch, patches, try_syntax, author, try_run, revision, push_time, retries)
		VALUES (:bug_id, :branch, :patches, :try_syntax, :author, :try_run, :revision, :push_time, :retries)
	`, p)
	if isUniqueViolation(err) {
		return 0, ErrUniquenessViolation
	}
	if err != nil {
		return 0, errors.Wrap(err, "inserting patchset")
	}
	return res.LastInsertId()
}

// UpdatePatchset persists mutations to an existing patchset row.
func (s *Store) UpdatePatchset(ctx context.Context, p Patchset) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE patchsets SET
			branch = :branch, patches = :patches, try_syntax = :try_syntax,
			author = :author, try_run = :try_run, revision = :revision,
			push_time = :push_time, retries = :retries
		WHERE id = :id
	`, p)
	return errors.Wrap(err, "updating patchset")
}

// DeletePatchset removes a patchset row by ID.
func (s *Store) DeletePatchset(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM patchsets WHERE id = ?", id)
	return errors.Wrap(err, "deleting patchset")
}

// TakeNextPatchset returns the oldest not-yet-dispatched patchset (push_time
// IS NULL), ties broken by id ascending, or ErrNotFound if the queue is empty.
func (s *Store) TakeNextPatchset(ctx context.Context) (*Patchset, error) {
	var p Patchset
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM patchsets
		WHERE push_time IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "taking next patchset")
	}
	return &p, nil
}

// PatchsetRevisions returns every non-null revision currently tracked.
func (s *Store) PatchsetRevisions(ctx context.Context) ([]string, error) {
	var revs []string
	err := s.db.SelectContext(ctx, &revs, "SELECT revision FROM patchsets WHERE revision IS NOT NULL")
	return revs, errors.Wrap(err, "listing patchset revisions")
}

// CommentEnqueue inserts a new outbox entry.
func (s *Store) CommentEnqueue(ctx context.Context, bug int, comment string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO comments (bug, comment) VALUES (?, ?)", bug, comment)
	return errors.Wrap(err, "enqueuing comment")
}

// CommentTakeOldest returns up to limit comments ordered oldest-first.
func (s *Store) CommentTakeOldest(ctx context.Context, limit int) ([]Comment, error) {
	var cs []Comment
	err := s.db.SelectContext(ctx, &cs, "SELECT * FROM comments ORDER BY created_at ASC, id ASC LIMIT ?", limit)
	return cs, errors.Wrap(err, "taking oldest comments")
}

// CommentUpdate persists an incremented attempt count.
func (s *Store) CommentUpdate(ctx context.Context, c Comment) error {
	_, err := s.db.ExecContext(ctx, "UPDATE comments SET attempts = ? WHERE id = ?", c.Attempts, c.ID)
	return errors.Wrap(err, "updating comment")
}

// CommentDelete removes an outbox entry.
func (s *Store) CommentDelete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM comments WHERE id = ?", id)
	return errors.Wrap(err, "deleting comment")
}

// StampPushTime sets push_time to now for a dispatched patchset.
func (s *Store) StampPushTime(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE patchsets SET push_time = ? WHERE id = ?", time.Now().UTC(), id)
	return errors.Wrap(err, "stamping push time")
}
