package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndLookupBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertBranch(ctx, Branch{
		Name: "mozilla-central", RepoURL: "ssh://hg.mozilla.org/mozilla-central",
		Threshold: 5, PermissionGroup: "scm_level_3",
	})
	require.NoError(t, err)

	b, err := s.BranchByName(ctx, "Mozilla-Central")
	require.NoError(t, err)
	assert.Equal(t, 5, b.Threshold)

	_, err = s.BranchByName(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertPatchset_EnforcesUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := Patchset{BugID: 1, Branch: "try", Patches: "10,11", TryRun: true}
	id, err := s.InsertPatchset(ctx, p)
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = s.InsertPatchset(ctx, p)
	assert.ErrorIs(t, err, ErrUniquenessViolation)
}

func TestTakeNextPatchset_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	firstID, err := s.InsertPatchset(ctx, Patchset{BugID: 1, Branch: "try", Patches: "1", TryRun: true})
	require.NoError(t, err)
	_, err = s.InsertPatchset(ctx, Patchset{BugID: 2, Branch: "try", Patches: "2", TryRun: true})
	require.NoError(t, err)

	next, err := s.TakeNextPatchset(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstID, next.ID)
}

func TestTakeNextPatchset_EmptyQueue(t *testing.T) {
	s := newTestStore(t)
	_, err := s.TakeNextPatchset(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunningOnBranch_RespectsThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertPatchset(ctx, Patchset{BugID: 1, Branch: "mozilla-central", Patches: "1", TryRun: false})
	require.NoError(t, err)
	require.NoError(t, s.StampPushTime(ctx, id))

	count, err := s.RunningOnBranch(ctx, "mozilla-central", false)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.RunningOnBranch(ctx, "other-branch", false)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCommentOutbox_EnqueueTakeUpdateDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CommentEnqueue(ctx, 42, "hello world"))

	comments, err := s.CommentTakeOldest(ctx, 5)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, 42, comments[0].Bug)

	comments[0].Attempts = 1
	require.NoError(t, s.CommentUpdate(ctx, comments[0]))

	require.NoError(t, s.CommentDelete(ctx, comments[0].ID))

	comments, err = s.CommentTakeOldest(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, comments)
}

func TestPatchIDs_RoundTrip(t *testing.T) {
	ids := []int{10, 20, 30}
	joined := JoinPatchIDs(ids)
	p := Patchset{Patches: joined}
	assert.Equal(t, ids, p.PatchIDs())
}
