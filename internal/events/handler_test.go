package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mozilla/autoland/internal/outbox"
	"github.com/mozilla/autoland/internal/store"
	"github.com/mozilla/autoland/internal/tracker"
)

type fakeTracker struct {
	bugs    map[int]*tracker.Bug
	posted  []string
	updates map[int]string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{bugs: map[int]*tracker.Bug{}, updates: map[int]string{}}
}

func (f *fakeTracker) SearchByWhiteboard(context.Context, string) ([]tracker.Bug, error) {
	return nil, nil
}

func (f *fakeTracker) GetBug(_ context.Context, bugID int) (*tracker.Bug, error) {
	b, ok := f.bugs[bugID]
	if !ok {
		return &tracker.Bug{ID: bugID}, nil
	}
	return b, nil
}

func (f *fakeTracker) UpdateWhiteboard(_ context.Context, bugID int, whiteboard string) error {
	f.updates[bugID] = whiteboard
	return nil
}

func (f *fakeTracker) PostComment(_ context.Context, bugID int, comment string) error {
	f.posted = append(f.posted, comment)
	return nil
}

func newHandler(t *testing.T) (*Handler, *store.Store, *fakeTracker) {
	t.Helper()
	s, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ft := newFakeTracker()
	ob := outbox.New(s, ft, zap.NewNop(), t.TempDir()+"/dead.log")
	return New(s, ft, ob, zap.NewNop()), s, ft
}

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }

func TestHandleJob_InsertsTrialPatchset(t *testing.T) {
	h, s, _ := newHandler(t)
	ctx := context.Background()

	err := h.Handle(ctx, &Message{
		Type:     KindJob,
		BugID:    100,
		Branches: []string{"mozilla-central"},
		Patches:  []int{1, 2},
	})
	require.NoError(t, err)

	p, err := s.FindPatchset(ctx, store.FindCriteria{BugID: intPtr(100)})
	require.NoError(t, err)
	assert.True(t, p.TryRun)
	assert.Equal(t, "mozilla-central", p.Branch)
}

func TestHandleJob_RewritesTryOnlyBranchList(t *testing.T) {
	h, s, _ := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, &Message{
		Type:     KindJob,
		BugID:    101,
		Branches: []string{"try"},
	}))

	p, err := s.FindPatchset(ctx, store.FindCriteria{BugID: intPtr(101)})
	require.NoError(t, err)
	assert.Equal(t, "mozilla-central", p.Branch)
}

func TestHandleJob_DuplicateIsIgnoredNotErrored(t *testing.T) {
	h, _, _ := newHandler(t)
	ctx := context.Background()
	msg := &Message{Type: KindJob, BugID: 102, Branches: []string{"mozilla-central"}}

	require.NoError(t, h.Handle(ctx, msg))
	require.NoError(t, h.Handle(ctx, msg))
}

func TestHandleSuccess_TryPushRecordsRevision(t *testing.T) {
	h, s, _ := newHandler(t)
	ctx := context.Background()

	id, err := s.InsertPatchset(ctx, store.Patchset{BugID: 5, Branch: "mozilla-central", Patches: "1", TryRun: true})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, &Message{
		Type:       KindSuccess,
		Action:     ActionTryPush,
		PatchsetID: i64Ptr(id),
		Revision:   strPtr("abc123"),
	}))

	p, err := s.FindPatchset(ctx, store.FindCriteria{ID: i64Ptr(id)})
	require.NoError(t, err)
	require.NotNil(t, p.Revision)
	assert.Equal(t, "abc123", *p.Revision)
	assert.True(t, p.TryRun)
}

func TestHandleSuccess_TryRunFlipsToEligibleForBranchDispatch(t *testing.T) {
	h, s, _ := newHandler(t)
	ctx := context.Background()

	rev := "abc123"
	id, err := s.InsertPatchset(ctx, store.Patchset{
		BugID: 6, Branch: "mozilla-central", Patches: "1", TryRun: true, Revision: &rev,
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, &Message{
		Type:     KindSuccess,
		Action:   ActionTryRun,
		Revision: &rev,
	}))

	p, err := s.FindPatchset(ctx, store.FindCriteria{ID: i64Ptr(id)})
	require.NoError(t, err)
	assert.False(t, p.TryRun)
	assert.Nil(t, p.PushTime)
}

func TestHandleSuccess_TryRunWithNoPendingBranchIsTerminal(t *testing.T) {
	h, s, ft := newHandler(t)
	ctx := context.Background()

	rev := "def456"
	ft.bugs[7] = &tracker.Bug{ID: 7, Whiteboard: "[autoland-in-queue]"}
	_, err := s.InsertPatchset(ctx, store.Patchset{
		BugID: 7, Branch: "try", Patches: "1", TryRun: true, Revision: &rev,
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, &Message{
		Type: KindSuccess, Action: ActionTryRun, Revision: &rev,
	}))

	_, err = s.FindPatchset(ctx, store.FindCriteria{BugID: intPtr(7)})
	assert.Equal(t, store.ErrNotFound, err)
	assert.Equal(t, "", ft.updates[7])
}

func TestHandleSuccess_BranchPushIsTerminal(t *testing.T) {
	h, s, ft := newHandler(t)
	ctx := context.Background()

	ft.bugs[8] = &tracker.Bug{ID: 8, Whiteboard: "[autoland-in-queue]"}
	id, err := s.InsertPatchset(ctx, store.Patchset{BugID: 8, Branch: "mozilla-central", Patches: "1"})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, &Message{
		Type: KindSuccess, Action: ActionBranchPush, PatchsetID: i64Ptr(id),
	}))

	_, err = s.FindPatchset(ctx, store.FindCriteria{ID: i64Ptr(id)})
	assert.Equal(t, store.ErrNotFound, err)
	assert.Equal(t, "", ft.updates[8])
}

func TestHandleTimedOut_TryRunIsTerminal(t *testing.T) {
	h, s, _ := newHandler(t)
	ctx := context.Background()

	rev := "timedout1"
	id, err := s.InsertPatchset(ctx, store.Patchset{BugID: 9, Branch: "try", Patches: "1", TryRun: true, Revision: &rev})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, &Message{Type: KindTimedOut, Action: ActionTryRun, Revision: &rev}))

	_, err = s.FindPatchset(ctx, store.FindCriteria{ID: i64Ptr(id)})
	assert.Equal(t, store.ErrNotFound, err)
}

func TestHandleError_ApplyFailureIsTerminal(t *testing.T) {
	h, s, ft := newHandler(t)
	ctx := context.Background()

	ft.bugs[10] = &tracker.Bug{ID: 10, Whiteboard: "[autoland-in-queue]"}
	id, err := s.InsertPatchset(ctx, store.Patchset{BugID: 10, Branch: "mozilla-central", Patches: "1"})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, &Message{
		Type: KindError, Action: ActionApply, PatchsetID: i64Ptr(id),
	}))

	_, err = s.FindPatchset(ctx, store.FindCriteria{ID: i64Ptr(id)})
	assert.Equal(t, store.ErrNotFound, err)
	assert.Equal(t, "", ft.updates[10])
}

func TestHandle_CommentFieldAlwaysPostedOrEnqueued(t *testing.T) {
	h, _, ft := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, &Message{Type: KindUnknown, BugID: 42, Comment: "heads up"}))
	assert.Equal(t, []string{"heads up"}, ft.posted)
}

func intPtr(n int) *int { return &n }
