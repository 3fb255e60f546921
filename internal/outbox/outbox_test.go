package outbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mozilla/autoland/internal/store"
	"github.com/mozilla/autoland/internal/tracker"
)

// stubTracker implements tracker.Client for outbox tests; only PostComment
// is exercised.
type stubTracker struct {
	failAlways bool
	posted     []string
}

func (s *stubTracker) SearchByWhiteboard(context.Context, string) ([]tracker.Bug, error) {
	return nil, nil
}

func (s *stubTracker) GetBug(context.Context, int) (*tracker.Bug, error) {
	return nil, nil
}

func (s *stubTracker) UpdateWhiteboard(context.Context, int, string) error {
	return nil
}

func (s *stubTracker) PostComment(_ context.Context, bugID int, comment string) error {
	if s.failAlways {
		return errors.New("simulated tracker outage")
	}
	s.posted = append(s.posted, comment)
	return nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDrain_PersistsFiveAttemptsBeforeDeadLettering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "failed_comments.log")

	ft := &stubTracker{failAlways: true}
	ob := New(s, ft, zap.NewNop(), logPath)

	require.NoError(t, s.CommentEnqueue(ctx, 99, "please land this"))

	// Each of the first maxAttempts failures must persist an incremented
	// attempt count, not dead-letter the entry.
	for i := 0; i < maxAttempts; i++ {
		require.NoError(t, ob.Drain(ctx))

		remaining, err := s.CommentTakeOldest(ctx, 10)
		require.NoError(t, err)
		require.Len(t, remaining, 1, "entry should survive failure %d", i+1)
		assert.Equal(t, i+1, remaining[0].Attempts)

		_, statErr := os.Stat(logPath)
		assert.True(t, os.IsNotExist(statErr), "should not dead-letter before the cap is reached")
	}

	// The failure at the cap dead-letters the entry instead of persisting a
	// sixth attempt.
	require.NoError(t, ob.Drain(ctx))

	remaining, err := s.CommentTakeOldest(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "99\n\tplease land this")
}

func TestDrain_SucceedsAndRemovesEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ft := &stubTracker{}
	ob := New(s, ft, zap.NewNop(), filepath.Join(t.TempDir(), "dead.log"))

	require.NoError(t, s.CommentEnqueue(ctx, 1, "hi"))
	require.NoError(t, ob.Drain(ctx))

	remaining, err := s.CommentTakeOldest(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Equal(t, []string{"hi"}, ft.posted)
}

func TestPostOrEnqueue_FallsBackOnFailure(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ft := &stubTracker{failAlways: true}
	ob := New(s, ft, zap.NewNop(), filepath.Join(t.TempDir(), "dead.log"))

	ob.PostOrEnqueue(ctx, 7, "fallback comment")

	remaining, err := s.CommentTakeOldest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fallback comment", remaining[0].Comment)
}
