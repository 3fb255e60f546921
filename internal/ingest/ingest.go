// Package ingest implements the Ingest Loop: the periodic tracker scan that
// discovers new autoland requests and turns them into queued patchsets.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mozilla/autoland/internal/assembler"
	"github.com/mozilla/autoland/internal/metrics"
	"github.com/mozilla/autoland/internal/oracle"
	"github.com/mozilla/autoland/internal/outbox"
	"github.com/mozilla/autoland/internal/policy"
	"github.com/mozilla/autoland/internal/store"
	"github.com/mozilla/autoland/internal/tag"
	"github.com/mozilla/autoland/internal/tracker"
)

// searchPattern is the whiteboard query handed to the tracker; any bug
// carrying an autoland tag of any shape matches it.
const searchPattern = `[autoland`

const tryBranch = "try"

// Loop scans the tracker for autoland-tagged bugs and queues eligible
// patchsets against each requested branch.
type Loop struct {
	tracker tracker.Client
	store   *store.Store
	oracle  oracle.Oracle
	outbox  *outbox.Outbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithMetrics attaches a collector set; accepted patchsets are counted
// against it, by branch.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// New builds a Loop.
func New(t tracker.Client, s *store.Store, o oracle.Oracle, ob *outbox.Outbox, logger *zap.Logger, opts ...Option) *Loop {
	l := &Loop{tracker: t, store: s, oracle: o, outbox: ob, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunOnce executes a single scan cycle. Transient tracker errors are logged
// and swallowed — the cycle is simply skipped rather than leaving partial
// state, per the component design.
func (l *Loop) RunOnce(ctx context.Context) {
	bugs, err := l.tracker.SearchByWhiteboard(ctx, searchPattern)
	if err != nil {
		l.logger.Warn("tracker search failed, skipping ingest cycle", zap.Error(err))
		return
	}
	for _, bug := range bugs {
		l.processBug(ctx, bug)
	}
}

func (l *Loop) processBug(ctx context.Context, bug tracker.Bug) {
	log := l.logger.With(zap.Int("bug_id", bug.ID))

	t := tag.Parse(bug.Whiteboard)
	if t == nil || t.InQueue {
		return
	}
	if len(t.Branches) == 0 {
		return // skeleton tag — nothing requested yet
	}

	branches := l.resolveBranches(ctx, t.Branches, log)
	if len(branches) == 0 {
		return
	}

	patches, err := assembler.Assemble(ctx, l.tracker, bug.ID, t.Patches)
	if err != nil {
		l.outbox.PostOrEnqueue(ctx, bug.ID, assemblyFailureComment(err))
		l.clearTag(ctx, bug, log)
		return
	}

	var notes []string
	var accepted int
	for _, b := range branches {
		if ok, note := l.evaluateBranch(ctx, bug.ID, b, patches); !ok {
			if note != "" {
				notes = append(notes, note)
			}
			continue
		}

		p := store.Patchset{
			BugID:     bug.ID,
			Branch:    b.Name,
			Patches:   store.JoinPatchIDs(patchIDs(patches)),
			TrySyntax: t.TrySyntax,
			TryRun:    true,
		}
		if _, err := l.store.InsertPatchset(ctx, p); err != nil {
			if err == store.ErrUniquenessViolation {
				notes = append(notes, fmt.Sprintf("%s: already queued, skipping", b.Name))
				continue
			}
			log.Error("failed to insert patchset", zap.String("branch", b.Name), zap.Error(err))
			continue
		}
		if l.metrics != nil {
			l.metrics.Ingested.WithLabelValues(b.Name).Inc()
		}
		accepted++
	}

	if len(notes) > 0 {
		l.outbox.PostOrEnqueue(ctx, bug.ID, strings.Join(notes, "\n"))
	}

	if accepted == 0 {
		l.clearTag(ctx, bug, log)
		return
	}
	l.markInQueue(ctx, bug, log)
}

func (l *Loop) resolveBranches(ctx context.Context, names []string, log *zap.Logger) []store.Branch {
	var out []store.Branch
	for _, name := range names {
		b, err := l.store.BranchByName(ctx, name)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			log.Error("branch lookup failed", zap.String("branch", name), zap.Error(err))
			continue
		}
		out = append(out, *b)
	}
	return out
}

// evaluateBranch runs review/approval policy for one branch. A false return
// with a non-empty note means the branch was dropped and the note should be
// surfaced to the bug; a false return with an empty note means the failure
// was already logged and should not be user-visible.
func (l *Loop) evaluateBranch(ctx context.Context, bugID int, b store.Branch, patches []assembler.Patch) (bool, string) {
	if !strings.EqualFold(b.Name, tryBranch) {
		res, err := policy.ReviewStatus(ctx, l.oracle, b.PermissionGroup, patches)
		if err != nil {
			l.logger.Error("review status evaluation failed", zap.Int("bug_id", bugID), zap.Error(err))
			return false, ""
		}
		if res.Outcome == policy.INVALID {
			return false, fmt.Sprintf("%s: Reviewer doesn't have correct permissions on patch(es) %v", b.Name, res.Offenders)
		}
		if res.Outcome != policy.PASS {
			return false, fmt.Sprintf("%s: review status %s on patch(es) %v", b.Name, res.Outcome, res.Offenders)
		}
	}

	if b.ApprovalRequired {
		res, err := policy.ApprovalStatus(ctx, l.oracle, b.PermissionGroup, strings.ToLower(b.Name), patches)
		if err != nil {
			l.logger.Error("approval status evaluation failed", zap.Int("bug_id", bugID), zap.Error(err))
			return false, ""
		}
		if res.Outcome != policy.PASS {
			return false, fmt.Sprintf("%s: approval status %s on patch(es) %v", b.Name, res.Outcome, res.Offenders)
		}
	}

	return true, ""
}

func (l *Loop) clearTag(ctx context.Context, bug tracker.Bug, log *zap.Logger) {
	stripped := tag.Strip(bug.Whiteboard)
	if stripped == bug.Whiteboard {
		return
	}
	if err := l.tracker.UpdateWhiteboard(ctx, bug.ID, stripped); err != nil {
		log.Warn("failed to clear autoland tag", zap.Error(err))
	}
}

func (l *Loop) markInQueue(ctx context.Context, bug tracker.Bug, log *zap.Logger) {
	replaced := tag.Replace(bug.Whiteboard, tag.Canonical)
	if replaced == bug.Whiteboard {
		return
	}
	if err := l.tracker.UpdateWhiteboard(ctx, bug.ID, replaced); err != nil {
		log.Warn("failed to mark bug in-queue", zap.Error(err))
	}
}

func assemblyFailureComment(err error) string {
	switch {
	case errors.Is(err, assembler.ErrEmptyPatchset):
		return "autoland: no eligible patches found on this bug; request discarded"
	case errors.Is(err, assembler.ErrPartialMissing):
		return fmt.Sprintf("autoland: %v; request discarded", err)
	default:
		return fmt.Sprintf("autoland: could not assemble requested patches (%v); request discarded", err)
	}
}

func patchIDs(patches []assembler.Patch) []int {
	ids := make([]int, len(patches))
	for i, p := range patches {
		ids[i] = p.ID
	}
	return ids
}
