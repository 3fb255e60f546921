package events

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/mozilla/autoland/internal/metrics"
	"github.com/mozilla/autoland/internal/outbox"
	"github.com/mozilla/autoland/internal/store"
	"github.com/mozilla/autoland/internal/tag"
	"github.com/mozilla/autoland/internal/tracker"
)

const trialBranch = "try"

// Handler advances patchset lifecycle state in response to decoded broker
// messages, per the JOB/SUCCESS/TIMED_OUT/ERROR/FAILURE transition table.
type Handler struct {
	store   *store.Store
	tracker tracker.Client
	outbox  *outbox.Outbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics attaches a collector set; handled messages and terminal
// patchset outcomes are counted against it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New builds an Handler.
func New(s *store.Store, t tracker.Client, ob *outbox.Outbox, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{store: s, tracker: t, outbox: ob, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle dispatches one decoded message to its transition. Unknown message
// types are logged and discarded, not treated as an error.
func (h *Handler) Handle(ctx context.Context, m *Message) error {
	if m.Comment != "" && m.BugID != 0 {
		h.outbox.PostOrEnqueue(ctx, m.BugID, m.Comment)
	}

	var err error
	switch m.Type {
	case KindJob:
		err = h.handleJob(ctx, m)
	case KindSuccess:
		err = h.handleSuccess(ctx, m)
	case KindTimedOut:
		err = h.handleTimedOut(ctx, m)
	case KindError, KindFailure:
		err = h.handleErrorOrFailure(ctx, m)
	default:
		h.logger.Warn("discarding message of unknown type", zap.String("type", string(m.Type)))
		h.countMessage(m, "discarded")
		return nil
	}

	if err != nil {
		h.countMessage(m, "error")
		return err
	}
	h.countMessage(m, "handled")
	return nil
}

func (h *Handler) countMessage(m *Message, outcome string) {
	if h.metrics != nil {
		h.metrics.BrokerMessages.WithLabelValues(string(m.Type), outcome).Inc()
	}
}

func (h *Handler) countTerminal(outcome string) {
	if h.metrics != nil {
		h.metrics.Terminal.WithLabelValues(outcome).Inc()
	}
}

// handleJob inserts a fresh trial patchset per requested branch. A branch
// list of exactly ["try"] is reinterpreted as a trial-only run against the
// default integration branch, per the convention documented in the
// component design.
func (h *Handler) handleJob(ctx context.Context, m *Message) error {
	branches := m.Branches
	if len(branches) == 1 && strings.EqualFold(strings.TrimSpace(branches[0]), trialBranch) {
		branches = []string{"mozilla-central"}
	}

	for _, branch := range branches {
		p := store.Patchset{
			BugID:     m.BugID,
			Branch:    branch,
			Patches:   store.JoinPatchIDs(m.Patches),
			TrySyntax: m.TrySyntax,
			TryRun:    true,
		}
		if _, err := h.store.InsertPatchset(ctx, p); err != nil {
			if err == store.ErrUniquenessViolation {
				h.logger.Info("job message for already-queued patchset, ignoring",
					zap.Int("bug_id", m.BugID), zap.String("branch", branch))
				continue
			}
			return err
		}
	}
	return nil
}

func (h *Handler) handleSuccess(ctx context.Context, m *Message) error {
	switch m.Action {
	case ActionTryPush:
		return h.recordTryPushRevision(ctx, m)
	case ActionTryRun:
		return h.advanceTryRun(ctx, m)
	case ActionBranchPush:
		return h.terminalByPatchsetID(ctx, m, "success")
	default:
		h.logger.Warn("discarding SUCCESS message of unknown action", zap.String("action", string(m.Action)))
		return nil
	}
}

func (h *Handler) recordTryPushRevision(ctx context.Context, m *Message) error {
	if m.PatchsetID == nil || m.Revision == nil {
		h.logger.Warn("TRY.PUSH success missing patchsetid/revision")
		return nil
	}
	p, err := h.store.FindPatchset(ctx, store.FindCriteria{ID: m.PatchsetID})
	if err == store.ErrNotFound {
		h.logger.Info("TRY.PUSH success for unknown patchset", zap.Int64("patchset_id", *m.PatchsetID))
		return nil
	}
	if err != nil {
		return err
	}
	p.Revision = m.Revision
	return h.store.UpdatePatchset(ctx, *p)
}

// advanceTryRun flips a trial patchset to eligible-for-branch-dispatch when
// it is still in its trial stage and targets a real branch, or finalizes it
// as terminal success otherwise (already past the trial stage, or the
// trial branch itself was the target — a pure trial run with no further
// push to do).
func (h *Handler) advanceTryRun(ctx context.Context, m *Message) error {
	if m.Revision == nil {
		h.logger.Warn("TRY.RUN success missing revision")
		return nil
	}
	p, err := h.store.FindPatchset(ctx, store.FindCriteria{Revision: m.Revision})
	if err == store.ErrNotFound {
		h.logger.Info("TRY.RUN success for unknown patchset", zap.String("revision", *m.Revision))
		return nil
	}
	if err != nil {
		return err
	}

	if p.TryRun && p.Branch != trialBranch {
		p.TryRun = false
		p.PushTime = nil
		return h.store.UpdatePatchset(ctx, *p)
	}

	return h.finishTerminal(ctx, p.BugID, p.ID, "success")
}

func (h *Handler) terminalByPatchsetID(ctx context.Context, m *Message, outcome string) error {
	if m.PatchsetID == nil {
		h.logger.Warn("message missing patchsetid", zap.String("outcome", outcome))
		return nil
	}
	p, err := h.store.FindPatchset(ctx, store.FindCriteria{ID: m.PatchsetID})
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return h.finishTerminal(ctx, p.BugID, p.ID, outcome)
}

func (h *Handler) terminalByRevision(ctx context.Context, m *Message, outcome string) error {
	if m.Revision == nil {
		h.logger.Warn("message missing revision")
		return nil
	}
	p, err := h.store.FindPatchset(ctx, store.FindCriteria{Revision: m.Revision})
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return h.finishTerminal(ctx, p.BugID, p.ID, outcome)
}

func (h *Handler) handleTimedOut(ctx context.Context, m *Message) error {
	if m.Action != ActionTryRun {
		h.logger.Warn("discarding TIMED_OUT message of unknown action", zap.String("action", string(m.Action)))
		return nil
	}
	return h.terminalByRevision(ctx, m, "timed_out")
}

func (h *Handler) handleErrorOrFailure(ctx context.Context, m *Message) error {
	switch m.Action {
	case ActionTryRun, ActionBranchRun:
		return h.terminalByRevision(ctx, m, "error")
	case ActionApply:
		return h.terminalByPatchsetID(ctx, m, "error")
	default:
		h.logger.Warn("discarding ERROR/FAILURE message of unknown action", zap.String("action", string(m.Action)))
		return nil
	}
}

// finishTerminal removes the in-queue marker from the bug's whiteboard and
// deletes the patchset row.
func (h *Handler) finishTerminal(ctx context.Context, bugID int, patchsetID int64, outcome string) error {
	h.countTerminal(outcome)
	if bugID != 0 {
		if bug, err := h.tracker.GetBug(ctx, bugID); err != nil {
			h.logger.Warn("failed to fetch bug while clearing in-queue marker",
				zap.Int("bug_id", bugID), zap.Error(err))
		} else {
			stripped := tag.Strip(bug.Whiteboard)
			if stripped != bug.Whiteboard {
				if err := h.tracker.UpdateWhiteboard(ctx, bugID, stripped); err != nil {
					h.logger.Warn("failed to clear in-queue marker",
						zap.Int("bug_id", bugID), zap.Error(err))
				}
			}
		}
	}
	return h.store.DeletePatchset(ctx, patchsetID)
}
