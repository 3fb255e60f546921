// Package dispatcher implements the Dispatcher: pulling the next runnable
// patchset off the queue, re-validating it against current tracker state,
// enforcing the per-branch concurrency cap, and publishing it to the pusher.
package dispatcher

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mozilla/autoland/internal/assembler"
	"github.com/mozilla/autoland/internal/broker"
	"github.com/mozilla/autoland/internal/metrics"
	"github.com/mozilla/autoland/internal/oracle"
	"github.com/mozilla/autoland/internal/outbox"
	"github.com/mozilla/autoland/internal/policy"
	"github.com/mozilla/autoland/internal/store"
	"github.com/mozilla/autoland/internal/tracker"
)

const trialBranch = "try"

// Dispatcher pulls one runnable patchset per pump iteration and hands it to
// the pusher over the broker, subject to re-validation and the branch's
// concurrency cap.
type Dispatcher struct {
	tracker tracker.Client
	store   *store.Store
	oracle  oracle.Oracle
	broker  broker.Broker
	outbox  *outbox.Outbox
	metrics *metrics.Metrics
	queue   string
	logger  *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a collector set; dispatched patchsets are counted
// against it, by branch.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New builds a Dispatcher publishing work to the named broker queue.
func New(t tracker.Client, s *store.Store, o oracle.Oracle, b broker.Broker, ob *outbox.Outbox, queue string, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{tracker: t, store: s, oracle: o, broker: b, outbox: ob, queue: queue, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// pusherPatch is one patch entry in the outbound pusher job.
type pusherPatch struct {
	ID        int              `json:"id"`
	Author    pusherUser       `json:"author"`
	Reviews   []pusherVote     `json:"reviews"`
	Approvals []pusherVote     `json:"approvals"`
}

type pusherUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type pusherVote struct {
	Reviewer *pusherUser `json:"reviewer,omitempty"`
	Approver *pusherUser `json:"approver,omitempty"`
	Type     string      `json:"type"`
	Result   string      `json:"result"`
}

type pusherJob struct {
	JobType       string        `json:"job_type"`
	BugID         int           `json:"bug_id"`
	Branch        string        `json:"branch"`
	BranchURL     string        `json:"branch_url"`
	PushURL       string        `json:"push_url"`
	TryRun        bool          `json:"try_run"`
	TrySyntax     string        `json:"try_syntax,omitempty"`
	PatchsetID    int64         `json:"patchsetid"`
	CorrelationID string        `json:"correlation_id"`
	Patches       []pusherPatch `json:"patches"`
}

// RunOnce attempts to dispatch a single patchset. It is a no-op (returns nil)
// when the queue is empty or the target branch is at its concurrency cap.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	p, err := d.store.TakeNextPatchset(ctx)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	patches, destBranch, ok := d.revalidate(ctx, *p)
	if !ok {
		return nil
	}

	target := p.Branch
	if p.TryRun {
		target = trialBranch
	}

	targetBranch, err := d.store.BranchByName(ctx, target)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	threshold := 1
	if targetBranch != nil {
		threshold = targetBranch.Threshold
	}

	running, err := d.store.RunningOnBranch(ctx, target, p.TryRun)
	if err != nil {
		return err
	}
	if running >= threshold {
		d.logger.Debug("branch at concurrency cap, deferring dispatch",
			zap.String("branch", target), zap.Int("running", running), zap.Int("threshold", threshold))
		return nil
	}

	payload, err := d.buildJob(*p, patches, destBranch, targetBranch)
	if err != nil {
		return errors.Wrap(err, "encoding pusher job")
	}

	if err := d.broker.Publish(ctx, d.queue, payload); err != nil {
		return errors.Wrap(err, "publishing pusher job")
	}

	if d.metrics != nil {
		d.metrics.Dispatched.WithLabelValues(p.Branch).Inc()
	}

	return d.store.StampPushTime(ctx, p.ID)
}

// revalidate re-runs assembly and policy against current tracker state, and
// returns the patchset's real destination branch record (always p.Branch,
// never the trial branch) for the caller to reuse when building the job. On
// failure it posts a comment, deletes the patchset, and returns ok=false.
func (d *Dispatcher) revalidate(ctx context.Context, p store.Patchset) ([]assembler.Patch, *store.Branch, bool) {
	patches, err := assembler.Assemble(ctx, d.tracker, p.BugID, p.PatchIDs())
	if err != nil {
		d.discard(ctx, p, "autoland: patch assembly failed on re-validation before landing; request discarded")
		return nil, nil, false
	}

	branch, err := d.store.BranchByName(ctx, p.Branch)
	if err == store.ErrNotFound {
		d.discard(ctx, p, "autoland: target branch no longer configured; request discarded")
		return nil, nil, false
	}
	if err != nil {
		d.logger.Error("branch lookup failed during re-validation", zap.Error(err))
		return nil, nil, false
	}

	if !strings.EqualFold(branch.Name, trialBranch) {
		res, err := policy.ReviewStatus(ctx, d.oracle, branch.PermissionGroup, patches)
		if err != nil {
			d.logger.Error("review re-validation failed", zap.Error(err))
			return nil, nil, false
		}
		if res.Outcome != policy.PASS {
			d.discard(ctx, p, "autoland: review requirements no longer met; request discarded")
			return nil, nil, false
		}
	}

	if branch.ApprovalRequired {
		res, err := policy.ApprovalStatus(ctx, d.oracle, branch.PermissionGroup, strings.ToLower(branch.Name), patches)
		if err != nil {
			d.logger.Error("approval re-validation failed", zap.Error(err))
			return nil, nil, false
		}
		if res.Outcome != policy.PASS {
			d.discard(ctx, p, "autoland: approval requirements no longer met; request discarded")
			return nil, nil, false
		}
	}

	return patches, branch, true
}

func (d *Dispatcher) discard(ctx context.Context, p store.Patchset, comment string) {
	d.outbox.PostOrEnqueue(ctx, p.BugID, comment)
	if err := d.store.DeletePatchset(ctx, p.ID); err != nil {
		d.logger.Error("failed to delete discarded patchset", zap.Int64("patchset_id", p.ID), zap.Error(err))
	}
}

// buildJob assembles the outbound pusher job. destBranch is always the
// patchset's real destination branch and backs branch_url; targetBranch is
// the try branch while the patchset is still in its trial stage (otherwise
// the same record as destBranch) and backs push_url.
func (d *Dispatcher) buildJob(p store.Patchset, patches []assembler.Patch, destBranch, targetBranch *store.Branch) ([]byte, error) {
	job := pusherJob{
		JobType:       "patchset",
		BugID:         p.BugID,
		Branch:        p.Branch,
		TryRun:        p.TryRun,
		TrySyntax:     p.TrySyntax,
		PatchsetID:    p.ID,
		CorrelationID: uuid.New().String(),
	}
	if destBranch != nil {
		job.BranchURL = destBranch.RepoURL
	}
	if targetBranch != nil {
		job.PushURL = targetBranch.RepoURL
	}

	for _, patch := range patches {
		pp := pusherPatch{
			ID:     patch.ID,
			Author: pusherUser{Name: patch.Author.Name, Email: patch.Author.Email},
		}
		for _, v := range patch.Reviews {
			pp.Reviews = append(pp.Reviews, toPusherVote(v, "review", false))
		}
		for branchName, votes := range patch.Approvals {
			for _, v := range votes {
				pp.Approvals = append(pp.Approvals, toPusherVote(v, branchName, true))
			}
		}
		job.Patches = append(job.Patches, pp)
	}

	return json.Marshal(job)
}

// toPusherVote renders one vote; the principal goes under "approver" for an
// approval and under "reviewer" otherwise.
func toPusherVote(v assembler.Vote, voteType string, approval bool) pusherVote {
	principal := &pusherUser{Name: v.Principal.Name, Email: v.Principal.Email}
	pv := pusherVote{Type: voteType, Result: string(v.Result)}
	if approval {
		pv.Approver = principal
	} else {
		pv.Reviewer = principal
	}
	return pv
}
