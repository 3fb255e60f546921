// Package outbox is the Comment Outbox: durable at-least-once delivery of
// user-visible tracker comments, with a dead-letter file after repeated
// failures.
package outbox

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/mozilla/autoland/internal/metrics"
	"github.com/mozilla/autoland/internal/store"
	"github.com/mozilla/autoland/internal/tracker"
)

const maxAttempts = 5

// Option configures an Outbox.
type Option func(*Outbox)

// WithMetrics attaches a collector set; post attempts and dead-letters are
// counted against it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Outbox) { o.metrics = m }
}

// Outbox drains durable comment retries and writes exhausted entries to a
// dead-letter log.
type Outbox struct {
	store         *store.Store
	tracker       tracker.Client
	logger        *zap.Logger
	metrics       *metrics.Metrics
	deadLetterMu  sync.Mutex
	deadLetterLog string
}

// New builds an Outbox writing dead letters to deadLetterLog.
func New(s *store.Store, t tracker.Client, logger *zap.Logger, deadLetterLog string, opts ...Option) *Outbox {
	o := &Outbox{store: s, tracker: t, logger: logger, deadLetterLog: deadLetterLog}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PostOrEnqueue attempts one inline post; on failure it durably enqueues the
// comment for the outbox's own retry loop. This is the shared at-least-once
// entry point used by the ingest loop and the event handler, not just
// Drain's own retries.
func (o *Outbox) PostOrEnqueue(ctx context.Context, bugID int, comment string) {
	if err := o.tracker.PostComment(ctx, bugID, comment); err != nil {
		o.countAttempt("failure")
		o.logger.Warn("inline comment post failed, enqueuing to outbox",
			zap.Int("bug_id", bugID), zap.Error(err))
		if enqueueErr := o.store.CommentEnqueue(ctx, bugID, comment); enqueueErr != nil {
			o.logger.Error("failed to enqueue comment to outbox",
				zap.Int("bug_id", bugID), zap.Error(enqueueErr))
		}
		return
	}
	o.countAttempt("success")
}

// Drain takes up to five oldest outbox entries and retries posting each.
// On success the entry is deleted; on repeated failure past maxAttempts it
// is dead-lettered.
func (o *Outbox) Drain(ctx context.Context) error {
	comments, err := o.store.CommentTakeOldest(ctx, maxAttempts)
	if err != nil {
		return err
	}

	for _, c := range comments {
		if err := o.tracker.PostComment(ctx, c.Bug, c.Comment); err != nil {
			o.countAttempt("failure")
			if c.Attempts >= maxAttempts {
				o.deadLetter(c.Bug, c.Comment)
				if o.metrics != nil {
					o.metrics.OutboxDeadLetters.Inc()
				}
				if delErr := o.store.CommentDelete(ctx, c.ID); delErr != nil {
					o.logger.Error("failed to delete dead-lettered comment", zap.Error(delErr))
				}
				continue
			}
			c.Attempts++
			if updErr := o.store.CommentUpdate(ctx, c); updErr != nil {
				o.logger.Error("failed to record comment attempt", zap.Error(updErr))
			}
			continue
		}
		o.countAttempt("success")
		if delErr := o.store.CommentDelete(ctx, c.ID); delErr != nil {
			o.logger.Error("failed to delete delivered comment", zap.Error(delErr))
		}
	}
	return nil
}

func (o *Outbox) countAttempt(result string) {
	if o.metrics != nil {
		o.metrics.OutboxAttempts.WithLabelValues(result).Inc()
	}
}

func (o *Outbox) deadLetter(bug int, comment string) {
	o.deadLetterMu.Lock()
	defer o.deadLetterMu.Unlock()

	f, err := os.OpenFile(o.deadLetterLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		o.logger.Error("failed to open dead-letter log", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n\t%s\n", bug, comment); err != nil {
		o.logger.Error("failed to write dead-letter entry", zap.Error(err))
	}
}
