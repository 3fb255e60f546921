// Package daemon wires the ingest loop, event handler, dispatcher, and
// comment outbox into the single cooperative pump described by the queue's
// overall design: one goroutine, suspension only at the broker/tracker/store
// I/O boundaries, no concurrent mutation of queue state.
package daemon

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla/autoland/internal/broker"
	"github.com/mozilla/autoland/internal/config"
	"github.com/mozilla/autoland/internal/dispatcher"
	"github.com/mozilla/autoland/internal/events"
	"github.com/mozilla/autoland/internal/ingest"
	"github.com/mozilla/autoland/internal/metrics"
	"github.com/mozilla/autoland/internal/outbox"
	"github.com/mozilla/autoland/internal/store"
)

// Daemon runs the autoland queue's two cooperating loops: a periodic ingest
// scan, and a tighter pump that dispatches, drains outbound comments, and
// consumes inbound status messages.
type Daemon struct {
	store      *store.Store
	broker     broker.Broker
	outbox     *outbox.Outbox
	ingest     *ingest.Loop
	handler    *events.Handler
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Metrics
	queue      string

	pollInterval time.Duration
	pumpInterval time.Duration

	logger *zap.Logger
}

// New assembles a Daemon from its already-constructed components.
func New(
	s *store.Store,
	b broker.Broker,
	ob *outbox.Outbox,
	il *ingest.Loop,
	h *events.Handler,
	d *dispatcher.Dispatcher,
	m *metrics.Metrics,
	queue string,
	pollInterval, pumpInterval time.Duration,
	logger *zap.Logger,
) *Daemon {
	return &Daemon{
		store:        s,
		broker:       b,
		outbox:       ob,
		ingest:       il,
		handler:      h,
		dispatcher:   d,
		metrics:      m,
		queue:        queue,
		pollInterval: pollInterval,
		pumpInterval: pumpInterval,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled, running the ingest scan on its own
// ticker and the dispatch/outbox/broker pump on a tighter one. Both loops
// share the same goroutine's worth of queue-state access indirectly — they
// never run concurrently with each other, since the pump and the scan are
// driven from this single select loop.
func (d *Daemon) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(d.pollInterval)
	defer pollTicker.Stop()
	pumpTicker := time.NewTicker(d.pumpInterval)
	defer pumpTicker.Stop()

	d.logger.Info("daemon started",
		zap.Duration("poll_interval", d.pollInterval),
		zap.Duration("pump_interval", d.pumpInterval))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon shutting down")
			return nil
		case <-pollTicker.C:
			d.ingest.RunOnce(ctx)
		case <-pumpTicker.C:
			d.pump(ctx)
		}
	}
}

// pump runs one iteration of dispatch, outbox drain, and broker consume, in
// that order — a patchset dispatched this tick can have its comment drained
// or its completion message consumed on the very next tick rather than
// waiting a full poll interval.
func (d *Daemon) pump(ctx context.Context) {
	if err := d.dispatcher.RunOnce(ctx); err != nil {
		d.logger.Error("dispatch failed", zap.Error(err))
	}

	if err := d.outbox.Drain(ctx); err != nil {
		d.logger.Error("outbox drain failed", zap.Error(err))
	}

	d.consumeOne(ctx)
	d.refreshInFlight(ctx)
}

// consumeOne reads at most one broker message, with a short poll timeout so
// an idle broker never blocks the pump tick for long.
func (d *Daemon) consumeOne(ctx context.Context) {
	consumeCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	payload, err := d.broker.Consume(consumeCtx, d.queue)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("broker consume failed", zap.Error(err))
		return
	}
	if payload == nil {
		return
	}

	msg, err := events.Decode(payload)
	if err != nil {
		d.logger.Error("discarding malformed broker message", zap.Error(err), zap.ByteString("payload", payload))
		return
	}

	if err := d.handler.Handle(ctx, msg); err != nil {
		d.logger.Error("event handler failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// refreshInFlight recomputes the running-patchset gauge per configured
// branch. It is cheap relative to a dispatch cycle and keeps the exported
// gauge from drifting between ingest scans. The "try" branch reports the
// shared trial pool, as the dispatcher's cap check counts it.
func (d *Daemon) refreshInFlight(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	branches, err := d.store.Branches(ctx)
	if err != nil {
		d.logger.Warn("failed to list branches for in-flight gauge refresh", zap.Error(err))
		return
	}
	for _, b := range branches {
		running, err := d.store.RunningOnBranch(ctx, b.Name, strings.EqualFold(b.Name, "try"))
		if err != nil {
			d.logger.Warn("failed to count running patchsets", zap.String("branch", b.Name), zap.Error(err))
			continue
		}
		d.metrics.InFlight.WithLabelValues(b.Name).Set(float64(running))
	}
}

// PurgeQueue deletes every queued patchset without dispatching or
// terminating them against the tracker — the maintenance escape hatch for
// clearing a wedged queue, invoked outside the normal pump.
func PurgeQueue(ctx context.Context, s *store.Store, logger *zap.Logger) error {
	n, err := s.PurgeAllPatchsets(ctx)
	if err != nil {
		return err
	}
	logger.Info("purged queue", zap.Int64("patchsets_removed", n))
	return nil
}

// SeedBranches upserts every configured branch into the store, so the
// dispatcher's concurrency-cap lookups and the ingest loop's branch
// resolution always see the latest configuration without a migration step.
func SeedBranches(ctx context.Context, s *store.Store, branches []config.BranchConfig) error {
	for _, b := range branches {
		if err := s.UpsertBranch(ctx, store.Branch{
			Name:             b.Name,
			RepoURL:          b.RepoURL,
			Threshold:        b.Threshold,
			ApprovalRequired: b.ApprovalRequired,
			PermissionGroup:  b.PermissionGroup,
		}); err != nil {
			return err
		}
	}
	return nil
}
