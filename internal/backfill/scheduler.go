package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/matheus3301/chatmirror/internal/chat"
	"go.uber.org/zap"
)

// Target is a conversation backfilled on a schedule.
type Target struct {
	Platform       chat.Platform
	ConversationID string
}

// Scheduler runs backfills of its targets on a cron schedule. A failed
// target is logged and retried on the next tick.
type Scheduler struct {
	expr      string
	targets   []Target
	pipelines map[chat.Platform]*Pipeline
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler validates the cron expression and every target's platform.
func NewScheduler(expr string, targets []Target, pipelines map[chat.Platform]*Pipeline, logger *zap.Logger) (*Scheduler, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid backfill cron expression: %q", expr)
	}
	for _, t := range targets {
		if _, ok := pipelines[t.Platform]; !ok {
			return nil, fmt.Errorf("backfill target %s/%s: platform not configured", t.Platform, t.ConversationID)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		expr:      expr,
		targets:   targets,
		pipelines: pipelines,
		logger:    logger,
	}, nil
}

// Start runs the schedule in the background until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.logger.Info("backfill scheduler started", zap.String("cron", s.expr), zap.Int("targets", len(s.targets)))
}

// Stop ends the schedule and waits for a run in progress.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// NextRun returns the next tick after t.
func (s *Scheduler) NextRun(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		next, err := s.NextRun(time.Now().UTC())
		if err != nil {
			s.logger.Error("failed to compute next backfill tick", zap.String("cron", s.expr), zap.Error(err))
			next = time.Now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Warn("scheduled backfill incomplete", zap.Error(err))
		}
	}
}

// RunOnce backfills every target in order and joins their errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, t := range s.targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.pipelines[t.Platform].Backfill(ctx, t.ConversationID)
		if err != nil {
			s.logger.Error("backfill failed",
				zap.String("platform", string(t.Platform)),
				zap.String("conversation_id", t.ConversationID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s/%s: %w", t.Platform, t.ConversationID, err))
			continue
		}
		s.logger.Debug("scheduled backfill done",
			zap.String("platform", string(t.Platform)),
			zap.String("conversation_id", t.ConversationID),
			zap.Int("processed", res.Processed))
	}
	return errors.Join(errs...)
}
