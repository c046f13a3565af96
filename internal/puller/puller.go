// Package puller manages long-running receive loops on message subscriptions
// and keeps their persisted status in step with process memory.
package puller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/metrics"
	"github.com/matheus3301/chatmirror/internal/status"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long Stop waits for the loop to quiesce.
const DefaultStopTimeout = 10 * time.Second

// StatusResponse is the result of CheckStatus.
type StatusResponse struct {
	Endpoint     string
	Subscription string
	State        status.State
	Message      string
	Timestamp    time.Time
}

// Puller owns the receive loop of one (endpoint, subscription) pair.
type Puller struct {
	endpoint     string
	subscription string
	source       Source
	store        status.HashStore
	machine      *status.Machine
	limiter      ratelimit.Limiter
	stopTimeout  time.Duration
	logger       *zap.Logger

	mu  sync.Mutex
	run *run
}

type run struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *run) active() bool {
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Endpoint returns the endpoint the puller receives from.
func (p *Puller) Endpoint() string { return p.endpoint }

// Subscription returns the subscription id.
func (p *Puller) Subscription() string { return p.subscription }

// Running reports whether this process believes a loop is active.
func (p *Puller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run.active()
}

// Start begins the receive loop and records RUNNING.
func (p *Puller) Start(ctx context.Context, handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.run.active() {
		return &AlreadyRunningError{Endpoint: p.endpoint, Subscription: p.subscription}
	}
	if p.machine.Current() == status.Running {
		// The previous loop ended without its outcome being persisted.
		if err := p.machine.Transition(ctx, status.Failed, "previous run ended without a recorded outcome"); err != nil {
			return err
		}
	}

	id := uuid.NewString()
	if err := p.machine.Transition(ctx, status.Running, "run "+id); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &run{id: id, cancel: cancel, done: make(chan struct{})}
	p.run = r
	go p.loop(loopCtx, r, handler)

	p.logger.Info("pull started",
		zap.String("subscription", p.subscription),
		zap.String("endpoint", p.endpoint),
		zap.String("run_id", id))
	return nil
}

// Stop cancels the loop, waits for the in-flight delivery to finish, and
// records STOPPED. A loop that already ended is a no-op.
func (p *Puller) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.run
	p.run = nil
	if r == nil {
		return nil
	}
	r.cancel()

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		return p.abandon(ctx, r)
	case <-ctx.Done():
		return p.abandon(ctx, r)
	}

	if p.machine.Current() != status.Running {
		// The loop failed on its own and already recorded why.
		return nil
	}
	if err := p.machine.Transition(ctx, status.Stopped, "stopped"); err != nil {
		return err
	}
	p.logger.Info("pull stopped", zap.String("subscription", p.subscription), zap.String("run_id", r.id))
	return nil
}

func (p *Puller) abandon(ctx context.Context, r *run) error {
	p.logger.Warn("pull did not stop in time, abandoning loop",
		zap.String("subscription", p.subscription),
		zap.String("run_id", r.id),
		zap.Duration("timeout", p.stopTimeout))
	msg := fmt.Sprintf("stop timed out after %s", p.stopTimeout)
	if err := p.machine.Transition(context.WithoutCancel(ctx), status.Stopped, msg); err != nil {
		p.logger.Error("failed to record stop", zap.String("subscription", p.subscription), zap.Error(err))
	}
	return &TimeoutError{Subscription: p.subscription, After: p.stopTimeout}
}

// CheckStatus compares the local loop state with the persisted record.
func (p *Puller) CheckStatus(ctx context.Context) (StatusResponse, error) {
	running := p.Running()
	rec, ok, err := status.Load(ctx, p.store, p.subscription)
	if err != nil {
		return StatusResponse{}, err
	}

	resp := StatusResponse{
		Endpoint:     p.endpoint,
		Subscription: p.subscription,
		State:        rec.State,
		Message:      rec.Message,
		Timestamp:    rec.Timestamp,
	}
	persisted := "missing"
	if ok {
		persisted = string(rec.State)
	}

	switch {
	case running && ok && rec.State == status.Running:
		return resp, nil
	case running && ok && rec.State == status.Failed:
		// fail() records FAILED just before the loop exits.
		return resp, nil
	case running:
		return StatusResponse{}, &ConsistencyError{Subscription: p.subscription, Local: "running", Persisted: persisted}
	case ok && rec.State == status.Running:
		return StatusResponse{}, &ConsistencyError{Subscription: p.subscription, Local: "not running", Persisted: persisted}
	case !ok:
		resp.State = status.NotStarted
		resp.Message = fmt.Sprintf("subscription %s has not been started", p.subscription)
		resp.Timestamp = time.Now()
		return resp, nil
	}
	return resp, nil
}

func (p *Puller) loop(ctx context.Context, r *run, handler Handler) {
	defer close(r.done)

	sub, err := p.source.Open(ctx, p.endpoint, p.subscription)
	if err != nil {
		if ctx.Err() == nil {
			p.fail(r, fmt.Errorf("open subscription: %w", err))
		}
		return
	}
	defer func() { _ = sub.Close() }()

	deliveries := sub.Deliveries()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				err := sub.Err()
				if err == nil {
					err = errors.New("delivery stream closed")
				}
				p.fail(r, err)
				return
			}
			// select does not prefer Done over a ready delivery. A delivery
			// received after Stop stays unsettled and is redelivered once the
			// subscription closes.
			if ctx.Err() != nil {
				return
			}
			p.limiter.Take()
			if ctx.Err() != nil {
				return
			}
			// Handlers outlive Stop's cancellation so a delivery is never cut in half.
			p.handle(context.WithoutCancel(ctx), handler, d)
		}
	}
}

func (p *Puller) handle(ctx context.Context, handler Handler, d Delivery) {
	err := handler(ctx, d.Body())
	var outcome string
	switch {
	case err == nil:
		outcome = "ack"
		err = d.Ack()
	case errors.Is(err, chat.ErrInvalidEvent):
		p.logger.Warn("dropping invalid event", zap.String("subscription", p.subscription), zap.Error(err))
		outcome = "dropped"
		err = d.Ack()
	default:
		p.logger.Warn("handler failed, requeueing", zap.String("subscription", p.subscription), zap.Error(err))
		outcome = "nack"
		err = d.Nack(true)
	}
	if err != nil {
		p.logger.Error("failed to settle delivery", zap.String("subscription", p.subscription), zap.String("outcome", outcome), zap.Error(err))
	}
	metrics.PullDelivery(p.subscription, outcome)
}

func (p *Puller) fail(r *run, cause error) {
	p.logger.Error("pull loop failed",
		zap.String("subscription", p.subscription),
		zap.String("run_id", r.id),
		zap.Error(cause))
	if err := p.machine.Transition(context.Background(), status.Failed, cause.Error()); err != nil {
		p.logger.Error("failed to record failure", zap.String("subscription", p.subscription), zap.Error(err))
	}
}
