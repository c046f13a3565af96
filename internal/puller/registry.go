package puller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/status"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// Options configures every puller a registry creates.
type Options struct {
	StopTimeout time.Duration
	// MaxPerSecond throttles deliveries per puller. Zero disables throttling.
	MaxPerSecond int
}

type pairKey struct {
	endpoint     string
	subscription string
}

// Registry hands out one Puller per (endpoint, subscription) pair.
type Registry struct {
	source Source
	store  status.HashStore
	bus    *bus.Bus
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	pullers map[pairKey]*Puller
}

// NewRegistry creates an empty registry.
func NewRegistry(source Source, store status.HashStore, b *bus.Bus, opts Options, logger *zap.Logger) *Registry {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		source:  source,
		store:   store,
		bus:     b,
		opts:    opts,
		logger:  logger,
		pullers: make(map[pairKey]*Puller),
	}
}

// GetOrCreate returns the puller for the pair, creating it on first use.
// The status record is keyed by subscription, so a subscription already
// claimed by another endpoint is refused with an EndpointConflictError.
func (r *Registry) GetOrCreate(endpoint, subscriptionID string) (*Puller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := pairKey{endpoint: endpoint, subscription: subscriptionID}
	if p, ok := r.pullers[k]; ok {
		return p, nil
	}
	for other := range r.pullers {
		if other.subscription == subscriptionID {
			return nil, &EndpointConflictError{Subscription: subscriptionID, Endpoint: endpoint, Existing: other.endpoint}
		}
	}
	limiter := ratelimit.NewUnlimited()
	if r.opts.MaxPerSecond > 0 {
		limiter = ratelimit.New(r.opts.MaxPerSecond)
	}
	p := &Puller{
		endpoint:     endpoint,
		subscription: subscriptionID,
		source:       r.source,
		store:        r.store,
		machine:      status.NewMachine(subscriptionID, r.store, r.bus),
		limiter:      limiter,
		stopTimeout:  r.opts.StopTimeout,
		logger:       r.logger.With(zap.String("component", "puller")),
	}
	r.pullers[k] = p
	return p, nil
}

// Pullers returns every puller created so far, ordered by subscription.
func (r *Registry) Pullers() []*Puller {
	r.mu.Lock()
	out := make([]*Puller, 0, len(r.pullers))
	for _, p := range r.pullers {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].subscription != out[j].subscription {
			return out[i].subscription < out[j].subscription
		}
		return out[i].endpoint < out[j].endpoint
	})
	return out
}

// Close stops every running puller.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, p := range r.Pullers() {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
