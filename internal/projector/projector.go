// Package projector turns chat change events into index store mutations.
//
// Each message id moves through Absent -> Active <-> Deleted. Every event is
// applied as one atomic pipeline, so a failure never leaves a record and its
// index entries disagreeing.
package projector

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/metrics"
	"go.uber.org/zap"
)

// Resolver maps a platform sender id to an internal directory handle.
type Resolver interface {
	ResolveHandle(ctx context.Context, platform chat.Platform, senderID string) (string, bool, error)
}

// Outcome describes what applying an event did.
type Outcome string

const (
	Applied Outcome = "applied"
	// Skipped means the sender is outside the synchronized directory.
	Skipped Outcome = "skipped"
	// Noop means the event was already reflected in the store.
	Noop Outcome = "noop"
)

// AppliedEvent is the bus payload for projector.applied.
type AppliedEvent struct {
	Platform       chat.Platform
	Kind           chat.ChangeKind
	ConversationID string
	MessageID      string
	Outcome        Outcome
}

// Projector applies events to the index store. It holds no per-message
// state and is safe for concurrent use.
type Projector struct {
	store    Store
	resolver Resolver
	policies map[chat.Platform]chat.Policy
	bus      *bus.Bus
	logger   *zap.Logger
}

// New creates a projector. policies selects the update-after-delete
// behavior per platform; platforms absent from the map use PolicyIgnore.
func New(store Store, resolver Resolver, policies map[chat.Platform]chat.Policy, b *bus.Bus, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	cp := make(map[chat.Platform]chat.Policy, len(policies))
	for k, v := range policies {
		cp[k] = v
	}
	return &Projector{
		store:    store,
		resolver: resolver,
		policies: cp,
		bus:      b,
		logger:   logger,
	}
}

// Policy returns the update-after-delete policy in force for a platform.
func (p *Projector) Policy(platform chat.Platform) chat.Policy {
	return p.policies[platform]
}

// Apply projects a single event.
func (p *Projector) Apply(ctx context.Context, evt chat.Event) error {
	_, err := p.apply(ctx, evt)
	return err
}

// ApplyOutcome is Apply that also reports what the event did.
func (p *Projector) ApplyOutcome(ctx context.Context, evt chat.Event) (Outcome, error) {
	return p.apply(ctx, evt)
}

func (p *Projector) apply(ctx context.Context, evt chat.Event) (Outcome, error) {
	if err := evt.Validate(); err != nil {
		p.observe(evt, "", err)
		return "", err
	}

	var (
		outcome Outcome
		err     error
	)
	switch evt.Kind {
	case chat.Created:
		outcome, err = p.create(ctx, evt)
	case chat.Updated:
		outcome, err = p.update(ctx, evt)
	case chat.Deleted:
		outcome, err = p.delete(ctx, evt)
	}
	p.observe(evt, outcome, err)
	return outcome, err
}

func (p *Projector) create(ctx context.Context, evt chat.Event) (Outcome, error) {
	handle, ok, err := p.resolver.ResolveHandle(ctx, evt.Platform, evt.SenderID)
	if err != nil {
		return "", fmt.Errorf("resolve sender %q: %w", evt.SenderID, err)
	}
	if !ok {
		p.logger.Info("sender outside directory, skipping message",
			zap.String("platform", string(evt.Platform)),
			zap.String("sender_id", evt.SenderID),
			zap.String("msg_id", evt.MessageID))
		return Skipped, nil
	}

	key := chat.MessageKey(evt.Platform, evt.ConversationID, evt.MessageID)
	_, exists, err := loadRecord(ctx, p.store, key)
	if err != nil {
		return "", err
	}
	if exists {
		return Noop, nil
	}

	pipe := p.store.NewPipeline()
	if err := queueCreate(pipe, evt, handle); err != nil {
		return "", err
	}
	if err := pipe.Exec(ctx); err != nil {
		return "", asUnavailable("exec create", err)
	}
	return Applied, nil
}

func (p *Projector) update(ctx context.Context, evt chat.Event) (Outcome, error) {
	key := chat.MessageKey(evt.Platform, evt.ConversationID, evt.MessageID)
	rec, ok, err := loadRecord(ctx, p.store, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &chat.DataInconsistencyError{Key: key, Reason: "update for a message that was never created"}
	}
	if cur, ok := rec.Current(); ok && cur.Value == evt.Content && cur.Timestamp.Equal(evt.Timestamp) {
		return Noop, nil
	}

	pipe := p.store.NewPipeline()
	if rec.IsDeleted {
		switch p.Policy(evt.Platform) {
		case chat.PolicyUndo:
			deletedKey := chat.DeletedKey(evt.Platform, evt.ConversationID, rec.Sender)
			score, found, err := p.store.ZScore(ctx, deletedKey, evt.MessageID)
			if err != nil {
				return "", asUnavailable("zscore deleted", err)
			}
			if !found {
				return "", &chat.DataInconsistencyError{Key: deletedKey, Reason: "deleted record missing from deleted index"}
			}
			pipe.ZRem(deletedKey, evt.MessageID)
			pipe.ZAdd(chat.ActiveKey(evt.Platform, evt.ConversationID, rec.Sender), score, evt.MessageID)
			rec.IsDeleted = false
		default:
			p.logger.Warn("update on deleted message, keeping it deleted",
				zap.String("platform", string(evt.Platform)),
				zap.String("msg_id", evt.MessageID))
		}
	}

	rec.AppendRevision(evt.Content, evt.Timestamp)
	rec.MergeAttachments(evt.Attachments)
	data, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	pipe.Set(key, data)
	if err := pipe.Exec(ctx); err != nil {
		return "", asUnavailable("exec update", err)
	}
	return Applied, nil
}

func (p *Projector) delete(ctx context.Context, evt chat.Event) (Outcome, error) {
	key := chat.MessageKey(evt.Platform, evt.ConversationID, evt.MessageID)
	rec, ok, err := loadRecord(ctx, p.store, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &chat.DataInconsistencyError{Key: key, Reason: "delete for a message that was never created"}
	}
	if rec.IsDeleted {
		return Noop, nil
	}

	activeKey := chat.ActiveKey(evt.Platform, evt.ConversationID, rec.Sender)
	score, found, err := p.store.ZScore(ctx, activeKey, evt.MessageID)
	if err != nil {
		return "", asUnavailable("zscore active", err)
	}
	if !found {
		return "", &chat.DataInconsistencyError{Key: activeKey, Reason: "active record missing from active index"}
	}

	rec.IsDeleted = true
	data, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	pipe := p.store.NewPipeline()
	pipe.ZRem(activeKey, evt.MessageID)
	pipe.ZAdd(chat.DeletedKey(evt.Platform, evt.ConversationID, rec.Sender), score, evt.MessageID)
	pipe.Set(key, data)
	if err := pipe.Exec(ctx); err != nil {
		return "", asUnavailable("exec delete", err)
	}
	return Applied, nil
}

// queueCreate queues the record and its active index entry for a Created event.
func queueCreate(pipe Pipeline, evt chat.Event, handle string) error {
	rec := &chat.Record{
		Sender:         handle,
		ConversationID: evt.ConversationID,
		Score:          chat.Score(evt.Timestamp),
	}
	rec.AppendRevision(evt.Content, evt.Timestamp)
	rec.MergeAttachments(evt.Attachments)
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	pipe.ZAdd(chat.ActiveKey(evt.Platform, evt.ConversationID, handle), rec.Score, evt.MessageID)
	pipe.Set(chat.MessageKey(evt.Platform, evt.ConversationID, evt.MessageID), data)
	return nil
}

func (p *Projector) observe(evt chat.Event, outcome Outcome, err error) {
	label := string(outcome)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrInvalidEvent):
		label = "invalid"
	case errors.Is(err, chat.ErrDataInconsistency):
		label = "inconsistent"
	case errors.Is(err, chat.ErrStoreUnavailable):
		label = "unavailable"
	default:
		label = "error"
	}
	metrics.ProjectedEvent(string(evt.Platform), evt.Kind.String(), label)

	if err != nil {
		p.logger.Warn("event not applied",
			zap.String("platform", string(evt.Platform)),
			zap.Stringer("kind", evt.Kind),
			zap.String("msg_id", evt.MessageID),
			zap.Error(err))
		return
	}
	p.bus.Publish(bus.Event{
		Kind: bus.KindProjectorApplied,
		Payload: AppliedEvent{
			Platform:       evt.Platform,
			Kind:           evt.Kind,
			ConversationID: evt.ConversationID,
			MessageID:      evt.MessageID,
			Outcome:        outcome,
		},
	})
}
