package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatmirror/internal/chat"
	"go.uber.org/zap"
)

// Applier applies one event to the store.
type Applier interface {
	Apply(ctx context.Context, evt chat.Event) error
}

// Ingestor turns a queue delivery into a projected event: it decodes the
// notification, re-fetches the message, and applies it.
type Ingestor struct {
	adapter Adapter
	client  Client
	applier Applier
	logger  *zap.Logger
}

// NewIngestor creates an ingestor for one platform.
func NewIngestor(adapter Adapter, client Client, applier Applier, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{adapter: adapter, client: client, applier: applier, logger: logger}
}

// Handle processes one delivery body. It has the signature of a pull handler.
func (i *Ingestor) Handle(ctx context.Context, body []byte) error {
	change, err := i.adapter.Decode(body)
	if err != nil {
		return err
	}
	p := i.adapter.Platform()

	// A delete only needs ids, and the message is usually gone upstream.
	if change.Kind == chat.Deleted {
		return i.applier.Apply(ctx, chat.Event{
			Kind:           chat.Deleted,
			Platform:       p,
			MessageID:      change.MessageID,
			ConversationID: change.ConversationID,
		})
	}

	msg, err := i.client.FetchMessage(ctx, change.ConversationID, change.MessageID)
	if errors.Is(err, ErrNotFound) {
		return &chat.InvalidEventError{MessageID: change.MessageID, Reason: "message no longer exists upstream"}
	}
	if err != nil {
		return fmt.Errorf("fetch %s message %s: %w", p, change.MessageID, err)
	}

	kind := change.Kind
	if msg.Deleted {
		if kind == chat.Created {
			return &chat.InvalidEventError{MessageID: change.MessageID, Reason: "message was deleted before it was mirrored"}
		}
		// Soft deletes arrive as updates carrying a deletion time.
		kind = chat.Deleted
	}
	i.logger.Debug("ingesting change",
		zap.String("platform", string(p)),
		zap.Stringer("kind", kind),
		zap.String("conversation_id", change.ConversationID),
		zap.String("msg_id", change.MessageID))
	return i.applier.Apply(ctx, ToEvent(p, kind, msg))
}
