package projector

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/metrics"
	"go.uber.org/zap"
)

// Handles maps platform sender ids to directory handles for a batch.
type Handles map[string]string

// BatchResult counts how a batch was split.
type BatchResult struct {
	Processed int
	Skipped   int
}

// BatchEvent is the bus payload for a committed batch.
type BatchEvent struct {
	Platform  chat.Platform
	Processed int
	Skipped   int
}

// ApplyBatch creates many records in one atomic pipeline. It accepts Created
// events only. Events that fail validation, whose sender has no handle, whose
// record already exists, or that repeat an earlier event of the batch are
// skipped. The result is identical to applying the events one by one.
func (p *Projector) ApplyBatch(ctx context.Context, events []chat.Event, handles Handles) (BatchResult, error) {
	for _, evt := range events {
		if evt.Kind != chat.Created {
			return BatchResult{}, &chat.InvalidEventError{
				MessageID: evt.MessageID,
				Reason:    fmt.Sprintf("bulk apply accepts created events only, got %s", evt.Kind),
			}
		}
	}

	var res BatchResult
	if len(events) == 0 {
		return res, nil
	}

	pipe := p.store.NewPipeline()
	queued := make(map[string]bool, len(events))
	for _, evt := range events {
		if err := evt.Validate(); err != nil {
			p.logger.Debug("skipping invalid event in batch", zap.String("msg_id", evt.MessageID), zap.Error(err))
			res.Skipped++
			continue
		}
		handle, ok := handles[evt.SenderID]
		if !ok {
			res.Skipped++
			continue
		}
		key := chat.MessageKey(evt.Platform, evt.ConversationID, evt.MessageID)
		if queued[key] {
			res.Skipped++
			continue
		}
		_, exists, err := loadRecord(ctx, p.store, key)
		if err != nil {
			return BatchResult{}, err
		}
		if exists {
			res.Skipped++
			continue
		}
		if err := queueCreate(pipe, evt, handle); err != nil {
			return BatchResult{}, err
		}
		queued[key] = true
		res.Processed++
	}

	if err := pipe.Exec(ctx); err != nil {
		return BatchResult{}, asUnavailable("exec batch", err)
	}

	platform := events[0].Platform
	metrics.ProjectedBatch(string(platform), res.Processed, res.Skipped)
	p.logger.Debug("batch applied",
		zap.String("platform", string(platform)),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped))
	p.bus.Publish(bus.Event{
		Kind:    bus.KindProjectorApplied,
		Payload: BatchEvent{Platform: platform, Processed: res.Processed, Skipped: res.Skipped},
	})
	return res, nil
}
