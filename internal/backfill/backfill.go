// Package backfill pulls a conversation's full history page by page and
// projects it through the bulk-create path.
package backfill

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/metrics"
	"github.com/matheus3301/chatmirror/internal/platform"
	"github.com/matheus3301/chatmirror/internal/projector"
	"github.com/matheus3301/chatmirror/internal/status"
	"go.uber.org/zap"
)

// DefaultBufferPages is how many pages are buffered before a flush.
const DefaultBufferPages = 10

// BatchApplier applies a batch of Created events atomically.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, events []chat.Event, handles projector.Handles) (projector.BatchResult, error)
}

// Result totals a backfill.
type Result struct {
	Processed int
	Skipped   int
	Pages     int
}

// Checkpoint is the record of the last successful backfill of a conversation.
type Checkpoint struct {
	Processed   int
	Skipped     int
	CompletedAt time.Time
}

// BatchEvent is the bus payload for backfill.batch and backfill.done.
type BatchEvent struct {
	Platform       chat.Platform
	ConversationID string
	Processed      int
	Skipped        int
}

// Pipeline backfills conversations of one platform.
type Pipeline struct {
	platform    chat.Platform
	client      platform.Client
	directory   platform.DirectoryResolver
	applier     BatchApplier
	store       status.HashStore
	bufferPages int
	bus         *bus.Bus
	logger      *zap.Logger
}

// Options configures a Pipeline.
type Options struct {
	// BufferPages is the number of pages per flush. Defaults to DefaultBufferPages.
	BufferPages int
}

// NewPipeline creates a backfill pipeline for a platform.
func NewPipeline(p chat.Platform, client platform.Client, directory platform.DirectoryResolver, applier BatchApplier, store status.HashStore, opts Options, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if opts.BufferPages <= 0 {
		opts.BufferPages = DefaultBufferPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		platform:    p,
		client:      client,
		directory:   directory,
		applier:     applier,
		store:       store,
		bufferPages: opts.BufferPages,
		bus:         b,
		logger:      logger.With(zap.String("platform", string(p))),
	}
}

// Platform returns the platform this pipeline backfills.
func (p *Pipeline) Platform() chat.Platform { return p.platform }

// Backfill fetches every page of the conversation and applies the messages
// in buffered batches. Any failure aborts the call with no partial result.
func (p *Pipeline) Backfill(ctx context.Context, conversationID string) (Result, error) {
	handles, err := p.directory.Handles(ctx, p.platform)
	if err != nil {
		return Result{}, fmt.Errorf("load handles: %w", err)
	}

	var (
		res      Result
		buf      []chat.Event
		buffered int
		token    string
	)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		br, err := p.applier.ApplyBatch(ctx, buf, projector.Handles(handles))
		if err != nil {
			return fmt.Errorf("flush after page %d: %w", res.Pages, err)
		}
		res.Processed += br.Processed
		res.Skipped += br.Skipped
		p.bus.Publish(bus.Event{
			Kind: bus.KindBackfillBatch,
			Payload: BatchEvent{
				Platform:       p.platform,
				ConversationID: conversationID,
				Processed:      br.Processed,
				Skipped:        br.Skipped,
			},
		})
		buf = buf[:0]
		return nil
	}

	for {
		page, err := p.client.FetchPage(ctx, conversationID, token)
		if err != nil {
			return Result{}, fmt.Errorf("fetch page %d: %w", res.Pages+1, err)
		}
		res.Pages++
		metrics.BackfillPage(string(p.platform))

		for _, m := range page.Messages {
			if m.Deleted {
				res.Skipped++
				continue
			}
			buf = append(buf, platform.ToEvent(p.platform, chat.Created, m))
		}
		buffered++
		if buffered == p.bufferPages {
			if err := flush(); err != nil {
				return Result{}, err
			}
			buffered = 0
		}

		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	if err := flush(); err != nil {
		return Result{}, err
	}

	if err := p.saveCheckpoint(ctx, conversationID, res); err != nil {
		return Result{}, err
	}
	p.logger.Info("backfill complete",
		zap.String("conversation_id", conversationID),
		zap.Int("pages", res.Pages),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped))
	p.bus.Publish(bus.Event{
		Kind: bus.KindBackfillDone,
		Payload: BatchEvent{
			Platform:       p.platform,
			ConversationID: conversationID,
			Processed:      res.Processed,
			Skipped:        res.Skipped,
		},
	})
	return res, nil
}

func (p *Pipeline) saveCheckpoint(ctx context.Context, conversationID string, res Result) error {
	err := p.store.HSet(ctx, chat.BackfillKey(p.platform, conversationID), map[string]string{
		"processed":    strconv.Itoa(res.Processed),
		"skipped":      strconv.Itoa(res.Skipped),
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LastCheckpoint returns the checkpoint of the last completed backfill.
func (p *Pipeline) LastCheckpoint(ctx context.Context, conversationID string) (Checkpoint, bool, error) {
	fields, err := p.store.HGetAll(ctx, chat.BackfillKey(p.platform, conversationID))
	if err != nil {
		return Checkpoint{}, false, err
	}
	if len(fields) == 0 {
		return Checkpoint{}, false, nil
	}
	var cp Checkpoint
	cp.Processed, _ = strconv.Atoi(fields["processed"])
	cp.Skipped, _ = strconv.Atoi(fields["skipped"])
	cp.CompletedAt, _ = time.Parse(time.RFC3339Nano, fields["completed_at"])
	return cp, true, nil
}
