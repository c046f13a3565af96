package projector

import (
	"context"
	"math"
	"time"

	"github.com/matheus3301/chatmirror/internal/chat"
)

// TimelineEntry is one message in a sender's per-conversation timeline.
type TimelineEntry struct {
	MessageID string
	CreatedAt time.Time
}

// TimelineQuery selects a window of a sender's timeline. Zero From and To
// leave that side open; Limit <= 0 means no limit.
type TimelineQuery struct {
	Platform       chat.Platform
	ConversationID string
	Handle         string
	Deleted        bool
	From           time.Time
	To             time.Time
	Limit          int
}

// Record returns the stored record for a message, or nil if none exists.
func (p *Projector) Record(ctx context.Context, platform chat.Platform, conversationID, messageID string) (*chat.Record, error) {
	rec, ok, err := loadRecord(ctx, p.store, chat.MessageKey(platform, conversationID, messageID))
	if err != nil || !ok {
		return nil, err
	}
	return rec, nil
}

// Timeline lists messages from the active or deleted index in creation order.
func (p *Projector) Timeline(ctx context.Context, q TimelineQuery) ([]TimelineEntry, error) {
	key := chat.ActiveKey(q.Platform, q.ConversationID, q.Handle)
	if q.Deleted {
		key = chat.DeletedKey(q.Platform, q.ConversationID, q.Handle)
	}
	lo, hi := math.Inf(-1), math.Inf(1)
	if !q.From.IsZero() {
		lo = chat.Score(q.From)
	}
	if !q.To.IsZero() {
		hi = chat.Score(q.To)
	}

	members, err := p.store.ZRangeByScore(ctx, key, lo, hi, q.Limit)
	if err != nil {
		return nil, asUnavailable("zrange", err)
	}
	out := make([]TimelineEntry, 0, len(members))
	for _, m := range members {
		out = append(out, TimelineEntry{MessageID: m.Member, CreatedAt: chat.ScoreTime(m.Score)})
	}
	return out, nil
}
