package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatmirror/internal/backfill"
	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/directory"
	"github.com/matheus3301/chatmirror/internal/projector"
	"github.com/matheus3301/chatmirror/internal/puller"
	"github.com/matheus3301/chatmirror/internal/status"
	"github.com/matheus3301/chatmirror/internal/worker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultBackfillWait bounds how long BackfillConversation waits for a result
// when the request does not say.
const DefaultBackfillWait = 2 * time.Minute

// HandleWriter stores sender directory entries.
type HandleWriter interface {
	UpsertHandle(ctx context.Context, h directory.Handle) error
}

// Deps are the collaborators of MirrorService.
type Deps struct {
	Instance string
	Registry *puller.Registry
	Handlers map[chat.Platform]puller.Handler
	// Subscriptions maps configured subscription ids to their platform.
	Subscriptions map[string]chat.Platform
	Projector     *projector.Projector
	Pipelines     map[chat.Platform]*backfill.Pipeline
	Executor      *worker.Executor
	BackfillWait  time.Duration
	Directory     HandleWriter
	Bus           *bus.Bus
	Logger        *zap.Logger
}

// MirrorService implements MirrorServer.
type MirrorService struct {
	d         Deps
	startedAt time.Time
	logger    *zap.Logger
}

var _ MirrorServer = (*MirrorService)(nil)

// NewMirrorService creates the control API service.
func NewMirrorService(d Deps) *MirrorService {
	if d.BackfillWait <= 0 {
		d.BackfillWait = DefaultBackfillWait
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MirrorService{d: d, startedAt: time.Now(), logger: logger.With(zap.String("component", "api"))}
}

func (s *MirrorService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	running := 0
	pullers := s.d.Registry.Pullers()
	for _, p := range pullers {
		if p.Running() {
			running++
		}
	}
	return structpb.NewStruct(map[string]any{
		"instance":       s.d.Instance,
		"uptime_ms":      time.Since(s.startedAt).Milliseconds(),
		"pulls":          len(pullers),
		"pulls_running":  running,
		"events_dropped": s.d.Bus.Dropped(),
	})
}

func pullTarget(req *structpb.Struct) (endpoint, subscription string, err error) {
	f := readFields(req)
	endpoint, subscription = f.str("endpoint"), f.str("subscription")
	if endpoint == "" || subscription == "" {
		return "", "", invalidArgument("endpoint and subscription are required")
	}
	return endpoint, subscription, nil
}

func (s *MirrorService) StartPull(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	endpoint, subscription, err := pullTarget(req)
	if err != nil {
		return nil, err
	}
	platform, err := s.platformFor(readFields(req).str("platform"), subscription)
	if err != nil {
		return nil, err
	}
	handler, ok := s.d.Handlers[platform]
	if !ok {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "platform %s is not configured", platform)
	}

	p, err := s.d.Registry.GetOrCreate(endpoint, subscription)
	if err != nil {
		return nil, toStatus("start pull", err)
	}
	if err := p.Start(ctx, handler); err != nil {
		return nil, toStatus("start pull", err)
	}
	return s.pullStatus(ctx, p)
}

func (s *MirrorService) platformFor(requested, subscription string) (chat.Platform, error) {
	if requested != "" {
		p, err := chat.ParsePlatform(requested)
		if err != nil {
			return "", invalidArgument("%v", err)
		}
		return p, nil
	}
	if p, ok := s.d.Subscriptions[subscription]; ok {
		return p, nil
	}
	return "", invalidArgument("platform is required for unconfigured subscription %q", subscription)
}

func (s *MirrorService) StopPull(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	endpoint, subscription, err := pullTarget(req)
	if err != nil {
		return nil, err
	}
	p, err := s.d.Registry.GetOrCreate(endpoint, subscription)
	if err != nil {
		return nil, toStatus("stop pull", err)
	}
	if err := p.Stop(ctx); err != nil {
		return nil, toStatus("stop pull", err)
	}
	return s.pullStatus(ctx, p)
}

func (s *MirrorService) CheckPullStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	endpoint, subscription, err := pullTarget(req)
	if err != nil {
		return nil, err
	}
	p, err := s.d.Registry.GetOrCreate(endpoint, subscription)
	if err != nil {
		return nil, toStatus("check pull status", err)
	}
	return s.pullStatus(ctx, p)
}

func (s *MirrorService) pullStatus(ctx context.Context, p *puller.Puller) (*structpb.Struct, error) {
	resp, err := p.CheckStatus(ctx)
	if err != nil {
		return nil, toStatus("check pull status", err)
	}
	return structpb.NewStruct(statusFields(resp))
}

func statusFields(resp puller.StatusResponse) map[string]any {
	return map[string]any{
		"endpoint":     resp.Endpoint,
		"subscription": resp.Subscription,
		"state":        string(resp.State),
		"message":      resp.Message,
		"timestamp":    formatTime(resp.Timestamp),
	}
}

// ListPulls reports every puller known to this daemon. A puller whose
// status is inconsistent is listed with the error instead of failing the call.
func (s *MirrorService) ListPulls(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var items []any
	for _, p := range s.d.Registry.Pullers() {
		resp, err := p.CheckStatus(ctx)
		if err != nil && !errors.Is(err, puller.ErrConsistency) {
			return nil, toStatus("list pulls", err)
		}
		item := statusFields(resp)
		if err != nil {
			item = map[string]any{
				"endpoint":     p.Endpoint(),
				"subscription": p.Subscription(),
				"error":        err.Error(),
			}
		}
		item["running"] = p.Running()
		items = append(items, item)
	}
	return structpb.NewStruct(map[string]any{"pulls": items})
}

func (s *MirrorService) BackfillConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := readFields(req)
	platform, err := chat.ParsePlatform(f.str("platform"))
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	conversationID := f.str("conversation_id")
	if conversationID == "" {
		return nil, invalidArgument("conversation_id is required")
	}
	pipeline, ok := s.d.Pipelines[platform]
	if !ok {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "platform %s is not configured", platform)
	}
	wait, err := f.dur("wait")
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	if wait <= 0 {
		wait = s.d.BackfillWait
	}

	taskID := uuid.NewString()
	s.logger.Info("backfill requested",
		zap.String("task_id", taskID),
		zap.String("platform", string(platform)),
		zap.String("conversation", conversationID))

	res, err := worker.Do(ctx, s.d.Executor, "backfill "+conversationID, wait, func(ctx context.Context) (backfill.Result, error) {
		return pipeline.Backfill(ctx, conversationID)
	})
	if errors.Is(err, worker.ErrTimeout) {
		return nil, grpcstatus.Errorf(codes.DeadlineExceeded, "backfill %s still running after %s (task %s)", conversationID, wait, taskID)
	}
	if err != nil {
		return nil, toStatus("backfill", err)
	}
	return structpb.NewStruct(map[string]any{
		"task_id":   taskID,
		"processed": res.Processed,
		"skipped":   res.Skipped,
		"pages":     res.Pages,
	})
}

func (s *MirrorService) GetMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := readFields(req)
	platform, err := chat.ParsePlatform(f.str("platform"))
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	conversationID, messageID := f.str("conversation_id"), f.str("message_id")
	if conversationID == "" || messageID == "" {
		return nil, invalidArgument("conversation_id and message_id are required")
	}
	rec, err := s.d.Projector.Record(ctx, platform, conversationID, messageID)
	if err != nil {
		return nil, toStatus("get message", err)
	}
	if rec == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "message %s not found", messageID)
	}
	return structpb.NewStruct(recordFields(messageID, rec))
}

func recordFields(messageID string, rec *chat.Record) map[string]any {
	revisions := make([]any, 0, len(rec.TextRevisions))
	for _, r := range rec.TextRevisions {
		revisions = append(revisions, map[string]any{
			"value":     r.Value,
			"timestamp": formatTime(r.Timestamp),
		})
	}
	text := ""
	if cur, ok := rec.Current(); ok {
		text = cur.Value
	}
	return map[string]any{
		"message_id":      messageID,
		"sender":          rec.Sender,
		"conversation_id": rec.ConversationID,
		"created_at":      formatTime(chat.ScoreTime(rec.Score)),
		"text":            text,
		"revisions":       revisions,
		"attachments":     stringList(rec.Attachments),
		"is_deleted":      rec.IsDeleted,
	}
}

func (s *MirrorService) ListTimeline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := readFields(req)
	platform, err := chat.ParsePlatform(f.str("platform"))
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	q := projector.TimelineQuery{
		Platform:       platform,
		ConversationID: f.str("conversation_id"),
		Handle:         f.str("handle"),
		Deleted:        f.flag("deleted"),
		Limit:          f.num("limit"),
	}
	if q.ConversationID == "" || q.Handle == "" {
		return nil, invalidArgument("conversation_id and handle are required")
	}
	if q.From, err = f.timestamp("from"); err != nil {
		return nil, invalidArgument("%v", err)
	}
	if q.To, err = f.timestamp("to"); err != nil {
		return nil, invalidArgument("%v", err)
	}

	entries, err := s.d.Projector.Timeline(ctx, q)
	if err != nil {
		return nil, toStatus("list timeline", err)
	}
	items := make([]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"message_id": e.MessageID,
			"created_at": formatTime(e.CreatedAt),
		})
	}
	return structpb.NewStruct(map[string]any{"entries": items})
}

func (s *MirrorService) UpsertHandle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := readFields(req)
	platform, err := chat.ParsePlatform(f.str("platform"))
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	h := directory.Handle{
		Platform:    platform,
		SenderID:    f.str("sender_id"),
		Handle:      f.str("handle"),
		DisplayName: f.str("display_name"),
	}
	if err := h.Validate(); err != nil {
		return nil, invalidArgument("%v", err)
	}
	if err := s.d.Directory.UpsertHandle(ctx, h); err != nil {
		return nil, toStatus("upsert handle", err)
	}
	return structpb.NewStruct(map[string]any{"success": true})
}

// WatchEvents streams bus events whose kind starts with the requested
// namespace until the client goes away.
func (s *MirrorService) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.d.Bus.Subscribe(readFields(req).str("namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := structpb.NewStruct(map[string]any{
				"event_id":  uuid.NewString(),
				"instance":  s.d.Instance,
				"kind":      evt.Kind,
				"timestamp": formatTime(evt.Timestamp),
				"payload":   payloadFields(evt.Payload),
			})
			if err != nil {
				return toStatus("encode event", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func payloadFields(payload any) map[string]any {
	switch p := payload.(type) {
	case projector.AppliedEvent:
		return map[string]any{
			"platform":        string(p.Platform),
			"kind":            p.Kind.String(),
			"conversation_id": p.ConversationID,
			"message_id":      p.MessageID,
			"outcome":         string(p.Outcome),
		}
	case projector.BatchEvent:
		return map[string]any{
			"platform":  string(p.Platform),
			"processed": p.Processed,
			"skipped":   p.Skipped,
		}
	case backfill.BatchEvent:
		return map[string]any{
			"platform":        string(p.Platform),
			"conversation_id": p.ConversationID,
			"processed":       p.Processed,
			"skipped":         p.Skipped,
		}
	case status.StatusChange:
		return map[string]any{
			"subscription": p.Subscription,
			"from":         string(p.From),
			"to":           string(p.To),
			"message":      p.Message,
		}
	}
	return map[string]any{"value": fmt.Sprint(payload)}
}
