package projector

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/indexstore"
)

type mapResolver map[string]string

func (r mapResolver) ResolveHandle(_ context.Context, _ chat.Platform, senderID string) (string, bool, error) {
	h, ok := r[senderID]
	return h, ok, nil
}

type failingResolver struct{}

func (failingResolver) ResolveHandle(context.Context, chat.Platform, string) (string, bool, error) {
	return "", false, errors.New("directory offline")
}

func openStore(t *testing.T) *indexstore.Store {
	t.Helper()
	s, err := indexstore.Open(indexstore.Options{DataDir: t.TempDir(), Fsync: indexstore.FsyncModeNever})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestProjector(t *testing.T, policy chat.Policy) (*Projector, *indexstore.Store) {
	t.Helper()
	s := openStore(t)
	p := New(FromIndexStore(s), mapResolver{"U1": "alice", "U2": "bob"},
		map[chat.Platform]chat.Policy{chat.Teams: policy}, nil, nil)
	return p, s
}

func created(id string, epoch int64, content string) chat.Event {
	return chat.Event{
		Kind:           chat.Created,
		Platform:       chat.Teams,
		MessageID:      id,
		ConversationID: "C1",
		SenderID:       "U1",
		Timestamp:      time.Unix(epoch, 0),
		Content:        content,
	}
}

func updated(id string, epoch int64, content string) chat.Event {
	e := created(id, epoch, content)
	e.Kind = chat.Updated
	return e
}

func deleted(id string) chat.Event {
	return chat.Event{Kind: chat.Deleted, Platform: chat.Teams, MessageID: id, ConversationID: "C1"}
}

func mustApply(t *testing.T, p *Projector, evts ...chat.Event) {
	t.Helper()
	for _, e := range evts {
		if err := p.Apply(context.Background(), e); err != nil {
			t.Fatalf("Apply(%s %s): %v", e.Kind, e.MessageID, err)
		}
	}
}

func score(t *testing.T, s *indexstore.Store, key, member string) (float64, bool) {
	t.Helper()
	v, ok, err := s.ZScore(context.Background(), key, member)
	if err != nil {
		t.Fatal(err)
	}
	return v, ok
}

var (
	activeKey  = chat.ActiveKey(chat.Teams, "C1", "alice")
	deletedKey = chat.DeletedKey(chat.Teams, "C1", "alice")
)

func TestCreateThenUpdate(t *testing.T) {
	p, s := newTestProjector(t, chat.PolicyIgnore)
	ctx := context.Background()

	mustApply(t, p, created("m1", 100, "hi"), updated("m1", 150, "hi!"))

	rec, err := p.Record(ctx, chat.Teams, "C1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("record missing")
	}
	if len(rec.TextRevisions) != 2 {
		t.Fatalf("revisions = %d, want 2", len(rec.TextRevisions))
	}
	if rec.TextRevisions[0].Value != "hi" || rec.TextRevisions[1].Value != "hi!" {
		t.Errorf("revisions = %+v", rec.TextRevisions)
	}
	if rec.Sender != "alice" || rec.Score != 100 || rec.IsDeleted {
		t.Errorf("record = %+v", rec)
	}
	if v, ok := score(t, s, activeKey, "m1"); !ok || v != 100 {
		t.Errorf("active score = %v, %v; want 100", v, ok)
	}
}

func TestDeleteTwiceIsIdempotent(t *testing.T) {
	p, s := newTestProjector(t, chat.PolicyIgnore)

	mustApply(t, p, created("m1", 100, "hi"), deleted("m1"))
	outcome, err := p.ApplyOutcome(context.Background(), deleted("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Noop {
		t.Errorf("second delete outcome = %q, want noop", outcome)
	}

	if _, ok := score(t, s, activeKey, "m1"); ok {
		t.Error("m1 still in active index")
	}
	if v, ok := score(t, s, deletedKey, "m1"); !ok || v != 100 {
		t.Errorf("deleted score = %v, %v; want 100", v, ok)
	}
	rec, _ := p.Record(context.Background(), chat.Teams, "C1", "m1")
	if !rec.IsDeleted {
		t.Error("record not marked deleted")
	}
}

func TestUpdateAfterDeletePolicies(t *testing.T) {
	tests := []struct {
		policy      chat.Policy
		wantActive  bool
		wantDeleted bool
	}{
		{chat.PolicyUndo, true, false},
		{chat.PolicyIgnore, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			p, s := newTestProjector(t, tt.policy)
			mustApply(t, p, created("m1", 100, "hi"), deleted("m1"), updated("m1", 200, "back"))

			rec, err := p.Record(context.Background(), chat.Teams, "C1", "m1")
			if err != nil {
				t.Fatal(err)
			}
			if rec.IsDeleted != tt.wantDeleted {
				t.Errorf("IsDeleted = %v, want %v", rec.IsDeleted, tt.wantDeleted)
			}
			if cur, _ := rec.Current(); cur.Value != "back" || len(rec.TextRevisions) != 2 {
				t.Errorf("revisions = %+v, want the update appended", rec.TextRevisions)
			}
			if _, ok := score(t, s, activeKey, "m1"); ok != tt.wantActive {
				t.Errorf("in active = %v, want %v", ok, tt.wantActive)
			}
			if v, ok := score(t, s, deletedKey, "m1"); ok != tt.wantDeleted || (ok && v != 100) {
				t.Errorf("in deleted = %v (score %v), want %v", ok, v, tt.wantDeleted)
			}
			if tt.wantActive {
				if v, _ := score(t, s, activeKey, "m1"); v != 100 {
					t.Errorf("revived score = %v, want original 100", v)
				}
			}
		})
	}
}

func TestUpdateWithoutCreateIsInconsistent(t *testing.T) {
	p, s := newTestProjector(t, chat.PolicyIgnore)

	err := p.Apply(context.Background(), updated("ghost", 100, "x"))
	if !errors.Is(err, chat.ErrDataInconsistency) {
		t.Fatalf("error = %v, want data inconsistency", err)
	}
	if _, err := s.Get(context.Background(), chat.MessageKey(chat.Teams, "C1", "ghost")); !errors.Is(err, indexstore.ErrNotFound) {
		t.Error("update created a record")
	}
}

func TestDeleteWithoutCreateIsInconsistent(t *testing.T) {
	p, _ := newTestProjector(t, chat.PolicyIgnore)
	if err := p.Apply(context.Background(), deleted("ghost")); !errors.Is(err, chat.ErrDataInconsistency) {
		t.Fatalf("error = %v, want data inconsistency", err)
	}
}

func TestDeleteWithMissingActiveEntry(t *testing.T) {
	p, s := newTestProjector(t, chat.PolicyIgnore)
	ctx := context.Background()
	mustApply(t, p, created("m1", 100, "hi"))

	pipe := s.Pipeline()
	pipe.ZRem(activeKey, "m1")
	if err := pipe.Exec(ctx); err != nil {
		t.Fatal(err)
	}

	if err := p.Apply(ctx, deleted("m1")); !errors.Is(err, chat.ErrDataInconsistency) {
		t.Fatalf("error = %v, want data inconsistency", err)
	}
	rec, _ := p.Record(ctx, chat.Teams, "C1", "m1")
	if rec.IsDeleted {
		t.Error("record marked deleted despite failure")
	}
}

func TestDuplicateCreateAndUpdateAreNoops(t *testing.T) {
	p, _ := newTestProjector(t, chat.PolicyIgnore)
	ctx := context.Background()
	mustApply(t, p, created("m1", 100, "hi"), updated("m1", 150, "hi!"))

	for _, e := range []chat.Event{created("m1", 100, "hi"), updated("m1", 150, "hi!")} {
		outcome, err := p.ApplyOutcome(ctx, e)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != Noop {
			t.Errorf("%s redelivery outcome = %q, want noop", e.Kind, outcome)
		}
	}
	rec, _ := p.Record(ctx, chat.Teams, "C1", "m1")
	if len(rec.TextRevisions) != 2 {
		t.Errorf("revisions = %d after redelivery, want 2", len(rec.TextRevisions))
	}
}

func TestUnresolvedSenderIsSkipped(t *testing.T) {
	p, s := newTestProjector(t, chat.PolicyIgnore)
	ctx := context.Background()

	e := created("m1", 100, "hi")
	e.SenderID = "stranger"
	outcome, err := p.ApplyOutcome(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Skipped {
		t.Errorf("outcome = %q, want skipped", outcome)
	}
	if _, err := s.Get(ctx, chat.MessageKey(chat.Teams, "C1", "m1")); !errors.Is(err, indexstore.ErrNotFound) {
		t.Error("record written for unresolved sender")
	}
}

func TestResolverFailureIsReturned(t *testing.T) {
	p := New(FromIndexStore(openStore(t)), failingResolver{}, nil, nil, nil)
	err := p.Apply(context.Background(), created("m1", 100, "hi"))
	if err == nil {
		t.Fatal("expected resolver error")
	}
	if errors.Is(err, chat.ErrInvalidEvent) {
		t.Errorf("resolver failure classified as invalid event: %v", err)
	}
}

func TestInvalidEvents(t *testing.T) {
	p, _ := newTestProjector(t, chat.PolicyIgnore)
	noID := created("", 100, "x")
	noConv := created("m1", 100, "x")
	noConv.ConversationID = ""
	noTS := created("m1", 0, "x")
	noTS.Timestamp = time.Time{}
	colon := created("m:1", 100, "x")

	for name, e := range map[string]chat.Event{"no id": noID, "no conversation": noConv, "no timestamp": noTS, "colon": colon} {
		if err := p.Apply(context.Background(), e); !errors.Is(err, chat.ErrInvalidEvent) {
			t.Errorf("%s: error = %v, want invalid event", name, err)
		}
	}
}

func TestAttachmentsMergeAcrossRevisions(t *testing.T) {
	p, _ := newTestProjector(t, chat.PolicyIgnore)
	c := created("m1", 100, "pic")
	c.Attachments = []string{"b.png", "a.png"}
	u := updated("m1", 120, "pic2")
	u.Attachments = []string{"a.png", "c.png"}
	mustApply(t, p, c, u)

	rec, _ := p.Record(context.Background(), chat.Teams, "C1", "m1")
	want := []string{"a.png", "b.png", "c.png"}
	if !reflect.DeepEqual(rec.Attachments, want) {
		t.Errorf("attachments = %v, want %v", rec.Attachments, want)
	}
}

func TestApplyBatchMatchesSequential(t *testing.T) {
	var events []chat.Event
	for i := 0; i < 12; i++ {
		e := created(fmt.Sprintf("m%d", i), int64(1000+i), fmt.Sprintf("body %d", i))
		if i%3 == 0 {
			e.SenderID = "U2"
		}
		events = append(events, e)
	}
	stranger := created("m99", 5000, "who")
	stranger.SenderID = "nobody"
	events = append(events, stranger, events[4])

	batched, bs := newTestProjector(t, chat.PolicyIgnore)
	res, err := batched.ApplyBatch(context.Background(), events, Handles{"U1": "alice", "U2": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 12 || res.Skipped != 2 {
		t.Errorf("result = %+v, want 12 processed, 2 skipped", res)
	}

	seq, ss := newTestProjector(t, chat.PolicyIgnore)
	mustApply(t, seq, events...)

	ctx := context.Background()
	for _, e := range events[:12] {
		key := chat.MessageKey(chat.Teams, "C1", e.MessageID)
		a, err := bs.Get(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		b, err := ss.Get(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if string(a) != string(b) {
			t.Errorf("%s: batch record %s != sequential %s", e.MessageID, a, b)
		}
	}
	for _, handle := range []string{"alice", "bob"} {
		key := chat.ActiveKey(chat.Teams, "C1", handle)
		a, _ := bs.ZRangeByScore(ctx, key, 0, 1e9, 0)
		b, _ := ss.ZRangeByScore(ctx, key, 0, 1e9, 0)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("%s index differs: batch %v sequential %v", handle, a, b)
		}
	}
}

func TestApplyBatchSkipsExisting(t *testing.T) {
	p, _ := newTestProjector(t, chat.PolicyIgnore)
	mustApply(t, p, created("m1", 100, "first"))

	res, err := p.ApplyBatch(context.Background(),
		[]chat.Event{created("m1", 100, "again"), created("m2", 101, "new")},
		Handles{"U1": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 1/1", res)
	}
	rec, _ := p.Record(context.Background(), chat.Teams, "C1", "m1")
	if cur, _ := rec.Current(); cur.Value != "first" {
		t.Errorf("existing record overwritten: %q", cur.Value)
	}
}

func TestApplyBatchRejectsNonCreated(t *testing.T) {
	p, s := newTestProjector(t, chat.PolicyIgnore)
	_, err := p.ApplyBatch(context.Background(),
		[]chat.Event{created("m1", 100, "a"), deleted("m1")},
		Handles{"U1": "alice"})
	if !errors.Is(err, chat.ErrInvalidEvent) {
		t.Fatalf("error = %v, want invalid event", err)
	}
	if n, _ := s.ZCard(context.Background(), activeKey); n != 0 {
		t.Errorf("batch partially applied: %d entries", n)
	}
}

type failingPipeline struct{ Pipeline }

func (failingPipeline) Exec(context.Context) error { return errors.New("disk on fire") }

type failingStore struct{ Store }

func (s failingStore) NewPipeline() Pipeline { return failingPipeline{s.Store.NewPipeline()} }

func TestPipelineFailureIsStoreUnavailable(t *testing.T) {
	s := openStore(t)
	p := New(failingStore{FromIndexStore(s)}, mapResolver{"U1": "alice"}, nil, nil, nil)
	ctx := context.Background()

	if err := p.Apply(ctx, created("m1", 100, "hi")); !errors.Is(err, chat.ErrStoreUnavailable) {
		t.Errorf("Apply error = %v, want store unavailable", err)
	}
	_, err := p.ApplyBatch(ctx, []chat.Event{created("m1", 100, "hi"), created("m2", 101, "yo")}, Handles{"U1": "alice"})
	if !errors.Is(err, chat.ErrStoreUnavailable) {
		t.Errorf("ApplyBatch error = %v, want store unavailable", err)
	}
	if n, _ := s.ZCard(ctx, activeKey); n != 0 {
		t.Errorf("failed pipeline left %d index entries", n)
	}
}

func TestTimelineWindow(t *testing.T) {
	p, _ := newTestProjector(t, chat.PolicyIgnore)
	ctx := context.Background()
	mustApply(t, p, created("m3", 300, "c"), created("m1", 100, "a"), created("m2", 200, "b"), deleted("m2"))

	got, err := p.Timeline(ctx, TimelineQuery{Platform: chat.Teams, ConversationID: "C1", Handle: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].MessageID != "m1" || got[1].MessageID != "m3" {
		t.Errorf("active timeline = %+v, want m1, m3", got)
	}
	if !got[0].CreatedAt.Equal(time.Unix(100, 0)) {
		t.Errorf("CreatedAt = %v, want epoch 100", got[0].CreatedAt)
	}

	got, _ = p.Timeline(ctx, TimelineQuery{Platform: chat.Teams, ConversationID: "C1", Handle: "alice", From: time.Unix(150, 0)})
	if len(got) != 1 || got[0].MessageID != "m3" {
		t.Errorf("windowed timeline = %+v, want m3", got)
	}

	got, _ = p.Timeline(ctx, TimelineQuery{Platform: chat.Teams, ConversationID: "C1", Handle: "alice", Deleted: true})
	if len(got) != 1 || got[0].MessageID != "m2" {
		t.Errorf("deleted timeline = %+v, want m2", got)
	}
}

func TestAppliedEventsPublished(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindProjectorApplied, 8)
	defer unsub()

	p := New(FromIndexStore(openStore(t)), mapResolver{"U1": "alice"}, nil, b, nil)
	mustApply(t, p, created("m1", 100, "hi"))

	select {
	case evt := <-ch:
		ae, ok := evt.Payload.(AppliedEvent)
		if !ok || ae.MessageID != "m1" || ae.Outcome != Applied {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no projector.applied event")
	}
}
