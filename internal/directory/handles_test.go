package directory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/platform"
)

var _ platform.DirectoryResolver = (*DB)(nil)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "directory.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "directory.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	res, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Version != 1 || res.Dirty {
		t.Errorf("first migrate = %+v", res)
	}
	res, err = db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("second migrate reported a change")
	}
}

func TestUpsertAndResolve(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertHandle(ctx, Handle{Platform: chat.Teams, SenderID: "aad-1", Handle: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	h, ok, err := db.ResolveHandle(ctx, chat.Teams, "aad-1")
	if err != nil || !ok || h != "alice" {
		t.Errorf("ResolveHandle = %q, %v, %v", h, ok, err)
	}
	if _, ok, _ := db.ResolveHandle(ctx, chat.Slack, "aad-1"); ok {
		t.Error("mapping leaked across platforms")
	}
	if _, ok, _ := db.ResolveHandle(ctx, chat.Teams, ""); ok {
		t.Error("empty sender resolved")
	}

	// Re-upsert with a new handle and no display name keeps the old name.
	if err := db.UpsertHandle(ctx, Handle{Platform: chat.Teams, SenderID: "aad-1", Handle: "alice2"}); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get(ctx, chat.Teams, "aad-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Handle != "alice2" || got.DisplayName != "Alice" || got.UpdatedAt.IsZero() {
		t.Errorf("Get = %+v", got)
	}
	if missing, _ := db.Get(ctx, chat.Teams, "nobody"); missing != nil {
		t.Errorf("Get(missing) = %+v, want nil", missing)
	}
}

func TestUpsertRejectsBadHandles(t *testing.T) {
	db := testDB(t)
	tests := []Handle{
		{Platform: chat.Teams, SenderID: "", Handle: "a"},
		{Platform: chat.Teams, SenderID: "x", Handle: ""},
		{Platform: chat.Teams, SenderID: "x", Handle: "a:b"},
		{Platform: "", SenderID: "x", Handle: "a"},
	}
	for _, h := range tests {
		if err := db.UpsertHandle(context.Background(), h); err == nil {
			t.Errorf("UpsertHandle(%+v) accepted", h)
		}
	}
}

func TestBulkUpsertHandlesAndCount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.BulkUpsertHandles(ctx, []Handle{
		{Platform: chat.Slack, SenderID: "U1", Handle: "alice"},
		{Platform: chat.Slack, SenderID: "U2", Handle: "bob"},
		{Platform: chat.Teams, SenderID: "aad-3", Handle: "carol"},
	})
	if err != nil {
		t.Fatal(err)
	}

	handles, err := db.Handles(ctx, chat.Slack)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 2 || handles["U1"] != "alice" || handles["U2"] != "bob" {
		t.Errorf("Handles(slack) = %v", handles)
	}
	if n, _ := db.Count(ctx, chat.Slack); n != 2 {
		t.Errorf("Count(slack) = %d, want 2", n)
	}
	if n, _ := db.Count(ctx, ""); n != 3 {
		t.Errorf("Count(all) = %d, want 3", n)
	}

	// One bad entry rejects the whole batch.
	err = db.BulkUpsertHandles(ctx, []Handle{
		{Platform: chat.Slack, SenderID: "U9", Handle: "zed"},
		{Platform: chat.Slack, SenderID: "U10", Handle: "bad:handle"},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if n, _ := db.Count(ctx, chat.Slack); n != 2 {
		t.Errorf("Count after rejected batch = %d, want 2", n)
	}
}
