package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatmirror/internal/chat"
)

// Handle maps one platform sender to a directory handle.
type Handle struct {
	Platform    chat.Platform
	SenderID    string
	Handle      string
	DisplayName string
	UpdatedAt   time.Time
}

// Validate checks that the handle can be used as an index key segment.
func (h Handle) Validate() error {
	switch {
	case h.Platform == "":
		return errors.New("platform is required")
	case strings.TrimSpace(h.SenderID) == "":
		return errors.New("sender id is required")
	case strings.TrimSpace(h.Handle) == "":
		return errors.New("handle is required")
	case strings.ContainsAny(h.Handle, ":\x00"):
		return fmt.Errorf("handle %q must not contain ':'", h.Handle)
	}
	return nil
}

const upsertHandle = `
	INSERT INTO handles (platform, sender_id, handle, display_name, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(platform, sender_id) DO UPDATE SET
		handle = excluded.handle,
		display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE handles.display_name END,
		updated_at = excluded.updated_at`

// UpsertHandle inserts or updates a sender mapping.
func (db *DB) UpsertHandle(ctx context.Context, h Handle) error {
	if err := h.Validate(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, upsertHandle,
		string(h.Platform), h.SenderID, h.Handle, h.DisplayName, time.Now().UnixMilli())
	return err
}

// BulkUpsertHandles inserts or updates many mappings in a single transaction.
func (db *DB) BulkUpsertHandles(ctx context.Context, hs []Handle) error {
	for _, h := range hs {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("handle for %q: %w", h.SenderID, err)
		}
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, h := range hs {
		if _, err := tx.ExecContext(ctx, upsertHandle,
			string(h.Platform), h.SenderID, h.Handle, h.DisplayName, now); err != nil {
			return fmt.Errorf("upsert handle %q: %w", h.SenderID, err)
		}
	}
	return tx.Commit()
}

// ResolveHandle returns the handle of a sender; ok is false when the sender
// is not in the directory.
func (db *DB) ResolveHandle(ctx context.Context, p chat.Platform, senderID string) (string, bool, error) {
	if senderID == "" {
		return "", false, nil
	}
	var handle string
	err := db.QueryRowContext(ctx,
		`SELECT handle FROM handles WHERE platform = ? AND sender_id = ?`,
		string(p), senderID).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve handle: %w", err)
	}
	return handle, true, nil
}

// Handles returns every sender id to handle mapping of a platform.
func (db *DB) Handles(ctx context.Context, p chat.Platform) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT sender_id, handle FROM handles WHERE platform = ?`, string(p))
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var id, handle string
		if err := rows.Scan(&id, &handle); err != nil {
			return nil, err
		}
		out[id] = handle
	}
	return out, rows.Err()
}

// Get returns a mapping, or nil when the sender is unknown.
func (db *DB) Get(ctx context.Context, p chat.Platform, senderID string) (*Handle, error) {
	h := Handle{Platform: p, SenderID: senderID}
	var updated int64
	err := db.QueryRowContext(ctx,
		`SELECT handle, display_name, updated_at FROM handles WHERE platform = ? AND sender_id = ?`,
		string(p), senderID).Scan(&h.Handle, &h.DisplayName, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.UpdatedAt = time.UnixMilli(updated)
	return &h, nil
}

// Count returns the number of mappings for a platform, or for every
// platform when p is empty.
func (db *DB) Count(ctx context.Context, p chat.Platform) (int, error) {
	var n int
	var err error
	if p == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM handles`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM handles WHERE platform = ?`, string(p)).Scan(&n)
	}
	return n, err
}
