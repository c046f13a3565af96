package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/indexstore"
)

// Store is the part of the index store the projector reads and writes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]indexstore.ZMember, error)
	NewPipeline() Pipeline
}

// Pipeline queues mutations and applies them atomically on Exec.
type Pipeline interface {
	Set(key string, value []byte)
	ZAdd(key string, score float64, member string)
	ZRem(key, member string)
	Len() int
	Exec(ctx context.Context) error
}

type indexStore struct {
	*indexstore.Store
}

func (s indexStore) NewPipeline() Pipeline { return s.Store.Pipeline() }

// FromIndexStore adapts an index store for the projector.
func FromIndexStore(s *indexstore.Store) Store {
	return indexStore{Store: s}
}

// loadRecord returns the record at key, or ok=false when none exists.
func loadRecord(ctx context.Context, s Store, key string) (*chat.Record, bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, indexstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, asUnavailable("get record", err)
	}
	var rec chat.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, &chat.DataInconsistencyError{Key: key, Reason: fmt.Sprintf("undecodable record: %v", err)}
	}
	return &rec, true, nil
}

func encodeRecord(rec *chat.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

// asUnavailable makes sure a store failure carries the StoreUnavailable tag.
func asUnavailable(op string, err error) error {
	if errors.Is(err, chat.ErrStoreUnavailable) {
		return err
	}
	return &chat.StoreUnavailableError{Op: op, Err: err}
}
