package indexstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/matheus3301/chatmirror/internal/chat"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("indexstore: not found")

// FsyncMode defines durability behavior for committed pipelines.
type FsyncMode int

const (
	// FsyncModeInterval lets pebble coalesce WAL syncs inside a short window.
	FsyncModeInterval FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every pipeline.
	FsyncModeAlways
	// FsyncModeNever leaves syncing to pebble.
	FsyncModeNever
)

// ParseFsyncMode maps a config value to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "interval":
		return FsyncModeInterval, nil
	case "always":
		return FsyncModeAlways, nil
	case "never":
		return FsyncModeNever, nil
	}
	return 0, fmt.Errorf("unknown fsync mode %q", s)
}

// Options configures the store.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// Metrics observes pipeline commits. Optional.
	Metrics MetricsHook
}

// MetricsHook observes committed pipelines.
type MetricsHook interface {
	ObserveCommit(elapsed time.Duration, ops int, bytes int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCommit(time.Duration, int, int) {}

// Store is an ordered key-value store with string values, scored sorted
// collections, hashes and atomic pipelines, backed by pebble.
type Store struct {
	db        *pebble.DB
	writeSync bool
	metrics   MetricsHook

	// execMu serializes pipeline execution so sorted-collection updates,
	// which read the current score before writing, stay consistent.
	execMu sync.Mutex
}

// Open creates or opens the store in opts.DataDir.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("indexstore: Options.DataDir is required")
	}
	po := &pebble.Options{}
	switch opts.Fsync {
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeAlways, FsyncModeNever:
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Store{
		db:        db,
		writeSync: opts.Fsync != FsyncModeNever,
		metrics:   metrics,
	}, nil
}

// Close closes the underlying database. Safe on a nil store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Get returns a copy of the value stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := s.db.Get(valueKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), val...), nil
}

// Set stores value at key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	p := s.Pipeline()
	p.Set(key, value)
	return p.Exec(ctx)
}

// Del removes the value at key.
func (s *Store) Del(ctx context.Context, key string) error {
	p := s.Pipeline()
	p.Del(key)
	return p.Exec(ctx)
}

// HSet merges fields into the hash at key.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	p := s.Pipeline()
	p.HSet(key, fields)
	return p.Exec(ctx)
}

// HGetAll returns every field of the hash at key. A missing hash yields an
// empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := hashPrefix(key)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	defer func() { _ = iter.Close() }()

	out := make(map[string]string)
	for iter.First(); iter.Valid(); iter.Next() {
		field := string(iter.Key()[len(prefix):])
		out[field] = string(iter.Value())
	}
	if err := iter.Error(); err != nil {
		return nil, unavailable("hgetall", err)
	}
	return out, nil
}

// ZScore returns the score of member in the sorted collection at key.
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	return zscore(s.db, key, member)
}

// ZMember is one entry of a sorted collection.
type ZMember struct {
	Member string
	Score  float64
}

// ZRangeByScore returns members with min <= score <= max in ascending score
// order. limit <= 0 means no limit.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ZMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := zorderPrefix(key)
	lower := append(append([]byte(nil), prefix...), encodeScore(min)...)
	upper := append(append([]byte(nil), prefix...), encodeScore(max)...)
	upper = prefixEnd(upper)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, unavailable("zrange", err)
	}
	defer func() { _ = iter.Close() }()

	var out []ZMember
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(prefix):]
		if len(rest) < scoreLen {
			continue
		}
		out = append(out, ZMember{
			Member: string(rest[scoreLen:]),
			Score:  decodeScore(rest[:scoreLen]),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, unavailable("zrange", err)
	}
	return out, nil
}

// ZCard returns the number of members in the sorted collection at key.
func (s *Store) ZCard(ctx context.Context, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := zmemberPrefix(key)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	defer func() { _ = iter.Close() }()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func zscore(r reader, key, member string) (float64, bool, error) {
	val, closer, err := r.Get(zmemberKey(key, member))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("zscore", err)
	}
	defer func() { _ = closer.Close() }()
	if len(val) != scoreLen {
		return 0, false, unavailable("zscore", fmt.Errorf("corrupt score for %s/%s", key, member))
	}
	return decodeScore(val), true, nil
}

func unavailable(op string, err error) error {
	return &chat.StoreUnavailableError{Op: op, Err: err}
}
