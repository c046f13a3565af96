package indexstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/matheus3301/chatmirror/internal/chat"
)

type opKind int

const (
	opSet opKind = iota
	opDel
	opZAdd
	opZRem
	opHSet
)

type op struct {
	kind   opKind
	key    string
	member string
	score  float64
	value  []byte
	fields map[string]string
}

// Pipeline queues commands and applies them atomically on Exec. A pipeline
// is not safe for concurrent use; build one per unit of work.
type Pipeline struct {
	store *Store
	ops   []op
}

// Pipeline starts an empty pipeline.
func (s *Store) Pipeline() *Pipeline {
	return &Pipeline{store: s}
}

// Len reports the number of queued commands.
func (p *Pipeline) Len() int { return len(p.ops) }

// Set queues a value write.
func (p *Pipeline) Set(key string, value []byte) {
	p.ops = append(p.ops, op{kind: opSet, key: key, value: append([]byte(nil), value...)})
}

// Del queues a value delete.
func (p *Pipeline) Del(key string) {
	p.ops = append(p.ops, op{kind: opDel, key: key})
}

// ZAdd queues adding member at score. An existing member moves to the new score.
func (p *Pipeline) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, op{kind: opZAdd, key: key, member: member, score: score})
}

// ZRem queues removing member. Removing an absent member is a no-op.
func (p *Pipeline) ZRem(key, member string) {
	p.ops = append(p.ops, op{kind: opZRem, key: key, member: member})
}

// HSet queues merging fields into a hash.
func (p *Pipeline) HSet(key string, fields map[string]string) {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	p.ops = append(p.ops, op{kind: opHSet, key: key, fields: cp})
}

// Exec applies every queued command as one atomic batch. On error nothing
// is applied. An empty pipeline is a no-op.
func (p *Pipeline) Exec(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p.ops) == 0 {
		return nil
	}
	s := p.store
	s.execMu.Lock()
	defer s.execMu.Unlock()

	// Indexed so sorted-set commands see earlier commands of the same pipeline.
	b := s.db.NewIndexedBatch()
	defer func() { _ = b.Close() }()

	for _, o := range p.ops {
		if err := apply(b, o); err != nil {
			return err
		}
	}

	start := time.Now()
	size := b.Len()
	syncMode := pebble.NoSync
	if s.writeSync {
		syncMode = pebble.Sync
	}
	if err := b.Commit(syncMode); err != nil {
		return unavailable("exec", err)
	}
	s.metrics.ObserveCommit(time.Since(start), len(p.ops), size)
	return nil
}

func apply(b *pebble.Batch, o op) error {
	var err error
	switch o.kind {
	case opSet:
		err = b.Set(valueKey(o.key), o.value, nil)
	case opDel:
		err = b.Delete(valueKey(o.key), nil)
	case opHSet:
		for field, v := range o.fields {
			if err = b.Set(hashFieldKey(o.key, field), []byte(v), nil); err != nil {
				break
			}
		}
	case opZAdd:
		err = zadd(b, o.key, o.score, o.member)
	case opZRem:
		err = zrem(b, o.key, o.member)
	default:
		err = fmt.Errorf("unknown pipeline op %d", o.kind)
	}
	if err != nil {
		var sue *chat.StoreUnavailableError
		if errors.As(err, &sue) {
			return err
		}
		return unavailable("queue", err)
	}
	return nil
}

func zadd(b *pebble.Batch, key string, score float64, member string) error {
	old, ok, err := zscore(b, key, member)
	if err != nil {
		return err
	}
	if ok {
		if old == score {
			return nil
		}
		if err := b.Delete(zorderKey(key, old, member), nil); err != nil {
			return err
		}
	}
	if err := b.Set(zmemberKey(key, member), encodeScore(score), nil); err != nil {
		return err
	}
	return b.Set(zorderKey(key, score, member), nil, nil)
}

func zrem(b *pebble.Batch, key, member string) error {
	old, ok, err := zscore(b, key, member)
	if err != nil || !ok {
		return err
	}
	if err := b.Delete(zmemberKey(key, member), nil); err != nil {
		return err
	}
	return b.Delete(zorderKey(key, old, member), nil)
}
