package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chat"
)

// State is the lifecycle state of a subscription pull.
type State string

const (
	NotStarted State = "NOT_STARTED"
	Running    State = "RUNNING"
	Stopped    State = "STOPPED"
	Failed     State = "FAILED"
)

// ParseState maps a stored value back to a State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case NotStarted, Running, Stopped, Failed:
		return st, nil
	}
	return "", fmt.Errorf("unknown pull state %q", s)
}

// Ended reports whether the state is terminal for a run.
func (s State) Ended() bool { return s == Stopped || s == Failed }

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	NotStarted: {Running},
	Running:    {Stopped, Failed},
	Stopped:    {Running},
	Failed:     {Running},
}

// Record is the persisted status of a subscription.
type Record struct {
	State     State
	Message   string
	Timestamp time.Time
}

const (
	fieldStatus    = "task_status"
	fieldMessage   = "message"
	fieldTimestamp = "timestamp"
)

// HashStore is the part of the index store used to persist records.
type HashStore interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Load reads the status record of a subscription. ok is false when no
// record exists.
func Load(ctx context.Context, s HashStore, subscriptionID string) (rec Record, ok bool, err error) {
	fields, err := s.HGetAll(ctx, chat.PullStatusKey(subscriptionID))
	if err != nil {
		return Record{}, false, err
	}
	raw, present := fields[fieldStatus]
	if !present {
		return Record{}, false, nil
	}
	state, err := ParseState(raw)
	if err != nil {
		return Record{}, false, &chat.DataInconsistencyError{Key: chat.PullStatusKey(subscriptionID), Reason: err.Error()}
	}
	rec = Record{State: state, Message: fields[fieldMessage]}
	if ts := fields[fieldTimestamp]; ts != "" {
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return rec, true, nil
}

// Save writes rec as the status record of a subscription.
func Save(ctx context.Context, s HashStore, subscriptionID string, rec Record) error {
	return s.HSet(ctx, chat.PullStatusKey(subscriptionID), map[string]string{
		fieldStatus:    string(rec.State),
		fieldMessage:   rec.Message,
		fieldTimestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// Machine tracks and enforces the pull state of one subscription, writing
// every transition through to the store.
type Machine struct {
	mu      sync.RWMutex
	id      string
	current State
	store   HashStore
	bus     *bus.Bus
	now     func() time.Time
}

// NewMachine creates a machine in NOT_STARTED. It does not touch the store.
func NewMachine(subscriptionID string, store HashStore, b *bus.Bus) *Machine {
	return &Machine{
		id:      subscriptionID,
		current: NotStarted,
		store:   store,
		bus:     b,
		now:     time.Now,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state and persists it. The in-memory state is
// left unchanged when the transition is invalid or the write fails.
func (m *Machine) Transition(ctx context.Context, to State, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	rec := Record{State: to, Message: message, Timestamp: m.now()}
	if err := Save(ctx, m.store, m.id, rec); err != nil {
		return fmt.Errorf("persist %s status: %w", to, err)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      bus.KindPullStatusChanged,
		Timestamp: rec.Timestamp,
		Payload: StatusChange{
			Subscription: m.id,
			From:         from,
			To:           to,
			Message:      message,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Subscription string
	From         State
	To           State
	Message      string
}
