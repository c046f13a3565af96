package bus

import "time"

// Event kinds published inside the daemon. Subscribers filter by prefix,
// e.g. "pull." or "backfill.".
const (
	KindPullStatusChanged = "pull.status_changed"
	KindProjectorApplied  = "projector.applied"
	KindBackfillBatch     = "backfill.batch"
	KindBackfillDone      = "backfill.done"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
