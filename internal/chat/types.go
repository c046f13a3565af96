package chat

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Platform identifies an upstream chat platform.
type Platform string

const (
	Teams Platform = "teams"
	Slack Platform = "slack"
)

// Platforms lists every supported upstream platform.
var Platforms = []Platform{Teams, Slack}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Platforms, p) {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

// ChangeKind is the tag of an Event.
type ChangeKind int

const (
	Created ChangeKind = iota + 1
	Updated
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseChangeKind maps an upstream changeType to a ChangeKind.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created":
		return Created, nil
	case "updated":
		return Updated, nil
	case "deleted":
		return Deleted, nil
	}
	return 0, &InvalidEventError{Reason: fmt.Sprintf("unknown change type %q", s)}
}

// Event is a single change to a message, as seen by the projector.
type Event struct {
	Kind           ChangeKind
	Platform       Platform
	MessageID      string
	ConversationID string
	SenderID       string
	Timestamp      time.Time
	Content        string
	Attachments    []string
}

// Validate checks the fields every event kind needs to locate its message.
// Created and Updated events also need a timestamp.
func (e Event) Validate() error {
	switch {
	case e.Kind < Created || e.Kind > Deleted:
		return &InvalidEventError{MessageID: e.MessageID, Reason: "missing change kind"}
	case e.Platform == "":
		return &InvalidEventError{MessageID: e.MessageID, Reason: "missing platform"}
	case strings.TrimSpace(e.MessageID) == "":
		return &InvalidEventError{Reason: "missing message id"}
	case strings.TrimSpace(e.ConversationID) == "":
		return &InvalidEventError{MessageID: e.MessageID, Reason: "missing conversation id"}
	case strings.ContainsRune(e.MessageID, ':'):
		// the message id is the last key segment
		return &InvalidEventError{MessageID: e.MessageID, Reason: "message id must not contain ':'"}
	case strings.ContainsRune(e.MessageID, 0) || strings.ContainsRune(e.ConversationID, 0):
		return &InvalidEventError{MessageID: e.MessageID, Reason: "ids must not contain NUL"}
	case e.Kind != Deleted && e.Timestamp.IsZero():
		return &InvalidEventError{MessageID: e.MessageID, Reason: "missing timestamp"}
	}
	return nil
}

// Revision is one entry in a record's append-only text history.
type Revision struct {
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the stored projection of one message.
type Record struct {
	Sender         string     `json:"sender"`
	ConversationID string     `json:"conversation_id"`
	Score          float64    `json:"score"`
	TextRevisions  []Revision `json:"text_revisions"`
	Attachments    []string   `json:"attachments"`
	IsDeleted      bool       `json:"is_deleted"`
}

// Current returns the latest text revision.
func (r *Record) Current() (Revision, bool) {
	if len(r.TextRevisions) == 0 {
		return Revision{}, false
	}
	return r.TextRevisions[len(r.TextRevisions)-1], true
}

// AppendRevision adds a revision to the end of the history.
func (r *Record) AppendRevision(value string, ts time.Time) {
	r.TextRevisions = append(r.TextRevisions, Revision{Value: value, Timestamp: ts.UTC()})
}

// MergeAttachments adds refs not already present, keeping the set sorted.
func (r *Record) MergeAttachments(refs []string) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		i, found := slices.BinarySearch(r.Attachments, ref)
		if !found {
			r.Attachments = slices.Insert(r.Attachments, i, ref)
		}
	}
}

// Score converts a creation time into a sorted-collection score (epoch seconds).
func Score(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ScoreTime is the inverse of Score, at microsecond precision.
func ScoreTime(score float64) time.Time {
	return time.UnixMicro(int64(score * 1e6)).UTC()
}

// Policy selects how an Updated event treats a deleted message.
type Policy int

const (
	// PolicyIgnore appends the revision but leaves the message deleted.
	PolicyIgnore Policy = iota
	// PolicyUndo revives the message into the active index.
	PolicyUndo
)

func (p Policy) String() string {
	if p == PolicyUndo {
		return "undo"
	}
	return "ignore"
}

// ParsePolicy maps a config value to a Policy. Empty means ignore.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ignore":
		return PolicyIgnore, nil
	case "undo":
		return PolicyUndo, nil
	}
	return 0, fmt.Errorf("unknown update-after-delete policy %q", s)
}
