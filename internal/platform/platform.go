// Package platform holds the collaborators around the projector: clients for
// the upstream chat APIs, the per-platform notification adapters, and the
// ingestor that wires a subscription delivery through to the projector.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatmirror/internal/chat"
)

// ErrNotFound is returned by clients when the upstream message is gone.
var ErrNotFound = errors.New("message not found upstream")

// MessageContent is a message as fetched from an upstream API.
type MessageContent struct {
	ID             string
	ConversationID string
	SenderID       string
	CreatedAt      time.Time
	ModifiedAt     time.Time
	Content        string
	Attachments    []string
	Deleted        bool
}

// Page is one page of a conversation's history. An empty NextToken means
// there are no more pages.
type Page struct {
	Messages  []MessageContent
	NextToken string
}

// Client reads conversation history from a chat platform.
type Client interface {
	// FetchPage returns the page at token; the empty token is the first page.
	FetchPage(ctx context.Context, conversationID, token string) (Page, error)
	FetchMessage(ctx context.Context, conversationID, messageID string) (MessageContent, error)
}

// DirectoryResolver maps platform sender ids to directory handles.
type DirectoryResolver interface {
	ResolveHandle(ctx context.Context, p chat.Platform, senderID string) (string, bool, error)
	Handles(ctx context.Context, p chat.Platform) (map[string]string, error)
}

// ToEvent converts fetched content into a projector event of the given kind.
// Created events are stamped with the creation time, Updated events with the
// modification time.
func ToEvent(p chat.Platform, kind chat.ChangeKind, m MessageContent) chat.Event {
	ts := m.CreatedAt
	if kind == chat.Updated && !m.ModifiedAt.IsZero() {
		ts = m.ModifiedAt
	}
	return chat.Event{
		Kind:           kind,
		Platform:       p,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Timestamp:      ts,
		Content:        m.Content,
		Attachments:    m.Attachments,
	}
}
