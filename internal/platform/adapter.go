package platform

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/matheus3301/chatmirror/internal/chat"
)

// Notification is the change notification carried by a queue delivery.
type Notification struct {
	ChangeType string `json:"changeType"`
	Resource   string `json:"resource"`
}

// Change is a decoded notification.
type Change struct {
	Kind           chat.ChangeKind
	ConversationID string
	MessageID      string
}

// Adapter decodes one platform's notifications.
type Adapter interface {
	Platform() chat.Platform
	Decode(body []byte) (Change, error)
}

// AdapterFor returns the adapter for a platform.
func AdapterFor(p chat.Platform) (Adapter, error) {
	switch p {
	case chat.Teams:
		return teamsAdapter{}, nil
	case chat.Slack:
		return slackAdapter{}, nil
	}
	return nil, fmt.Errorf("no adapter for platform %q", p)
}

var (
	// chats('<chat>')/messages('<msg>') or teams('<team>')/channels('<chan>')/messages('<msg>')
	teamsResource = regexp.MustCompile(`^/?(?:chats\('([^']+)'\)|teams\('([^'/]+)'\)/channels\('([^'/]+)'\))/messages\('([^']+)'\)$`)
	// channels/<channel>/messages/<ts>
	slackResource = regexp.MustCompile(`^/?channels/([^/]+)/messages/([^/]+)$`)
)

// TeamsChannel is the conversation id of a channel inside a team. Chat ids
// never contain '/', so the two forms cannot collide.
func TeamsChannel(teamID, channelID string) string {
	return teamID + "/" + channelID
}

type teamsAdapter struct{}

func (teamsAdapter) Platform() chat.Platform { return chat.Teams }

func (teamsAdapter) Decode(body []byte) (Change, error) {
	return decode(body, func(resource string) (string, string, bool) {
		m := teamsResource.FindStringSubmatch(resource)
		switch {
		case m == nil:
			return "", "", false
		case m[1] != "":
			return m[1], m[4], true
		}
		return TeamsChannel(m[2], m[3]), m[4], true
	})
}

type slackAdapter struct{}

func (slackAdapter) Platform() chat.Platform { return chat.Slack }

func (slackAdapter) Decode(body []byte) (Change, error) {
	return decode(body, func(resource string) (string, string, bool) {
		m := slackResource.FindStringSubmatch(resource)
		if m == nil {
			return "", "", false
		}
		return m[1], m[2], true
	})
}

func decode(body []byte, match func(resource string) (conversationID, messageID string, ok bool)) (Change, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Change{}, &chat.InvalidEventError{Reason: fmt.Sprintf("undecodable notification: %v", err)}
	}
	kind, err := chat.ParseChangeKind(n.ChangeType)
	if err != nil {
		return Change{}, err
	}
	conversationID, messageID, ok := match(n.Resource)
	if !ok {
		return Change{}, &chat.InvalidEventError{Reason: fmt.Sprintf("unrecognized resource %q", n.Resource)}
	}
	return Change{Kind: kind, ConversationID: conversationID, MessageID: messageID}, nil
}
