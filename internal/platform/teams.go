package platform

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TeamsClient reads chat messages from a Graph-style API.
type TeamsClient struct {
	http     *httpClient
	pageSize int
}

// NewTeamsClient creates a Teams client. BaseURL is the API root, for
// example https://graph.microsoft.com/v1.0.
func NewTeamsClient(opts ClientOptions) *TeamsClient {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &TeamsClient{http: newHTTPClient(opts), pageSize: opts.PageSize}
}

type teamsMessage struct {
	ID                   string     `json:"id"`
	CreatedDateTime      time.Time  `json:"createdDateTime"`
	LastModifiedDateTime time.Time  `json:"lastModifiedDateTime"`
	DeletedDateTime      *time.Time `json:"deletedDateTime"`
	From                 *struct {
		User *struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"from"`
	Body struct {
		Content string `json:"content"`
	} `json:"body"`
	Attachments []struct {
		ID         string `json:"id"`
		ContentURL string `json:"contentUrl"`
	} `json:"attachments"`
}

type teamsPage struct {
	Value    []teamsMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

func (m teamsMessage) content(conversationID string) MessageContent {
	mc := MessageContent{
		ID:             m.ID,
		ConversationID: conversationID,
		CreatedAt:      m.CreatedDateTime,
		ModifiedAt:     m.LastModifiedDateTime,
		Content:        m.Body.Content,
		Deleted:        m.DeletedDateTime != nil,
	}
	if m.From != nil && m.From.User != nil {
		mc.SenderID = m.From.User.ID
	}
	for _, a := range m.Attachments {
		ref := a.ContentURL
		if ref == "" {
			ref = a.ID
		}
		mc.Attachments = append(mc.Attachments, ref)
	}
	return mc
}

// messagesURL addresses a chat, or a team channel when the conversation id
// has the TeamsChannel form.
func (c *TeamsClient) messagesURL(conversationID string) string {
	if team, channel, ok := strings.Cut(conversationID, "/"); ok {
		return fmt.Sprintf("%s/teams/%s/channels/%s/messages", c.http.base, url.PathEscape(team), url.PathEscape(channel))
	}
	return fmt.Sprintf("%s/chats/%s/messages", c.http.base, url.PathEscape(conversationID))
}

// FetchPage returns a page of the chat. The token is the @odata.nextLink of
// the previous page.
func (c *TeamsClient) FetchPage(ctx context.Context, conversationID, token string) (Page, error) {
	u := token
	if u == "" {
		u = fmt.Sprintf("%s?$top=%d", c.messagesURL(conversationID), c.pageSize)
	}
	var tp teamsPage
	if err := c.http.getJSON(ctx, u, &tp); err != nil {
		return Page{}, err
	}
	page := Page{NextToken: tp.NextLink, Messages: make([]MessageContent, 0, len(tp.Value))}
	for _, m := range tp.Value {
		page.Messages = append(page.Messages, m.content(conversationID))
	}
	return page, nil
}

// FetchMessage returns one message of the chat or channel.
func (c *TeamsClient) FetchMessage(ctx context.Context, conversationID, messageID string) (MessageContent, error) {
	var m teamsMessage
	u := c.messagesURL(conversationID) + "/" + url.PathEscape(messageID)
	if err := c.http.getJSON(ctx, u, &m); err != nil {
		return MessageContent{}, err
	}
	return m.content(conversationID), nil
}
