package platform

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SlackClient reads channel history from a cursor-paginated conversations API.
type SlackClient struct {
	http     *httpClient
	pageSize int
}

// NewSlackClient creates a Slack client. BaseURL is the API root, for
// example https://slack.com/api.
func NewSlackClient(opts ClientOptions) *SlackClient {
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &SlackClient{http: newHTTPClient(opts), pageSize: opts.PageSize}
}

type slackMessage struct {
	TS     string `json:"ts"`
	User   string `json:"user"`
	Text   string `json:"text"`
	Edited *struct {
		TS string `json:"ts"`
	} `json:"edited"`
	Files []struct {
		ID         string `json:"id"`
		URLPrivate string `json:"url_private"`
	} `json:"files"`
}

type slackHistory struct {
	OK               bool           `json:"ok"`
	Error            string         `json:"error"`
	Messages         []slackMessage `json:"messages"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// slackTime parses a "seconds.micros" message timestamp.
func slackTime(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}
		}
	}
	return time.Unix(sec, nsec).UTC()
}

func (m slackMessage) content(channel string) MessageContent {
	mc := MessageContent{
		ID:             m.TS,
		ConversationID: channel,
		SenderID:       m.User,
		CreatedAt:      slackTime(m.TS),
		Content:        m.Text,
	}
	if m.Edited != nil {
		mc.ModifiedAt = slackTime(m.Edited.TS)
	}
	for _, f := range m.Files {
		ref := f.URLPrivate
		if ref == "" {
			ref = f.ID
		}
		mc.Attachments = append(mc.Attachments, ref)
	}
	return mc
}

func (c *SlackClient) history(ctx context.Context, q url.Values) (slackHistory, error) {
	var h slackHistory
	if err := c.http.getJSON(ctx, c.http.base+"/conversations.history?"+q.Encode(), &h); err != nil {
		return h, err
	}
	if !h.OK {
		switch h.Error {
		case "message_not_found", "channel_not_found":
			return h, ErrNotFound
		}
		return h, fmt.Errorf("conversations.history: %s", h.Error)
	}
	return h, nil
}

// FetchPage returns a page of channel history. The token is the next cursor
// of the previous page.
func (c *SlackClient) FetchPage(ctx context.Context, channel, token string) (Page, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("limit", strconv.Itoa(c.pageSize))
	if token != "" {
		q.Set("cursor", token)
	}
	h, err := c.history(ctx, q)
	if err != nil {
		return Page{}, err
	}
	page := Page{NextToken: h.ResponseMetadata.NextCursor, Messages: make([]MessageContent, 0, len(h.Messages))}
	for _, m := range h.Messages {
		page.Messages = append(page.Messages, m.content(channel))
	}
	return page, nil
}

// FetchMessage returns the message with timestamp id ts.
func (c *SlackClient) FetchMessage(ctx context.Context, channel, ts string) (MessageContent, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("latest", ts)
	q.Set("inclusive", "true")
	q.Set("limit", "1")
	h, err := c.history(ctx, q)
	if err != nil {
		return MessageContent{}, err
	}
	if len(h.Messages) == 0 || h.Messages[0].TS != ts {
		return MessageContent{}, ErrNotFound
	}
	return h.Messages[0].content(channel), nil
}
