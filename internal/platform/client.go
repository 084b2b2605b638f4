// Package platform is the outbound boundary to the chat platform's
// messaging API. It formats and sends messages; retry policy lives with
// the callers.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

type Messenger interface {
	// Reply answers a specific inbound message using its single-use reply token.
	Reply(ctx context.Context, replyToken, text string) error
	// Push sends a message to a user, group, or room id.
	Push(ctx context.Context, to, text string) error
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(baseURL, channelToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      channelToken,
	}
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	body := map[string]any{
		"replyToken": replyToken,
		"messages":   []textMessage{{Type: "text", Text: text}},
	}
	return c.post(ctx, "/v2/bot/message/reply", body)
}

func (c *Client) Push(ctx context.Context, to, text string) error {
	body := map[string]any{
		"to":       to,
		"messages": []textMessage{{Type: "text", Text: text}},
	}
	return c.post(ctx, "/v2/bot/message/push", body)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("POST %s: status %d: %s", path, resp.StatusCode, detail)
	}
	return nil
}
