package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"

	"progenycal/internal/config"
)

// PushMessage is the JSON body posted to the push gateway.
type PushMessage struct {
	UserID      string `json:"userId"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Link        string `json:"link"`
	CollapseKey string `json:"collapseKey"`
}

// HTTPPusher posts push notifications to a web-push gateway.
type HTTPPusher struct {
	client *resty.Client
	url    string
}

func NewHTTPPusher(cfg config.PushConfig) *HTTPPusher {
	c := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &HTTPPusher{client: c, url: cfg.URL}
}

func (p *HTTPPusher) SendPush(ctx context.Context, userID, title, body, link, collapseKey string) error {
	if userID == "" {
		return errors.New("push: empty user id")
	}
	msg := PushMessage{UserID: userID, Title: title, Body: body, Link: link, CollapseKey: collapseKey}

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(&msg).
		Post(p.url)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
