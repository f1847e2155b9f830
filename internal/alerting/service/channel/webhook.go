package channel

import (
	"context"
	"net/http"
)

// Webhook posts the notification as JSON with the configured headers.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhook(url string, headers map[string]string, client *http.Client) *Webhook {
	return &Webhook{url: url, headers: headers, client: client}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookBody struct {
	Title        string       `json:"title"`
	Text         string       `json:"text"`
	Notification Notification `json:"notification"`
}

func (w *Webhook) Send(ctx context.Context, n Notification) error {
	return postJSON(ctx, w.client, w.Name(), w.url, w.headers, webhookBody{
		Title:        n.Title(),
		Text:         n.Text(),
		Notification: n,
	})
}
