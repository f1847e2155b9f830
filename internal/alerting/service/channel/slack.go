package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

type Slack struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

func NewSlack(webhookURL, channel, username string, client *http.Client) *Slack {
	return &Slack{webhookURL: webhookURL, channel: channel, username: username, client: client}
}

func (s *Slack) Name() string { return "slack" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer,omitempty"`
	Ts     int64        `json:"ts"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *Slack) Send(ctx context.Context, n Notification) error {
	a := n.Anomaly
	color := "warning"
	if a.Severity == model.SeverityCritical {
		color = "danger"
	}
	fields := []slackField{
		{Title: "Time", Value: a.Timestamp.UTC().Format(time.RFC3339), Short: true},
		{Title: "Environment", Value: a.Environment, Short: true},
		{Title: "Service", Value: a.Service, Short: true},
		{Title: "Endpoint", Value: a.Endpoint, Short: true},
	}
	if n.IsSummary() {
		fields = append(fields, slackField{Title: "Suppressed", Value: fmt.Sprint(n.Suppressed), Short: true})
	}
	msg := slackMessage{
		Channel:  s.channel,
		Username: s.username,
		Text:     n.Title(),
		Attachments: []slackAttachment{{
			Color:  color,
			Title:  n.Title(),
			Text:   n.Text(),
			Fields: fields,
			Footer: "anomaly " + a.ID,
			Ts:     a.Timestamp.Unix(),
		}},
	}
	return postJSON(ctx, s.client, s.Name(), s.webhookURL, nil, msg)
}
