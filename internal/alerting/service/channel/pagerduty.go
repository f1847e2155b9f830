package channel

import (
	"context"
	"net/http"
	"time"
)

const DefaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDuty triggers Events API v2 incidents keyed by anomaly id.
type PagerDuty struct {
	routingKey string
	eventsURL  string
	client     *http.Client
}

func NewPagerDuty(routingKey, eventsURL string, client *http.Client) *PagerDuty {
	if eventsURL == "" {
		eventsURL = DefaultPagerDutyURL
	}
	return &PagerDuty{routingKey: routingKey, eventsURL: eventsURL, client: client}
}

func (p *PagerDuty) Name() string { return "pagerduty" }

type pdPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp"`
	Component     string         `json:"component,omitempty"`
	Group         string         `json:"group,omitempty"`
	Class         string         `json:"class,omitempty"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

type pdEvent struct {
	RoutingKey  string    `json:"routing_key"`
	EventAction string    `json:"event_action"`
	DedupKey    string    `json:"dedup_key"`
	Payload     pdPayload `json:"payload"`
}

func (p *PagerDuty) Send(ctx context.Context, n Notification) error {
	a := n.Anomaly
	details := map[string]any{
		"anomaly_id":     a.ID,
		"detector":       a.Detector,
		"observed_value": a.ObservedValue,
		"request_count":  a.RequestCount,
		"description":    n.Text(),
	}
	if a.ThresholdValue != nil {
		details["threshold_value"] = *a.ThresholdValue
	}
	if a.BaselineValue != nil {
		details["baseline_value"] = *a.BaselineValue
	}
	if a.CorrelationID != "" {
		details["correlation_id"] = a.CorrelationID
		details["affected_environments"] = a.AffectedEnvironments
	}
	if n.IsSummary() {
		details["suppressed"] = n.Suppressed
	}
	ev := pdEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		DedupKey:    a.ID,
		Payload: pdPayload{
			Summary:       n.Title(),
			Source:        a.Environment + "-monitoring",
			Severity:      string(a.Severity),
			Timestamp:     a.Timestamp.UTC().Format(time.RFC3339),
			Component:     a.Service,
			Group:         a.Endpoint,
			Class:         string(a.Type),
			CustomDetails: details,
		},
	}
	return postJSON(ctx, p.client, p.Name(), p.eventsURL, nil, ev)
}
