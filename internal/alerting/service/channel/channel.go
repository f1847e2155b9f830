// Package channel delivers notifications to external systems.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

// Notification is either a fresh anomaly or, when Suppressed > 0, a summary of the
// repeats held back during a throttle window.
type Notification struct {
	Anomaly    *model.Anomaly `json:"anomaly"`
	Suppressed int            `json:"suppressed,omitempty"`
	Since      time.Time      `json:"since,omitempty"`
}

func (n Notification) IsSummary() bool { return n.Suppressed > 0 }

func (n Notification) Title() string {
	a := n.Anomaly
	prefix := "[" + strings.ToUpper(string(a.Severity)) + "]"
	if n.IsSummary() {
		prefix += " [SUMMARY]"
	}
	return fmt.Sprintf("%s %s anomaly in %s %s", prefix, a.Type, a.Service, a.Endpoint)
}

func (n Notification) Text() string {
	a := n.Anomaly
	var b strings.Builder
	if n.IsSummary() {
		fmt.Fprintf(&b, "%d further occurrences suppressed since %s.\n", n.Suppressed, n.Since.UTC().Format(time.RFC3339))
	}
	switch a.Type {
	case model.TypeResponseTime:
		fmt.Fprintf(&b, "Average response time %.1fms", a.ObservedValue)
	case model.TypeErrorRate:
		fmt.Fprintf(&b, "Error rate %.2f%%", a.ObservedValue*100)
	case model.TypeCorrelation:
		fmt.Fprintf(&b, "Request %s failed in %s", a.CorrelationID, strings.Join(a.AffectedEnvironments, ", "))
	}
	if a.ThresholdValue != nil && a.Type != model.TypeCorrelation {
		fmt.Fprintf(&b, " (threshold %.4g", *a.ThresholdValue)
		if a.BaselineValue != nil {
			fmt.Fprintf(&b, ", baseline %.4g", *a.BaselineValue)
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " over %d requests, detected by %s.", a.RequestCount, a.Detector)
	return b.String()
}

// Channel sends a notification. Failures are *model.ChannelError.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Route pairs a channel with the lowest severity it accepts.
type Route struct {
	Channel     Channel
	MinSeverity model.Severity
}

// Accepts reports whether a notification of severity s should go to this route.
func (r Route) Accepts(s model.Severity) bool {
	return s.Rank() >= r.MinSeverity.Rank()
}

// postJSON sends body and maps transport failures and non-2xx statuses to ChannelErrors.
func postJSON(ctx context.Context, client *http.Client, channel, url string, headers map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return model.NewChannelError(channel, model.ChannelInvalidPayload, fmt.Errorf("encode payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return model.NewChannelError(channel, model.ChannelInvalidPayload, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return model.NewChannelError(channel, model.ChannelUnreachable, fmt.Errorf("http post: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.ChannelErrorFromStatus(channel, resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
