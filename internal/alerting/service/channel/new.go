package channel

import (
	"net/http"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/config"
)

// FromConfig builds a route for every enabled channel. sendTimeout bounds the HTTP
// client of the webhook-style channels.
func FromConfig(cfg config.ChannelsConfig, sendTimeout time.Duration) []Route {
	client := &http.Client{Timeout: sendTimeout}
	var routes []Route
	add := func(ch Channel, minSeverity string, perMinute int) {
		sev, ok := model.ParseSeverity(minSeverity)
		if !ok {
			sev = model.SeverityWarning
		}
		routes = append(routes, Route{Channel: WithRate(ch, perMinute), MinSeverity: sev})
	}

	if e := cfg.Email; e.Enabled {
		add(NewEmail(e.SMTPAddr, e.Username, e.Password, e.From, e.Recipients), e.MinSeverity, e.RatePerMin)
	}
	if s := cfg.Slack; s.Enabled {
		add(NewSlack(s.WebhookURL, s.Channel, s.Username, client), s.MinSeverity, s.RatePerMin)
	}
	if p := cfg.PagerDuty; p.Enabled {
		add(NewPagerDuty(p.RoutingKey, p.EventsURL, client), p.MinSeverity, p.RatePerMin)
	}
	if c := cfg.Command; c.Enabled {
		add(NewCommand(c.Argv, config.ParseDuration(c.Timeout, 10*time.Second)), c.MinSeverity, c.RatePerMin)
	}
	if w := cfg.Webhook; w.Enabled {
		add(NewWebhook(w.URL, w.Headers, client), w.MinSeverity, w.RatePerMin)
	}
	return routes
}
