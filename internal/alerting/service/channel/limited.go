package channel

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

// Limited caps a channel's send rate. Sends wait for a token until ctx ends.
type Limited struct {
	Channel
	limiter *rate.Limiter
}

// WithRate wraps ch with a per-minute limit; perMinute <= 0 returns ch unchanged.
func WithRate(ch Channel, perMinute int) Channel {
	if perMinute <= 0 {
		return ch
	}
	return &Limited{
		Channel: ch,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
	}
}

func (l *Limited) Send(ctx context.Context, n Notification) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return model.NewChannelError(l.Name(), model.ChannelRateLimited, fmt.Errorf("local rate limit: %w", err))
	}
	return l.Channel.Send(ctx, n)
}
