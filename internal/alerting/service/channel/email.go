package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends plain-text mail through an SMTP relay.
type Email struct {
	addr       string
	from       string
	recipients []string
	auth       smtp.Auth
	send       sendMailFunc
}

func NewEmail(addr, username, password, from string, recipients []string) *Email {
	e := &Email{addr: addr, from: from, recipients: recipients, send: smtp.SendMail}
	if username != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		e.auth = smtp.PlainAuth("", username, password, host)
	}
	return e
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, n Notification) error {
	msg := e.compose(n)

	// smtp.SendMail has no context; abandon it when ctx ends
	done := make(chan error, 1)
	go func() { done <- e.send(e.addr, e.auth, e.from, e.recipients, msg) }()

	select {
	case <-ctx.Done():
		return model.NewChannelError(e.Name(), model.ChannelUnreachable, ctx.Err())
	case err := <-done:
		if err != nil {
			return classifySMTP(e.Name(), err)
		}
		return nil
	}
}

func (e *Email) compose(n Notification) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", n.Title())
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")

	a := n.Anomaly
	b.WriteString(n.Text())
	b.WriteString("\r\n\r\n")
	fmt.Fprintf(&b, "Service:     %s\r\n", a.Service)
	fmt.Fprintf(&b, "Endpoint:    %s\r\n", a.Endpoint)
	fmt.Fprintf(&b, "Environment: %s\r\n", a.Environment)
	fmt.Fprintf(&b, "Window:      %s - %s\r\n", a.WindowStart.UTC().Format(time.RFC3339), a.WindowEnd.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Anomaly ID:  %s\r\n", a.ID)
	return b.Bytes()
}

// classifySMTP maps SMTP reply codes: 535 is bad credentials, other 5xx are permanent
// rejections, 4xx and transport errors are transient.
func classifySMTP(channel string, err error) error {
	var te *textproto.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 535 || te.Code == 530:
			return model.NewChannelError(channel, model.ChannelAuthFailed, err)
		case te.Code == 421 || te.Code == 450 || te.Code == 451 || te.Code == 452:
			return model.NewChannelError(channel, model.ChannelRateLimited, err)
		case te.Code >= 500:
			return model.NewChannelError(channel, model.ChannelInvalidPayload, err)
		}
	}
	return model.NewChannelError(channel, model.ChannelUnreachable, err)
}
