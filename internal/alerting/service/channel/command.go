package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

// Command runs a local program per notification with the JSON document on stdin.
type Command struct {
	argv    []string
	timeout time.Duration
}

func NewCommand(argv []string, timeout time.Duration) *Command {
	return &Command{argv: argv, timeout: timeout}
}

func (c *Command) Name() string { return "command" }

func (c *Command) Send(ctx context.Context, n Notification) error {
	if len(c.argv) == 0 {
		return model.NewChannelError(c.Name(), model.ChannelInvalidPayload, errors.New("empty argv"))
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return model.NewChannelError(c.Name(), model.ChannelInvalidPayload, fmt.Errorf("encode payload: %w", err))
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	a := n.Anomaly
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"APIGUARD_ANOMALY_ID="+a.ID,
		"APIGUARD_SEVERITY="+string(a.Severity),
		"APIGUARD_TYPE="+string(a.Type),
		"APIGUARD_SERVICE="+a.Service,
		"APIGUARD_ENDPOINT="+a.Endpoint,
		"APIGUARD_ENVIRONMENT="+a.Environment,
		fmt.Sprintf("APIGUARD_SUPPRESSED=%d", n.Suppressed),
	)

	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return model.NewChannelError(c.Name(), model.ChannelInvalidPayload, err)
	}
	if ctx.Err() != nil {
		return model.NewChannelError(c.Name(), model.ChannelUnreachable, fmt.Errorf("%s timed out: %w", c.argv[0], ctx.Err()))
	}
	msg := strings.TrimSpace(string(out))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return model.NewChannelError(c.Name(), model.ChannelUnreachable, fmt.Errorf("%s: %w: %s", c.argv[0], err, msg))
}
