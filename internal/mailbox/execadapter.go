package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// deliverTimeout bounds one send-command invocation.
const deliverTimeout = 60 * time.Second

// ExecAdapter delivers outbound messages by piping the rendered file to a
// configured command. It keeps provider SDKs outside the daemon: any
// script that reads a message on stdin can be a provider.
type ExecAdapter struct {
	provider string
	argv     []string
}

// Compile-time check.
var _ ProviderAdapter = (*ExecAdapter)(nil)

// NewExecAdapter creates an adapter for one provider.
func NewExecAdapter(provider string, argv []string) (*ExecAdapter, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("provider %s: empty send command", provider)
	}
	return &ExecAdapter{provider: provider, argv: argv}, nil
}

// Name implements ProviderAdapter.
func (a *ExecAdapter) Name() string { return a.provider }

// Deliver implements ProviderAdapter. A non-zero exit is a delivery
// failure; the courier restores the message for retry.
func (a *ExecAdapter) Deliver(msg *Message) error {
	raw, err := Render(msg.Envelope, msg.Body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	//nolint:gosec // G204: argv comes from operator configuration
	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Stdin = bytes.NewReader(raw)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if s := bytes.TrimSpace(stderr.Bytes()); len(s) > 0 {
			return fmt.Errorf("send command: %w: %s", err, s)
		}
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}
