// Package phone abstracts the external telephony bridge. The gateway never
// speaks SIP itself; it shells out to an operator-provided bridge command.
package phone

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"voicegate/internal/logging"
)

// ErrNoBridge reports that no bridge command is configured.
var ErrNoBridge = errors.New("phone: no bridge command configured")

const bridgeTimeout = 15 * time.Second

// Bridge places and tears down calls.
type Bridge interface {
	Dial(ctx context.Context, number string) error
	Hangup(ctx context.Context, sessionID string) error
}

// NewBridge returns an exec-based bridge when cmd is set, otherwise a bridge
// that rejects dial and treats hangup as a no-op (the HTTP caller hangs up
// on its own side).
func NewBridge(cmd string, logger *logging.Logger) Bridge {
	if strings.TrimSpace(cmd) == "" {
		return nopBridge{}
	}
	return &execBridge{cmd: cmd, logger: logging.OrNop(logger).Component("phone")}
}

// execBridge invokes the configured command with a verb argument. The bridge
// contract: `<cmd> dial <number>` and `<cmd> hangup <session-id>`, exit code
// zero on success.
type execBridge struct {
	cmd    string
	logger *logging.Logger
}

func (b *execBridge) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, bridgeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, b.cmd, args...).CombinedOutput()
	if err != nil {
		b.logger.Warn("bridge command failed", "args", args, "output", strings.TrimSpace(string(out)), "error", err)
		return err
	}
	return nil
}

func (b *execBridge) Dial(ctx context.Context, number string) error {
	b.logger.Info("dialing", "number", number)
	return b.run(ctx, "dial", number)
}

func (b *execBridge) Hangup(ctx context.Context, sessionID string) error {
	b.logger.Info("hanging up", "session_id", sessionID)
	return b.run(ctx, "hangup", sessionID)
}

type nopBridge struct{}

func (nopBridge) Dial(context.Context, string) error { return ErrNoBridge }

func (nopBridge) Hangup(context.Context, string) error { return nil }
