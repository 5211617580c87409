package session

import (
	"context"
	"log/slog"

	"github.com/basket/turngate/internal/agentrpc"
	"github.com/basket/turngate/internal/config"
)

// Runtime is the agent runtime connection a session owns.
// *agentrpc.Client satisfies it.
type Runtime interface {
	Initialize(ctx context.Context, info agentrpc.ClientInfo) error
	StartThread(ctx context.Context, p agentrpc.ThreadParams) (string, error)
	StartTurn(ctx context.Context, threadID, text string) (string, error)
	InterruptTurn(ctx context.Context, threadID, turnID string) error
	// Notifications is closed when the runtime goes away.
	Notifications() <-chan agentrpc.Notification
	Err() error
	Close() error
}

// Dialer starts a runtime. ctx bounds the dial, not the runtime's lifetime.
type Dialer func(ctx context.Context) (Runtime, error)

// StdioDialer launches the configured agent command per session.
func StdioDialer(cfg config.AgentConfig, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Runtime, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tr, err := agentrpc.NewStdioTransport(cfg.Command, cfg.Args, cfg.Env, logger)
		if err != nil {
			return nil, err
		}
		return agentrpc.NewClient(tr, logger), nil
	}
}
