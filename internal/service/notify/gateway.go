package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/pkg/config"
)

const defaultTimeout = 10 * time.Second

// Sender delivers one rendered message to an operator channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Gateway fans run summaries out to every configured sender. Delivery is best
// effort: failures are logged and counted, and returned only so the caller
// can record them.
type Gateway struct {
	envName string
	timeout time.Duration
	senders []Sender
	logger  *slog.Logger
}

// New builds a gateway with a sender for each channel whose credentials are
// complete. With none configured both notify calls are no-ops.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Gateway {
	var senders []Sender
	if cfg.TelegramEnabled() {
		senders = append(senders, NewTelegramSender(cfg.TelegramAPIURL, cfg.TelegramBotToken, cfg.TelegramChatID, &http.Client{}))
	}
	if cfg.SlackEnabled() {
		senders = append(senders, NewSlackSender(cfg.SlackBotToken, cfg.SlackChannel))
	}
	if len(senders) == 0 {
		logger.Info("no notification channel configured")
	}
	return NewWithSenders(cfg.EnvName, cfg.Timeout, logger, senders...)
}

// NewWithSenders builds a gateway around explicit senders.
func NewWithSenders(envName string, timeout time.Duration, logger *slog.Logger, senders ...Sender) *Gateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	initMetrics()
	return &Gateway{envName: envName, timeout: timeout, senders: senders, logger: logger}
}

// Enabled reports whether any sender is configured.
func (g *Gateway) Enabled() bool {
	return len(g.senders) > 0
}

// Channels lists configured sender names.
func (g *Gateway) Channels() []string {
	names := make([]string, 0, len(g.senders))
	for _, s := range g.senders {
		names = append(names, s.Name())
	}
	return names
}

// NotifyStart announces that a run began.
func (g *Gateway) NotifyStart(ctx context.Context, runID string, trigger domain.Trigger) error {
	return g.dispatch(ctx, "start", runID, RenderStart(g.envName, runID, trigger))
}

// NotifyResult reports the finalized event.
func (g *Gateway) NotifyResult(ctx context.Context, event domain.DeployEvent) error {
	return g.dispatch(ctx, "result", event.DeployID, RenderResult(event))
}

func (g *Gateway) dispatch(ctx context.Context, kind, runID, text string) error {
	var errs []error
	for _, sender := range g.senders {
		if err := g.send(ctx, sender, text); err != nil {
			g.logger.Warn("notification failed", "channel", sender.Name(), "kind", kind, "run_id", runID, "error", err)
			recordFailure(sender.Name())
			errs = append(errs, fmt.Errorf("%s: %w", sender.Name(), err))
			continue
		}
		g.logger.Debug("notification sent", "channel", sender.Name(), "kind", kind, "run_id", runID)
	}
	return errors.Join(errs...)
}

func (g *Gateway) send(parent context.Context, sender Sender, text string) (err error) {
	ctx, cancel := context.WithTimeout(parent, g.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return sender.Send(ctx, text)
}
