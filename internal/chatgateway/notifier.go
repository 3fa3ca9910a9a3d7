package chatgateway

import (
	"context"
	"errors"
	"log/slog"
)

// OutboundRelay fans a delivered message out to every configured external
// channel: the bridged Telegram chat thread when the target session
// carries one, and every subscribed browser via the push channel
// regardless of whether Telegram is configured. Grounded on the teacher's
// internal/web/push_service.go fan-out idiom (notify every registered
// channel, never blocking the delivering goroutine on a single channel's
// failure).
type OutboundRelay struct {
	gateway ChatGateway
	push    *BrowserPushChannel
	logger  *slog.Logger
}

// NewOutboundRelay wires a relay over gateway/push. Either may be nil:
// gateway is nil when no Telegram bot token is configured, push is nil
// when no VAPID keypair could be ensured.
func NewOutboundRelay(gateway ChatGateway, push *BrowserPushChannel, logger *slog.Logger) *OutboundRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboundRelay{gateway: gateway, push: push, logger: logger}
}

// Notify delivers text to chatID/threadID (when nonzero) and broadcasts it
// to every browser push subscription. Failures are logged, never returned:
// a bridge outage must not affect the pane delivery it mirrors.
func (o *OutboundRelay) Notify(ctx context.Context, chatID, threadID int64, text string) {
	if o.gateway != nil && chatID != 0 {
		if err := o.gateway.Send(ctx, chatID, threadID, text); err != nil && !errors.Is(err, ErrUnconfigured) {
			o.logger.Warn("outbound_relay_telegram_send_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
		}
	}
	if o.push != nil {
		if err := o.push.Broadcast(text); err != nil {
			o.logger.Warn("outbound_relay_push_broadcast_failed", slog.String("error", err.Error()))
		}
	}
}
