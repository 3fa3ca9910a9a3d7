// Package chatgateway is the SOC's remote-chat surface: the EM (operator
// control session) reaches sessions via Telegram, and any registered
// browser can additionally receive best-effort push notifications.
//
// Grounded on the teacher's internal/web/push_service.go (webpush-go
// sender, VAPID keypair persistence) adapted near-verbatim for the second
// channel, and on the teacher's polling-goroutine idiom (ticker + stop
// channel) for the Telegram long-poll adapter, since the teacher has no
// Telegram code of its own to ground on directly.
package chatgateway

import (
	"context"
	"fmt"
)

// ChatGateway is the interface the rest of the SOC uses to reach the
// outside world: deliver a message to a chat thread, and receive inbound
// messages routed back to a target session.
type ChatGateway interface {
	// Send delivers text to chatID/threadID. Returns an error only for
	// unrecoverable transport failures; transient failures are retried
	// internally per spec.md §7's Transient classification.
	Send(ctx context.Context, chatID int64, threadID int64, text string) error

	// Inbound returns a channel of messages received from the remote
	// chat surface, routed to the EM session.
	Inbound() <-chan InboundMessage

	// Start begins polling/listening. Stop halts it.
	Start(ctx context.Context) error
	Stop()
}

// InboundMessage is a message arriving from the remote chat surface,
// destined for the EM session (or a session it names).
type InboundMessage struct {
	ChatID   int64
	ThreadID int64
	Text     string
}

// ErrUnconfigured is returned by Send when no gateway credentials are
// configured; callers should log and continue rather than fail the
// triggering operation (spec.md §7 doesn't require remote-chat delivery
// for local operation to succeed).
var ErrUnconfigured = fmt.Errorf("chatgateway: not configured")
