// Package responder generates the AI reply to an inbound citizen message.
package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/kelurahan/switchboard/internal/api"
)

// Turn is the input for one AI reply.
type Turn struct {
	TenantName string
	Inbound    string        // the message being answered
	History    []api.Message // earlier messages, oldest first
}

// Responder produces the text of an AI reply.
type Responder interface {
	Reply(ctx context.Context, turn Turn) (string, error)
}

// Echo answers every message by repeating it. It never fails unless the
// inbound text is empty, which makes it useful for local runs and tests.
type Echo struct {
	Prefix string
}

// Reply implements Responder.
func (e Echo) Reply(ctx context.Context, turn Turn) (string, error) {
	text := strings.TrimSpace(turn.Inbound)
	if text == "" {
		return "", fmt.Errorf("responder: echo: empty message")
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "Terima kasih, pesan Anda kami terima: "
	}
	return prefix + text, nil
}

// Func adapts a function to Responder.
type Func func(ctx context.Context, turn Turn) (string, error)

// Reply implements Responder.
func (f Func) Reply(ctx context.Context, turn Turn) (string, error) { return f(ctx, turn) }
