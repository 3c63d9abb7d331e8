package transport

import "context"

// ChatTarget addresses an operator chat (and optionally a forum thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// TextSender delivers plain text to an operator chat.
//
// It is the narrow port used by the log sink; the notification pipeline
// talks to the chat platform through internal/works instead.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
