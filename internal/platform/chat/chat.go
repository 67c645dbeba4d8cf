// Package chat connects the bot to a chat platform. Incoming text messages
// are handed to a Handler; replies go out through a Sender.
package chat

import "context"

// Message is an inbound chat message.
type Message struct {
	ID     int
	ChatID int64
	Text   string
	From   string
}

// Reply is an outbound chat message.
type Reply struct {
	ChatID    int64
	ReplyToID int
	Text      string
}

// Sender delivers replies.
type Sender interface {
	Send(ctx context.Context, r Reply) error
}

// Handler processes one inbound message.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message, sender Sender)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message, sender Sender)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message, sender Sender) {
	f(ctx, msg, sender)
}
