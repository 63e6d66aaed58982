package chat

import (
	"context"
	"errors"

	"github.com/ship-commander/threadbridge/internal/dispatch"
)

// Client is the outbound chat platform API.
type Client interface {
	PostMessage(ctx context.Context, channel, text, threadTS string) error
	AddReaction(ctx context.Context, channel, ts, name string) error
	RemoveReaction(ctx context.Context, channel, ts, name string) error
}

// Messenger routes every Client call through the dispatcher so the
// workspace sees a rate-limited FIFO stream of calls.
type Messenger struct {
	client     Client
	dispatcher *dispatch.Dispatcher
}

// NewMessenger wraps client with dispatcher.
func NewMessenger(client Client, dispatcher *dispatch.Dispatcher) (*Messenger, error) {
	if client == nil {
		return nil, errors.New("chat client is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	return &Messenger{client: client, dispatcher: dispatcher}, nil
}

// Post sends a threaded message and waits for the result.
func (m *Messenger) Post(ctx context.Context, channel, threadTS, text string) error {
	return m.dispatcher.Do(ctx, "chat.postMessage", func(ctx context.Context) error {
		return m.client.PostMessage(ctx, channel, text, threadTS)
	})
}

// PostAsync sends a threaded message without waiting. Failures are logged by
// the dispatcher and not retried.
func (m *Messenger) PostAsync(ctx context.Context, channel, threadTS, text string) {
	m.dispatcher.Go(detach(ctx), "chat.postMessage", func(ctx context.Context) error {
		return m.client.PostMessage(ctx, channel, text, threadTS)
	})
}

// React adds a reaction, best effort.
func (m *Messenger) React(ctx context.Context, channel, ts, name string) {
	m.dispatcher.Go(detach(ctx), "reactions.add", func(ctx context.Context) error {
		return m.client.AddReaction(ctx, channel, ts, name)
	})
}

// Unreact removes a reaction, best effort.
func (m *Messenger) Unreact(ctx context.Context, channel, ts, name string) {
	m.dispatcher.Go(detach(ctx), "reactions.remove", func(ctx context.Context) error {
		return m.client.RemoveReaction(ctx, channel, ts, name)
	})
}

// detach keeps values such as the trace span but drops cancellation, so a
// queued best-effort call survives the task that queued it.
func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
