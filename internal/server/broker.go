package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/slotwarden/slotwarden/internal/notify"
	"github.com/slotwarden/slotwarden/internal/storage"
)

// Listener is a Postgres LISTEN/NOTIFY connection. Satisfied by *storage.DB.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans notifications out to SSE subscribers. Events reach it in one
// of three ways: directly as a notify.Notifier on a single node, from
// Postgres LISTEN, or relayed from Redis pub/sub.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Notify implements notify.Notifier by broadcasting to local subscribers.
func (b *Broker) Notify(_ context.Context, ch notify.Channel, p notify.Payload) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	b.broadcast(formatSSE(string(ch), string(data)))
	return nil
}

// ListenPostgres subscribes to every notification channel and broadcasts
// until ctx is cancelled. It blocks, so call it in a goroutine.
func (b *Broker) ListenPostgres(ctx context.Context, l Listener) {
	for _, ch := range storage.NotifyChannels {
		if err := l.Listen(ctx, ch); err != nil {
			b.logger.Error("broker: listen", "channel", ch, "error", err)
			return
		}
	}
	b.logger.Info("broker: listening for notifications", "channels", storage.NotifyChannels)

	for {
		channel, payload, err := l.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.broadcast(formatSSE(strings.TrimPrefix(channel, notify.PGPrefix), payload))
	}
}

// RelayRedis forwards Redis pub/sub notifications to local subscribers until
// ctx is cancelled.
func (b *Broker) RelayRedis(ctx context.Context, rn *notify.RedisNotifier) error {
	return rn.Forward(ctx, func(ch notify.Channel, payload []byte) {
		b.broadcast(formatSSE(string(ch), string(payload)))
	})
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of connected subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to all subscribers. A subscriber with a full
// buffer misses the event.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
