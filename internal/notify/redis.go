package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes to Redis pub/sub channels named "<prefix>:<channel>".
type RedisNotifier struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisNotifier creates a notifier. An empty prefix defaults to "slotwarden".
func NewRedisNotifier(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisNotifier {
	if prefix == "" {
		prefix = "slotwarden"
	}
	return &RedisNotifier{rdb: rdb, prefix: prefix, logger: logger}
}

func (n *RedisNotifier) channel(ch Channel) string {
	return n.prefix + ":" + string(ch)
}

// Notify publishes p.
func (n *RedisNotifier) Notify(ctx context.Context, ch Channel, p Payload) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, n.channel(ch), b).Err(); err != nil {
		return fmt.Errorf("notify: redis publish %s: %w", ch, err)
	}
	return nil
}

// Forward subscribes to every channel and calls onMsg for each message until
// ctx is done. It returns once the subscription is confirmed.
func (n *RedisNotifier) Forward(ctx context.Context, onMsg func(ch Channel, payload []byte)) error {
	names := make([]string, len(Channels))
	for i, ch := range Channels {
		names[i] = n.channel(ch)
	}
	sub := n.rdb.Subscribe(ctx, names...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("notify: redis subscribe: %w", err)
	}

	go func() {
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-msgs:
				if !ok || m == nil {
					return
				}
				ch := Channel(strings.TrimPrefix(m.Channel, n.prefix+":"))
				onMsg(ch, []byte(m.Payload))
			}
		}
	}()
	n.logger.Info("notify: forwarding redis channels", "channels", names)
	return nil
}
