package notify

import (
	"context"
	"fmt"
)

// PGPrefix is prepended to channel names for LISTEN/NOTIFY.
const PGPrefix = "slotwarden_"

// PGChannel returns the Postgres channel name for ch.
func PGChannel(ch Channel) string {
	return PGPrefix + string(ch)
}

// PGPublisher sends a raw pg_notify. Satisfied by *storage.DB.
type PGPublisher interface {
	Notify(ctx context.Context, channel, payload string) error
}

// PGNotifier publishes through Postgres pg_notify so every replica's SSE
// broker receives the event.
type PGNotifier struct {
	pub PGPublisher
}

// NewPGNotifier creates a notifier on top of pub.
func NewPGNotifier(pub PGPublisher) *PGNotifier {
	return &PGNotifier{pub: pub}
}

// Notify encodes p and sends it on the channel's Postgres name.
func (n *PGNotifier) Notify(ctx context.Context, ch Channel, p Payload) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	if err := n.pub.Notify(ctx, PGChannel(ch), string(b)); err != nil {
		return fmt.Errorf("notify: postgres %s: %w", ch, err)
	}
	return nil
}
