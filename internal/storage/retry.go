package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATEs worth retrying: two engine workers or a human and the
// escalation loop racing on the same resolution row.
const (
	sqlstateSerialization = "40001"
	sqlstateDeadlock      = "40P01"
)

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlstateSerialization || pgErr.Code == sqlstateDeadlock
}

// WithRetry runs fn, which must be a whole transaction, up to retries+1 times
// while it fails with a serialization failure or deadlock. The wait doubles
// from baseDelay with up to 100% jitter and ends early if ctx is done. Any
// other error is returned at once.
func WithRetry(ctx context.Context, retries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt >= retries || !isRetriable(err) {
			return err
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay)+1)) //nolint:gosec // jitter only
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
