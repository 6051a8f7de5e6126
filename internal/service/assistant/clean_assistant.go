package assistant

import (
	"context"
	"log"
	"time"
)

const DefaultTokenCleanupInterval = time.Hour

// TokenPurger deletes expired session tokens.
type TokenPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// StartTokenSweeper purges expired tokens every interval until ctx is done.
func StartTokenSweeper(ctx context.Context, purger TokenPurger, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	go cleanupLoop(ctx, purger, interval)
}

func cleanupLoop(ctx context.Context, purger TokenPurger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			sweepOnce(ctx, purger)
		}
	}
}

func sweepOnce(ctx context.Context, purger TokenPurger) {
	n, err := purger.PurgeExpired(ctx)
	if err != nil {
		log.Printf("cleanup expired tokens error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("cleanup removed %d expired tokens", n)
	}
}
