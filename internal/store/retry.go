package store

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// MaxRetries bounds the attempts made by Retry.
const MaxRetries = 4

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

// Retry runs fn until it succeeds, MaxRetries attempts fail, or ctx ends.
func Retry(ctx context.Context, log *slog.Logger, fn func(context.Context) error) error {
	var lastErr error
	for attempt := range MaxRetries {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if attempt == MaxRetries-1 {
			break
		}
		wait := Backoff(attempt)
		log.Warn("upload failed, retrying", "attempt", attempt+1, "backoff", wait.String(), "error", lastErr)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Error("upload failed after all retries", "error", lastErr)
	return lastErr
}
