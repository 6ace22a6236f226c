package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReconnectConfig tunes the exponential backoff used to re-establish a
// receiver's transport after a send failure, grounded on the same
// schedule the teacher's stream-capture package uses for its RTSP
// reconnects: 1s, doubling, capped at 15s here (receivers reconnect
// faster than a video source since audio staleness compounds quickly).
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultReconnectConfig returns the spec's implied schedule: 1s
// initial delay, doubling, capped at 15s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{InitialDelay: time.Second, MaxDelay: 15 * time.Second}
}

// ConnectFunc attempts to (re-)establish a receiver's transport.
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect retries connectFn with exponential backoff until it
// succeeds or ctx is cancelled. Unlike the stream-capture reconnect
// loop, this one never gives up — a receiver disconnected for a long
// time should keep trying rather than be permanently abandoned,
// matching §7 "Reconnect is the Receiver's responsibility."
func RunWithReconnect(ctx context.Context, receiverID string, connectFn ConnectFunc, cfg ReconnectConfig) error {
	delay := cfg.InitialDelay
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connectFn(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("receiver: reconnected", "receiver_id", receiverID, "attempts", attempt)
			}
			return nil
		}

		attempt++
		slog.Warn("receiver: connect failed, retrying",
			"receiver_id", receiverID, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("receiver: reconnect cancelled after %d attempts: %w", attempt, ctx.Err())
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
