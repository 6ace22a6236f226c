package receiver

import (
	"context"
	"time"

	"github.com/xtrcode/strobe-hub/internal/emitter"
)

// ClockReader is the narrow read-only clock capability RunSync needs —
// the same pattern channel.ClockReader uses to avoid depending on the
// concrete clock.Clock type.
type ClockReader interface {
	Now() int64
}

// SyncParams tunes one receiver's periodic sync loop, built from
// config.SyncConfig by the hub.
type SyncParams struct {
	SampleCount     int
	RTTCeilingUs    int64
	Interval        time.Duration
	OfflineAfterMul int
}

// RunSync drives the hub side of the §4.6 time-sync exchange for one
// receiver: on every tick it issues a RequestSync probe over the
// receiver's existing TCP connection (requester is normally the same
// *tcpEmitter the Broadcaster sends audio through, reached via a type
// assertion at the call site), builds a Sample from the four
// timestamps, and feeds it to an Estimator. Once the Estimator is
// Ready it calls handle.SetLatency with the median result. When a
// tick's probe fails, or its sample leaves the Estimator not yet Ready,
// handle.MarkOffline is called only if the receiver has also gone stale
// by the 3x-interval rule (§5); a single failed probe alone does not
// mark it offline.
//
// This tree has no standalone receiver client, so the hub itself plays
// the initiator role described in §4.6 steps 1-2 — it supplies t1/t4 in
// its own clock domain while the remote receiver's BuildSyncResponse-
// equivalent logic supplies t2/t3 in its, which is what the
// Offset/RoundTrip math is built to tolerate.
//
// RunSync blocks until ctx is cancelled; the hub runs one per attached
// receiver in its own goroutine.
func RunSync(ctx context.Context, handle *Handle, requester emitter.SyncRequester, clk ClockReader, params SyncParams) {
	interval := params.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sampleCount := params.SampleCount
	if sampleCount <= 0 {
		sampleCount = 5
	}
	offlineAfter := OfflineAfter(interval, params.OfflineAfterMul)
	if params.OfflineAfterMul <= 0 {
		offlineAfter = OfflineAfter(interval, 3)
	}

	est := NewEstimator(sampleCount, params.RTTCeilingUs)
	timeout := interval
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t1 := clk.Now()
			t2, t3, err := requester.RequestSync(t1, timeout)
			now := clk.Now()
			if err != nil {
				if handle.IsStale(now, offlineAfter) {
					handle.MarkOffline()
				}
				continue
			}
			t4 := clk.Now()

			est.Add(Sample{T1: t1, T2: t2, T3: t3, T4: t4})
			if est.Ready() {
				latencyUs, _ := est.Result()
				handle.SetLatency(latencyUs, now)
			} else if handle.IsStale(now, offlineAfter) {
				handle.MarkOffline()
			}
		}
	}
}
