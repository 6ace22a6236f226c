package receiver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct{ us int64 }

func (c *fakeClock) Now() int64 { return atomic.LoadInt64(&c.us) }
func (c *fakeClock) advance(d time.Duration) {
	atomic.AddInt64(&c.us, d.Microseconds())
}

type fakeRequester struct {
	t2, t3 int64
	err    error
	calls  int32

	// clk, when set, is advanced by rtt on every probe, so t4-t1 reflects
	// a real elapsed round trip.
	clk *fakeClock
	rtt time.Duration
}

func (f *fakeRequester) RequestSync(t1 int64, timeout time.Duration) (int64, int64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.clk != nil {
		f.clk.advance(f.rtt)
	}
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.t2, f.t3, nil
}

func TestRunSyncMarksOnlineOnceEstimatorReady(t *testing.T) {
	h := New("r1", "host:1")
	clk := &fakeClock{}
	// 30us elapses per probe and the peer spends 10us between t2 and t3,
	// so each sample's round trip is 20us.
	req := &fakeRequester{t2: 100, t3: 110, clk: clk, rtt: 30 * time.Microsecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSync(ctx, h, req, clk, SyncParams{SampleCount: 3, Interval: time.Millisecond})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !h.Online() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for receiver to go online")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done

	if h.Latency() < 0 {
		t.Errorf("Latency() = %d, want >= 0", h.Latency())
	}
}

func TestRunSyncMarksOfflineWhenProbeFailsPastStaleness(t *testing.T) {
	h := New("r1", "host:1")
	clk := &fakeClock{us: 1}
	h.SetLatency(1000, clk.Now())
	req := &fakeRequester{err: errors.New("connection reset")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunSync(ctx, h, req, clk, SyncParams{
		SampleCount:     3,
		Interval:        time.Millisecond,
		OfflineAfterMul: 1,
	})

	deadline := time.After(2 * time.Second)
	for h.Online() {
		clk.advance(time.Millisecond)
		select {
		case <-deadline:
			t.Fatal("timed out waiting for receiver to go offline")
		case <-time.After(time.Millisecond):
		}
	}
}
