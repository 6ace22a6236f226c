package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/xtrcode/strobe-hub/internal/clock"
	"github.com/xtrcode/strobe-hub/internal/registry"
)

type fakeTickable struct {
	mu            sync.Mutex
	ticks         int
	progressTicks int
}

func (f *fakeTickable) Tick(now, intervalUs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
}

func (f *fakeTickable) PublishProgressTick(tickIntervalUs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progressTicks++
}

func (f *fakeTickable) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks, f.progressTicks
}

func TestControllerDispatchesTicksToRegisteredChannels(t *testing.T) {
	clk := clock.New()
	reg := registry.New[Tickable]()
	ft := &fakeTickable{}
	reg.Put("ch1", ft)

	c := New(clk, reg, 4000) // ticks at 1ms
	c.Run()
	defer c.Stop()

	deadline := time.After(500 * time.Millisecond)
	for {
		ticks, _ := ft.counts()
		if ticks >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for ticks, got %d", ticks)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestControllerPublishesProgressEveryThirdTick(t *testing.T) {
	clk := clock.New()
	reg := registry.New[Tickable]()
	ft := &fakeTickable{}
	reg.Put("ch1", ft)

	c := New(clk, reg, 4000) // ticks at 1ms
	c.Run()
	defer c.Stop()

	deadline := time.After(500 * time.Millisecond)
	for {
		ticks, progress := ft.counts()
		if ticks >= 9 {
			// progress fires on ticks 3, 6, 9, ... so roughly ticks/3
			if progress < 2 {
				t.Fatalf("after %d ticks, progress fired %d times, want at least 2", ticks, progress)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for ticks, got %d", ticks)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestControllerStopCancelsFurtherTicks(t *testing.T) {
	clk := clock.New()
	reg := registry.New[Tickable]()
	ft := &fakeTickable{}
	reg.Put("ch1", ft)

	c := New(clk, reg, 4000)
	c.Run()
	time.Sleep(20 * time.Millisecond)
	c.Stop()

	ticksAtStop, _ := ft.counts()
	time.Sleep(50 * time.Millisecond)
	ticksAfter, _ := ft.counts()

	if ticksAfter > ticksAtStop+1 { // tolerate one in-flight tick at Stop time
		t.Errorf("ticks still advancing after Stop: at-stop=%d after=%d", ticksAtStop, ticksAfter)
	}
}
