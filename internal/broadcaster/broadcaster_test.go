package broadcaster

import (
	"sync"
	"testing"
	"time"

	"github.com/xtrcode/strobe-hub/internal/emitter"
	"github.com/xtrcode/strobe-hub/internal/sourcestream"
	"github.com/xtrcode/strobe-hub/internal/types"
	"github.com/xtrcode/strobe-hub/internal/wire"
)

type sentRecord struct {
	emitAt, playbackAt int64
	bytes              []byte
}

type fakeEmitter struct {
	mu        sync.Mutex
	nextID    emitter.Handle
	sent      []sentRecord
	sentByID  map[emitter.Handle]sentRecord
	discarded map[emitter.Handle]bool
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{sentByID: map[emitter.Handle]sentRecord{}, discarded: map[emitter.Handle]bool{}}
}

func (f *fakeEmitter) Emit(emitAt, playbackAt int64, bytes []byte) emitter.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	rec := sentRecord{emitAt: emitAt, playbackAt: playbackAt, bytes: append([]byte{}, bytes...)}
	f.sent = append(f.sent, rec)
	f.sentByID[id] = rec
	return id
}

func (f *fakeEmitter) Discard(h emitter.Handle, playbackAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded[h] = true
}

func (f *fakeEmitter) SendControl(op wire.Opcode) error { return nil }
func (f *fakeEmitter) Stop()                            {}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeEmitter) record(i int) sentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *fakePublisher) Publish(e types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePublisher) all() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Event{}, p.events...)
}

func mustStream(t *testing.T, tracks []sourcestream.Track, frameBytes int) sourcestream.Stream {
	t.Helper()
	s, err := sourcestream.New(tracks, frameBytes)
	if err != nil {
		t.Fatalf("sourcestream.New() error = %v", err)
	}
	return s
}

func TestStartPlaybackFastFillsWithPacingAndTimestampFormula(t *testing.T) {
	stream := mustStream(t, []sourcestream.Track{{SourceID: "a", PCM: make([]byte, 40)}}, 4)
	pub := &fakePublisher{}
	b := New("ch1", "bc1", stream, 1000, 4, 4, 4, pub, nil)
	b.Run()

	em := newFakeEmitter()
	b.AddReceiver("r1", em, 0)
	b.StartPlayback(0, 500, 4)
	b.Snapshot() // barrier

	if got := em.count(); got != 4 {
		t.Fatalf("emitted = %d, want 4", got)
	}
	wantEmitAt := []int64{0, 250, 500, 750}
	wantPlaybackAt := []int64{500, 1500, 2500, 3500}
	for i := 0; i < 4; i++ {
		rec := em.record(i)
		if rec.emitAt != wantEmitAt[i] {
			t.Errorf("frame %d emitAt = %d, want %d", i, rec.emitAt, wantEmitAt[i])
		}
		if rec.playbackAt != wantPlaybackAt[i] {
			t.Errorf("frame %d playbackAt = %d, want %d", i, rec.playbackAt, wantPlaybackAt[i])
		}
	}

	if b.State() != StateRunning {
		t.Errorf("State() = %v, want Running", b.State())
	}
}

func TestEmitTickAdvancesEmitTimeByStreamInterval(t *testing.T) {
	stream := mustStream(t, []sourcestream.Track{{SourceID: "a", PCM: make([]byte, 100)}}, 4)
	b := New("ch1", "bc1", stream, 1000, 4, 4, 4, nil, nil)
	b.Run()

	em := newFakeEmitter()
	b.AddReceiver("r1", em, 0)
	b.StartPlayback(0, 0, 0) // no fast-fill, steady state only
	b.Snapshot()

	b.EmitTick(1000, 1000)
	snap := b.Snapshot()

	if snap.EmitTimeUs != 1000 {
		t.Errorf("emitTimeUs = %d, want 1000 (advanced by one stream_interval)", snap.EmitTimeUs)
	}
	if em.count() != 1 {
		t.Fatalf("emitted = %d, want 1", em.count())
	}
}

func TestStopNormalRebuffersUnplayedPacketsInOrder(t *testing.T) {
	stream := mustStream(t, []sourcestream.Track{{SourceID: "a", PCM: []byte{1, 2, 3, 4, 5, 6, 7, 8}}}, 2)
	b := New("ch1", "bc1", stream, 1000, 4, 4, 2, nil, nil)
	b.Run()

	em := newFakeEmitter()
	b.AddReceiver("r1", em, 0)
	b.StartPlayback(0, 0, 4) // emits all 4 frames, playback_at 0, 1000, 2000, 3000
	b.Snapshot()

	if em.count() != 4 {
		t.Fatalf("emitted = %d, want 4", em.count())
	}

	b.Stop(types.StopNormal, -1) // below every playback_at so all 4 are "unplayed"
	<-b.Done()

	for i := 0; i < 4; i++ {
		if !em.discarded[emitter.Handle(i+1)] {
			t.Errorf("handle %d not discarded", i+1)
		}
	}

	f, err := stream.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame() after rebuffer error = %v", err)
	}
	if !equalBytes(f.Bytes, []byte{1, 2}) {
		t.Errorf("first rebuffered frame = %v, want {1,2}", f.Bytes)
	}
}

func TestStopSkipDiscardsWithoutRebuffering(t *testing.T) {
	stream := mustStream(t, []sourcestream.Track{{SourceID: "a", PCM: []byte{1, 2, 3, 4, 5, 6, 7, 8}}}, 2)
	b := New("ch1", "bc1", stream, 1000, 4, 4, 2, nil, nil)
	b.Run()

	em := newFakeEmitter()
	b.AddReceiver("r1", em, 0)
	b.StartPlayback(0, 0, 2)
	b.Snapshot()

	b.Stop(types.StopSkip, 0)
	<-b.Done()

	if !em.discarded[emitter.Handle(1)] || !em.discarded[emitter.Handle(2)] {
		t.Error("expected both handles discarded on skip")
	}

	// stream cursor was never rebuffered — next frame continues past
	// what was already pulled, not a replay of it.
	f, err := stream.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame() error = %v", err)
	}
	if !equalBytes(f.Bytes, []byte{5, 6}) {
		t.Errorf("next frame after skip = %v, want {5,6} (cursor not rebuffered)", f.Bytes)
	}
}

func TestStreamFinishedTerminatesAfterInFlightDrains(t *testing.T) {
	stream := mustStream(t, []sourcestream.Track{{SourceID: "a", PCM: []byte{1, 2}}}, 2)
	var gotReason types.StopReason
	done := make(chan struct{})
	b := New("ch1", "bc1", stream, 1000, 4, 4, 2, nil, func(reason types.StopReason) {
		gotReason = reason
		close(done)
	})
	b.Run()

	em := newFakeEmitter()
	b.AddReceiver("r1", em, 0)
	b.StartPlayback(0, 0, 1) // pulls the only frame; EOF is not seen until the next pull
	b.Snapshot()

	// the one packet (playback_at=0) is still in_flight, since only
	// EmitTick prunes; this tick pulls again and hits EOF, then prunes
	// playback_at=0 <= now=1, so drain completes.
	b.EmitTick(1, 1000)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcaster did not terminate after drain")
	}

	if gotReason != types.StopStreamFinished {
		t.Errorf("reason = %v, want StopStreamFinished", gotReason)
	}
	if b.State() != StateTerminated {
		t.Errorf("State() = %v, want Terminated", b.State())
	}
}

func TestSourceChangedEventFiresOnTrackBoundaryPrune(t *testing.T) {
	stream := mustStream(t, []sourcestream.Track{
		{SourceID: "a", PCM: []byte{1, 2}},
		{SourceID: "b", PCM: []byte{3, 4}},
	}, 2)
	pub := &fakePublisher{}
	b := New("ch1", "bc1", stream, 1000, 4, 4, 2, pub, nil)
	b.Run()

	em := newFakeEmitter()
	b.AddReceiver("r1", em, 0)
	b.StartPlayback(0, 0, 2) // emits track a frame (playback_at=0) and track b frame (playback_at=1000)
	b.Snapshot()

	b.EmitTick(1, 1000) // prunes playback_at <= now=1 (just the "a" packet)
	b.Snapshot()

	var gotA, gotB bool
	for _, e := range pub.all() {
		if e.Topic != types.TopicSourceChanged {
			continue
		}
		payload := e.Payload.(types.SourceChangedPayload)
		if payload.NewSourceID == "a" {
			gotA = true
		}
		if payload.NewSourceID == "b" {
			gotB = true
		}
	}
	if !gotA {
		t.Error("expected source_changed event for first observation of source a")
	}
	_ = gotB // b hasn't played yet at this point — only a should have fired
}

func TestAddReceiverResendsInFlightWindowPreservingPlaybackAt(t *testing.T) {
	stream := mustStream(t, []sourcestream.Track{{SourceID: "a", PCM: make([]byte, 20)}}, 4)
	b := New("ch1", "bc1", stream, 1000, 4, 4, 4, nil, nil)
	b.Run()

	em1 := newFakeEmitter()
	b.AddReceiver("r1", em1, 0)
	b.StartPlayback(0, 500, 3)
	b.Snapshot()

	em2 := newFakeEmitter()
	b.AddReceiver("r2", em2, 100)
	b.Snapshot()

	if em2.count() != 3 {
		t.Fatalf("late receiver got %d frames, want 3 (full in-flight window)", em2.count())
	}
	for i := 0; i < 3; i++ {
		if em2.record(i).playbackAt != em1.record(i).playbackAt {
			t.Errorf("frame %d playback_at mismatch: late=%d original=%d",
				i, em2.record(i).playbackAt, em1.record(i).playbackAt)
		}
	}
}

func TestRemoveReceiverStopsFutureFanoutOnly(t *testing.T) {
	stream := mustStream(t, []sourcestream.Track{{SourceID: "a", PCM: make([]byte, 40)}}, 4)
	b := New("ch1", "bc1", stream, 1000, 4, 4, 4, nil, nil)
	b.Run()

	em := newFakeEmitter()
	b.AddReceiver("r1", em, 0)
	b.StartPlayback(0, 0, 2)
	b.Snapshot()

	before := em.count()
	b.RemoveReceiver("r1")
	b.EmitTick(2000, 1000)
	b.Snapshot()

	if em.count() != before {
		t.Errorf("removed receiver still received a frame: before=%d after=%d", before, em.count())
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
