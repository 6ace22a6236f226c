// Package broadcaster implements the packet scheduler (§4.4): turns a
// SourceStream into a paced stream of timestamped packets fanned out to
// every attached receiver's Emitter, keeps the in-flight window for
// catch-up and rebuffer, and reports termination back to its owning
// Channel.
//
// A Broadcaster is an actor in the Design Notes sense: a single
// goroutine owns all of its state and processes one command at a time
// from an inbound queue, so the fields below are never touched from
// two goroutines at once — callers only ever enqueue commands.
package broadcaster

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xtrcode/strobe-hub/internal/emitter"
	"github.com/xtrcode/strobe-hub/internal/sourcestream"
	"github.com/xtrcode/strobe-hub/internal/types"
)

// State is one of the Broadcaster lifecycle states (§4.4).
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Publisher is the subset of eventbus.Bus the Broadcaster needs —
// kept as a local interface so this package doesn't import eventbus.
type Publisher interface {
	Publish(types.Event)
}

// Snapshot is a point-in-time read of scheduler state, used by the
// channel's health endpoint (a supplemented feature, not in §4.4).
type Snapshot struct {
	State           State
	PacketNumber    uint64
	InFlightLen     int
	EmitTimeUs      int64
	CurrentSourceID types.SourceID
}

// inFlightEntry pairs a §3 TimestampedPacket with the per-receiver
// Emitter handles it was scheduled under, so discard/resend can
// address a specific receiver's Emit call.
type inFlightEntry struct {
	packet  types.TimestampedPacket
	handles map[string]emitter.Handle
}

// Broadcaster is the packet scheduler for one Channel's playback
// session. Construct with New, then call Run once before sending any
// commands.
type Broadcaster struct {
	channelID string
	id        string

	stream   sourcestream.Stream
	emitters map[string]emitter.Emitter
	events   Publisher

	streamIntervalUs int64
	startPaceDivisor int
	maxSourceRetries int
	frameBytes       int

	onTerminated func(reason types.StopReason)

	state      atomic.Int32
	terminated atomic.Bool

	startTimeUs             int64
	latencyUs               int64
	emitTimeUs              int64
	packetNumber            uint64
	inFlight                []*inFlightEntry
	lastObservedSource      types.SourceID
	currentSourceID         types.SourceID
	consecutiveSourceErrors int
	streamEnded             bool

	inbox    chan func()
	stopLoop chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// New constructs a Broadcaster. streamIntervalUs is the real-time
// duration of one frame; startPaceDivisor is the start() fast-fill
// ratio (default 4, §4.4); maxSourceRetries bounds consecutive
// source-read failures before skipping the current track (§7 kind 2);
// frameBytes sizes the silent-frame substitution for read failures.
// onTerminated, if non-nil, fires exactly once when the Broadcaster
// reaches StateTerminated.
func New(
	channelID, id string,
	stream sourcestream.Stream,
	streamIntervalUs int64,
	startPaceDivisor, maxSourceRetries, frameBytes int,
	events Publisher,
	onTerminated func(reason types.StopReason),
) *Broadcaster {
	b := &Broadcaster{
		channelID:        channelID,
		id:               id,
		stream:           stream,
		emitters:         make(map[string]emitter.Emitter),
		events:           events,
		streamIntervalUs: streamIntervalUs,
		startPaceDivisor: startPaceDivisor,
		maxSourceRetries: maxSourceRetries,
		frameBytes:       frameBytes,
		onTerminated:     onTerminated,
		inbox:            make(chan func(), 256),
		stopLoop:         make(chan struct{}),
		done:             make(chan struct{}),
	}
	b.state.Store(int32(StateCreated))
	return b
}

// Run starts the Broadcaster's actor goroutine. Call exactly once.
func (b *Broadcaster) Run() {
	go b.loop()
}

func (b *Broadcaster) loop() {
	for {
		select {
		case fn := <-b.inbox:
			fn()
		case <-b.stopLoop:
			return
		}
	}
}

func (b *Broadcaster) cast(fn func()) {
	if b.terminated.Load() {
		return
	}
	select {
	case b.inbox <- fn:
	case <-b.stopLoop:
	}
}

// State returns the current lifecycle state. Safe to call from any
// goroutine.
func (b *Broadcaster) State() State {
	return State(b.state.Load())
}

// Done is closed exactly once, when the Broadcaster reaches
// StateTerminated.
func (b *Broadcaster) Done() <-chan struct{} {
	return b.done
}

// Snapshot synchronously reads scheduler state from the actor
// goroutine. Returns a terminated snapshot without blocking if the
// Broadcaster has already stopped.
func (b *Broadcaster) Snapshot() Snapshot {
	if b.terminated.Load() {
		return Snapshot{State: StateTerminated}
	}

	resultCh := make(chan Snapshot, 1)
	select {
	case b.inbox <- func() {
		resultCh <- Snapshot{
			State:           State(b.state.Load()),
			PacketNumber:    b.packetNumber,
			InFlightLen:     len(b.inFlight),
			EmitTimeUs:      b.emitTimeUs,
			CurrentSourceID: b.currentSourceID,
		}
	}:
	case <-b.stopLoop:
		return Snapshot{State: StateTerminated}
	}

	select {
	case snap := <-resultCh:
		return snap
	case <-b.stopLoop:
		return Snapshot{State: StateTerminated}
	}
}

// StartPlayback fast-fills bufferSize frames (§4.4 start): emit_at
// steps by stream_interval/startPaceDivisor, playback_at by the
// normative formula. now and latency are the channel's current clock
// reading and broadcast_latency.
func (b *Broadcaster) StartPlayback(now, latency int64, bufferSize int) {
	b.cast(func() { b.handleStart(now, latency, bufferSize) })
}

// EmitTick delivers one Controller tick (§4.7, §4.4 emit command).
func (b *Broadcaster) EmitTick(now, intervalUs int64) {
	b.cast(func() { b.handleEmitTick(now, intervalUs) })
}

// Stop tears the Broadcaster down per reason (§4.4 stop commands). now
// is used to partition in_flight for StopNormal's rebuffer filter.
func (b *Broadcaster) Stop(reason types.StopReason, now int64) {
	b.cast(func() { b.handleStop(reason, now) })
}

// AddReceiver attaches em under id. If the Broadcaster is already
// Running or Draining, the current in_flight window is immediately
// resent to em at emit_at=now, preserving playback_at — this is §4.4's
// buffer_receiver command.
func (b *Broadcaster) AddReceiver(id string, em emitter.Emitter, now int64) {
	b.cast(func() { b.handleAddReceiver(id, em, now) })
}

// OnEmitError satisfies emitter.ErrorReporter: §4.2 "a failed send is
// reported to the owning Broadcaster, which logs and continues."
// Logging happens on the actor goroutine so it interleaves cleanly
// with the rest of this Broadcaster's state changes; the offline-
// marking/reconnect behavior §7 kind 1 also requires lives one layer
// up, at the Channel, which is the stable registrant across whichever
// Broadcaster happens to be running (see Channel.OnEmitError).
func (b *Broadcaster) OnEmitError(receiverID string, playbackAt int64, err error) {
	b.cast(func() {
		slog.Warn("broadcaster: emit failed",
			"channel_id", b.channelID, "broadcaster_id", b.id,
			"receiver_id", receiverID, "playback_at", playbackAt, "error", err)
	})
}

// RemoveReceiver detaches id. Already-sent packets to that receiver
// are not revoked (§9 open question #3 — detach is logical, not
// acoustic); this only stops future frames from being fanned out to it.
func (b *Broadcaster) RemoveReceiver(id string) {
	b.cast(func() { delete(b.emitters, id) })
}

func (b *Broadcaster) handleStart(now, latency int64, bufferSize int) {
	if b.State() == StateTerminated {
		return
	}

	b.startTimeUs = now
	b.latencyUs = latency
	b.emitTimeUs = now

	paceStep := b.streamIntervalUs / int64(max(b.startPaceDivisor, 1))

	for i := 0; i < bufferSize; i++ {
		frame, err := b.readFrame()
		if errors.Is(err, sourcestream.ErrEndOfStream) {
			b.handleStreamEnded()
			break
		}
		b.emitFrame(frame, b.emitTimeUs)
		b.emitTimeUs += paceStep
	}

	if b.State() != StateDraining {
		b.state.Store(int32(StateRunning))
	}
}

func (b *Broadcaster) handleEmitTick(now, intervalUs int64) {
	state := b.State()
	if state == StateTerminated {
		return
	}

	if !b.streamEnded {
		due := absInt64((now+intervalUs)-b.emitTimeUs) < intervalUs || (now+intervalUs) > b.emitTimeUs
		if due {
			frame, err := b.readFrame()
			if errors.Is(err, sourcestream.ErrEndOfStream) {
				b.handleStreamEnded()
			} else {
				b.emitFrame(frame, b.emitTimeUs)
				b.emitTimeUs += b.streamIntervalUs
			}
		}
	}

	b.pruneInFlight(now)

	if b.streamEnded && len(b.inFlight) == 0 {
		b.transitionTerminated(types.StopStreamFinished)
	}
}

func (b *Broadcaster) handleStreamEnded() {
	if !b.streamEnded {
		b.streamEnded = true
		b.state.Store(int32(StateDraining))
	}
}

func (b *Broadcaster) handleStop(reason types.StopReason, now int64) {
	if b.State() == StateTerminated {
		return
	}

	switch reason {
	case types.StopNormal:
		var frames []types.Frame
		var kept []*inFlightEntry
		for _, e := range b.inFlight {
			if e.packet.PlaybackAt > now {
				b.discardEntry(e)
				frames = append(frames, types.Frame{SourceID: e.packet.SourceID, Bytes: e.packet.Bytes})
			} else {
				kept = append(kept, e) // already played, leave alone
			}
		}
		b.stream.Rebuffer(frames)
		b.inFlight = kept

	case types.StopSkip:
		for _, e := range b.inFlight {
			b.discardEntry(e)
		}
		b.inFlight = nil
	}

	b.transitionTerminated(reason)
}

func (b *Broadcaster) handleAddReceiver(id string, em emitter.Emitter, now int64) {
	b.emitters[id] = em

	state := b.State()
	if state != StateRunning && state != StateDraining {
		return
	}
	for _, e := range b.inFlight {
		e.handles[id] = em.Emit(now, e.packet.PlaybackAt, e.packet.Bytes)
	}
}

// readFrame pulls the next frame, substituting a silent frame of fixed
// size on a source-read error (§7 kind 2) and advancing past the
// current track after maxSourceRetries consecutive failures.
func (b *Broadcaster) readFrame() (types.Frame, error) {
	frame, err := b.stream.NextFrame()
	if err == nil {
		b.consecutiveSourceErrors = 0
		if frame.SourceID != "" {
			b.currentSourceID = frame.SourceID
		}
		return frame, nil
	}
	if errors.Is(err, sourcestream.ErrEndOfStream) {
		return types.Frame{}, sourcestream.ErrEndOfStream
	}

	b.consecutiveSourceErrors++
	if b.consecutiveSourceErrors >= b.maxSourceRetries {
		newID, skipErr := b.stream.SkipCurrentTrack()
		b.consecutiveSourceErrors = 0
		if errors.Is(skipErr, sourcestream.ErrEndOfStream) {
			return types.Frame{}, sourcestream.ErrEndOfStream
		}
		b.currentSourceID = newID
		return types.Frame{SourceID: newID, Bytes: make([]byte, b.frameBytes)}, nil
	}

	return types.Frame{SourceID: b.currentSourceID, Bytes: make([]byte, b.frameBytes)}, nil
}

// emitFrame assigns the next packet number and timestamp, fans the
// bytes out to every attached receiver's Emitter, and records the
// in-flight entry.
func (b *Broadcaster) emitFrame(frame types.Frame, emitAt int64) {
	n := b.packetNumber
	b.packetNumber++

	playbackAt := b.startTimeUs + b.latencyUs + int64(n)*b.streamIntervalUs

	handles := make(map[string]emitter.Handle, len(b.emitters))
	for rid, em := range b.emitters {
		handles[rid] = em.Emit(emitAt, playbackAt, frame.Bytes)
	}

	b.inFlight = append(b.inFlight, &inFlightEntry{
		packet: types.TimestampedPacket{
			PacketNumber: n,
			SourceID:     frame.SourceID,
			Bytes:        frame.Bytes,
			PlaybackAt:   playbackAt,
		},
		handles: handles,
	})
}

// pruneInFlight drops packets whose playback_at has passed, scanning
// the dropped partition for source_id transitions (§4.4 in-flight
// maintenance).
func (b *Broadcaster) pruneInFlight(now int64) {
	var played, remaining []*inFlightEntry
	for _, e := range b.inFlight {
		if e.packet.PlaybackAt > now {
			remaining = append(remaining, e)
		} else {
			played = append(played, e)
		}
	}

	for _, e := range played {
		if e.packet.SourceID != b.lastObservedSource {
			b.lastObservedSource = e.packet.SourceID
			b.publishSourceChanged(e.packet.SourceID)
		}
	}

	b.inFlight = remaining
}

// discardEntry revokes one in-flight packet at every receiver it was
// scheduled under, addressing each via the §3 InFlightPacket shape so
// the discard call carries the same EmitterHandle/PlaybackAt pairing
// Emit originally produced.
func (b *Broadcaster) discardEntry(e *inFlightEntry) {
	for rid, h := range e.handles {
		ifp := types.InFlightPacket{
			EmitterHandle: h,
			PlaybackAt:    e.packet.PlaybackAt,
			SourceID:      e.packet.SourceID,
			Bytes:         e.packet.Bytes,
		}
		if em, ok := b.emitters[rid]; ok {
			if handle, ok := ifp.EmitterHandle.(emitter.Handle); ok {
				em.Discard(handle, ifp.PlaybackAt)
			}
		}
	}
}

func (b *Broadcaster) publishSourceChanged(sourceID types.SourceID) {
	if b.events == nil {
		return
	}
	b.events.Publish(types.Event{
		Topic:     types.TopicSourceChanged,
		ChannelID: b.channelID,
		Payload:   types.SourceChangedPayload{NewSourceID: sourceID},
	})
}

func (b *Broadcaster) transitionTerminated(reason types.StopReason) {
	b.doneOnce.Do(func() {
		b.state.Store(int32(StateTerminated))
		b.terminated.Store(true)
		if b.onTerminated != nil {
			b.onTerminated(reason)
		}
		close(b.done)
		close(b.stopLoop)
	})
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
