// Package channel implements the Channel state machine (§4.5): owns
// state {Stop, Play, Skip}, a receiver set, a SourceStream, and at most
// one Broadcaster at a time. Like Broadcaster, a Channel is an actor —
// one goroutine, one inbound command queue — so play_pause/skip/attach/
// detach observed by the Broadcaster are strictly ordered as the
// Channel issued them (§5).
package channel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtrcode/strobe-hub/internal/broadcaster"
	"github.com/xtrcode/strobe-hub/internal/emitter"
	"github.com/xtrcode/strobe-hub/internal/registry"
	"github.com/xtrcode/strobe-hub/internal/sourcestream"
	"github.com/xtrcode/strobe-hub/internal/types"
)

// State is one of the Channel's three states.
type State int32

const (
	StateStop State = iota
	StatePlay
	StateSkip
)

func (s State) String() string {
	switch s {
	case StateStop:
		return "stop"
	case StatePlay:
		return "play"
	case StateSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ErrChannelStopped is returned by Skip when the Channel has no active
// Broadcaster (§9 open question #1, decided: skip on a stopped channel
// is rejected, not turned into a silent seek — see DESIGN.md).
var ErrChannelStopped = errors.New("channel: cannot skip, channel is stopped")

// ErrReceiverAlreadyAttached is returned by AttachReceiver for an id
// already present in the set.
var ErrReceiverAlreadyAttached = errors.New("channel: receiver already attached")

// Publisher is the event-bus subset the Channel publishes to.
type Publisher interface {
	Publish(types.Event)
}

// ClockReader is the subset of clock.Clock the Channel needs — kept
// narrow so tests can fake it.
type ClockReader interface {
	Now() int64
}

// Params bundles the tunables a Channel needs from config, so the
// constructor signature doesn't grow every time a new knob is added.
type Params struct {
	StreamIntervalUs int64
	StartPaceDivisor int
	MaxSourceRetries int
	FrameBytes       int
	BufferLatencyUs  int64
	StartBufferSize  int
	BroadcasterIDSeq func() string // id generator, one call per Broadcaster created
}

// receiverEntry pairs a receiver.Handle-shaped id with its emitter and
// latency, tracked locally so broadcast_latency can be recomputed
// without reaching back into the registry on every Play transition.
// onError, when set, is the hub's hook for driving offline-marking and
// reconnect off this receiver's transport failures (§7 kind 1) — kept
// as a plain callback rather than routed through the event bus, since
// that bus is documented drop-on-full/outbound-only and this signal
// must not be silently lost.
type receiverEntry struct {
	id      string
	em      emitter.Emitter
	latency int64
	onError func(err error)
}

// Channel is the playback-group actor.
type Channel struct {
	id     string
	clock  ClockReader
	events Publisher
	params Params

	stream sourcestream.Stream

	state atomic.Int32

	mu          sync.Mutex // guards receivers, broadcaster — actor loop is the only other toucher
	receivers   map[string]*receiverEntry
	current     *broadcaster.Broadcaster
	broadcaster *registry.Registry[*broadcaster.Broadcaster]

	inbox chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Stop-state Channel over stream, publishing events
// under id. Call Run to start processing commands.
func New(id string, clock ClockReader, stream sourcestream.Stream, events Publisher, params Params) *Channel {
	c := &Channel{
		id:          id,
		clock:       clock,
		events:      events,
		params:      params,
		stream:      stream,
		receivers:   make(map[string]*receiverEntry),
		broadcaster: registry.New[*broadcaster.Broadcaster](),
		inbox:       make(chan func(), 256),
		quit:        make(chan struct{}),
	}
	return c
}

// Run starts the Channel's actor goroutine. Call exactly once.
func (c *Channel) Run() {
	c.wg.Add(1)
	go c.loop()
}

// Close stops the actor goroutine. Any active Broadcaster is left
// running — callers should PlayPause to Stop first for a clean
// shutdown (as internal/hub's Hub.Shutdown does).
func (c *Channel) Close() {
	close(c.quit)
	c.wg.Wait()
}

func (c *Channel) loop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.quit:
			return
		}
	}
}

func (c *Channel) cast(fn func(), done chan struct{}) {
	wrapped := fn
	if done != nil {
		wrapped = func() {
			fn()
			close(done)
		}
	}
	select {
	case c.inbox <- wrapped:
	case <-c.quit:
	}
}

// State returns the current channel state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// ID returns the channel's id.
func (c *Channel) ID() string { return c.id }

// PlayPause toggles Stop<->Play. Synchronous: returns once the
// transition (and, for Stop, the outgoing Broadcaster's termination)
// has completed.
func (c *Channel) PlayPause() {
	done := make(chan struct{})
	c.cast(c.handlePlayPause, done)
	<-done
}

// Skip stops the current Broadcaster, flushes the SourceStream, seeks
// to id, and starts a fresh Broadcaster at packet_number 0. Returns
// ErrChannelStopped if the channel is currently Stop (§9 decision #1).
func (c *Channel) Skip(id types.SourceID) error {
	errCh := make(chan error, 1)
	done := make(chan struct{})
	c.cast(func() { errCh <- c.handleSkip(id) }, done)
	<-done
	return <-errCh
}

// AttachReceiver adds id to the receiver set. If the Channel is
// currently Play, the new receiver is handed to the existing
// Broadcaster, which catches it up via buffer_receiver (§4.5); that
// catch-up runs on the Broadcaster's own goroutine and may complete
// after AttachReceiver returns. onError, if non-nil, is
// invoked (off the actor goroutine, from whatever goroutine the
// transport failed on) whenever em reports a failed send via
// OnEmitError.
func (c *Channel) AttachReceiver(id string, em emitter.Emitter, latencyUs int64, onError func(err error)) error {
	errCh := make(chan error, 1)
	done := make(chan struct{})
	c.cast(func() { errCh <- c.handleAttach(id, em, latencyUs, onError) }, done)
	<-done
	return <-errCh
}

// OnEmitError satisfies emitter.ErrorReporter. §4.2 requires the
// failure be reported to the owning Broadcaster (forwarded here, for
// logging, to whichever Broadcaster is currently active — the
// Broadcaster that actually scheduled the failed send may already have
// been replaced by a later Skip/PlayPause, but the spec's intent is
// satisfied by routing the report to the live one); independently, the
// receiver's own onError hook — set at AttachReceiver time and stable
// across Broadcaster replacement — drives §7 kind 1's offline-marking
// and reconnect behavior.
func (c *Channel) OnEmitError(receiverID string, playbackAt int64, err error) {
	if bc := c.getCurrent(); bc != nil {
		bc.OnEmitError(receiverID, playbackAt, err)
	}

	c.mu.Lock()
	entry, ok := c.receivers[receiverID]
	c.mu.Unlock()
	if ok && entry.onError != nil {
		entry.onError(err)
	}
}

// DetachReceiver removes id from the set. In-flight packets already
// dispatched to it are not revoked (§9 decision #3).
func (c *Channel) DetachReceiver(id string) {
	done := make(chan struct{})
	c.cast(func() { c.handleDetach(id) }, done)
	<-done
}

// handlePlayPause implements the Stop<->Play transitions of §4.5's
// table. Skip state is not reachable from here — it only arises
// transiently inside handleSkip.
func (c *Channel) handlePlayPause() {
	switch c.State() {
	case StateStop:
		c.startBroadcaster()
		c.state.Store(int32(StatePlay))
		c.publish(types.TopicChannelPlayPause, types.ChannelPlayPausePayload{Status: "play"})

	case StatePlay:
		now := c.clock.Now()
		bc := c.getCurrent()
		if bc != nil {
			bc.Stop(types.StopNormal, now)
			<-bc.Done()
		}
		c.setCurrent(nil)
		c.state.Store(int32(StateStop))
		c.publish(types.TopicChannelPlayPause, types.ChannelPlayPausePayload{Status: "stop"})
	}
}

func (c *Channel) handleSkip(id types.SourceID) error {
	if c.State() != StatePlay {
		return ErrChannelStopped
	}

	c.state.Store(int32(StateSkip))
	now := c.clock.Now()

	bc := c.getCurrent()
	if bc != nil {
		bc.Stop(types.StopSkip, now)
		<-bc.Done()
	}
	c.setCurrent(nil)

	c.stream.Flush()
	if err := c.stream.SeekToSource(id); err != nil {
		c.state.Store(int32(StatePlay))
		return fmt.Errorf("channel: skip to %q: %w", id, err)
	}

	c.startBroadcaster()
	c.state.Store(int32(StatePlay))
	return nil
}

func (c *Channel) handleAttach(id string, em emitter.Emitter, latencyUs int64, onError func(err error)) error {
	c.mu.Lock()
	if _, exists := c.receivers[id]; exists {
		c.mu.Unlock()
		return ErrReceiverAlreadyAttached
	}
	c.receivers[id] = &receiverEntry{id: id, em: em, latency: latencyUs, onError: onError}
	c.mu.Unlock()

	c.publish(types.TopicReceiverAdded, types.ReceiverAddedPayload{ReceiverID: id})

	if bc := c.getCurrent(); c.State() == StatePlay && bc != nil {
		bc.AddReceiver(id, em, c.clock.Now())
	}
	return nil
}

func (c *Channel) handleDetach(id string) {
	c.mu.Lock()
	_, existed := c.receivers[id]
	delete(c.receivers, id)
	c.mu.Unlock()

	if !existed {
		return
	}
	if bc := c.getCurrent(); bc != nil {
		bc.RemoveReceiver(id)
	}
	c.publish(types.TopicReceiverRemoved, types.ReceiverRemovedPayload{ReceiverID: id})
}

// getCurrent and setCurrent guard the active-Broadcaster pointer with
// the same mutex as the receiver set, since Health and Tick read it
// from outside the actor goroutine.
func (c *Channel) getCurrent() *broadcaster.Broadcaster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Channel) setCurrent(bc *broadcaster.Broadcaster) {
	c.mu.Lock()
	c.current = bc
	c.mu.Unlock()
}

// broadcastLatency computes max(receiver.latency) + buffer_latency
// (§3), defaulting to buffer_latency alone when there are no
// receivers.
func (c *Channel) broadcastLatency() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var maxLatency int64
	for _, r := range c.receivers {
		if r.latency > maxLatency {
			maxLatency = r.latency
		}
	}
	return maxLatency + c.params.BufferLatencyUs
}

func (c *Channel) startBroadcaster() {
	now := c.clock.Now()
	latency := c.broadcastLatency()

	id := c.id + "-bc"
	if c.params.BroadcasterIDSeq != nil {
		id = c.params.BroadcasterIDSeq()
	}

	bc := broadcaster.New(
		c.id, id,
		c.stream,
		c.params.StreamIntervalUs,
		c.params.StartPaceDivisor,
		c.params.MaxSourceRetries,
		c.params.FrameBytes,
		c.events,
		c.onBroadcasterTerminated,
	)
	bc.Run()

	c.mu.Lock()
	for _, r := range c.receivers {
		bc.AddReceiver(r.id, r.em, now)
	}
	c.mu.Unlock()

	bc.StartPlayback(now, latency, c.params.StartBufferSize)

	c.setCurrent(bc)
	c.broadcaster.Put(id, bc)
}

// onBroadcasterTerminated is invoked from the Broadcaster's own actor
// goroutine. It only handles the stream_finished path itself — stop
// and skip already know their own outcome from the caller's
// perspective and drive the Channel's state transition synchronously.
func (c *Channel) onBroadcasterTerminated(reason types.StopReason) {
	if reason != types.StopStreamFinished {
		return
	}
	done := make(chan struct{})
	c.cast(func() {
		if c.State() != StatePlay {
			return
		}
		c.setCurrent(nil)
		c.state.Store(int32(StateStop))
		c.publish(types.TopicChannelFinished, types.ChannelFinishedPayload{})
	}, done)
	<-done
}

func (c *Channel) publish(topic types.EventTopic, payload any) {
	if c.events == nil {
		return
	}
	c.events.Publish(types.Event{Topic: topic, ChannelID: c.id, Payload: payload})
}

// PublishProgress emits a source_progress event — called by whatever
// drives the 3x-tick-interval progress cadence (§6), typically the
// Controller.
func (c *Channel) PublishProgress(sourceID types.SourceID, progressMs, durationMs int64) {
	c.publish(types.TopicSourceProgress, types.SourceProgressPayload{
		SourceID:   sourceID,
		ProgressMs: progressMs,
		DurationMs: durationMs,
	})
}

// Snapshot is the supplemented health-endpoint view of a Channel.
type Snapshot struct {
	ID            string
	State         State
	ReceiverCount int
	Broadcaster   *broadcaster.Snapshot
}

// Health returns a point-in-time snapshot for the supplemented health
// report (aggregated by internal/hub's HealthCheck).
func (c *Channel) Health() Snapshot {
	c.mu.Lock()
	n := len(c.receivers)
	bc := c.current
	c.mu.Unlock()

	snap := Snapshot{ID: c.id, State: c.State(), ReceiverCount: n}
	if bc != nil {
		s := bc.Snapshot()
		snap.Broadcaster = &s
	}
	return snap
}

// RetuneLatency replaces buffer_latency, so every later broadcastLatency
// computation uses the new value; if a Broadcaster is active, it has no
// effect on it — §4.5 is explicit that
// broadcast_latency is fixed for the lifetime of a play session. This
// is the supplemented live-retune feature: it only takes effect on the
// *next* Play transition, and exists so an operator can correct a
// latency budget without restarting the whole process.
func (c *Channel) RetuneLatency(bufferLatencyUs int64) {
	done := make(chan struct{})
	c.cast(func() { c.params.BufferLatencyUs = bufferLatencyUs }, done)
	<-done
}

// Tick dispatches one Controller tick (§4.7) to the active Broadcaster,
// if any. Fire-and-forget: the Broadcaster's own inbox provides the
// ordering guarantee the Controller needs, so Tick does not wait for
// the EmitTick to be processed.
func (c *Channel) Tick(now, intervalUs int64) {
	if bc := c.getCurrent(); bc != nil {
		bc.EmitTick(now, intervalUs)
	}
}

// PublishProgressTick emits source_progress at whatever cadence the
// caller drives it (§6: 3x the tick interval). No-op if the Channel has
// no active Broadcaster. The source id is that of the frame the active
// Broadcaster most recently pulled, which may still be ahead of what
// is audible by up to the in-flight window. progress_ms is the
// Broadcaster's packet count times stream_interval, counted from the
// start of that Broadcaster rather than from the start of the source;
// duration_ms is always 0. tickIntervalUs is accepted to satisfy
// controller.Tickable and is not used.
func (c *Channel) PublishProgressTick(tickIntervalUs int64) {
	bc := c.getCurrent()
	if bc == nil {
		return
	}
	snap := bc.Snapshot()
	if snap.CurrentSourceID == "" {
		return
	}
	progressMs := (int64(snap.PacketNumber) * c.params.StreamIntervalUs) / 1000
	c.PublishProgress(snap.CurrentSourceID, progressMs, 0)
}
