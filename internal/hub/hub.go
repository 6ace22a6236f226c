// Package hub wires the process-level components — config, clock,
// event bus, MQTT bridge, channels, and the tick-loop controller —
// into one orchestrator, mirroring orion-prototipe's internal/core.Orion
// at the level cmd/strobehubd's main.go needs: construct, Run, Shutdown.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtrcode/strobe-hub/internal/channel"
	"github.com/xtrcode/strobe-hub/internal/clock"
	"github.com/xtrcode/strobe-hub/internal/config"
	"github.com/xtrcode/strobe-hub/internal/controller"
	"github.com/xtrcode/strobe-hub/internal/emitter"
	"github.com/xtrcode/strobe-hub/internal/eventbus"
	"github.com/xtrcode/strobe-hub/internal/receiver"
	"github.com/xtrcode/strobe-hub/internal/registry"
	"github.com/xtrcode/strobe-hub/internal/sourcestream"
)

// Hub is the top-level orchestrator for one strobe-hub instance.
type Hub struct {
	cfg *config.Config
	clk *clock.Clock

	bus    eventbus.Bus
	bridge *eventbus.MQTTBridge

	channels    *registry.Registry[*channel.Channel]
	tickables   *registry.Registry[controller.Tickable]
	receivers   *registry.Registry[*receiver.Handle]
	syncCancels *registry.Registry[context.CancelFunc]
	controller  *controller.Controller

	started time.Time

	healthWg     sync.WaitGroup
	healthCancel context.CancelFunc
}

// New loads configPath and constructs a Hub. Call Run to bring the
// service up.
func New(configPath string) (*Hub, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}

	h := &Hub{
		cfg:         cfg,
		clk:         clock.New(),
		bus:         eventbus.New(),
		channels:    registry.New[*channel.Channel](),
		tickables:   registry.New[controller.Tickable](),
		receivers:   registry.New[*receiver.Handle](),
		syncCancels: registry.New[context.CancelFunc](),
	}
	h.controller = controller.New(h.clk, h.tickables, cfg.Audio.StreamIntervalMicros())

	return h, nil
}

// Run connects the MQTT bridge, creates every channel named in
// config.Channels, starts the tick-loop controller, and blocks until
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.started = time.Now()

	h.bridge = eventbus.NewMQTTBridge(h.cfg.MQTT, h.cfg.InstanceID+"-events")
	if err := h.bridge.Connect(ctx, h.cfg.InstanceID); err != nil {
		return fmt.Errorf("hub: mqtt connect: %w", err)
	}
	go func() {
		if err := h.bridge.Run(h.bus); err != nil {
			slog.Error("hub: mqtt bridge stopped", "error", err)
		}
	}()

	for _, cc := range h.cfg.Channels {
		if _, err := h.CreateChannel(cc); err != nil {
			return fmt.Errorf("hub: create channel %q: %w", cc.ID, err)
		}
	}

	h.controller.Run()
	slog.Info("hub running", "instance_id", h.cfg.InstanceID, "channels", len(h.cfg.Channels))

	healthCtx, cancel := context.WithCancel(ctx)
	h.healthCancel = cancel
	h.healthWg.Add(1)
	go h.runHealthLoop(healthCtx)

	<-ctx.Done()
	return nil
}

// CreateChannel loads cc's playlist from disk and registers a new
// Channel with the controller. ID defaults to a generated uuid when
// unset (§"IDs" ambient stack).
func (h *Hub) CreateChannel(cc config.ChannelConfig) (*channel.Channel, error) {
	id := cc.ID
	if id == "" {
		id = uuid.NewString()
	}

	frameBytes := h.cfg.Audio.BytesPerStep()
	stream, err := sourcestream.NewFile(cc.Playlist, frameBytes)
	if err != nil {
		return nil, fmt.Errorf("sourcestream: %w", err)
	}

	params := channel.Params{
		StreamIntervalUs: h.cfg.Audio.StreamIntervalMicros(),
		StartPaceDivisor: h.cfg.Buffer.StartPaceDivisor,
		MaxSourceRetries: h.cfg.Buffer.MaxSourceRetries,
		FrameBytes:       frameBytes,
		BufferLatencyUs:  int64(h.cfg.Buffer.BufferLatencyMs) * 1000,
		StartBufferSize:  h.cfg.Buffer.StartBufferSize,
		BroadcasterIDSeq: func() string { return id + "-bc-" + uuid.NewString() },
	}

	ch := channel.New(id, h.clk, stream, h.bus, params)
	ch.Run()

	h.channels.Put(id, ch)
	h.tickables.Put(id, ch)

	slog.Info("channel created", "channel_id", id, "tracks", len(cc.Playlist))
	return ch, nil
}

// Channel looks up a previously created Channel by id.
func (h *Hub) Channel(id string) (*channel.Channel, error) {
	return h.channels.Get(id)
}

// AttachReceiver joins receiverID to channelID. The hub-wide receiver
// registry is consulted first so a receiver already attached to a
// different channel is rejected with receiver.ErrAlreadyJoined before
// the target Channel's own (same-channel-only) duplicate check ever
// runs — §7 error kind 5: "attach a Receiver already attached
// elsewhere" must report a typed failure with no state change.
func (h *Hub) AttachReceiver(channelID, receiverID, address string, em emitter.Emitter, latencyUs int64) error {
	ch, err := h.channels.Get(channelID)
	if err != nil {
		return fmt.Errorf("hub: attach receiver: %w", err)
	}

	handle, err := h.receivers.Get(receiverID)
	if err != nil {
		handle = receiver.New(receiverID, address)
		h.receivers.Put(receiverID, handle)
	}

	wasJoined := handle.ChannelID() == channelID
	if err := handle.Join(channelID); err != nil {
		return err
	}

	// onError drives §7 kind 1: a failed send marks the receiver offline
	// and kicks off the reconnect-and-rebuffer loop. Declared before
	// assignment since reconnectReceiver is itself handed onError to
	// re-arm the hook on the emitter it redials.
	var onError func(err error)
	onError = func(err error) {
		slog.Warn("hub: receiver transport error", "channel_id", channelID, "receiver_id", receiverID, "error", err)
		handle.MarkOffline()
		go h.reconnectReceiver(channelID, receiverID, handle, onError)
	}

	if err := ch.AttachReceiver(receiverID, em, latencyUs, onError); err != nil {
		if !wasJoined {
			handle.Leave() // roll back only the join this call performed
		}
		return err
	}

	h.startSyncLoop(channelID, receiverID, em, handle)
	return nil
}

// startSyncLoop launches the hub-initiated NTP-style probe loop
// (§4.6) for receiverID if em supports it — only the concrete TCP
// emitter does, probed here via a type assertion rather than adding
// RequestSync to the Emitter interface itself, since a test double (or
// any future non-TCP transport) has no sync capability to offer.
func (h *Hub) startSyncLoop(channelID, receiverID string, em emitter.Emitter, handle *receiver.Handle) {
	requester, ok := em.(emitter.SyncRequester)
	if !ok {
		return
	}

	h.stopSyncLoop(receiverID) // replace any loop left over from a prior attach of this id

	ctx, cancel := context.WithCancel(context.Background())
	h.syncCancels.Put(receiverID, cancel)

	params := receiver.SyncParams{
		SampleCount:     h.cfg.Sync.SampleCount,
		RTTCeilingUs:    int64(h.cfg.Sync.RTTCeilingMs) * 1000,
		Interval:        time.Duration(h.cfg.Sync.IntervalS) * time.Second,
		OfflineAfterMul: h.cfg.Sync.OfflineAfterMul,
	}
	slog.Debug("hub: sync loop started", "channel_id", channelID, "receiver_id", receiverID)
	go receiver.RunSync(ctx, handle, requester, h.clk, params)
}

// stopSyncLoop cancels receiverID's sync loop, if one is running.
func (h *Hub) stopSyncLoop(receiverID string) {
	if cancel, err := h.syncCancels.Get(receiverID); err == nil {
		cancel()
		h.syncCancels.Remove(receiverID)
	}
}

// reconnectReceiver re-establishes receiverID's transport after a
// failed send: detach (stopping fan-out and the sync loop), then dial a
// fresh tcpEmitter and re-attach with exponential backoff via
// receiver.RunWithReconnect — §7 kind 1's reissue of buffer_receiver on
// reconnect falls out of AttachReceiver's existing catch-up behavior.
func (h *Hub) reconnectReceiver(channelID, receiverID string, handle *receiver.Handle, onError func(err error)) {
	ch, err := h.channels.Get(channelID)
	if err != nil {
		return
	}
	ch.DetachReceiver(receiverID)
	h.stopSyncLoop(receiverID)

	connectFn := func(ctx context.Context) error {
		em, err := emitter.Dial(receiverID, handle.Address, h.clk.Now, ch)
		if err != nil {
			return err
		}
		if err := ch.AttachReceiver(receiverID, em, handle.Latency(), onError); err != nil {
			em.Stop()
			return err
		}
		h.startSyncLoop(channelID, receiverID, em, handle)
		return nil
	}

	if err := receiver.RunWithReconnect(context.Background(), receiverID, connectFn, receiver.DefaultReconnectConfig()); err != nil {
		slog.Warn("hub: reconnect loop ended without success", "receiver_id", receiverID, "error", err)
	}
}

// DetachReceiver removes receiverID from channelID's set, stops its
// sync loop, and releases it from the hub-wide receiver registry, so it
// may rejoin any channel afterward.
func (h *Hub) DetachReceiver(channelID, receiverID string) error {
	ch, err := h.channels.Get(channelID)
	if err != nil {
		return fmt.Errorf("hub: detach receiver: %w", err)
	}
	ch.DetachReceiver(receiverID)
	h.stopSyncLoop(receiverID)

	if handle, err := h.receivers.Get(receiverID); err == nil {
		handle.Leave()
	}
	return nil
}

// Shutdown stops the controller, asks every Channel to Stop (waiting
// up to the configured shutdown timeout for its Broadcaster to drain),
// and disconnects the MQTT bridge. Mirrors orion-prototipe's
// Orion.Shutdown ordering: stop the drivers first, then the transports.
func (h *Hub) Shutdown(ctx context.Context) error {
	slog.Info("hub shutting down", "timeout", h.cfg.ShutdownTimeoutS)

	for _, cancel := range h.syncCancels.Snapshot() {
		cancel()
	}

	h.controller.Stop()

	if h.healthCancel != nil {
		h.healthCancel()
		h.healthWg.Wait()
	}

	var wg sync.WaitGroup
	for id, ch := range h.channels.Snapshot() {
		wg.Add(1)
		go func(id string, ch *channel.Channel) {
			defer wg.Done()
			if ch.State() == channel.StatePlay {
				ch.PlayPause() // synchronous Stop, bounded by the Broadcaster's own teardown
			}
			ch.Close()
		}(id, ch)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("hub shutdown timed out waiting for channels to stop")
	}

	if h.bridge != nil {
		h.bridge.Close()
	}

	slog.Info("hub shutdown complete", "uptime", time.Since(h.started))
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
// (supplemented feature #2), defaulting to 5s.
func (h *Hub) ShutdownTimeout() time.Duration {
	if h.cfg.ShutdownTimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(h.cfg.ShutdownTimeoutS) * time.Second
}

// HealthStatus is the aggregated health snapshot (supplemented feature
// #1), the audio-domain analogue of orion-prototipe's HealthStatus.
type HealthStatus struct {
	InstanceID    string                      `json:"instance_id"`
	UptimeSeconds int64                       `json:"uptime_seconds"`
	MQTTConnected bool                        `json:"mqtt_connected"`
	Channels      map[string]channel.Snapshot `json:"channels"`
	EventBus      eventbus.Stats              `json:"event_bus"`
}

// HealthCheck aggregates a point-in-time snapshot across every
// registered Channel.
func (h *Hub) HealthCheck() HealthStatus {
	status := HealthStatus{
		InstanceID:    h.cfg.InstanceID,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Channels:      make(map[string]channel.Snapshot),
		EventBus:      h.bus.Stats(),
	}
	if h.bridge != nil {
		status.MQTTConnected = h.bridge.Stats().Connected
	}
	for id, ch := range h.channels.Snapshot() {
		status.Channels[id] = ch.Health()
	}
	return status
}

// runHealthLoop periodically publishes HealthCheck over MQTT — in
// place of an HTTP health endpoint, since a control-plane HTTP server
// is explicitly out of scope for this system.
func (h *Hub) runHealthLoop(ctx context.Context) {
	defer h.healthWg.Done()

	interval := time.Duration(h.cfg.Sync.IntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(h.HealthCheck())
			if err != nil {
				slog.Warn("hub: health marshal failed", "error", err)
				continue
			}
			if err := h.bridge.PublishHealth(payload); err != nil {
				slog.Warn("hub: health publish failed", "error", err)
			}
		}
	}
}
