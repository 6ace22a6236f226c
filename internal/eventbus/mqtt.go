package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/xtrcode/strobe-hub/internal/config"
	"github.com/xtrcode/strobe-hub/internal/types"
)

// MQTTBridge subscribes to a Bus and republishes every event onto the
// configured MQTT topic tree, for the out-of-scope UI named in §6's
// event-bus section. Connection handling (auto-reconnect, connect
// timeout) mirrors the teacher's MQTTEmitter.
type MQTTBridge struct {
	cfg    config.MQTTConfig
	client mqtt.Client

	sub chan types.Event
	id  string

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// NewMQTTBridge constructs a bridge that will subscribe to bus under
// subscriberID once Connect succeeds. Call Connect, then Run.
func NewMQTTBridge(cfg config.MQTTConfig, subscriberID string) *MQTTBridge {
	return &MQTTBridge{
		cfg:  cfg,
		id:   subscriberID,
		sub:  make(chan types.Event, 256),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Connect establishes the MQTT connection, mirroring the teacher's
// auto-reconnect options (connect retry, capped backoff on connection
// loss — paho's own internal reconnect, not internal/receiver's).
func (b *MQTTBridge) Connect(ctx context.Context, clientID string) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", b.cfg.Broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		b.mu.Lock()
		b.connected = true
		b.mu.Unlock()
		slog.Info("mqtt connection established", "broker", b.cfg.Broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		slog.Warn("mqtt connection lost, auto-reconnecting", "error", err, "broker", b.cfg.Broker)
	}

	b.client = mqtt.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("eventbus: mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("eventbus: mqtt connect: %w", err)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// Run subscribes to bus and republishes every delivered event until
// Close is called. Runs until Close; call in its own goroutine.
func (b *MQTTBridge) Run(bus Bus) error {
	if err := bus.Subscribe(b.id, b.sub); err != nil {
		return fmt.Errorf("eventbus: mqtt bridge subscribe: %w", err)
	}
	defer bus.Unsubscribe(b.id)
	defer close(b.done)

	for {
		select {
		case event := <-b.sub:
			b.publish(event)
		case <-b.stop:
			return nil
		}
	}
}

// PublishHealth publishes a health snapshot to {topics.events}/health,
// mirroring the teacher's MQTTEmitter.PublishHealth — health is
// reported over MQTT rather than an HTTP endpoint, since a
// control-plane HTTP server is explicitly out of scope for this
// system.
func (b *MQTTBridge) PublishHealth(payload []byte) error {
	if !b.isConnected() {
		return fmt.Errorf("eventbus: mqtt not connected")
	}

	topic := b.cfg.Topics.Events + "/health"
	qos, ok := b.cfg.QoS["health"]
	if !ok {
		qos = b.cfg.QoS["events"]
	}

	token := b.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("eventbus: mqtt health publish timeout")
	}
	return token.Error()
}

// Close stops Run and disconnects the MQTT client.
func (b *MQTTBridge) Close() {
	close(b.stop)
	<-b.done
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

func (b *MQTTBridge) publish(event types.Event) {
	if !b.isConnected() {
		b.errors.Add(1)
		return
	}

	topic := fmt.Sprintf("%s/%s/%s", b.cfg.Topics.Events, event.ChannelID, event.Topic)
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		b.errors.Add(1)
		slog.Warn("eventbus: mqtt marshal failed", "topic", topic, "error", err)
		return
	}

	qos, ok := b.cfg.QoS[string(event.Topic)]
	if !ok {
		qos = b.cfg.QoS["events"]
	}

	token := b.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		b.errors.Add(1)
		slog.Warn("eventbus: mqtt publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		b.errors.Add(1)
		slog.Warn("eventbus: mqtt publish failed", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	b.published++
	b.mu.Unlock()
}

func (b *MQTTBridge) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// BridgeStats is a point-in-time view of bridge delivery counters.
type BridgeStats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// Stats returns the bridge's delivery counters for the health endpoint.
func (b *MQTTBridge) Stats() BridgeStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BridgeStats{Connected: b.connected, Published: b.published, Errors: b.errors.Load()}
}
