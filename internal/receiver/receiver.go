// Package receiver models one network-attached speaker from the hub's
// side (§4, §4.6): identity, latency estimate, online/offline flag, and
// volume, plus the NTP-style time-sync math and the reconnect-with-
// backoff loop used when its transport drops.
package receiver

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyJoined is returned by Join when the receiver already
// belongs to a different channel — §7 error kind 5, "attach a Receiver
// already attached elsewhere": report, no state change.
var ErrAlreadyJoined = errors.New("receiver: already joined to another channel")

// Handle is the hub's record of one receiver. Safe for concurrent use;
// the hub and the receiver's RunSync loop both touch it.
type Handle struct {
	ID      string
	Address string // transport control address, e.g. "host:port"

	mu         sync.RWMutex
	channelID  string
	latencyUs  int64
	volume     float64
	online     bool
	lastSyncAt int64 // clock micros of last successful sync
}

// New creates a Handle with volume defaulted to 1.0 (unity gain) and
// online=false until the first successful sync.
func New(id, address string) *Handle {
	return &Handle{ID: id, Address: address, volume: 1.0}
}

// Join attaches the receiver to channelID. Returns ErrAlreadyJoined if
// it is currently attached to a different channel.
func (h *Handle) Join(channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channelID != "" && h.channelID != channelID {
		return ErrAlreadyJoined
	}
	h.channelID = channelID
	return nil
}

// Leave detaches the receiver from whatever channel it belongs to.
func (h *Handle) Leave() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelID = ""
}

// ChannelID returns the id of the channel this receiver currently
// belongs to, or "" if unattached.
func (h *Handle) ChannelID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelID
}

// Latency returns the current end-to-end latency estimate in
// microseconds, as last reported by the sync exchange.
func (h *Handle) Latency() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latencyUs
}

// SetLatency records a freshly computed latency and marks the receiver
// online, stamping lastSyncAt for staleness tracking.
func (h *Handle) SetLatency(latencyUs, now int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latencyUs = latencyUs
	h.online = true
	h.lastSyncAt = now
}

// Online reports whether the receiver is currently considered online.
func (h *Handle) Online() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online
}

// MarkOffline flags the receiver offline without removing it from the
// channel's set — §5: "missing sync for > 3x interval is marked
// offline but remains in the Channel's set (no auto-detach)."
func (h *Handle) MarkOffline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = false
}

// IsStale reports whether now is more than offlineAfter micros past the
// last successful sync, per the 3x-interval offline rule.
func (h *Handle) IsStale(now, offlineAfter int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastSyncAt == 0 {
		return false
	}
	return now-h.lastSyncAt > offlineAfter
}

// Volume returns the current playback volume (0.0–1.0 scale, target
// is separate and tracked by whatever issues volume_change events).
func (h *Handle) Volume() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.volume
}

// SetVolume updates the playback volume.
func (h *Handle) SetVolume(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volume = v
}

// OfflineAfter computes the staleness threshold in microseconds from a
// sync interval and a multiplier (§5 default: 3x the sync interval).
func OfflineAfter(syncInterval time.Duration, multiplier int) int64 {
	return syncInterval.Microseconds() * int64(multiplier)
}
