// Package types holds the data shared across the broadcast actors —
// frames, timestamped packets, and the in-flight bookkeeping the
// broadcaster keeps between ticks.
package types

import "fmt"

// SourceID identifies a track within a channel's playlist. Opaque to the
// scheduler; only equality and the zero value ("") are meaningful.
type SourceID string

// Frame is one fixed-size chunk of PCM audio pulled from a SourceStream.
// Neither the streams nor the Broadcaster set PacketNumber on a Frame;
// the Broadcaster numbers packets (from 0 within a single Broadcaster
// lifetime) in TimestampedPacket.PacketNumber.
type Frame struct {
	PacketNumber uint64
	SourceID     SourceID
	Bytes        []byte
}

// TimestampedPacket is a Frame with the playback instant assigned by the
// Broadcaster: playback_at = start_time + latency + packet_number * stream_interval.
type TimestampedPacket struct {
	PacketNumber uint64
	SourceID     SourceID
	Bytes        []byte
	PlaybackAt   int64 // microseconds, MonotonicClock epoch
}

func (p TimestampedPacket) String() string {
	return fmt.Sprintf("packet#%d src=%s playback_at=%dus bytes=%d", p.PacketNumber, p.SourceID, p.PlaybackAt, len(p.Bytes))
}

// InFlightPacket records a packet already handed to the Emitter whose
// PlaybackAt is still in the future. EmitterHandle is opaque and is only
// ever passed back to the same Emitter that produced it.
type InFlightPacket struct {
	EmitterHandle any
	PlaybackAt    int64
	SourceID      SourceID
	Bytes         []byte
}

// StopReason distinguishes the three ways a Broadcaster can be torn down.
type StopReason int

const (
	// StopNormal rebuffers in-flight packets back into the SourceStream.
	StopNormal StopReason = iota
	// StopSkip discards in-flight packets without rebuffering.
	StopSkip
	// StopStreamFinished terminates without discarding — every packet is
	// already on the wire.
	StopStreamFinished
)

func (r StopReason) String() string {
	switch r {
	case StopNormal:
		return "normal"
	case StopSkip:
		return "skip"
	case StopStreamFinished:
		return "stream_finished"
	default:
		return "unknown"
	}
}
