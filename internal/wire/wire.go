// Package wire implements the on-the-wire encodings described in the
// spec's external-interfaces section: the audio packet frame, the
// NTP-style sync request/response, and the 4-byte control opcodes.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortPacket is returned when a buffer is too small to contain a
// valid packet header.
var ErrShortPacket = errors.New("wire: short packet")

// ErrBadOpcode is returned by DecodeOpcode when the buffer is shorter
// than a 4-byte opcode. Unrecognized opcodes are not an error.
var ErrBadOpcode = errors.New("wire: unrecognized opcode")

// Opcode is one of the 4-byte ASCII control commands sent to a
// Receiver. Unknown opcodes are ignored by the receiver, never an
// error to the sender.
type Opcode [4]byte

var (
	OpPlay = Opcode{'P', 'L', 'A', 'Y'}
	OpFlsh = Opcode{'F', 'L', 'S', 'H'}
	OpStop = Opcode{'S', 'T', 'O', 'P'}
	OpSync = Opcode{'S', 'Y', 'N', 'C'}
)

func (o Opcode) String() string { return string(o[:]) }

// EncodePacket lays out [playback_at: i64 BE][pcm_payload] as described
// in §6. playbackAt is in clock microseconds.
func EncodePacket(playbackAt int64, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[:8], uint64(playbackAt))
	copy(buf[8:], payload)
	return buf
}

// DecodePacket splits a wire packet back into its playback timestamp and
// payload. The returned payload aliases buf.
func DecodePacket(buf []byte) (playbackAt int64, payload []byte, err error) {
	if len(buf) < 8 {
		return 0, nil, ErrShortPacket
	}
	playbackAt = int64(binary.BigEndian.Uint64(buf[:8]))
	return playbackAt, buf[8:], nil
}

// EncodeSyncRequest lays out SYNC[8-byte t1].
func EncodeSyncRequest(t1 int64) []byte {
	buf := make([]byte, 4+8)
	copy(buf[:4], OpSync[:])
	binary.BigEndian.PutUint64(buf[4:], uint64(t1))
	return buf
}

// DecodeSyncRequest parses a SYNC request, returning t1.
func DecodeSyncRequest(buf []byte) (t1 int64, err error) {
	op, rest, err := DecodeOpcode(buf)
	if err != nil {
		return 0, err
	}
	if op != OpSync || len(rest) < 8 {
		return 0, ErrShortPacket
	}
	return int64(binary.BigEndian.Uint64(rest[:8])), nil
}

// EncodeSyncResponse lays out SYNC[8-byte t1][8-byte t2][8-byte t3].
func EncodeSyncResponse(t1, t2, t3 int64) []byte {
	buf := make([]byte, 4+24)
	copy(buf[:4], OpSync[:])
	binary.BigEndian.PutUint64(buf[4:12], uint64(t1))
	binary.BigEndian.PutUint64(buf[12:20], uint64(t2))
	binary.BigEndian.PutUint64(buf[20:28], uint64(t3))
	return buf
}

// DecodeSyncResponse parses a SYNC response, returning t1, t2, t3.
func DecodeSyncResponse(buf []byte) (t1, t2, t3 int64, err error) {
	op, rest, err := DecodeOpcode(buf)
	if err != nil {
		return 0, 0, 0, err
	}
	if op != OpSync || len(rest) < 24 {
		return 0, 0, 0, ErrShortPacket
	}
	t1 = int64(binary.BigEndian.Uint64(rest[:8]))
	t2 = int64(binary.BigEndian.Uint64(rest[8:16]))
	t3 = int64(binary.BigEndian.Uint64(rest[16:24]))
	return t1, t2, t3, nil
}

// DecodeOpcode reads the leading 4-byte ASCII opcode off buf and returns
// the remaining bytes. Unknown opcodes decode successfully (the caller
// decides whether to ignore them per §6); only a too-short buffer errors.
func DecodeOpcode(buf []byte) (Opcode, []byte, error) {
	if len(buf) < 4 {
		return Opcode{}, nil, ErrBadOpcode
	}
	var op Opcode
	copy(op[:], buf[:4])
	return op, buf[4:], nil
}

// EncodeControl encodes a bare opcode with no payload (PLAY/FLSH/STOP).
func EncodeControl(op Opcode) []byte {
	buf := make([]byte, 4)
	copy(buf, op[:])
	return buf
}
