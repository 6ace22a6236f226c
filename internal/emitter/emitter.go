// Package emitter implements the Emitter contract (§4.2): hand a
// packet to a receiver's transport at a scheduled local instant, with
// idempotent discard of not-yet-sent packets. One Emitter per
// Receiver; the Broadcaster is the only caller.
package emitter

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/xtrcode/strobe-hub/internal/wire"
)

// Handle identifies a scheduled-but-not-yet-sent (or already-sent) send
// for Discard. Opaque to the Broadcaster.
type Handle uint64

// ErrorReporter receives non-fatal transport failures, tagged with the
// receiverID of the Emitter that hit them since one ErrorReporter is
// shared across a Channel's whole receiver set. §4.2: "a failed send is
// reported to the owning Broadcaster, which logs and continues"; §7
// kind 1 additionally requires the offline-marking/reconnect behavior
// the receiverID makes possible.
type ErrorReporter interface {
	OnEmitError(receiverID string, playbackAt int64, err error)
}

// Emitter schedules delivery of packets to one receiver transport.
type Emitter interface {
	// Emit schedules bytes (framed with playbackAt) for delivery at
	// local time emitAt. emitAt in the past delivers immediately.
	Emit(emitAt, playbackAt int64, bytes []byte) Handle

	// Discard cancels a scheduled send. No-op if already sent or
	// already discarded — idempotent.
	Discard(h Handle, playbackAt int64)

	// SendControl sends a bare 4-byte control opcode (PLAY/FLSH/STOP)
	// immediately, bypassing scheduling.
	SendControl(op wire.Opcode) error

	// Stop terminates the emitter: cancels every pending send and
	// closes the transport.
	Stop()
}

// SyncRequester is the subset of tcpEmitter's capability the receiver
// package's sync responder needs. It is not part of Emitter itself —
// only the TCP transport supports it, and a caller probes for it with
// a type assertion, the same way emitter.ErrorReporter is an optional
// capability the Broadcaster layers on top of the required contract.
type SyncRequester interface {
	// RequestSync writes a SYNC request carrying t1 and blocks for the
	// reply up to timeout, returning the t2/t3 the remote peer stamped
	// in its own clock (§4.6 steps 1-2, run here with the hub itself as the requester
	// since this tree has no standalone receiver client to initiate
	// one — see DESIGN.md).
	RequestSync(t1 int64, timeout time.Duration) (t2, t3 int64, err error)
}

// pending tracks one scheduled send so Discard can cancel it.
type pending struct {
	timer *time.Timer
	sent  bool
}

// tcpEmitter emits over a single persistent TCP connection to one
// receiver. Timestamps passed to Emit/Discard are in the owning
// Clock's epoch (microseconds); conversion to wall-clock delay happens
// here via nowFunc.
type tcpEmitter struct {
	receiverID string
	conn       net.Conn
	nowFunc    func() int64 // returns current clock micros
	errs       ErrorReporter

	writeMu sync.Mutex // serializes conn.Write between Emit's timer-fired sends and RequestSync's probe

	mu       sync.Mutex
	nextID   Handle
	pendings map[Handle]*pending
	stopped  bool
}

// Dial opens a TCP connection to addr and returns an Emitter for it.
// receiverID tags every OnEmitError report so a shared ErrorReporter
// can tell which receiver's transport failed. nowFunc must return the
// same clock micros the Broadcaster uses for emitAt, so Emit can
// convert emitAt into a real time.Duration delay.
func Dial(receiverID, addr string, nowFunc func() int64, errs ErrorReporter) (Emitter, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newOverConn(receiverID, conn, nowFunc, errs), nil
}

// newOverConn builds an Emitter over an already-established
// connection. Exported via Dial for production use; used directly in
// tests with net.Pipe to avoid binding real sockets.
func newOverConn(receiverID string, conn net.Conn, nowFunc func() int64, errs ErrorReporter) *tcpEmitter {
	return &tcpEmitter{
		receiverID: receiverID,
		conn:       conn,
		nowFunc:    nowFunc,
		errs:       errs,
		pendings:   make(map[Handle]*pending),
	}
}

func (e *tcpEmitter) Emit(emitAt, playbackAt int64, bytes []byte) Handle {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return 0
	}
	e.nextID++
	id := e.nextID
	p := &pending{}
	e.pendings[id] = p
	e.mu.Unlock()

	delay := time.Duration(emitAt-e.nowFunc()) * time.Microsecond
	if delay < 0 {
		delay = 0
	}

	p.timer = time.AfterFunc(delay, func() {
		e.send(id, p, playbackAt, bytes)
	})
	return id
}

func (e *tcpEmitter) send(id Handle, p *pending, playbackAt int64, bytes []byte) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if _, ok := e.pendings[id]; !ok {
		// Discarded between schedule and fire.
		e.mu.Unlock()
		return
	}
	p.sent = true
	delete(e.pendings, id)
	conn := e.conn
	e.mu.Unlock()

	frame := wire.EncodePacket(playbackAt, bytes)
	e.writeMu.Lock()
	_, err := conn.Write(frame)
	e.writeMu.Unlock()
	if err != nil {
		slog.Warn("emitter: send failed", "receiver_id", e.receiverID, "playback_at", playbackAt, "error", err)
		if e.errs != nil {
			e.errs.OnEmitError(e.receiverID, playbackAt, err)
		}
	}
}

// RequestSync issues one NTP-style probe over the connection already
// used for audio delivery (§4.6 steps 1-2): write SYNC[t1], then read
// the fixed-size SYNC[t1][t2][t3] reply within timeout. The write is
// serialized against Emit's scheduled sends via writeMu so a probe
// never interleaves with an in-flight packet frame; the blocking read
// happens outside that lock since nothing else reads from conn.
func (e *tcpEmitter) RequestSync(t1 int64, timeout time.Duration) (t2, t3 int64, err error) {
	e.mu.Lock()
	stopped := e.stopped
	conn := e.conn
	e.mu.Unlock()
	if stopped {
		return 0, 0, fmt.Errorf("emitter: stopped")
	}

	e.writeMu.Lock()
	writeErr := conn.SetWriteDeadline(time.Now().Add(timeout))
	if writeErr == nil {
		_, writeErr = conn.Write(wire.EncodeSyncRequest(t1))
	}
	conn.SetWriteDeadline(time.Time{})
	e.writeMu.Unlock()
	if writeErr != nil {
		return 0, 0, fmt.Errorf("emitter: sync request: %w", writeErr)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, 0, err
	}
	defer conn.SetReadDeadline(time.Time{})

	resp := make([]byte, 4+24)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return 0, 0, fmt.Errorf("emitter: sync response: %w", err)
	}

	gotT1, gotT2, gotT3, err := wire.DecodeSyncResponse(resp)
	if err != nil {
		return 0, 0, err
	}
	if gotT1 != t1 {
		return 0, 0, fmt.Errorf("emitter: sync response t1 mismatch: got %d, want %d", gotT1, t1)
	}
	return gotT2, gotT3, nil
}

func (e *tcpEmitter) Discard(h Handle, playbackAt int64) {
	e.mu.Lock()
	p, ok := e.pendings[h]
	if ok {
		delete(e.pendings, h)
	}
	e.mu.Unlock()

	if !ok || p == nil {
		return // already sent or already discarded — idempotent
	}
	p.timer.Stop()
}

func (e *tcpEmitter) SendControl(op wire.Opcode) error {
	e.mu.Lock()
	conn := e.conn
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil
	}
	e.writeMu.Lock()
	_, err := conn.Write(wire.EncodeControl(op))
	e.writeMu.Unlock()
	return err
}

func (e *tcpEmitter) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for _, p := range e.pendings {
		p.timer.Stop()
	}
	e.pendings = nil
	conn := e.conn
	e.mu.Unlock()

	conn.Close()
}
