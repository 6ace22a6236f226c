package emitter

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/xtrcode/strobe-hub/internal/wire"
)

type fakeErrs struct {
	calls []error
}

func (f *fakeErrs) OnEmitError(receiverID string, playbackAt int64, err error) {
	f.calls = append(f.calls, err)
}

func pipeEmitter(t *testing.T, now func() int64) (*tcpEmitter, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	e := newOverConn("r1", client, now, nil)
	return e, server
}

func TestEmitDeliversImmediatelyWhenEmitAtInPast(t *testing.T) {
	now := func() int64 { return 1000 }
	e, server := pipeEmitter(t, now)
	defer e.Stop()

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8+4)
		n, _ := server.Read(buf)
		readDone <- buf[:n]
	}()

	e.Emit(500, 2000, []byte{1, 2, 3, 4})

	select {
	case got := <-readDone:
		playbackAt, payload, err := wire.DecodePacket(got)
		if err != nil {
			t.Fatalf("DecodePacket() error = %v", err)
		}
		if playbackAt != 2000 {
			t.Errorf("playbackAt = %d, want 2000", playbackAt)
		}
		if len(payload) != 4 {
			t.Errorf("payload len = %d, want 4", len(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send")
	}
}

func TestDiscardCancelsScheduledSend(t *testing.T) {
	now := func() int64 { return 0 }
	e, server := pipeEmitter(t, now)
	defer e.Stop()

	h := e.Emit(50_000, 100, []byte{9})
	e.Discard(h, 100)

	server.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	n, err := server.Read(buf)
	if err == nil || n != 0 {
		t.Errorf("expected read timeout after discard, got n=%d err=%v", n, err)
	}
}

func TestDiscardAfterSendIsNoop(t *testing.T) {
	now := func() int64 { return 1000 }
	e, server := pipeEmitter(t, now)
	defer e.Stop()

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 16)
		server.Read(buf)
		close(done)
	}()

	h := e.Emit(500, 2000, []byte{1})
	<-done

	e.Discard(h, 2000) // must not panic
}

func TestStopCancelsAllPending(t *testing.T) {
	now := func() int64 { return 0 }
	e, _ := pipeEmitter(t, now)

	e.Emit(1_000_000, 1, []byte{1})
	e.Emit(1_000_000, 2, []byte{2})
	e.Stop()
	e.Stop() // idempotent
}

func TestSendControlWritesOpcode(t *testing.T) {
	now := func() int64 { return 0 }
	e, server := pipeEmitter(t, now)
	defer e.Stop()

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4)
		n, _ := server.Read(buf)
		readDone <- buf[:n]
	}()

	if err := e.SendControl(wire.OpStop); err != nil {
		t.Fatalf("SendControl() error = %v", err)
	}

	select {
	case got := <-readDone:
		if string(got) != "STOP" {
			t.Errorf("got %q, want STOP", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control write")
	}
}

func TestRequestSyncRoundTrip(t *testing.T) {
	now := func() int64 { return 1000 }
	e, server := pipeEmitter(t, now)
	defer e.Stop()

	go func() {
		buf := make([]byte, 4+8)
		if _, err := io.ReadFull(server, buf); err != nil {
			return
		}
		t1, err := wire.DecodeSyncRequest(buf)
		if err != nil {
			return
		}
		server.Write(wire.EncodeSyncResponse(t1, 2000, 2001))
	}()

	t2, t3, err := e.RequestSync(1500, time.Second)
	if err != nil {
		t.Fatalf("RequestSync() error = %v", err)
	}
	if t2 != 2000 || t3 != 2001 {
		t.Errorf("t2,t3 = %d,%d, want 2000,2001", t2, t3)
	}
}

func TestRequestSyncTimesOutWithoutAReply(t *testing.T) {
	now := func() int64 { return 0 }
	e, _ := pipeEmitter(t, now)
	defer e.Stop()

	if _, _, err := e.RequestSync(0, 50*time.Millisecond); err == nil {
		t.Error("expected a timeout error with no peer replying")
	}
}

func TestEmitDeliversSingleBytePayload(t *testing.T) {
	now := func() int64 { return 1000 }
	e, server := pipeEmitter(t, now)
	defer e.Stop()

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8+1)
		n, _ := server.Read(buf)
		readDone <- buf[:n]
	}()

	e.Emit(500, 2000, []byte{7})

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the packet send")
	}
}
