package network

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"metrochat/events"
	"metrochat/events/eventstest"
	"metrochat/protocol"
	"metrochat/transfer"
)

const waitTimeout = 3 * time.Second

func newPipeSession(t *testing.T, rec *eventstest.Recorder, opts SessionOptions) (*Session, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	opts.Events = rec
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 50 * time.Millisecond
	}
	if opts.Transfer.DownloadDir == "" {
		opts.Transfer.DownloadDir = t.TempDir()
	}
	session := NewSession(local, events.Peer{Host: "10.0.0.2", Port: 15000}, opts)
	t.Cleanup(func() {
		_ = remote.Close()
		_ = session.Close()
	})
	return session, remote
}

// readFrames decodes everything arriving on conn until it closes.
func readFrames(conn net.Conn) <-chan protocol.Frame {
	out := make(chan protocol.Frame, 1024)
	go func() {
		defer close(out)
		decoder := protocol.NewDecoder(protocol.DefaultMaxPayloadSize)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				frames, decodeErr := decoder.Feed(buf[:n])
				for _, frame := range frames {
					out <- frame
				}
				if decodeErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func writeRemote(t *testing.T, conn net.Conn, frames ...protocol.Frame) {
	t.Helper()
	codec := protocol.NewCodec(protocol.DefaultMaxPayloadSize)
	for _, frame := range frames {
		if err := codec.WriteFrame(conn, frame); err != nil {
			t.Fatalf("remote write %s failed: %v", frame.Kind, err)
		}
	}
}

func nextFrame(t *testing.T, frames <-chan protocol.Frame) protocol.Frame {
	t.Helper()
	select {
	case frame, ok := <-frames:
		if !ok {
			t.Fatalf("remote stream closed")
		}
		return frame
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for frame")
	}
	return protocol.Frame{}
}

func TestSessionLifecycleEvents(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, remote := newPipeSession(t, rec, SessionOptions{})

	if session.State() != StateIdle {
		t.Fatalf("new session state = %s, want %s", session.State(), StateIdle)
	}
	if err := session.SendText("too early"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed before Start, got %v", err)
	}
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if session.State() != StateActive {
		t.Fatalf("started session state = %s", session.State())
	}
	rec.WaitType(t, waitTimeout, events.PeerConnected)

	writeRemote(t, remote, protocol.TextFrame("hello"), protocol.TextFrame(""))
	got := rec.WaitFor(t, waitTimeout, func(event events.Event) bool {
		return event.Type == events.TextReceived && event.Text == "hello"
	})
	if got.Peer.SessionID != session.ID() || got.Peer.Host != "10.0.0.2" {
		t.Fatalf("event not labelled with session peer: %+v", got.Peer)
	}
	rec.WaitFor(t, waitTimeout, func(event events.Event) bool {
		return event.Type == events.TextReceived && event.Text == ""
	})

	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("closed session state = %s", session.State())
	}
	if err := session.SendText("late"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := session.SendFile("whatever"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from SendFile, got %v", err)
	}
	if err := session.Start(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed restarting, got %v", err)
	}
	if n := rec.Count(events.PeerDisconnected); n != 1 {
		t.Fatalf("PeerDisconnected published %d times, want 1", n)
	}
}

func TestSessionCloseBeforeStartPublishesNothing(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, _ := newPipeSession(t, rec, SessionOptions{})
	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("unstarted session published %d events", len(rec.Events()))
	}
}

func TestSessionConcurrentSendsStayFramed(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, remote := newPipeSession(t, rec, SessionOptions{})
	frames := readFrames(remote)
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const (
		senders   = 8
		perSender = 50
	)
	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				text := fmt.Sprintf("%d-%d-%s", g, i, strings.Repeat("x", 100+i))
				if err := session.SendText(text); err != nil {
					t.Errorf("SendText failed: %v", err)
					return
				}
			}
		}(g)
	}

	next := make([]int, senders)
	for n := 0; n < senders*perSender; n++ {
		frame := nextFrame(t, frames)
		if frame.Kind != protocol.KindText {
			t.Fatalf("frame %d has kind %s", n, frame.Kind)
		}
		parts := strings.SplitN(string(frame.Payload), "-", 3)
		if len(parts) != 3 {
			t.Fatalf("garbled frame %q", frame.Payload)
		}
		g, _ := strconv.Atoi(parts[0])
		i, _ := strconv.Atoi(parts[1])
		if g < 0 || g >= senders || i != next[g] {
			t.Fatalf("frame %q out of order, want sender %d index %d", frame.Payload, g, next[g])
		}
		if parts[2] != strings.Repeat("x", 100+i) {
			t.Fatalf("frame %q payload interleaved", frame.Payload)
		}
		next[g]++
	}
	wg.Wait()
}

func TestSessionCloseRacingRemoteEOF(t *testing.T) {
	for i := 0; i < 20; i++ {
		rec := eventstest.NewRecorder()
		session, remote := newPipeSession(t, rec, SessionOptions{})
		if err := session.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); _ = remote.Close() }()
		go func() { defer wg.Done(); _ = session.Close() }()
		go func() { defer wg.Done(); _ = session.Close() }()
		wg.Wait()

		select {
		case <-session.Done():
		case <-time.After(waitTimeout):
			t.Fatalf("session never finished")
		}
		if n := rec.Count(events.PeerDisconnected); n != 1 {
			t.Fatalf("PeerDisconnected published %d times, want 1", n)
		}
	}
}

func TestSessionRemoteEOFIsCleanClose(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, remote := newPipeSession(t, rec, SessionOptions{})
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_ = remote.Close()

	event := rec.WaitType(t, waitTimeout, events.PeerDisconnected)
	if event.Err != nil {
		t.Fatalf("clean EOF reported error %v", event.Err)
	}
	<-session.Done()
	if session.Err() != nil {
		t.Fatalf("unexpected session error %v", session.Err())
	}
}

func TestSessionProtocolViolationClosesSession(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, remote := newPipeSession(t, rec, SessionOptions{})
	frames := readFrames(remote)
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Unknown kind 0x09 with an empty payload.
	if _, err := remote.Write([]byte{0x09, 0, 0, 0, 0}); err != nil {
		t.Fatalf("remote write failed: %v", err)
	}

	reply := nextFrame(t, frames)
	if reply.Kind != protocol.KindError {
		t.Fatalf("expected Error frame to peer, got %s", reply.Kind)
	}
	protoErr := rec.WaitType(t, waitTimeout, events.ProtocolError)
	if !errors.Is(protoErr.Err, protocol.ErrUnknownFrameKind) {
		t.Fatalf("expected ErrUnknownFrameKind, got %v", protoErr.Err)
	}
	disconnected := rec.WaitType(t, waitTimeout, events.PeerDisconnected)
	if disconnected.Err == nil {
		t.Fatalf("violation should be reported on PeerDisconnected")
	}
	<-session.Done()
}

func TestSessionRemoteErrorFrameIsNotFatal(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, remote := newPipeSession(t, rec, SessionOptions{})
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	writeRemote(t, remote, protocol.ErrorFrame("disk full"), protocol.TextFrame("still here"))
	protoErr := rec.WaitType(t, waitTimeout, events.ProtocolError)
	if !errors.Is(protoErr.Err, ErrRemoteError) || !strings.Contains(protoErr.Err.Error(), "disk full") {
		t.Fatalf("unexpected remote error %v", protoErr.Err)
	}
	rec.WaitType(t, waitTimeout, events.TextReceived)
	if session.State() != StateActive {
		t.Fatalf("session state = %s after remote error", session.State())
	}
}

func TestSessionSecondHeaderAnsweredWithError(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, remote := newPipeSession(t, rec, SessionOptions{})
	frames := readFrames(remote)
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first, _ := protocol.FileHeaderFrame(protocol.FileHeader{Name: "a.txt", Size: 2})
	second, _ := protocol.FileHeaderFrame(protocol.FileHeader{Name: "b.txt", Size: 2})
	writeRemote(t, remote, first, second)

	reply := nextFrame(t, frames)
	if reply.Kind != protocol.KindError {
		t.Fatalf("expected Error frame, got %s", reply.Kind)
	}
	protoErr := rec.WaitType(t, waitTimeout, events.ProtocolError)
	if !errors.Is(protoErr.Err, transfer.ErrTransferAlreadyInProgress) {
		t.Fatalf("expected ErrTransferAlreadyInProgress, got %v", protoErr.Err)
	}

	writeRemote(t, remote, protocol.ChunkFrame([]byte("ok")), protocol.EndFrame())
	complete := rec.WaitType(t, waitTimeout, events.TransferComplete)
	if complete.Transfer.Name != "a.txt" {
		t.Fatalf("completed %q, want a.txt", complete.Transfer.Name)
	}
	if session.State() != StateActive {
		t.Fatalf("session state = %s", session.State())
	}
}

func TestSessionIncompleteTransferOnSenderClose(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, remote := newPipeSession(t, rec, SessionOptions{})
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	header, _ := protocol.FileHeaderFrame(protocol.FileHeader{Name: "big.bin", Size: 100})
	writeRemote(t, remote, header, protocol.ChunkFrame(bytes.Repeat([]byte{1}, 10)))
	rec.WaitType(t, waitTimeout, events.TransferProgress)
	_ = remote.Close()

	failed := rec.WaitType(t, waitTimeout, events.TransferFailed)
	if !errors.Is(failed.Err, transfer.ErrIncompleteTransfer) {
		t.Fatalf("expected ErrIncompleteTransfer, got %v", failed.Err)
	}
	if failed.Transfer.Bytes != 10 || failed.Transfer.Size != 100 {
		t.Fatalf("unexpected transfer state %+v", failed.Transfer)
	}
	rec.WaitType(t, waitTimeout, events.PeerDisconnected)
	if rec.Count(events.TransferComplete) != 0 {
		t.Fatalf("truncated transfer reported complete")
	}

	var order []events.Type
	for _, event := range rec.Events() {
		if event.Type == events.TransferFailed || event.Type == events.PeerDisconnected {
			order = append(order, event.Type)
		}
	}
	if len(order) != 2 || order[0] != events.TransferFailed {
		t.Fatalf("TransferFailed must precede PeerDisconnected, got %v", order)
	}
}

func TestSessionStalledTransferFails(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, remote := newPipeSession(t, rec, SessionOptions{
		ReadTimeout: 20 * time.Millisecond,
		Transfer:    transfer.Options{StallTimeout: 100 * time.Millisecond},
	})
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	header, _ := protocol.FileHeaderFrame(protocol.FileHeader{Name: "slow.bin", Size: 50})
	writeRemote(t, remote, header)

	failed := rec.WaitType(t, waitTimeout, events.TransferFailed)
	if !errors.Is(failed.Err, transfer.ErrIncompleteTransfer) {
		t.Fatalf("expected ErrIncompleteTransfer, got %v", failed.Err)
	}
	if session.State() != StateActive {
		t.Fatalf("stall must not close the session, state = %s", session.State())
	}
}

func TestSessionStallDetectedWhilePeerKeepsChatting(t *testing.T) {
	rec := eventstest.NewRecorder()
	session, remote := newPipeSession(t, rec, SessionOptions{
		ReadTimeout: 50 * time.Millisecond,
		Transfer:    transfer.Options{StallTimeout: 150 * time.Millisecond},
	})
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	header, _ := protocol.FileHeaderFrame(protocol.FileHeader{Name: "hung.bin", Size: 100})
	writeRemote(t, remote, header, protocol.ChunkFrame(bytes.Repeat([]byte{1}, 10)))

	// Text arrives faster than the read timeout, so reads never time out.
	stop := make(chan struct{})
	chatterDone := make(chan struct{})
	go func() {
		defer close(chatterDone)
		codec := protocol.NewCodec(protocol.DefaultMaxPayloadSize)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := codec.WriteFrame(remote, protocol.TextFrame("still here")); err != nil {
					return
				}
			}
		}
	}()
	defer func() {
		close(stop)
		<-chatterDone
	}()

	failed := rec.WaitType(t, waitTimeout, events.TransferFailed)
	if !errors.Is(failed.Err, transfer.ErrIncompleteTransfer) {
		t.Fatalf("expected ErrIncompleteTransfer, got %v", failed.Err)
	}
	if failed.Transfer.Bytes != 10 {
		t.Fatalf("failed after %d bytes, want 10", failed.Transfer.Bytes)
	}
	if rec.Count(events.TextReceived) == 0 {
		t.Fatalf("no text frames were delivered during the stall")
	}
	if session.State() != StateActive {
		t.Fatalf("stall must not close the session, state = %s", session.State())
	}
}

func TestSessionFileRoundTrip(t *testing.T) {
	senderRec := eventstest.NewRecorder()
	receiverRec := eventstest.NewRecorder()

	left, right := net.Pipe()
	sender := NewSession(left, events.Peer{Host: "a", Port: 1}, SessionOptions{
		Events:   senderRec,
		Transfer: transfer.Options{ChunkSize: 512},
	})
	receiveDir := t.TempDir()
	receiver := NewSession(right, events.Peer{Host: "b", Port: 2}, SessionOptions{
		Events:   receiverRec,
		Transfer: transfer.Options{DownloadDir: receiveDir},
	})
	t.Cleanup(func() {
		_ = sender.Close()
		_ = receiver.Close()
	})
	if err := receiver.Start(); err != nil {
		t.Fatalf("receiver Start failed: %v", err)
	}
	if err := sender.Start(); err != nil {
		t.Fatalf("sender Start failed: %v", err)
	}

	data := bytes.Repeat([]byte("metrochat"), 1000)
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	handle, err := sender.SendFile(path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	// Text interleaves with the running transfer.
	if err := sender.SendText("sending notes"); err != nil {
		t.Fatalf("SendText during transfer failed: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	complete := receiverRec.WaitType(t, waitTimeout, events.TransferComplete)
	got, err := os.ReadFile(complete.Transfer.Path)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("received file differs")
	}
	if complete.Transfer.Checksum != handle.Checksum() {
		t.Fatalf("checksum mismatch")
	}
	receiverRec.WaitFor(t, waitTimeout, func(event events.Event) bool {
		return event.Type == events.TextReceived && event.Text == "sending notes"
	})
	senderRec.WaitType(t, waitTimeout, events.TransferComplete)
}
