package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"metrochat/events"
	"metrochat/protocol"
)

// Send starts streaming the file at path to w. It returns once the file is
// open; chunks are written from a separate goroutine.
func (e *Engine) Send(w FrameWriter, path string) (*Handle, error) {
	if w == nil {
		return nil, errors.New("transfer: frame writer is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("transfer: %s is a directory", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	handle := newHandle(uuid.NewString(), filepath.Base(path), path, info.Size())

	e.mu.Lock()
	if e.aborted {
		e.mu.Unlock()
		_ = file.Close()
		return nil, ErrAborted
	}
	if e.outbound != nil {
		busy := e.outbound.Name
		e.mu.Unlock()
		_ = file.Close()
		return nil, fmt.Errorf("%w: still sending %q", ErrTransferAlreadyInProgress, busy)
	}
	e.outbound = handle
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runSend(w, file, handle)
	return handle, nil
}

func (e *Engine) runSend(w FrameWriter, file *os.File, handle *Handle) {
	defer e.wg.Done()
	defer file.Close()

	err := e.streamFile(w, file, handle)

	e.mu.Lock()
	if e.outbound == handle {
		e.outbound = nil
	}
	e.mu.Unlock()

	snapshot := sendSnapshot(handle)
	logger := e.logger.WithFields(logrus.Fields{
		"transfer": handle.ID,
		"name":     handle.Name,
		"bytes":    snapshot.Bytes,
	})
	if err != nil {
		logger.WithError(err).Warn("file send failed")
		e.publish(events.Event{Type: events.TransferFailed, Transfer: snapshot, Err: err})
	} else {
		logger.Info("file sent")
		e.publish(events.Event{Type: events.TransferComplete, Transfer: snapshot})
	}
	handle.finish(err)
}

func (e *Engine) streamFile(w FrameWriter, file *os.File, handle *Handle) error {
	header, err := protocol.FileHeaderFrame(protocol.FileHeader{Name: handle.Name, Size: handle.Size})
	if err != nil {
		return err
	}
	if err := w.WriteFrame(header); err != nil {
		return fmt.Errorf("write file header: %w", err)
	}
	e.publish(events.Event{Type: events.TransferStarted, Transfer: sendSnapshot(handle)})

	sum := newChecksum()
	buf := make([]byte, e.opts.ChunkSize)
	var sent int64
	for sent < handle.Size {
		if stop := handle.stopped(); stop != nil {
			// A FileEnd after a short run lets the receiver detect the gap.
			_ = w.WriteFrame(protocol.EndFrame())
			return stop
		}

		want := int64(len(buf))
		if remaining := handle.Size - sent; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(file, buf[:want])
		if err != nil {
			_ = w.WriteFrame(protocol.EndFrame())
			return fmt.Errorf("read %s at offset %d: %w", handle.Path, sent, err)
		}
		if err := w.WriteFrame(protocol.ChunkFrame(buf[:n])); err != nil {
			return fmt.Errorf("write file chunk: %w", err)
		}
		_, _ = sum.Write(buf[:n])
		sent += int64(n)
		handle.bytes.Store(sent)
		e.publish(events.Event{Type: events.TransferProgress, Transfer: sendSnapshot(handle)})
	}

	if err := w.WriteFrame(protocol.EndFrame()); err != nil {
		return fmt.Errorf("write file end: %w", err)
	}
	handle.checksum = checksumHex(sum)
	return nil
}

func sendSnapshot(handle *Handle) *events.Transfer {
	return &events.Transfer{
		ID:        handle.ID,
		Direction: events.DirectionSend,
		Name:      handle.Name,
		Size:      handle.Size,
		Bytes:     handle.Bytes(),
		Path:      handle.Path,
		Checksum:  handle.checksum,
	}
}
