package transfer

import (
	"errors"
	"fmt"
	"hash"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"metrochat/events"
	"metrochat/protocol"
)

type inboundTransfer struct {
	id       string
	name     string
	size     int64
	received int64

	file     *os.File
	tempPath string
	sum      hash.Hash
	// sinkErr is a local write failure; chunks are still counted until FileEnd.
	sinkErr error

	lastActivity time.Time
}

func (in *inboundTransfer) snapshot() *events.Transfer {
	return &events.Transfer{
		ID:        in.id,
		Direction: events.DirectionReceive,
		Name:      in.name,
		Size:      in.size,
		Bytes:     in.received,
		Path:      in.tempPath,
	}
}

// HandleFrame applies one file-kind frame to the inbound transfer. Errors
// wrapping protocol.ErrProtocolViolation are fatal to the session;
// ErrTransferAlreadyInProgress is not.
func (e *Engine) HandleFrame(frame protocol.Frame) error {
	switch frame.Kind {
	case protocol.KindFileHeader:
		return e.openInbound(frame.Payload)
	case protocol.KindFileChunk:
		return e.appendChunk(frame.Payload)
	case protocol.KindFileEnd:
		return e.closeInbound()
	default:
		return fmt.Errorf("%w: %s is not a file frame", protocol.ErrProtocolViolation, frame.Kind)
	}
}

func (e *Engine) openInbound(payload []byte) error {
	header, err := protocol.DecodeFileHeader(payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.inbound != nil {
		busy := e.inbound.name
		e.mu.Unlock()
		return fmt.Errorf("%w: still receiving %q, rejected %q", ErrTransferAlreadyInProgress, busy, header.Name)
	}
	if e.aborted {
		e.mu.Unlock()
		return ErrAborted
	}

	in := &inboundTransfer{
		id:           uuid.NewString(),
		name:         SanitizeName(header.Name),
		size:         header.Size,
		sum:          newChecksum(),
		lastActivity: e.opts.now(),
	}
	if err := os.MkdirAll(e.opts.DownloadDir, 0o700); err != nil {
		in.sinkErr = fmt.Errorf("create download dir: %w", err)
	} else if file, err := os.CreateTemp(e.opts.DownloadDir, in.name+".*.part"); err != nil {
		in.sinkErr = fmt.Errorf("create temp file: %w", err)
	} else {
		in.file = file
		in.tempPath = file.Name()
	}
	e.inbound = in
	snapshot := in.snapshot()
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"transfer": in.id,
		"name":     in.name,
		"size":     in.size,
	}).Info("receiving file")
	e.publish(events.Event{Type: events.TransferStarted, Transfer: snapshot})
	return nil
}

func (e *Engine) appendChunk(payload []byte) error {
	e.mu.Lock()
	in := e.inbound
	if in == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: file chunk without an open transfer", protocol.ErrProtocolViolation)
	}
	if in.received+int64(len(payload)) > in.size {
		e.mu.Unlock()
		return fmt.Errorf("%w: chunk overruns declared size %d of %q", protocol.ErrProtocolViolation, in.size, in.name)
	}
	if in.sinkErr == nil {
		if _, err := in.file.Write(payload); err != nil {
			in.sinkErr = fmt.Errorf("write %s: %w", in.tempPath, err)
		}
	}
	_, _ = in.sum.Write(payload)
	in.received += int64(len(payload))
	in.lastActivity = e.opts.now()
	snapshot := in.snapshot()
	e.mu.Unlock()

	e.publish(events.Event{Type: events.TransferProgress, Transfer: snapshot})
	return nil
}

func (e *Engine) closeInbound() error {
	e.mu.Lock()
	in := e.inbound
	e.inbound = nil
	e.mu.Unlock()
	if in == nil {
		return fmt.Errorf("%w: file end without an open transfer", protocol.ErrProtocolViolation)
	}

	if in.sinkErr != nil {
		e.failInbound(in, in.sinkErr)
		return nil
	}
	if in.received != in.size {
		e.failInbound(in, fmt.Errorf("%w: received %d of %d bytes", ErrIncompleteTransfer, in.received, in.size))
		return nil
	}

	if err := in.file.Close(); err != nil {
		in.file = nil
		e.failInbound(in, fmt.Errorf("close %s: %w", in.tempPath, err))
		return nil
	}
	in.file = nil

	finalPath := uniquePath(e.opts.DownloadDir, in.name)
	if err := os.Rename(in.tempPath, finalPath); err != nil {
		e.failInbound(in, fmt.Errorf("rename %s: %w", in.tempPath, err))
		return nil
	}

	snapshot := in.snapshot()
	snapshot.Path = finalPath
	snapshot.Checksum = checksumHex(in.sum)
	e.logger.WithFields(logrus.Fields{
		"transfer": in.id,
		"path":     finalPath,
		"bytes":    in.received,
	}).Info("file received")
	e.publish(events.Event{Type: events.TransferComplete, Transfer: snapshot})
	return nil
}

// CheckStalled fails the inbound transfer when no chunk arrived within the
// stall timeout. It reports whether a transfer was failed.
func (e *Engine) CheckStalled(now time.Time) bool {
	e.mu.Lock()
	in := e.inbound
	if in == nil || now.Sub(in.lastActivity) < e.opts.StallTimeout {
		e.mu.Unlock()
		return false
	}
	e.inbound = nil
	e.mu.Unlock()

	idle := now.Sub(in.lastActivity).Round(time.Millisecond)
	e.failInbound(in, fmt.Errorf("%w: stalled for %s after %d of %d bytes", ErrIncompleteTransfer, idle, in.received, in.size))
	return true
}

// failInbound releases the sink and publishes TransferFailed. The partial
// file is kept only with KeepPartial.
func (e *Engine) failInbound(in *inboundTransfer, cause error) {
	if in.file != nil {
		_ = in.file.Close()
		in.file = nil
	}
	snapshot := in.snapshot()
	if in.tempPath != "" {
		if e.opts.KeepPartial {
			snapshot.Path = in.tempPath
		} else {
			_ = os.Remove(in.tempPath)
			snapshot.Path = ""
		}
	}

	err := cause
	if !errors.Is(err, ErrIncompleteTransfer) && in.received != in.size {
		err = fmt.Errorf("%w: received %d of %d bytes: %w", ErrIncompleteTransfer, in.received, in.size, cause)
	}

	e.logger.WithFields(logrus.Fields{
		"transfer": in.id,
		"name":     in.name,
		"bytes":    in.received,
	}).WithError(err).Warn("file receive failed")
	e.publish(events.Event{Type: events.TransferFailed, Transfer: snapshot, Err: err})
}
