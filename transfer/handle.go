package transfer

import (
	"sync"
	"sync/atomic"
)

// Handle tracks one outbound transfer.
type Handle struct {
	ID   string
	Name string
	Path string
	Size int64

	bytes    atomic.Int64
	checksum string

	stopOnce sync.Once
	stop     chan struct{}
	stopErr  error

	done chan struct{}
	err  error
}

func newHandle(id, name, path string, size int64) *Handle {
	return &Handle{
		ID:   id,
		Name: name,
		Path: path,
		Size: size,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Bytes returns the number of payload bytes written so far.
func (h *Handle) Bytes() int64 {
	return h.bytes.Load()
}

// Done is closed when the transfer finishes, successfully or not.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the transfer finishes and returns its result.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Err returns the result once Done is closed, nil before.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Cancel stops emitting chunks. Bytes already written stay committed and the
// receiver sees a short transfer.
func (h *Handle) Cancel() {
	h.halt(ErrCancelled)
}

func (h *Handle) abort() {
	h.halt(ErrAborted)
}

func (h *Handle) halt(err error) {
	h.stopOnce.Do(func() {
		h.stopErr = err
		close(h.stop)
	})
}

// stopped returns the stop reason, or nil while the transfer may continue.
func (h *Handle) stopped() error {
	select {
	case <-h.stop:
		return h.stopErr
	default:
		return nil
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Checksum returns the hex BLAKE2b-256 digest of the sent bytes once the
// transfer has completed successfully.
func (h *Handle) Checksum() string {
	select {
	case <-h.done:
		return h.checksum
	default:
		return ""
	}
}
