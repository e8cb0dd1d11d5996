// Package transfer drives chunked file transfers over a framed session: one
// FileHeader, a run of FileChunk frames in file order, and one FileEnd.
package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"metrochat/events"
	"metrochat/logging"
	"metrochat/protocol"
)

const (
	// DefaultChunkSize is the FileChunk payload size used when none is set.
	DefaultChunkSize = 4096
	// DefaultStallTimeout bounds how long an inbound transfer may sit idle.
	DefaultStallTimeout = 30 * time.Second
)

var (
	// ErrTransferAlreadyInProgress rejects a second transfer in the same direction.
	ErrTransferAlreadyInProgress = errors.New("transfer: transfer already in progress")
	// ErrIncompleteTransfer reports a receive whose byte count did not reach the declared size.
	ErrIncompleteTransfer = errors.New("transfer: incomplete transfer")
	// ErrCancelled reports an outbound transfer stopped by Handle.Cancel.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrAborted reports a transfer cut short by session teardown.
	ErrAborted = errors.New("transfer: aborted")
)

// FrameWriter writes one frame atomically. network.Session implements it.
type FrameWriter interface {
	WriteFrame(protocol.Frame) error
}

// Options configures an Engine.
type Options struct {
	ChunkSize    int
	DownloadDir  string
	KeepPartial  bool
	StallTimeout time.Duration

	// Peer labels every event the engine publishes.
	Peer   events.Peer
	Events events.Publisher
	Logger logrus.FieldLogger

	now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize > protocol.DefaultMaxPayloadSize {
		out.ChunkSize = protocol.DefaultMaxPayloadSize
	}
	if out.StallTimeout <= 0 {
		out.StallTimeout = DefaultStallTimeout
	}
	if out.DownloadDir == "" {
		out.DownloadDir = "."
	}
	if out.Events == nil {
		out.Events = events.Discard
	}
	out.Logger = logging.OrDiscard(out.Logger)
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// Engine tracks at most one outbound and one inbound transfer for a session.
type Engine struct {
	opts   Options
	logger logrus.FieldLogger

	mu       sync.Mutex
	outbound *Handle
	inbound  *inboundTransfer
	aborted  bool

	wg sync.WaitGroup
}

// NewEngine creates an engine for one session.
func NewEngine(options Options) *Engine {
	opts := options.withDefaults()
	return &Engine{
		opts: opts,
		logger: opts.Logger.WithFields(logrus.Fields{
			"session": opts.Peer.SessionID,
			"remote":  opts.Peer.Addr(),
		}),
	}
}

// Outbound returns the running outbound transfer, if any.
func (e *Engine) Outbound() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbound
}

// InboundActive reports whether an inbound transfer is open.
func (e *Engine) InboundActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inbound != nil
}

// Abort ends both directions: an open inbound transfer is finalized as
// incomplete and an outbound send is cancelled. Later Send calls fail.
func (e *Engine) Abort(cause error) {
	e.mu.Lock()
	e.aborted = true
	in := e.inbound
	e.inbound = nil
	out := e.outbound
	e.mu.Unlock()

	if cause == nil {
		cause = ErrAborted
	}
	if in != nil {
		e.failInbound(in, cause)
	}
	if out != nil {
		out.abort()
	}
}

// Wait blocks until every sender goroutine started by Send has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) publish(event events.Event) {
	event.Peer = e.opts.Peer
	if event.Time.IsZero() {
		event.Time = e.opts.now()
	}
	if err := e.opts.Events.Publish(event); err != nil {
		e.logger.WithError(err).WithField("event", event.Type).Warn("dropping transfer event")
	}
}
