package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"metrochat/events"
	"metrochat/logging"
	"metrochat/protocol"
	"metrochat/transfer"
)

const (
	// DefaultReadTimeout is how often a blocked read wakes to check for
	// stalled transfers.
	DefaultReadTimeout = time.Second
	// DefaultWriteTimeout bounds one frame write.
	DefaultWriteTimeout = 30 * time.Second

	readBufferSize = 32 * 1024
	errorFrameWait = 2 * time.Second
)

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrRemoteError wraps the text of an Error frame sent by the peer.
	ErrRemoteError = errors.New("network: peer reported error")
)

// SessionState is the lifecycle state of one session.
type SessionState string

const (
	StateIdle        SessionState = "IDLE"
	StateHandshaking SessionState = "HANDSHAKING"
	StateActive      SessionState = "ACTIVE"
	StateError       SessionState = "ERROR"
	StateClosing     SessionState = "CLOSING"
	StateClosed      SessionState = "CLOSED"
)

// SessionOptions controls one session.
type SessionOptions struct {
	MaxPayloadSize int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Transfer configures the session's transfer engine. Peer, Events and
	// Logger are filled in from the session.
	Transfer transfer.Options

	Events events.Publisher
	Logger logrus.FieldLogger
}

func (o SessionOptions) withDefaults() SessionOptions {
	out := o
	if out.MaxPayloadSize <= 0 {
		out.MaxPayloadSize = protocol.DefaultMaxPayloadSize
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.Events == nil {
		out.Events = events.Discard
	}
	out.Logger = logging.OrDiscard(out.Logger)
	return out
}

// Session owns one connected socket: it decodes inbound frames on a single
// receive goroutine and serializes outbound frames under a write lock.
type Session struct {
	conn   net.Conn
	peer   events.Peer
	codec  protocol.Codec
	engine *transfer.Engine

	readTimeout  time.Duration
	writeTimeout time.Duration
	events       events.Publisher
	logger       logrus.FieldLogger

	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   SessionState
	started bool

	errMu    sync.RWMutex
	closeErr error

	finalizeOnce sync.Once
	done         chan struct{}
}

// NewSession wraps conn. The session is Idle until Start.
func NewSession(conn net.Conn, peer events.Peer, options SessionOptions) *Session {
	opts := options.withDefaults()
	if peer.SessionID == "" {
		peer.SessionID = uuid.NewString()
	}
	if peer.Host == "" {
		peer.Host, peer.Port = splitAddr(conn.RemoteAddr())
	}

	logger := opts.Logger.WithFields(logrus.Fields{
		"session": peer.SessionID,
		"remote":  peer.Addr(),
	})

	transferOpts := opts.Transfer
	transferOpts.Peer = peer
	transferOpts.Events = opts.Events
	transferOpts.Logger = opts.Logger

	return &Session{
		conn:         conn,
		peer:         peer,
		codec:        protocol.NewCodec(opts.MaxPayloadSize),
		engine:       transfer.NewEngine(transferOpts),
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		events:       opts.Events,
		logger:       logger,
		state:        StateIdle,
		done:         make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.peer.SessionID
}

// Peer returns the remote peer description.
func (s *Session) Peer() events.Peer {
	return s.peer
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Done is closed once the session is fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, nil for a clean close.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// Start publishes PeerConnected and starts the receive loop.
func (s *Session) Start() error {
	s.stateMu.Lock()
	if s.state != StateIdle {
		s.stateMu.Unlock()
		return ErrSessionClosed
	}
	// Handshaking is empty in the base protocol; the session goes straight
	// to Active.
	s.state = StateActive
	s.started = true
	s.stateMu.Unlock()

	s.logger.Info("session active")
	s.publish(events.Event{Type: events.PeerConnected})
	go s.readLoop()
	return nil
}

// SendText writes one Text frame.
func (s *Session) SendText(text string) error {
	return s.WriteFrame(protocol.TextFrame(text))
}

// SendFile starts streaming the file at path to the peer.
func (s *Session) SendFile(path string) (*transfer.Handle, error) {
	if !s.writable() {
		return nil, ErrSessionClosed
	}
	handle, err := s.engine.Send(s, path)
	if errors.Is(err, transfer.ErrAborted) {
		return nil, ErrSessionClosed
	}
	return handle, err
}

// WriteFrame encodes frame and writes it as one unit. A write failure tears
// the session down.
func (s *Session) WriteFrame(frame protocol.Frame) error {
	if !s.writable() {
		return ErrSessionClosed
	}
	raw, err := s.codec.Encode(frame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.writable() {
		return ErrSessionClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.shutdown(fmt.Errorf("set write deadline: %w", err))
		return ErrSessionClosed
	}
	if err := protocol.WriteFull(s.conn, raw); err != nil {
		err = fmt.Errorf("write %s frame: %w", frame.Kind, err)
		s.shutdown(err)
		return err
	}
	return nil
}

// Close tears the session down and waits for the receive loop to exit.
// It must not be called from an event handler.
func (s *Session) Close() error {
	s.shutdown(nil)
	<-s.done
	return nil
}

func (s *Session) writable() bool {
	state := s.State()
	return state == StateActive
}

func (s *Session) readLoop() {
	defer s.finalize()

	decoder := protocol.NewDecoder(s.codec.MaxPayload())
	buf := make([]byte, readBufferSize)
	lastStallCheck := time.Now()
	for {
		// Checked on every pass: a peer that keeps sending other frames
		// never trips the read deadline.
		if now := time.Now(); now.Sub(lastStallCheck) >= s.readTimeout {
			s.engine.CheckStalled(now)
			lastStallCheck = now
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.shutdown(nil)
			return
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, decodeErr := decoder.Feed(buf[:n])
			for _, frame := range frames {
				if !s.route(frame) {
					return
				}
			}
			if decodeErr != nil {
				s.fail(decodeErr)
				return
			}
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		if s.State() != StateActive || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			s.shutdown(nil)
			return
		}
		s.shutdown(fmt.Errorf("read: %w", err))
		return
	}
}

// route handles one inbound frame and reports whether the loop continues.
func (s *Session) route(frame protocol.Frame) bool {
	switch frame.Kind {
	case protocol.KindText:
		s.publish(events.Event{Type: events.TextReceived, Text: string(frame.Payload)})
		return true
	case protocol.KindError:
		err := fmt.Errorf("%w: %s", ErrRemoteError, frame.Payload)
		s.logger.WithError(err).Warn("peer reported error")
		s.publish(events.Event{Type: events.ProtocolError, Err: err})
		return true
	}

	err := s.engine.HandleFrame(frame)
	switch {
	case err == nil:
		return true
	case errors.Is(err, protocol.ErrProtocolViolation):
		s.fail(err)
		return false
	case errors.Is(err, transfer.ErrAborted):
		return false
	default:
		s.logger.WithError(err).Warn("file frame rejected")
		s.publish(events.Event{Type: events.ProtocolError, Err: err})
		if errors.Is(err, transfer.ErrTransferAlreadyInProgress) {
			_ = s.WriteFrame(protocol.ErrorFrame(err.Error()))
		}
		return true
	}
}

// fail reports err, tells the peer, and tears the session down.
func (s *Session) fail(err error) {
	s.logger.WithError(err).Warn("protocol violation, closing session")
	s.publish(events.Event{Type: events.ProtocolError, Err: err})

	if raw, encodeErr := s.codec.Encode(protocol.ErrorFrame(err.Error())); encodeErr == nil {
		s.writeMu.Lock()
		if s.writable() {
			_ = s.conn.SetWriteDeadline(time.Now().Add(errorFrameWait))
			_ = protocol.WriteFull(s.conn, raw)
		}
		s.writeMu.Unlock()
	}

	s.stateMu.Lock()
	if s.state == StateActive {
		s.state = StateError
	}
	s.stateMu.Unlock()
	s.shutdown(err)
}

// shutdown moves the session to Closing and closes the socket, waking the
// receive loop. It never blocks on the loop.
func (s *Session) shutdown(cause error) {
	s.stateMu.Lock()
	prev := s.state
	if prev == StateClosing || prev == StateClosed {
		s.stateMu.Unlock()
		return
	}
	s.state = StateClosing
	s.stateMu.Unlock()

	s.errMu.Lock()
	s.closeErr = cause
	s.errMu.Unlock()

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.WithError(err).Debug("close socket")
	}
	if prev == StateIdle {
		s.finalize()
	}
}

// finalize runs once, after the receive loop has exited. A session that was
// never started publishes no PeerDisconnected.
func (s *Session) finalize() {
	s.finalizeOnce.Do(func() {
		s.shutdown(nil)

		cause := s.Err()
		abortCause := transfer.ErrAborted
		if cause != nil {
			abortCause = fmt.Errorf("%w: %w", transfer.ErrAborted, cause)
		}
		s.engine.Abort(abortCause)
		s.engine.Wait()

		s.stateMu.Lock()
		s.state = StateClosed
		started := s.started
		s.stateMu.Unlock()

		if started {
			entry := s.logger
			if cause != nil {
				entry = entry.WithError(cause)
			}
			entry.Info("session closed")
			s.publish(events.Event{Type: events.PeerDisconnected, Err: cause})
		}
		close(s.done)
	})
}

func (s *Session) publish(event events.Event) {
	event.Peer = s.peer
	if err := s.events.Publish(event); err != nil {
		s.logger.WithError(err).WithField("event", event.Type).Warn("dropping session event")
	}
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	return addr.String(), 0
}
