package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"metrochat/logging"
)

const acceptRetryDelay = 50 * time.Millisecond

var (
	// ErrListenFailed reports a bind or accept failure.
	ErrListenFailed = errors.New("network: listen failed")
	// ErrListenerStopped reports an intentional listener shutdown.
	ErrListenerStopped = errors.New("network: listener stopped")
)

// Server accepts inbound TCP connections on a dedicated goroutine and hands
// each one to handle, in accept order.
type Server struct {
	listener net.Listener
	handle   func(net.Conn)
	logger   logrus.FieldLogger

	errMu sync.RWMutex
	err   error

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds address and starts the accept loop.
func Listen(address string, handle func(net.Conn), logger logrus.FieldLogger) (*Server, error) {
	if handle == nil {
		return nil, errors.New("network: connection handler is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %q: %w", ErrListenFailed, address, err)
	}

	server := &Server{
		listener: listener,
		handle:   handle,
		logger:   logging.OrDiscard(logger).WithField("listen", listener.Addr().String()),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Done is closed when the accept loop exits.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns why the accept loop exited: ErrListenerStopped after Close, an
// ErrListenFailed wrapper after a failure, nil while running.
func (s *Server) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

// Close stops accepting and waits for the accept loop to exit.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
	})
	<-s.done
	return closeErr
}

func (s *Server) acceptLoop() {
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.setErr(ErrListenerStopped)
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.WithError(err).Debug("accept timeout, retrying")
				time.Sleep(acceptRetryDelay)
				continue
			}

			s.logger.WithError(err).Error("accept failed, listener stopped")
			s.setErr(fmt.Errorf("%w: accept: %w", ErrListenFailed, err))
			_ = s.listener.Close()
			return
		}

		select {
		case <-s.closed:
			_ = conn.Close()
			s.setErr(ErrListenerStopped)
			return
		default:
		}

		s.logger.WithField("remote", conn.RemoteAddr().String()).Debug("accepted connection")
		s.handle(conn)
	}
}

func (s *Server) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
