package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"metrochat/events"
	"metrochat/logging"
	"metrochat/transfer"
)

var (
	// ErrNoActiveSession is returned by send operations with nobody connected.
	ErrNoActiveSession = errors.New("network: no active session")
	// ErrManagerClosed is returned after Manager.Close.
	ErrManagerClosed = errors.New("network: manager closed")
)

// Directory labels sessions and resolves saved peer names.
type Directory interface {
	ResolvePeer(name string) (host string, port int, err error)
	RememberPeer(host string, port int) (peerID string, err error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	DialTimeout time.Duration
	Session     SessionOptions

	Directory Directory
	Events    events.Publisher
	Logger    logrus.FieldLogger
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.Events == nil {
		out.Events = events.Discard
	}
	out.Logger = logging.OrDiscard(out.Logger)
	out.Session.Events = out.Events
	out.Session.Logger = out.Logger
	return out
}

// Manager owns the listener and at most one active session. A new session,
// inbound or outbound, replaces the current one: the old session is fully
// closed before the new one starts.
type Manager struct {
	options ManagerOptions
	logger  logrus.FieldLogger

	listenMu sync.Mutex
	server   *Server

	// swapMu serializes session replacement.
	swapMu sync.Mutex

	activeMu sync.RWMutex
	active   *Session

	closed atomic.Bool
}

// NewManager creates a manager. Nothing listens until Listen.
func NewManager(options ManagerOptions) *Manager {
	opts := options.withDefaults()
	return &Manager{
		options: opts,
		logger:  opts.Logger,
	}
}

// Listen binds port (0 picks a free port) and accepts inbound peers. It
// returns the bound port.
func (m *Manager) Listen(port int) (int, error) {
	if m.closed.Load() {
		return 0, ErrManagerClosed
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %d", ErrListenFailed, port)
	}

	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	if m.server != nil && m.server.Err() == nil {
		return 0, fmt.Errorf("%w: already listening on %s", ErrListenFailed, m.server.Addr())
	}

	server, err := Listen(":"+strconv.Itoa(port), m.accept, m.logger)
	if err != nil {
		return 0, err
	}
	m.server = server
	m.logger.WithField("port", server.Port()).Info("listening for peers")
	return server.Port(), nil
}

// StopListening closes the listener. Existing sessions stay up.
func (m *Manager) StopListening() error {
	m.listenMu.Lock()
	server := m.server
	m.listenMu.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

// ListenErr reports why the listener stopped: ErrListenerStopped after
// StopListening, an ErrListenFailed wrapper after a failure, nil otherwise.
func (m *Manager) ListenErr() error {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Err()
}

// ListenerDone is closed when the current listener's accept loop exits. It
// is closed immediately when nothing has listened.
func (m *Manager) ListenerDone() <-chan struct{} {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	if m.server == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return m.server.Done()
}

// ListenAddr returns the listener address, nil when not listening.
func (m *Manager) ListenAddr() net.Addr {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Connect dials host:port and makes the result the active session. On
// failure the current session is left untouched.
func (m *Manager) Connect(ctx context.Context, host string, port int) (*Session, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	conn, err := Dial(ctx, host, port, m.options.DialTimeout)
	if err != nil {
		m.logger.WithError(err).Warn("connect failed")
		return nil, err
	}

	session := m.newSession(conn, host, port)
	if err := m.swap(session); err != nil {
		return nil, err
	}
	return session, nil
}

// ConnectPeer resolves name through the directory and connects to it.
func (m *Manager) ConnectPeer(ctx context.Context, name string) (*Session, error) {
	if m.options.Directory == nil {
		return nil, fmt.Errorf("%w: no directory to resolve %q", ErrConnectFailed, name)
	}
	host, port, err := m.options.Directory.ResolvePeer(name)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", ErrConnectFailed, name, err)
	}
	return m.Connect(ctx, host, port)
}

// Active returns the current session, nil when none.
func (m *Manager) Active() *Session {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return m.active
}

// Disconnect closes the active session, if any.
func (m *Manager) Disconnect() error {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	session := m.takeActive()
	if session == nil {
		return ErrNoActiveSession
	}
	return session.Close()
}

// SendText sends text on the active session.
func (m *Manager) SendText(text string) error {
	session := m.Active()
	if session == nil {
		return ErrNoActiveSession
	}
	return session.SendText(text)
}

// SendFile starts sending the file at path on the active session.
func (m *Manager) SendFile(path string) (*transfer.Handle, error) {
	session := m.Active()
	if session == nil {
		return nil, ErrNoActiveSession
	}
	return session.SendFile(path)
}

// Close stops the listener and closes the active session.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	listenErr := m.StopListening()

	m.swapMu.Lock()
	defer m.swapMu.Unlock()
	if session := m.takeActive(); session != nil {
		_ = session.Close()
	}
	return listenErr
}

func (m *Manager) accept(conn net.Conn) {
	if m.closed.Load() {
		_ = conn.Close()
		return
	}
	host, port := splitAddr(conn.RemoteAddr())
	session := m.newSession(conn, host, port)
	if err := m.swap(session); err != nil {
		m.logger.WithError(err).Warn("inbound session rejected")
	}
}

func (m *Manager) newSession(conn net.Conn, host string, port int) *Session {
	peer := events.Peer{Host: host, Port: port}
	if m.options.Directory != nil {
		peerID, err := m.options.Directory.RememberPeer(host, port)
		if err != nil {
			m.logger.WithError(err).WithField("remote", peer.Addr()).Warn("directory lookup failed")
		}
		peer.PeerID = peerID
	}
	return NewSession(conn, peer, m.options.Session)
}

// swap closes the current session, waiting for its PeerDisconnected, then
// starts next as the active session.
func (m *Manager) swap(next *Session) error {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	if m.closed.Load() {
		_ = next.Close()
		return ErrManagerClosed
	}

	if previous := m.takeActive(); previous != nil {
		m.logger.WithFields(logrus.Fields{
			"previous": previous.Peer().Addr(),
			"next":     next.Peer().Addr(),
		}).Info("replacing active session")
		_ = previous.Close()
	}

	m.activeMu.Lock()
	m.active = next
	m.activeMu.Unlock()

	if err := next.Start(); err != nil {
		m.clearActive(next)
		return err
	}
	go func() {
		<-next.Done()
		m.clearActive(next)
	}()
	return nil
}

func (m *Manager) takeActive() *Session {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	session := m.active
	m.active = nil
	return session
}

func (m *Manager) clearActive(session *Session) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	if m.active == session {
		m.active = nil
	}
}
