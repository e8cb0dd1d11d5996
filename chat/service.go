// Package chat assembles the metrochat runtime: the peer directory and
// history store, the event dispatcher, the connection manager and optional
// LAN discovery.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"metrochat/config"
	"metrochat/discovery"
	"metrochat/events"
	"metrochat/logging"
	"metrochat/network"
	"metrochat/storage"
	"metrochat/transfer"
)

// Options configures a Service.
type Options struct {
	Config  *config.DeviceConfig
	DataDir string
	Logger  logrus.FieldLogger

	// startDiscovery and scanLAN replace discovery.Start and discovery.Scan
	// in tests.
	startDiscovery func(discovery.Config, func(discovery.Peer)) (stopper, error)
	scanLAN        func(context.Context, discovery.Config) ([]discovery.Peer, error)
}

type stopper interface {
	Stop()
}

// Service owns every long-lived component of a running chat client.
type Service struct {
	cfg    *config.DeviceConfig
	logger logrus.FieldLogger

	store      *storage.Store
	dispatcher *events.Dispatcher
	manager    *network.Manager

	startDiscovery func(discovery.Config, func(discovery.Peer)) (stopper, error)
	scanLAN        func(context.Context, discovery.Config) ([]discovery.Peer, error)
	discoveryMu    sync.Mutex
	discovery      stopper

	runCancel context.CancelFunc
	runDone   chan struct{}
	closeOnce sync.Once
}

// New opens the store under options.DataDir and starts event delivery.
// Nothing listens until Listen.
func New(options Options) (*Service, error) {
	if options.Config == nil {
		return nil, errors.New("chat: config is required")
	}
	cfg := options.Config
	logger := options.Logger
	if logger == nil {
		logger = logging.New(cfg.LogLevel, nil)
	}

	store, dbPath, err := storage.Open(options.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	logger.WithField("db", dbPath).Debug("store opened")

	dispatcher := events.NewDispatcher(cfg.EventQueueSize, logger)
	manager := network.NewManager(network.ManagerOptions{
		DialTimeout: cfg.DialTimeout(),
		Session: network.SessionOptions{
			MaxPayloadSize: cfg.MaxFrameSize,
			ReadTimeout:    cfg.ReadTimeout(),
			Transfer: transfer.Options{
				ChunkSize:    cfg.ChunkSize,
				DownloadDir:  cfg.DownloadDir,
				KeepPartial:  cfg.KeepPartial,
				StallTimeout: cfg.StallTimeout(),
			},
		},
		Directory: store,
		Events:    dispatcher,
		Logger:    logger,
	})

	startDiscovery := options.startDiscovery
	if startDiscovery == nil {
		startDiscovery = func(cfg discovery.Config, found func(discovery.Peer)) (stopper, error) {
			return discovery.Start(cfg, found)
		}
	}
	scanLAN := options.scanLAN
	if scanLAN == nil {
		scanLAN = discovery.Scan
	}

	s := &Service{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		dispatcher:     dispatcher,
		manager:        manager,
		startDiscovery: startDiscovery,
		scanLAN:        scanLAN,
		runDone:        make(chan struct{}),
	}
	dispatcher.Subscribe(s.record)

	ctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	go func() {
		defer close(s.runDone)
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("event dispatcher stopped")
		}
	}()

	return s, nil
}

// Subscribe registers a presentation handler. It runs after persistence has
// recorded the event.
func (s *Service) Subscribe(handler events.Handler) {
	s.dispatcher.Subscribe(handler)
}

// Store returns the directory and history store.
func (s *Service) Store() *storage.Store {
	return s.store
}

// Manager returns the connection manager.
func (s *Service) Manager() *network.Manager {
	return s.manager
}

// Listen accepts inbound peers on port and, when enabled, announces the
// bound port on the LAN. It returns the bound port.
func (s *Service) Listen(port int) (int, error) {
	bound, err := s.manager.Listen(port)
	if err != nil {
		return 0, err
	}
	if s.cfg.DiscoveryEnabled {
		if err := s.startAnnouncing(bound); err != nil {
			s.logger.WithError(err).Warn("discovery unavailable")
		}
	}
	return bound, nil
}

// Connect dials target, either "host:port" or a saved peer name, and makes
// it the active session.
func (s *Service) Connect(ctx context.Context, target string) (*network.Session, error) {
	target = strings.TrimSpace(target)
	if host, rawPort, err := net.SplitHostPort(target); err == nil {
		port, err := strconv.Atoi(rawPort)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", network.ErrConnectFailed, rawPort)
		}
		return s.manager.Connect(ctx, host, port)
	}
	return s.manager.ConnectPeer(ctx, target)
}

// ScanLAN browses the local network once and saves every peer it finds to
// the directory.
func (s *Service) ScanLAN(ctx context.Context) ([]discovery.Peer, error) {
	peers, err := s.scanLAN(ctx, s.discoveryConfig(0))
	if err != nil {
		return nil, fmt.Errorf("scan LAN: %w", err)
	}
	for _, peer := range peers {
		s.saveDiscovered(peer)
	}
	return peers, nil
}

// Disconnect closes the active session.
func (s *Service) Disconnect() error {
	return s.manager.Disconnect()
}

// SendText sends text to the active peer and records it as ours.
func (s *Service) SendText(text string) error {
	session := s.manager.Active()
	if session == nil {
		return network.ErrNoActiveSession
	}
	if err := session.SendText(text); err != nil {
		return err
	}

	peerID := session.Peer().PeerID
	if peerID == "" {
		return nil
	}
	if _, err := s.store.RecordMessage(peerID, storage.SenderMe, text, ""); err != nil {
		s.logger.WithError(err).Warn("failed to record sent message")
	}
	return nil
}

// SendFile starts sending path to the active peer. The transfer is recorded
// when it finishes.
func (s *Service) SendFile(path string) (*transfer.Handle, error) {
	return s.manager.SendFile(path)
}

// History returns the messages exchanged with the peer saved under name.
func (s *Service) History(name string) ([]storage.Message, error) {
	peer, err := s.store.GetPeerByName(name)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(peer.PeerID)
}

// Close stops discovery and the manager, delivers queued events, then
// closes the store.
func (s *Service) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.stopAnnouncing()

		if err := s.manager.Close(); err != nil && !errors.Is(err, network.ErrListenerStopped) {
			closeErr = err
		}

		_ = s.dispatcher.Close()
		<-s.runDone
		s.runCancel()

		if err := s.store.Close(); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	})
	return closeErr
}

func (s *Service) record(event events.Event) {
	switch event.Type {
	case events.TextReceived:
		if event.Peer.PeerID == "" {
			return
		}
		if _, err := s.store.RecordMessage(event.Peer.PeerID, storage.SenderPeer, event.Text, ""); err != nil {
			s.logger.WithError(err).Warn("failed to record received message")
		}
	case events.TransferComplete, events.TransferFailed:
		s.recordTransfer(event)
	}
}

func (s *Service) recordTransfer(event events.Event) {
	t := event.Transfer
	if t == nil || event.Peer.PeerID == "" {
		return
	}

	record := storage.Transfer{
		TransferID:       t.ID,
		PeerID:           event.Peer.PeerID,
		Direction:        string(t.Direction),
		Filename:         t.Name,
		Filesize:         t.Size,
		BytesTransferred: t.Bytes,
		Checksum:         t.Checksum,
		Status:           storage.TransferStatusComplete,
	}
	if event.Type == events.TransferFailed {
		record.Status = storage.TransferStatusFailed
		if event.Err != nil {
			record.Error = event.Err.Error()
		}
	} else {
		record.StoredPath = t.Path
	}

	logger := s.logger.WithFields(logrus.Fields{
		"transfer": t.ID,
		"file":     t.Name,
	})
	if err := s.store.RecordTransfer(record); err != nil {
		logger.WithError(err).Warn("failed to record transfer")
		return
	}
	if event.Type != events.TransferComplete {
		return
	}

	sender := storage.SenderPeer
	if t.Direction == events.DirectionSend {
		sender = storage.SenderMe
	}
	if _, err := s.store.RecordMessage(event.Peer.PeerID, sender, t.Name, t.Path); err != nil {
		logger.WithError(err).Warn("failed to record file message")
	}
}

func (s *Service) discoveryConfig(port int) discovery.Config {
	return discovery.Config{
		PeerID:     s.cfg.DeviceID,
		DeviceName: s.cfg.DeviceName,
		Port:       port,
		Logger:     s.logger,
	}
}

func (s *Service) startAnnouncing(port int) error {
	s.discoveryMu.Lock()
	defer s.discoveryMu.Unlock()
	if s.discovery != nil {
		return nil
	}

	svc, err := s.startDiscovery(s.discoveryConfig(port), s.saveDiscovered)
	if err != nil {
		return err
	}
	s.discovery = svc
	return nil
}

// stopAnnouncing returns once no saveDiscovered call is running.
func (s *Service) stopAnnouncing() {
	s.discoveryMu.Lock()
	svc := s.discovery
	s.discovery = nil
	s.discoveryMu.Unlock()
	if svc != nil {
		svc.Stop()
	}
}

// saveDiscovered adds a LAN peer to the directory so it can be reached by
// name.
func (s *Service) saveDiscovered(peer discovery.Peer) {
	logger := s.logger.WithFields(logrus.Fields{
		"peer":   peer.Name,
		"remote": peer.Addr(),
	})
	if _, err := s.store.AddPeer(storage.Peer{
		Name:   peer.Name,
		Host:   peer.Host,
		Port:   peer.Port,
		Source: storage.PeerSourceDiscovered,
	}); err != nil {
		logger.WithError(err).Warn("failed to save discovered peer")
		return
	}
	logger.Info("discovered peer")
}
