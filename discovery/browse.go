package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

var errBrowseEnded = errors.New("discovery: resolver closed the browse")

// browseEntries runs one browse and calls seen for every acceptable entry
// until ctx ends or the resolver fails.
func browseEntries(ctx context.Context, cfg Config, seen func(Peer)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	started := make(chan error, 1)
	go func() {
		started <- cfg.browse(ctx, cfg.Service, cfg.Domain, entries)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-started:
			if err != nil {
				return fmt.Errorf("browse %s: %w", cfg.Service, err)
			}
			// The resolver keeps delivering after Browse returns.
			started = nil
		case entry, ok := <-entries:
			if !ok {
				return errBrowseEnded
			}
			if peer, ok := peerFromEntry(entry, cfg.PeerID); ok {
				seen(peer)
			}
		}
	}
}

// Scan browses for cfg.ScanTimeout and returns the peers seen, ordered by
// name.
func Scan(ctx context.Context, config Config) ([]Peer, error) {
	cfg := config.withDefaults()
	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	found := make(map[string]Peer)
	err := browseEntries(scanCtx, cfg, func(peer Peer) {
		found[peer.PeerID] = peer
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && scanCtx.Err() == nil {
		return nil, err
	}

	peers := make([]Peer, 0, len(found))
	for _, peer := range found {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name == peers[j].Name {
			return peers[i].PeerID < peers[j].PeerID
		}
		return peers[i].Name < peers[j].Name
	})
	return peers, nil
}

// Watcher browses until Stop. It reports a peer the first time it is seen
// and again whenever its name or address changes.
type Watcher struct {
	cfg    Config
	found  func(Peer)
	known  map[string]Peer
	cancel context.CancelFunc
	done   chan struct{}
}

// Watch starts browsing in the background. found runs on the watch
// goroutine.
func Watch(config Config, found func(Peer)) *Watcher {
	if found == nil {
		found = func(Peer) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		cfg:    config.withDefaults(),
		found:  found,
		known:  make(map[string]Peer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// Stop ends browsing and waits for the last found call to return.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		err := browseEntries(ctx, w.cfg, w.observe)
		if ctx.Err() != nil {
			return
		}
		w.cfg.Logger.WithError(err).WithField("retry_in", w.cfg.RetryDelay).Warn("mDNS browse failed")

		timer := time.NewTimer(w.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) observe(peer Peer) {
	if prev, ok := w.known[peer.PeerID]; ok && prev == peer {
		return
	}
	w.known[peer.PeerID] = peer
	w.cfg.Logger.WithFields(logrus.Fields{
		"peer":   peer.Name,
		"remote": peer.Addr(),
	}).Debug("peer seen")
	w.found(peer)
}

// Service announces the local listener and watches for other peers.
type Service struct {
	announcement *Announcement
	watcher      *Watcher
}

// Start announces cfg.Port and watches the LAN, calling found for every new
// or moved peer.
func Start(config Config, found func(Peer)) (*Service, error) {
	announcement, err := Announce(config)
	if err != nil {
		return nil, err
	}
	return &Service{
		announcement: announcement,
		watcher:      Watch(config, found),
	}, nil
}

// Stop stops watching, then withdraws the announcement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.watcher.Stop()
	s.announcement.Stop()
}
