package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// Announcement keeps the local listener registered until Stop.
type Announcement struct {
	server *zeroconf.Server
}

// Announce registers the listener on cfg.Port under cfg.DeviceName with the
// peer id and protocol version in the TXT record.
func Announce(config Config) (*Announcement, error) {
	cfg := config.withDefaults()
	switch {
	case strings.TrimSpace(cfg.PeerID) == "":
		return nil, errors.New("discovery: peer id is required")
	case strings.TrimSpace(cfg.DeviceName) == "":
		return nil, errors.New("discovery: device name is required")
	case cfg.Port <= 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("discovery: invalid port %d", cfg.Port)
	}

	txt := []string{
		txtPeerID + "=" + cfg.PeerID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
	}
	server, err := cfg.register(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	cfg.Logger.WithFields(logrus.Fields{
		"name": cfg.DeviceName,
		"port": cfg.Port,
	}).Info("announcing on mDNS")
	return &Announcement{server: server}, nil
}

// Stop withdraws the announcement.
func (a *Announcement) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
