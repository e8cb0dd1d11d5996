// Package discovery finds metrochat listeners on the local network over
// mDNS and announces our own.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"metrochat/logging"
)

const (
	// DefaultService is the mDNS service type metrochat listeners register.
	DefaultService = "_metrochat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is announced in the TXT record.
	DefaultVersion = 1
	// DefaultScanTimeout bounds a one-shot Scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultRetryDelay is how long Watch waits before browsing again after
	// the resolver fails.
	DefaultRetryDelay = 10 * time.Second

	txtPeerID  = "peer_id"
	txtVersion = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config describes the local device and the mDNS service to use.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration
	RetryDelay  time.Duration

	// PeerID identifies this device; entries carrying it are ignored.
	PeerID     string
	DeviceName string
	// Port is the bound chat listener port. Only Announce needs it.
	Port       int

	Logger logrus.FieldLogger

	register registerFunc
	browse   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	if out.register == nil {
		out.register = zeroconf.Register
	}
	if out.browse == nil {
		out.browse = browseLAN
	}
	out.Logger = logging.OrDiscard(out.Logger).WithField("service", out.Service)
	return out
}

// browseLAN uses a fresh resolver per browse; a resolver shuts its sockets
// down when the browse context ends.
func browseLAN(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Peer is a metrochat listener seen on the LAN.
type Peer struct {
	PeerID  string
	Name    string
	Host    string
	Port    int
	Version int
}

// Addr returns "host:port".
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// peerFromEntry converts a browse result. Entries without a peer id or a
// usable port, and our own announcement, are rejected.
func peerFromEntry(entry *zeroconf.ServiceEntry, self string) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}
	txt := parseTXT(entry.Text)
	peerID := txt[txtPeerID]
	if peerID == "" || peerID == self {
		return Peer{}, false
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return Peer{}, false
	}
	host := dialHost(entry)
	if host == "" {
		return Peer{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])
	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = peerID
	}
	return Peer{
		PeerID:  peerID,
		Name:    name,
		Host:    host,
		Port:    entry.Port,
		Version: version,
	}, true
}

// dialHost prefers an IPv4 address, then IPv6, then the advertised host name.
func dialHost(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if ip != nil && !ip.IsUnspecified() {
			return ip.String()
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip != nil && !ip.IsUnspecified() {
			return ip.String()
		}
	}
	return strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}
