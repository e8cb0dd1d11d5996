package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultDialTimeout bounds an outbound TCP connect.
const DefaultDialTimeout = 10 * time.Second

// ErrConnectFailed reports an outbound connect that did not produce a socket.
var ErrConnectFailed = errors.New("network: connect failed")

// Dial opens a TCP connection to host:port.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrConnectFailed)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrConnectFailed, port)
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %q: %w", ErrConnectFailed, address, err)
	}
	return conn, nil
}

// LocalIP returns the address this host would use for outbound traffic, or
// 127.0.0.1 when no route is available. No packet is sent.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
