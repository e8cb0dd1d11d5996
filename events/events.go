// Package events carries session lifecycle and message events from the I/O
// goroutines to application collaborators through a bounded, ordered queue.
package events

import (
	"fmt"
	"time"
)

// Type identifies an event.
type Type string

const (
	PeerConnected    Type = "peer_connected"
	PeerDisconnected Type = "peer_disconnected"
	TextReceived     Type = "text_received"
	TransferStarted  Type = "transfer_started"
	TransferProgress Type = "transfer_progress"
	TransferComplete Type = "transfer_complete"
	TransferFailed   Type = "transfer_failed"
	ProtocolError    Type = "protocol_error"
)

// Direction of a file transfer relative to the local side.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Peer identifies the remote end of a session.
type Peer struct {
	SessionID string
	PeerID    string
	Host      string
	Port      int
}

// Addr returns host:port.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Transfer describes the state of one file transfer at the time of an event.
type Transfer struct {
	ID        string
	Direction Direction
	Name      string
	Size      int64
	Bytes     int64
	// Path is the local source (send) or final destination (receive).
	Path     string
	Checksum string
}

// Event is one notification produced by the transport.
type Event struct {
	Type     Type
	Peer     Peer
	Text     string
	Transfer *Transfer
	Err      error
	Time     time.Time
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(event Event) error {
	return f(event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = PublisherFunc(func(Event) error { return nil })
