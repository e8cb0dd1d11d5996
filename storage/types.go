package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SenderMe marks a message written locally.
	SenderMe = "me"
	// SenderPeer marks a message received from the remote peer.
	SenderPeer = "peer"
)

const (
	PeerSourceManual     = "manual"
	PeerSourceInbound    = "inbound"
	PeerSourceDiscovered = "discovered"
)

const (
	TransferDirectionSend    = "send"
	TransferDirectionReceive = "receive"
)

const (
	TransferStatusComplete = "complete"
	TransferStatusFailed   = "failed"
)

// Peer is one entry in the connection directory.
type Peer struct {
	PeerID         string
	Name           string
	Host           string
	Port           int
	Source         string
	AddedTimestamp int64
	LastActive     int64
}

// Addr returns host:port.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Message is one line of chat history.
type Message struct {
	MessageID string
	PeerID    string
	Sender    string
	Content   string
	FilePath  *string
	Timestamp int64
}

// Transfer records the outcome of one file transfer.
type Transfer struct {
	TransferID       string
	PeerID           string
	Direction        string
	Filename         string
	Filesize         int64
	BytesTransferred int64
	StoredPath       string
	Checksum         string
	Status           string
	Error            string
	Timestamp        int64
}

func validateSender(sender string) error {
	switch sender {
	case SenderMe, SenderPeer:
		return nil
	default:
		return fmt.Errorf("invalid sender %q", sender)
	}
}

func validatePeerSource(source string) error {
	switch source {
	case PeerSourceManual, PeerSourceInbound, PeerSourceDiscovered:
		return nil
	default:
		return fmt.Errorf("invalid peer source %q", source)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
