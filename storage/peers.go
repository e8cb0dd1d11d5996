package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const peerColumns = `peer_id, name, host, port, source, added_timestamp, last_active`

// AddPeer saves a named peer. Saving an existing name updates its address.
func (s *Store) AddPeer(peer Peer) (*Peer, error) {
	peer.Name = strings.TrimSpace(peer.Name)
	peer.Host = strings.TrimSpace(peer.Host)
	if peer.Name == "" {
		return nil, errors.New("name is required")
	}
	if peer.Host == "" {
		return nil, errors.New("host is required")
	}
	if err := validatePort(peer.Port); err != nil {
		return nil, err
	}
	if peer.Source == "" {
		peer.Source = PeerSourceManual
	}
	if err := validatePeerSource(peer.Source); err != nil {
		return nil, err
	}
	if peer.PeerID == "" {
		peer.PeerID = uuid.NewString()
	}
	now := nowUnixMilli()
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = now
	}
	if peer.LastActive == 0 {
		peer.LastActive = now
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_id,
			name,
			host,
			port,
			source,
			added_timestamp,
			last_active
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			last_active = excluded.last_active`,
		peer.PeerID,
		peer.Name,
		peer.Host,
		peer.Port,
		peer.Source,
		peer.AddedTimestamp,
		peer.LastActive,
	)
	if err != nil {
		return nil, fmt.Errorf("save peer %q: %w", peer.Name, err)
	}

	return s.GetPeerByName(peer.Name)
}

// GetPeer fetches a peer by id.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	row := s.db.QueryRow(`SELECT `+peerColumns+` FROM peers WHERE peer_id = ?`, peerID)
	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return peer, nil
}

// GetPeerByName fetches a peer by its directory name.
func (s *Store) GetPeerByName(name string) (*Peer, error) {
	row := s.db.QueryRow(`SELECT `+peerColumns+` FROM peers WHERE name = ?`, strings.TrimSpace(name))
	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer by name %q: %w", name, err)
	}
	return peer, nil
}

// ListPeers returns the directory, most recently active first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT ` + peerColumns + ` FROM peers ORDER BY last_active DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// RemovePeer deletes a peer and, by cascade, its history.
func (s *Store) RemovePeer(name string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", name, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", name, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolvePeer returns the address saved under name.
func (s *Store) ResolvePeer(name string) (string, int, error) {
	peer, err := s.GetPeerByName(name)
	if err != nil {
		return "", 0, err
	}
	return peer.Host, peer.Port, nil
}

// RememberPeer returns the id of the most recently active peer at host,
// registering a new "host:port" entry when the host is unknown.
func (s *Store) RememberPeer(host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("host is required")
	}

	row := s.db.QueryRow(
		`SELECT `+peerColumns+` FROM peers WHERE host = ? ORDER BY last_active DESC LIMIT 1`,
		host,
	)
	existing, err := scanPeer(row)
	switch {
	case err == nil:
		if err := s.TouchPeer(existing.PeerID); err != nil {
			return "", err
		}
		return existing.PeerID, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("find peer by host %q: %w", host, err)
	}

	peer, err := s.AddPeer(Peer{
		Name:   fmt.Sprintf("%s:%d", host, port),
		Host:   host,
		Port:   port,
		Source: PeerSourceInbound,
	})
	if err != nil {
		return "", err
	}
	return peer.PeerID, nil
}

// TouchPeer sets last_active to now.
func (s *Store) TouchPeer(peerID string) error {
	res, err := s.db.Exec(`UPDATE peers SET last_active = ? WHERE peer_id = ?`, nowUnixMilli(), peerID)
	if err != nil {
		return fmt.Errorf("touch peer %q: %w", peerID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for touch peer %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPeer(row scanner) (*Peer, error) {
	var peer Peer
	if err := row.Scan(
		&peer.PeerID,
		&peer.Name,
		&peer.Host,
		&peer.Port,
		&peer.Source,
		&peer.AddedTimestamp,
		&peer.LastActive,
	); err != nil {
		return nil, err
	}
	return &peer, nil
}
