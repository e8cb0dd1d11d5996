package storage

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const exportTimeLayout = "2006-01-02 15:04:05"

// RecordMessage appends one line to the history of peerID and marks the peer
// active. filePath is empty for plain text.
func (s *Store) RecordMessage(peerID, sender, text, filePath string) (*Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if err := validateSender(sender); err != nil {
		return nil, err
	}

	message := Message{
		MessageID: uuid.NewString(),
		PeerID:    peerID,
		Sender:    sender,
		Content:   text,
		FilePath:  stringPointer(filePath),
		Timestamp: nowUnixMilli(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin record message: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO messages (
			message_id,
			peer_id,
			sender,
			content,
			file_path,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.PeerID,
		message.Sender,
		message.Content,
		nullString(message.FilePath),
		message.Timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert message for peer %q: %w", peerID, err)
	}
	if _, err := tx.Exec(
		`UPDATE peers SET last_active = ? WHERE peer_id = ?`,
		message.Timestamp,
		peerID,
	); err != nil {
		return nil, fmt.Errorf("update last_active for peer %q: %w", peerID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit record message: %w", err)
	}

	return &message, nil
}

// ListMessages returns the history with peerID, oldest first.
func (s *Store) ListMessages(peerID string) ([]Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			peer_id,
			sender,
			content,
			file_path,
			timestamp
		FROM messages
		WHERE peer_id = ?
		ORDER BY timestamp ASC, rowid ASC`,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// ExportChat writes the history with peerID as a plain-text transcript.
func (s *Store) ExportChat(peerID string, w io.Writer) error {
	messages, err := s.ListMessages(peerID)
	if err != nil {
		return err
	}

	out := bufio.NewWriter(w)
	fmt.Fprintln(out, "Chat history export")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	for _, message := range messages {
		stamp := time.UnixMilli(message.Timestamp).Format(exportTimeLayout)
		if message.FilePath != nil {
			fmt.Fprintf(out, "[%s] %s: [file] %s\n", stamp, message.Sender, filepath.Base(*message.FilePath))
			continue
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", stamp, message.Sender, message.Content)
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("write chat export: %w", err)
	}
	return nil
}

// ExportChatFile writes the transcript for peerID to path.
func (s *Store) ExportChatFile(peerID, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chat export: %w", err)
	}
	if err := s.ExportChat(peerID, file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message  Message
		filePath sql.NullString
	)

	if err := row.Scan(
		&message.MessageID,
		&message.PeerID,
		&message.Sender,
		&message.Content,
		&filePath,
		&message.Timestamp,
	); err != nil {
		return nil, err
	}

	message.FilePath = stringPtr(filePath)
	return &message, nil
}
