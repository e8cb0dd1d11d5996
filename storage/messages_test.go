package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestRecordAndListMessages(t *testing.T) {
	store := newTestStore(t)
	peer := mustAddPeer(t, store, "office", "10.0.0.1", 15000)

	if _, err := store.RecordMessage(peer.PeerID, SenderMe, "hi", ""); err != nil {
		t.Fatalf("RecordMessage failed: %v", err)
	}
	if _, err := store.RecordMessage(peer.PeerID, SenderPeer, "hello back", ""); err != nil {
		t.Fatalf("RecordMessage failed: %v", err)
	}
	fileMsg, err := store.RecordMessage(peer.PeerID, SenderPeer, "report.pdf", "/downloads/report.pdf")
	if err != nil {
		t.Fatalf("RecordMessage failed: %v", err)
	}
	if fileMsg.FilePath == nil || *fileMsg.FilePath != "/downloads/report.pdf" {
		t.Fatalf("file path not kept: %+v", fileMsg)
	}

	messages, err := store.ListMessages(peer.PeerID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	want := []string{"hi", "hello back", "report.pdf"}
	for i, message := range messages {
		if message.Content != want[i] {
			t.Fatalf("message %d = %q, want %q", i, message.Content, want[i])
		}
	}
	if messages[0].FilePath != nil {
		t.Fatalf("text message has a file path")
	}

	updated, err := store.GetPeer(peer.PeerID)
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if updated.LastActive != fileMsg.Timestamp {
		t.Fatalf("last_active %d not updated to %d", updated.LastActive, fileMsg.Timestamp)
	}
}

func TestRecordMessageValidation(t *testing.T) {
	store := newTestStore(t)
	peer := mustAddPeer(t, store, "office", "10.0.0.1", 15000)

	if _, err := store.RecordMessage("", SenderMe, "x", ""); err == nil {
		t.Fatalf("expected error for empty peer id")
	}
	if _, err := store.RecordMessage(peer.PeerID, "them", "x", ""); err == nil {
		t.Fatalf("expected error for invalid sender")
	}
	if _, err := store.RecordMessage("unknown-peer", SenderMe, "x", ""); err == nil {
		t.Fatalf("expected foreign key error for unknown peer")
	}
}

func TestExportChat(t *testing.T) {
	store := newTestStore(t)
	peer := mustAddPeer(t, store, "office", "10.0.0.1", 15000)

	if _, err := store.RecordMessage(peer.PeerID, SenderMe, "hi there", ""); err != nil {
		t.Fatalf("RecordMessage failed: %v", err)
	}
	if _, err := store.RecordMessage(peer.PeerID, SenderPeer, "notes.txt", "/tmp/in/notes.txt"); err != nil {
		t.Fatalf("RecordMessage failed: %v", err)
	}

	var buf bytes.Buffer
	if err := store.ExportChat(peer.PeerID, &buf); err != nil {
		t.Fatalf("ExportChat failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), buf.String())
	}
	if lines[0] != "Chat history export" || lines[1] != strings.Repeat("=", 50) {
		t.Fatalf("unexpected header %q", lines[:2])
	}
	textLine := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] me: hi there$`)
	if !textLine.MatchString(lines[2]) {
		t.Fatalf("unexpected text line %q", lines[2])
	}
	if !strings.HasSuffix(lines[3], "] peer: [file] notes.txt") {
		t.Fatalf("unexpected file line %q", lines[3])
	}

	path := filepath.Join(t.TempDir(), "export.txt")
	if err := store.ExportChatFile(peer.PeerID, path); err != nil {
		t.Fatalf("ExportChatFile failed: %v", err)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(written) != buf.String() {
		t.Fatalf("file export differs from writer export")
	}
}
