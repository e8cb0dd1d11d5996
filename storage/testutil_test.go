package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddPeer(t *testing.T, store *Store, name, host string, port int) *Peer {
	t.Helper()

	peer, err := store.AddPeer(Peer{Name: name, Host: host, Port: port})
	if err != nil {
		t.Fatalf("add peer %q: %v", name, err)
	}
	return peer
}
