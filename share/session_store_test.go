package tnshare

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSessionFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write session file: %s", err)
	}
}

func TestSessionStoreLoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	writeSessionFile(t, path, `[{"id":1,"client_password":"c1","server_password":"s1"}]`)

	store, err := LoadSessionStore(testLogger(), path)
	if err != nil {
		t.Fatalf("LoadSessionStore: %s", err)
	}
	defer store.Close()

	table := store.Table()
	sess := table.Lookup(1)
	if sess == nil || string(sess.ClientPassword) != "c1" {
		t.Fatalf("unexpected initial table: %+v", table)
	}

	writeSessionFile(t, path, `[{"id":1,"client_password":"c1","server_password":"s1"},{"id":2,"client_password":"c2","server_password":"s2"}]`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Table().Lookup(2) != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session file change was not picked up by the watcher within the deadline")
}

func TestSessionStoreRejectsMissingFile(t *testing.T) {
	_, err := LoadSessionStore(testLogger(), filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected an error loading a nonexistent session file")
	}
	if KindOf(err) != ErrKindConfiguration {
		t.Fatalf("expected ErrKindConfiguration, got %s", KindOf(err))
	}
}
