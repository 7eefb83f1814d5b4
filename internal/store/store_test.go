package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesFileAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("INSERT INTO t DEFAULT VALUES"); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestWithRetry_TransientBusy(t *testing.T) {
	calls := 0
	err := WithRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 2}, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetry_NonTransientNotRetried(t *testing.T) {
	calls := 0
	err := WithRetry(DefaultRetry, func() error {
		calls++
		return errors.New("syntax error")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single failing call, got calls=%d err=%v", calls, err)
	}
}

func TestWithRetry_Exhaustion(t *testing.T) {
	calls := 0
	err := WithRetry(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestSnapshotAndRestore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "data", "things.db")
	backups := filepath.Join(dir, "backups")

	db, err := Open(live)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("CREATE TABLE things (name TEXT)"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("INSERT INTO things VALUES ('original')"); err != nil {
		t.Fatal(err)
	}

	snap, err := Snapshot(db, "things", backups)
	if err != nil {
		t.Fatal(err)
	}

	// Mutate after snapshot, then restore: mutation must be gone.
	if _, err := db.Exec("INSERT INTO things VALUES ('after-snapshot')"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if err := Restore(snap, live, dir); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(live)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	var n int
	if err := db2.QueryRow("SELECT COUNT(*) FROM things").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected restored row count 1, got %d", n)
	}
}

func TestLatestSnapshot_PicksNewest(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "plans.db")
	db, err := Open(live)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec("CREATE TABLE p (id INTEGER)"); err != nil {
		t.Fatal(err)
	}

	backups := filepath.Join(dir, "backups")
	var last string
	for i := 0; i < 2; i++ {
		s, err := Snapshot(db, "plans", backups)
		if err != nil {
			t.Fatal(err)
		}
		last = s
		time.Sleep(1100 * time.Millisecond) // suffix has second resolution
	}
	_ = last

	got, err := LatestSnapshot(backups, "plans")
	if err != nil {
		t.Fatal(err)
	}
	if got != last {
		t.Fatalf("expected latest %s, got %s", last, got)
	}
}

func TestLatestSnapshot_NoneFound(t *testing.T) {
	if _, err := LatestSnapshot(t.TempDir(), "plans"); err == nil {
		t.Fatal("expected error when no snapshots exist")
	}
}

func TestRestore_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "audit.db")
	db, err := Open(live)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("CREATE TABLE a (id INTEGER)"); err != nil {
		t.Fatal(err)
	}
	snap, err := Snapshot(db, "audit", filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	// Corrupt the snapshot.
	if err := appendBytes(snap, []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	if err := Restore(snap, live, dir); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func appendBytes(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(b)
	return err
}
