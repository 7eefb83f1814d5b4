package store

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// snapshotTimeFormat produces suffixes that sort lexicographically in time
// order, e.g. plans-20260824T153000Z.db.
const snapshotTimeFormat = "20060102T150405Z"

// Snapshot writes an online copy of db into destDir as <name>-<ts>.db using
// VACUUM INTO, which is safe against concurrent writers. A BLAKE3 checksum is
// written alongside as <file>.b3 so restores can verify integrity.
func Snapshot(db *sql.DB, name, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	ts := time.Now().UTC().Format(snapshotTimeFormat)
	dest := filepath.Join(destDir, fmt.Sprintf("%s-%s.db", name, ts))

	if _, err := db.Exec("VACUUM INTO ?", dest); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	if err := writeChecksum(dest); err != nil {
		return "", err
	}
	return dest, nil
}

// LatestSnapshot returns the newest snapshot for name in dir, or an error if
// none exist.
func LatestSnapshot(dir, name string) (string, error) {
	pattern := name + "-*.db"
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no snapshots matching %s in %s", pattern, dir)
	}
	sort.Strings(matches)
	return filepath.Join(dir, matches[len(matches)-1]), nil
}

// Restore replaces livePath with the snapshot file. The current live file
// (plus WAL sidecars) is archived under <archiveRoot>/pre-restore/<ts>/ before
// replacement. The caller must have closed the database first.
func Restore(snapshot, livePath, archiveRoot string) error {
	if err := verifyChecksum(snapshot); err != nil {
		return err
	}

	ts := time.Now().UTC().Format(snapshotTimeFormat)
	archiveDir := filepath.Join(archiveRoot, "pre-restore", ts)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := livePath + suffix
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(archiveDir, filepath.Base(src))); err != nil {
			return fmt.Errorf("archive %s: %w", src, err)
		}
	}

	return copyFile(snapshot, livePath)
}

func writeChecksum(path string) error {
	sum, err := fileChecksum(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".b3", []byte(sum+"\n"), 0o644)
}

func verifyChecksum(path string) error {
	want, err := os.ReadFile(path + ".b3")
	if err != nil {
		if os.IsNotExist(err) {
			// Snapshots made by other tools carry no checksum; accept them.
			return nil
		}
		return err
	}
	got, err := fileChecksum(path)
	if err != nil {
		return err
	}
	if got != strings.TrimSpace(string(want)) {
		return fmt.Errorf("checksum mismatch for %s", path)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
