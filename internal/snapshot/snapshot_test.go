package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackupTimestamp_ValidKey(t *testing.T) {
	ts, ok := parseBackupTimestamp("agent-backup-2026-07-30-020000.tar.gz")
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())
	assert.Equal(t, time.Month(7), ts.Month())
	assert.Equal(t, 30, ts.Day())
}

func TestParseBackupTimestamp_WrongPrefixOrSuffix(t *testing.T) {
	_, ok := parseBackupTimestamp("other-backup-2026-07-30-020000.tar.gz")
	assert.False(t, ok)

	_, ok = parseBackupTimestamp("agent-backup-2026-07-30-020000.zip")
	assert.False(t, ok)
}

func entriesAt(days ...int) []backupEntry {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	out := make([]backupEntry, len(days))
	for i, d := range days {
		out[i] = backupEntry{key: "k", timestamp: now.AddDate(0, 0, -d)}
	}
	return out
}

func TestSelectExpired_KeepsFloorRegardlessOfAge(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	backups := entriesAt(0, 1, 2, 100, 200) // 5 backups, two very old

	expired := selectExpired(backups, 14*24*time.Hour, now)
	assert.Len(t, expired, 2, "only the two entries beyond the floor and older than retention should expire")
}

func TestSelectExpired_RetainZeroKeepsEverythingBeyondFloor(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	backups := entriesAt(0, 1, 2, 100, 200)

	expired := selectExpired(backups, 0, now)
	assert.Empty(t, expired, "retain <= 0 means keep forever beyond the floor")
}

func TestSelectExpired_TooFewBackupsNeverExpires(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	backups := entriesAt(0, 100)

	expired := selectExpired(backups, 14*24*time.Hour, now)
	assert.Empty(t, expired, "at or below the floor count, nothing is ever selected for deletion")
}

func TestService_CreateArchive_PacksConfiguredFiles(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "state.msgpack"), []byte("state-bytes"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "ledger.msgpack"), []byte("ledger-bytes"), 0644))

	s := &Service{
		cfg: Config{DataDir: dataDir, Files: []string{"state.msgpack", "ledger.msgpack", "missing.msgpack"}},
		log: zerolog.Nop(),
	}

	archivePath := filepath.Join(t.TempDir(), "out.tar.gz")
	require.NoError(t, s.createArchive(archivePath))

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	seen := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		seen[hdr.Name] = true
	}
	assert.True(t, seen["state.msgpack"])
	assert.True(t, seen["ledger.msgpack"])
	assert.False(t, seen["missing.msgpack"], "a file absent on disk should be skipped, not error the whole archive")
}
