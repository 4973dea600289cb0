// Package snapshot archives the agent's durable state — the State Store,
// Trade Ledger, and Learning Memory msgpack files plus their JSON mirrors
// and the universe rule cache — into a single tar.gz and ships it to
// Cloudflare R2 on the housekeeping schedule (§6, §11). It implements
// housekeeping.Backupper so the scheduler never imports a concrete
// storage backend.
package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const filePrefix = "agent-backup-"

// Config controls the R2 destination and which local files are archived.
type Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	DataDir         string   // base dir holding state/ledger/learning/universe files
	Files           []string // basenames under DataDir to include, e.g. "state.msgpack"
}

// minBackupsToKeep floors rotation so a misconfigured retention window
// can never delete every backup in one pass.
const minBackupsToKeep = 3

// Service uploads and rotates backups against Cloudflare R2.
type Service struct {
	client *r2Client
	cfg    Config
	log    zerolog.Logger
}

// New constructs a Service. Returns an error if the R2 client can't be
// built (bad credentials config) — the caller should treat a disabled
// backup config (R2Enabled=false) as "don't construct this at all" rather
// than passing it in.
func New(cfg Config, log zerolog.Logger) (*Service, error) {
	client, err := newR2Client(cfg.AccountID, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.Bucket, log)
	if err != nil {
		return nil, err
	}
	return &Service{client: client, cfg: cfg, log: log.With().Str("component", "snapshot").Logger()}, nil
}

// Backup archives the configured files into a timestamped tar.gz and
// uploads it to R2. Implements housekeeping.Backupper.
func (s *Service) Backup(ctx context.Context) error {
	start := time.Now()

	stagingDir := filepath.Join(s.cfg.DataDir, "snapshot-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("snapshot: create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	archiveName := fmt.Sprintf("%s%s.tar.gz", filePrefix, time.Now().UTC().Format("2006-01-02-150405"))
	archivePath := filepath.Join(stagingDir, archiveName)

	if err := s.createArchive(archivePath); err != nil {
		return fmt.Errorf("snapshot: create archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("snapshot: stat archive: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("snapshot: open archive: %w", err)
	}
	defer f.Close()

	if err := s.client.Upload(ctx, archiveName, f, info.Size()); err != nil {
		return err
	}

	s.log.Info().
		Dur("duration", time.Since(start)).
		Str("archive", archiveName).
		Int64("size_bytes", info.Size()).
		Msg("snapshot backup uploaded")
	return nil
}

// Prune deletes backups older than retain, always keeping at least the
// minBackupsToKeep most recent regardless of age. Implements
// housekeeping.Backupper.
func (s *Service) Prune(ctx context.Context, retain time.Duration) error {
	backups, err := s.list(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: list backups: %w", err)
	}
	if len(backups) <= minBackupsToKeep {
		s.log.Debug().Int("count", len(backups)).Msg("too few backups to prune")
		return nil
	}

	expired := selectExpired(backups, retain, time.Now())
	deleted := 0
	for _, b := range expired {
		if err := s.client.Delete(ctx, b.key); err != nil {
			s.log.Warn().Err(err).Str("key", b.key).Msg("failed to delete expired backup")
			continue
		}
		deleted++
	}

	s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("snapshot retention prune complete")
	return nil
}

type backupEntry struct {
	key       string
	timestamp time.Time
	size      int64
}

// selectExpired returns the subset of backups (already sorted newest
// first) eligible for deletion: beyond the minBackupsToKeep floor and
// older than retain. retain <= 0 means keep forever beyond the floor.
func selectExpired(backups []backupEntry, retain time.Duration, now time.Time) []backupEntry {
	if retain <= 0 || len(backups) <= minBackupsToKeep {
		return nil
	}
	cutoff := now.Add(-retain)
	var expired []backupEntry
	for i, b := range backups {
		if i < minBackupsToKeep {
			continue
		}
		if b.timestamp.Before(cutoff) {
			expired = append(expired, b)
		}
	}
	return expired
}

func (s *Service) list(ctx context.Context) ([]backupEntry, error) {
	objects, err := s.client.List(ctx, filePrefix)
	if err != nil {
		return nil, err
	}

	out := make([]backupEntry, 0, len(objects))
	for _, obj := range objects {
		t, ok := parseBackupTimestamp(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("skipping backup with unparseable timestamp")
			continue
		}
		out = append(out, backupEntry{key: obj.Key, timestamp: t, size: obj.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].timestamp.After(out[j].timestamp) })
	return out, nil
}

// parseBackupTimestamp extracts the UTC timestamp embedded in a backup
// object key, e.g. "agent-backup-2026-07-30-020000.tar.gz".
func parseBackupTimestamp(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, filePrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(key, filePrefix), ".tar.gz")
	t, err := time.Parse("2006-01-02-150405", ts)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Service) createArchive(archivePath string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gz := gzip.NewWriter(archiveFile)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, name := range s.cfg.Files {
		if err := addFileToArchive(tw, filepath.Join(s.cfg.DataDir, name), name); err != nil {
			if os.IsNotExist(err) {
				continue // not every file exists yet on a fresh deployment
			}
			return err
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr := &tar.Header{Name: nameInArchive, Mode: 0644, Size: info.Size(), ModTime: info.ModTime()}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
