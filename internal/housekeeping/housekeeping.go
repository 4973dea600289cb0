// Package housekeeping runs the agent's calendar-bound auxiliary jobs —
// daily counter reset, a reconciliation backstop, and durable-snapshot
// backup rotation — on their own cron(v3) schedule, deliberately separate
// from the Agent Loop's own cycle (§4.12/§5): those per-cycle phases stay
// a single deterministic in-process loop, never calendar-triggered.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Backupper is the narrow contract the nightly rotation job needs from
// the snapshot/backup component. Kept as an interface so housekeeping
// never imports a concrete storage backend.
type Backupper interface {
	Backup(ctx context.Context) error
	Prune(ctx context.Context, retain time.Duration) error
}

// DBMaintainer runs the nightly WAL-checkpoint/vacuum/integrity pass
// across the agent's SQLite databases, returning one log-ready summary
// line per database. Kept as an interface so housekeeping never imports
// the database package directly.
type DBMaintainer interface {
	Maintain(ctx context.Context) []DBMaintenanceResult
}

// DBMaintenanceResult is one database's outcome from a maintenance pass.
type DBMaintenanceResult struct {
	Name         string
	Err          error
	SizeBytes    int64
	WALSizeBytes int64
}

// DailyReset is called at the configured day boundary as a calendar
// backstop to the Agent Loop's own date-comparison reset in
// HousekeepingPhase — harmless if both fire, since resetting an
// already-reset day's counters is a no-op for the caller.
type DailyReset func()

// ReconcileBackstop triggers an out-of-band reconciliation pass, in case
// the Agent Loop's own cycle-count trigger has gone quiet (e.g. the
// process is stuck mid-cycle past its phase budget).
type ReconcileBackstop func(ctx context.Context) error

// Config controls job cadence. Cron expressions are standard five-field
// (minute hour dom month dow), evaluated in the server's local time zone
// unless the schedule is UTC-pinned per job below.
type Config struct {
	DailyResetSpec        string        // default "0 0 * * *" (00:00 daily)
	ReconcileBackstopSpec string        // default "0 * * * *" (hourly)
	BackupSpec            string        // default "0 2 * * *" (02:00 daily)
	BackupRetention       time.Duration // how long backups are kept before Prune, default 14 days
	DBMaintenanceSpec     string        // default "0 3 * * *" (03:00 daily, after the backup window)
	JobTimeout            time.Duration // context budget per job run, default 2 minutes
}

// DefaultConfig returns the suggested cadence from §11.
func DefaultConfig() Config {
	return Config{
		DailyResetSpec:        "0 0 * * *",
		ReconcileBackstopSpec: "0 * * * *",
		BackupSpec:            "0 2 * * *",
		BackupRetention:       14 * 24 * time.Hour,
		DBMaintenanceSpec:     "0 3 * * *",
		JobTimeout:            2 * time.Minute,
	}
}

// Scheduler owns the cron runner and the handlers it dispatches to.
type Scheduler struct {
	cfg Config
	log zerolog.Logger

	reset      DailyReset
	reconcile  ReconcileBackstop
	backup     Backupper
	dbs        DBMaintainer

	c *cron.Cron
}

// New constructs a Scheduler. backup may be nil if snapshot backups are
// disabled (R2_BACKUP_ENABLED=false); the backup job is then skipped
// entirely rather than registered as a no-op, so it never shows up in
// cron's entry list or logs. dbs may be nil to skip the maintenance job
// entirely (e.g. in tests that don't wire real SQLite files).
func New(cfg Config, reset DailyReset, reconcile ReconcileBackstop, backup Backupper, dbs DBMaintainer, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		log:       log.With().Str("component", "housekeeping").Logger(),
		reset:     reset,
		reconcile: reconcile,
		backup:    backup,
		dbs:       dbs,
		c:         cron.New(),
	}
}

// Start registers every configured job and starts the cron runner in its
// own goroutine. Safe to call once; call Stop to shut down cleanly.
func (s *Scheduler) Start() error {
	if _, err := s.c.AddFunc(s.cfg.DailyResetSpec, s.runDailyReset); err != nil {
		return err
	}
	if _, err := s.c.AddFunc(s.cfg.ReconcileBackstopSpec, s.runReconcileBackstop); err != nil {
		return err
	}
	if s.backup != nil {
		if _, err := s.c.AddFunc(s.cfg.BackupSpec, s.runBackup); err != nil {
			return err
		}
	}
	if s.dbs != nil {
		if _, err := s.c.AddFunc(s.cfg.DBMaintenanceSpec, s.runDBMaintenance); err != nil {
			return err
		}
	}
	s.c.Start()
	s.log.Info().
		Str("daily_reset", s.cfg.DailyResetSpec).
		Str("reconcile_backstop", s.cfg.ReconcileBackstopSpec).
		Bool("backup_enabled", s.backup != nil).
		Bool("db_maintenance_enabled", s.dbs != nil).
		Msg("housekeeping scheduler started")
	return nil
}

// Stop halts the cron runner, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.c.Stop()
	<-ctx.Done()
	s.log.Info().Msg("housekeeping scheduler stopped")
}

func (s *Scheduler) runDailyReset() {
	s.log.Info().Msg("running scheduled daily counter reset")
	s.reset()
}

func (s *Scheduler) runReconcileBackstop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if err := s.reconcile(ctx); err != nil {
		s.log.Warn().Err(err).Msg("reconciliation backstop failed")
	}
}

func (s *Scheduler) runBackup() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if err := s.backup.Backup(ctx); err != nil {
		s.log.Error().Err(err).Msg("snapshot backup failed")
		return
	}
	if err := s.backup.Prune(ctx, s.cfg.BackupRetention); err != nil {
		s.log.Warn().Err(err).Msg("snapshot retention prune failed")
	}
}

func (s *Scheduler) runDBMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	for _, res := range s.dbs.Maintain(ctx) {
		if res.Err != nil {
			s.log.Error().Err(res.Err).Str("database", res.Name).Msg("database maintenance failed")
			continue
		}
		s.log.Info().
			Str("database", res.Name).
			Int64("size_bytes", res.SizeBytes).
			Int64("wal_size_bytes", res.WALSizeBytes).
			Msg("database maintenance complete")
	}
}
