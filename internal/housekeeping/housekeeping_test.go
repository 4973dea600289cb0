package housekeeping

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackupper struct {
	backups int32
	prunes  int32
	failBackup bool
}

func (f *fakeBackupper) Backup(ctx context.Context) error {
	atomic.AddInt32(&f.backups, 1)
	if f.failBackup {
		return assert.AnError
	}
	return nil
}

func (f *fakeBackupper) Prune(ctx context.Context, retain time.Duration) error {
	atomic.AddInt32(&f.prunes, 1)
	return nil
}

type fakeDBMaintainer struct {
	runs    int32
	results []DBMaintenanceResult
}

func (f *fakeDBMaintainer) Maintain(ctx context.Context) []DBMaintenanceResult {
	atomic.AddInt32(&f.runs, 1)
	return f.results
}

func TestStart_RegistersJobsAndSkipsOptionalJobsWhenNil(t *testing.T) {
	var resets int32
	reset := func() { atomic.AddInt32(&resets, 1) }
	reconcile := func(ctx context.Context) error { return nil }

	cfg := DefaultConfig()
	s := New(cfg, reset, reconcile, nil, nil, zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Len(t, s.c.Entries(), 2, "backup and DB maintenance jobs should not be registered when their deps are nil")
}

func TestStart_RegistersBackupAndDBMaintenanceWhenProvided(t *testing.T) {
	reset := func() {}
	reconcile := func(ctx context.Context) error { return nil }
	backup := &fakeBackupper{}
	dbs := &fakeDBMaintainer{}

	cfg := DefaultConfig()
	s := New(cfg, reset, reconcile, backup, dbs, zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Len(t, s.c.Entries(), 4)
}

func TestRunDailyReset_InvokesHandler(t *testing.T) {
	var resets int32
	reset := func() { atomic.AddInt32(&resets, 1) }
	s := New(DefaultConfig(), reset, func(ctx context.Context) error { return nil }, nil, nil, zerolog.Nop())

	s.runDailyReset()

	assert.EqualValues(t, 1, atomic.LoadInt32(&resets))
}

func TestRunReconcileBackstop_LogsErrorWithoutPanicking(t *testing.T) {
	s := New(DefaultConfig(), func() {}, func(ctx context.Context) error { return assert.AnError }, nil, nil, zerolog.Nop())

	assert.NotPanics(t, func() { s.runReconcileBackstop() })
}

func TestRunBackup_PrunesAfterSuccessfulBackup(t *testing.T) {
	backup := &fakeBackupper{}
	s := New(DefaultConfig(), func() {}, func(ctx context.Context) error { return nil }, backup, nil, zerolog.Nop())

	s.runBackup()

	assert.EqualValues(t, 1, atomic.LoadInt32(&backup.backups))
	assert.EqualValues(t, 1, atomic.LoadInt32(&backup.prunes))
}

func TestRunBackup_SkipsPruneOnBackupFailure(t *testing.T) {
	backup := &fakeBackupper{failBackup: true}
	s := New(DefaultConfig(), func() {}, func(ctx context.Context) error { return nil }, backup, nil, zerolog.Nop())

	s.runBackup()

	assert.EqualValues(t, 1, atomic.LoadInt32(&backup.backups))
	assert.EqualValues(t, 0, atomic.LoadInt32(&backup.prunes), "a failed backup must not be pruned away")
}

func TestRunDBMaintenance_InvokesMaintainAndDoesNotPanicOnPartialFailure(t *testing.T) {
	dbs := &fakeDBMaintainer{results: []DBMaintenanceResult{
		{Name: "ledger", SizeBytes: 1024},
		{Name: "cache", Err: assert.AnError},
	}}
	s := New(DefaultConfig(), func() {}, func(ctx context.Context) error { return nil }, nil, dbs, zerolog.Nop())

	assert.NotPanics(t, func() { s.runDBMaintenance() })
	assert.EqualValues(t, 1, atomic.LoadInt32(&dbs.runs))
}

func TestStop_WaitsForInFlightJobBeforeReturning(t *testing.T) {
	backup := &fakeBackupper{}
	s := New(DefaultConfig(), func() {}, func(ctx context.Context) error { return nil }, backup, nil, zerolog.Nop())
	require.NoError(t, s.Start())

	s.Stop()

	assert.Len(t, s.c.Entries(), 3, "Stop only halts future ticks, registered entries remain visible")
}
