package backupcontroller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/openshift/library-go/pkg/operator/events"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
	"github.com/clustersearch/cluster-search-operator/pkg/backuphelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

func newTestController(now time.Time) (*BackupController, *searchcli.FakeSearchClient) {
	fakeSearch := searchcli.NewFakeSearchClient(nil)
	c := &BackupController{
		searchClient:  fakeSearch,
		eventRecorder: events.NewInMemoryRecorder("test", clock.RealClock{}),
		now:           func() time.Time { return now },
	}
	return c, fakeSearch
}

func hourlyBackup() *api.BackupConfig {
	return &api.BackupConfig{
		Repository: "default",
		Bucket:     "search-backups",
		Endpoint:   "https://s3.example.com",
		BasePath:   "prod",
		Schedule:   "0 * * * *",
		Retention:  api.RetentionPolicy{RetentionType: api.RetentionTypeNone},
	}
}

func TestReconcileRegistersRepository(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC)
	c, fakeSearch := newTestController(now)

	require.NoError(t, c.reconcileBackups(context.TODO(), hourlyBackup()))

	repo, ok := fakeSearch.Repositories["default"]
	require.True(t, ok)
	require.Equal(t, "search-backups", repo.Bucket)
	require.Equal(t, "https://s3.example.com", repo.Endpoint)
	require.Equal(t, "prod", repo.BasePath)
}

func TestReconcileTakesFirstSnapshot(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC)
	c, fakeSearch := newTestController(now)

	require.NoError(t, c.reconcileBackups(context.TODO(), hourlyBackup()))

	require.Len(t, fakeSearch.Snapshots["default"], 1)
	require.Equal(t, backuphelpers.SnapshotName(now), fakeSearch.Snapshots["default"][0].Name)
}

func TestReconcileHonorsSchedule(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC)
	c, fakeSearch := newTestController(now)
	// taken at 12:15, next activation is 13:00
	fakeSearch.Snapshots["default"] = []searchcli.Snapshot{
		{Name: backuphelpers.SnapshotName(now.Add(-15 * time.Minute)), State: "SUCCESS"},
	}

	require.NoError(t, c.reconcileBackups(context.TODO(), hourlyBackup()))
	require.Len(t, fakeSearch.Snapshots["default"], 1)

	// move past the next activation
	c.now = func() time.Time { return now.Add(time.Hour) }
	require.NoError(t, c.reconcileBackups(context.TODO(), hourlyBackup()))
	require.Len(t, fakeSearch.Snapshots["default"], 2)
}

func TestReconcileWaitsForRunningSnapshot(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC)
	c, fakeSearch := newTestController(now)
	fakeSearch.Snapshots["default"] = []searchcli.Snapshot{
		{Name: backuphelpers.SnapshotName(now.Add(-2 * time.Hour)), State: "IN_PROGRESS"},
	}

	require.NoError(t, c.reconcileBackups(context.TODO(), hourlyBackup()))
	require.Len(t, fakeSearch.Snapshots["default"], 1)
}

func TestReconcileWithoutSchedule(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC)
	backup := hourlyBackup()
	backup.Schedule = ""
	backup.Retention = api.RetentionPolicy{
		RetentionType:   api.RetentionTypeNumber,
		RetentionNumber: &api.RetentionNumberConfig{MaxNumberOfSnapshots: 1},
	}

	c, fakeSearch := newTestController(now)
	for _, age := range []time.Duration{time.Hour, 2 * time.Hour} {
		taken := now.Add(-age)
		fakeSearch.Snapshots["default"] = append(fakeSearch.Snapshots["default"], searchcli.Snapshot{
			Name:          backuphelpers.SnapshotName(taken),
			State:         "SUCCESS",
			EndTimeMillis: taken.UnixMilli(),
		})
	}

	require.NoError(t, c.reconcileBackups(context.TODO(), backup))

	// repository registered for one-shot backups, no scheduled snapshot taken, retention applied
	_, ok := fakeSearch.Repositories["default"]
	require.True(t, ok)
	remaining := fakeSearch.Snapshots["default"]
	require.Len(t, remaining, 1)
	require.Equal(t, backuphelpers.SnapshotName(now.Add(-time.Hour)), remaining[0].Name)
}

func TestReconcileAppliesNumberRetention(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC)
	backup := hourlyBackup()
	backup.Retention = api.RetentionPolicy{
		RetentionType:   api.RetentionTypeNumber,
		RetentionNumber: &api.RetentionNumberConfig{MaxNumberOfSnapshots: 2},
	}

	c, fakeSearch := newTestController(now)
	// schedule not due: last snapshot at 12:15, next activation 13:00
	for _, age := range []time.Duration{15 * time.Minute, 2 * time.Hour, 3 * time.Hour, 4 * time.Hour} {
		taken := now.Add(-age)
		fakeSearch.Snapshots["default"] = append(fakeSearch.Snapshots["default"], searchcli.Snapshot{
			Name:          backuphelpers.SnapshotName(taken),
			State:         "SUCCESS",
			EndTimeMillis: taken.UnixMilli(),
		})
	}

	require.NoError(t, c.reconcileBackups(context.TODO(), backup))

	remaining := fakeSearch.Snapshots["default"]
	require.Len(t, remaining, 2)
	require.Equal(t, backuphelpers.SnapshotName(now.Add(-15*time.Minute)), remaining[0].Name)
	require.Equal(t, backuphelpers.SnapshotName(now.Add(-2*time.Hour)), remaining[1].Name)
}
