package backupcontroller

import (
	"context"
	"fmt"
	"time"

	corev1listers "k8s.io/client-go/listers/core/v1"
	"k8s.io/klog/v2"

	operatorv1 "github.com/openshift/api/operator/v1"
	"github.com/openshift/library-go/pkg/controller/factory"
	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
	"github.com/clustersearch/cluster-search-operator/pkg/backuphelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/csohelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/health"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

// BackupController drives scheduled snapshots against the configured
// object storage repository. At most one snapshot is in flight and
// retention runs after the schedule, never deleting the only
// successful snapshot.
type BackupController struct {
	operatorClient  v1helpers.OperatorClient
	searchClient    searchcli.SnapshotManager
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
	now             func() time.Time
}

func NewBackupController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	searchClient searchcli.SnapshotManager,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &BackupController{
		operatorClient:  operatorClient,
		searchClient:    searchClient,
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("backup-controller"),
		now:             time.Now,
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("BackupController", syncer)

	return factory.New().
		ResyncEvery(time.Minute).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.OperatorNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("BackupController", c.eventRecorder)
}

func (c *BackupController) sync(ctx context.Context, _ factory.SyncContext) error {
	operatorSpec, _, _, err := c.operatorClient.GetOperatorState()
	if err != nil {
		return err
	}
	if operatorSpec.ManagementState != operatorv1.Managed {
		return nil
	}

	cfg, err := csohelpers.ReadClusterConfig(c.configMapLister)
	if err != nil {
		return c.reportDegraded(ctx, err)
	}
	if cfg.Backup == nil {
		return c.clearDegraded(ctx)
	}

	if err := c.reconcileBackups(ctx, cfg.Backup); err != nil {
		return c.reportDegraded(ctx, err)
	}
	return c.clearDegraded(ctx)
}

func (c *BackupController) reconcileBackups(ctx context.Context, backup *api.BackupConfig) error {
	err := c.searchClient.EnsureSnapshotRepository(ctx, backup.Repository, searchcli.RepositorySettings{
		Bucket:   backup.Bucket,
		Endpoint: backup.Endpoint,
		BasePath: backup.BasePath,
	})
	if err != nil {
		return fmt.Errorf("could not ensure snapshot repository %q: %w", backup.Repository, err)
	}

	snapshots, err := c.searchClient.ListSnapshots(ctx, backup.Repository)
	if err != nil {
		return fmt.Errorf("could not list snapshots in %q: %w", backup.Repository, err)
	}

	// an empty schedule disables scheduled snapshots, the repository
	// stays registered for one-shot backups and retention still applies
	if backup.Schedule == "" {
		return c.applyRetention(ctx, backup, snapshots)
	}

	var lastTaken time.Time
	for _, snapshot := range snapshots {
		if snapshot.State == backuphelpers.SnapshotStateInProgress {
			klog.V(4).Infof("snapshot %s is still running, holding the schedule", snapshot.Name)
			return nil
		}
		taken, err := backuphelpers.ParseSnapshotTime(snapshot.Name)
		if err != nil {
			// foreign snapshots in the repository do not drive the schedule
			continue
		}
		if taken.After(lastTaken) {
			lastTaken = taken
		}
	}

	due, err := backuphelpers.IsSnapshotDue(backup.Schedule, lastTaken, c.now())
	if err != nil {
		return err
	}
	if due {
		name := backuphelpers.SnapshotName(c.now())
		if err := c.searchClient.CreateSnapshot(ctx, backup.Repository, name); err != nil {
			return fmt.Errorf("could not create snapshot %q: %w", name, err)
		}
		c.eventRecorder.Eventf("SnapshotCreated", "started snapshot %s in repository %s", name, backup.Repository)
		return nil
	}

	return c.applyRetention(ctx, backup, snapshots)
}

func (c *BackupController) applyRetention(ctx context.Context, backup *api.BackupConfig, snapshots []searchcli.Snapshot) error {
	infos := make([]backuphelpers.SnapshotInfo, 0, len(snapshots))
	for _, snapshot := range snapshots {
		infos = append(infos, snapshotInfo(snapshot))
	}

	for _, name := range backuphelpers.SnapshotsToPrune(backup.Retention, infos) {
		if err := c.searchClient.DeleteSnapshot(ctx, backup.Repository, name); err != nil {
			return fmt.Errorf("could not prune snapshot %q: %w", name, err)
		}
		c.eventRecorder.Eventf("SnapshotPruned", "deleted snapshot %s per retention policy", name)
	}
	return nil
}

// snapshotInfo converts a repository listing entry, falling back to the
// timestamp encoded in the name when the listing carries no end time.
func snapshotInfo(snapshot searchcli.Snapshot) backuphelpers.SnapshotInfo {
	endTime := time.UnixMilli(snapshot.EndTimeMillis)
	if snapshot.EndTimeMillis == 0 {
		if taken, err := backuphelpers.ParseSnapshotTime(snapshot.Name); err == nil {
			endTime = taken
		}
	}
	return backuphelpers.SnapshotInfo{
		Name:      snapshot.Name,
		State:     snapshot.State,
		EndTime:   endTime,
		SizeBytes: snapshot.TotalSizeBytes,
	}
}

func (c *BackupController) clearDegraded(ctx context.Context) error {
	_, _, err := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:   "BackupControllerDegraded",
		Status: operatorv1.ConditionFalse,
		Reason: "AsExpected",
	}))
	return err
}

func (c *BackupController) reportDegraded(ctx context.Context, err error) error {
	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:    "BackupControllerDegraded",
		Status:  operatorv1.ConditionTrue,
		Reason:  "SynchronizationError",
		Message: err.Error(),
	}))
	if updateErr != nil {
		return updateErr
	}
	return err
}
