package multiclustercontroller

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1listers "k8s.io/client-go/listers/core/v1"
	"k8s.io/klog/v2"

	operatorv1 "github.com/openshift/api/operator/v1"
	"github.com/openshift/library-go/pkg/controller/factory"
	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/csohelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/health"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

// remoteSeedsSettingPrefix scopes the persistent settings this
// controller owns. Everything below it is reconciled against the
// declared remote clusters.
const remoteSeedsSettingPrefix = "cluster.remote."

// MultiClusterController links this cluster to the declared remote
// clusters for cross-cluster search. Remotes removed from the config
// have their seed settings pruned.
type MultiClusterController struct {
	operatorClient  v1helpers.OperatorClient
	searchClient    searchcli.SettingsManager
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
}

func NewMultiClusterController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	searchClient searchcli.SettingsManager,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &MultiClusterController{
		operatorClient:  operatorClient,
		searchClient:    searchClient,
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("multi-cluster-controller"),
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("MultiClusterController", syncer)

	return factory.New().
		ResyncEvery(time.Minute).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.OperatorNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("MultiClusterController", c.eventRecorder)
}

func (c *MultiClusterController) sync(ctx context.Context, _ factory.SyncContext) error {
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

	current, err := c.searchClient.GetPersistentSettings(ctx)
	if err != nil {
		// the cluster may not be reachable yet
		klog.V(4).Infof("remote clusters: could not read settings: %v", err)
		return nil
	}

	updates := remoteSeedUpdates(cfg.RemoteClusters, current)
	if len(updates) == 0 {
		return c.clearDegraded(ctx)
	}

	if err := c.searchClient.UpdatePersistentSettings(ctx, updates); err != nil {
		return c.reportDegraded(ctx, fmt.Errorf("could not update remote cluster seeds: %w", err))
	}
	c.eventRecorder.Eventf("RemoteClustersUpdated", "reconciled %d remote cluster seed settings", len(updates))
	return c.clearDegraded(ctx)
}

// remoteSeedUpdates computes the settings delta: changed or missing
// seeds for declared remotes, nil entries for remotes no longer
// declared.
func remoteSeedUpdates(declared []api.RemoteCluster, current map[string]interface{}) map[string]interface{} {
	updates := map[string]interface{}{}

	declaredKeys := map[string]string{}
	for _, remote := range declared {
		key := remoteSeedsSettingPrefix + remote.Name + ".seeds"
		declaredKeys[key] = strings.Join(remote.Seeds, ",")
	}

	for key, want := range declaredKeys {
		if got, ok := current[key].(string); !ok || got != want {
			updates[key] = want
		}
	}
	for key := range current {
		if !strings.HasPrefix(key, remoteSeedsSettingPrefix) || !strings.HasSuffix(key, ".seeds") {
			continue
		}
		if _, stillDeclared := declaredKeys[key]; !stillDeclared {
			updates[key] = nil
		}
	}
	return updates
}

func (c *MultiClusterController) clearDegraded(ctx context.Context) error {
	_, _, err := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:   "MultiClusterControllerDegraded",
		Status: operatorv1.ConditionFalse,
		Reason: "AsExpected",
	}))
	return err
}

func (c *MultiClusterController) reportDegraded(ctx context.Context, err error) error {
	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:    "MultiClusterControllerDegraded",
		Status:  operatorv1.ConditionTrue,
		Reason:  "SynchronizationError",
		Message: err.Error(),
	}))
	if updateErr != nil {
		return updateErr
	}
	return err
}
