package bootstrapcontroller

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	corev1listers "k8s.io/client-go/listers/core/v1"
	"k8s.io/klog/v2"

	operatorv1 "github.com/openshift/api/operator/v1"
	"github.com/openshift/library-go/pkg/controller/factory"
	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/resource/resourceapply"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/csohelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/health"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

// BootstrapController watches cluster formation and records the moment
// the manager quorum is established. Once the state ConfigMap says
// bootstrapped, the config renderer drops
// cluster.initial_cluster_manager_nodes and never brings it back.
type BootstrapController struct {
	operatorClient  v1helpers.OperatorClient
	kubeClient      kubernetes.Interface
	searchClient    searchcli.NodeLister
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
}

func NewBootstrapController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	kubeClient kubernetes.Interface,
	searchClient searchcli.NodeLister,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &BootstrapController{
		operatorClient:  operatorClient,
		kubeClient:      kubeClient,
		searchClient:    searchClient,
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("bootstrap-controller"),
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("BootstrapController", syncer)

	return factory.New().
		ResyncEvery(30*time.Second).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("BootstrapController", c.eventRecorder)
}

func (c *BootstrapController) sync(ctx context.Context, _ factory.SyncContext) error {
	operatorSpec, _, _, err := c.operatorClient.GetOperatorState()
	if err != nil {
		return err
	}
	if operatorSpec.ManagementState != operatorv1.Managed {
		return nil
	}

	alreadyBootstrapped, err := c.isMarkedBootstrapped()
	if err != nil {
		return err
	}
	if alreadyBootstrapped {
		return c.updateBootstrapCondition(ctx, true)
	}

	nodes, err := c.searchClient.NodeList(ctx)
	if err != nil {
		// the cluster may simply not be up yet
		klog.V(4).Infof("bootstrap check: could not list members: %v", err)
		return c.updateBootstrapCondition(ctx, false)
	}

	if !clusterhelpers.IsClusterBootstrapped(nodes) {
		return c.updateBootstrapCondition(ctx, false)
	}

	if err := c.markBootstrapped(ctx); err != nil {
		return err
	}
	c.eventRecorder.Eventf("ClusterBootstrapped", "cluster manager quorum established with %d members", len(nodes))
	return c.updateBootstrapCondition(ctx, true)
}

func (c *BootstrapController) isMarkedBootstrapped() (bool, error) {
	state, err := c.configMapLister.ConfigMaps(operatorclient.TargetNamespace).Get(csohelpers.StateConfigMapName)
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Data[csohelpers.BootstrappedKey] == "true", nil
}

// markBootstrapped flips the bootstrapped flag while preserving any
// other state keys already recorded.
func (c *BootstrapController) markBootstrapped(ctx context.Context) error {
	data := map[string]string{}
	if existing, err := c.configMapLister.ConfigMaps(operatorclient.TargetNamespace).Get(csohelpers.StateConfigMapName); err == nil {
		for k, v := range existing.Data {
			data[k] = v
		}
	} else if !apierrors.IsNotFound(err) {
		return err
	}
	data[csohelpers.BootstrappedKey] = "true"

	required := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      csohelpers.StateConfigMapName,
			Namespace: operatorclient.TargetNamespace,
		},
		Data: data,
	}
	_, _, err := resourceapply.ApplyConfigMap(ctx, c.kubeClient.CoreV1(), c.eventRecorder, required)
	return err
}

func (c *BootstrapController) updateBootstrapCondition(ctx context.Context, bootstrapped bool) error {
	condition := operatorv1.OperatorCondition{
		Type:    "BootstrapSafeToCleanup",
		Status:  operatorv1.ConditionFalse,
		Reason:  "WaitingForQuorum",
		Message: "waiting for the cluster manager quorum to form",
	}
	if bootstrapped {
		condition.Status = operatorv1.ConditionTrue
		condition.Reason = "ClusterBootstrapped"
		condition.Message = "cluster manager quorum is established, bootstrap configuration can be dropped"
	}
	_, _, err := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(condition))
	return err
}
