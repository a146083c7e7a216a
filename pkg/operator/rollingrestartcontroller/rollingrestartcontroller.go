package rollingrestartcontroller

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
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

// RollingRestartController rolls configuration changes through the
// cluster. A pod whose config-revision annotation no longer matches the
// rendered ConfigMap is deleted, one at a time, and recreated by the
// member controller with the fresh config. A restart only starts while
// every member is healthy and no removal is draining shards, so the
// cluster never has more than one node down on purpose.
type RollingRestartController struct {
	operatorClient  v1helpers.OperatorClient
	kubeClient      kubernetes.Interface
	searchClient    searchcli.SearchClient
	podLister       corev1listers.PodLister
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
}

func NewRollingRestartController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	kubeClient kubernetes.Interface,
	searchClient searchcli.SearchClient,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &RollingRestartController{
		operatorClient:  operatorClient,
		kubeClient:      kubeClient,
		searchClient:    searchClient,
		podLister:       kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods().Lister(),
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("rolling-restart-controller"),
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("RollingRestartController", syncer)

	return factory.New().
		ResyncEvery(time.Minute).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods().Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("RollingRestartController", c.eventRecorder)
}

func (c *RollingRestartController) sync(ctx context.Context, _ factory.SyncContext) error {
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

	nodeConfig, err := c.configMapLister.ConfigMaps(operatorclient.TargetNamespace).Get(csohelpers.NodeConfigMapName)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return c.reportDegraded(ctx, err)
	}
	currentRevision := nodeConfig.Annotations[csohelpers.ConfigRevisionAnnotation]

	pods, err := c.memberPods()
	if err != nil {
		return c.reportDegraded(ctx, err)
	}

	stale := stalePods(pods, currentRevision, cfg.Replicas)
	if len(stale) == 0 {
		if err := c.finishRollout(ctx, cfg, pods); err != nil {
			return c.reportDegraded(ctx, err)
		}
		return c.updateProgressingCondition(ctx, "")
	}

	restarting, err := c.restartOneNode(ctx, cfg, pods, stale, currentRevision)
	if err != nil {
		return c.reportDegraded(ctx, err)
	}
	return c.updateProgressingCondition(ctx, restarting)
}

// stalePods returns the pods running an outdated config revision,
// lowest ordinal first, ignoring ordinals beyond the desired count
// which belong to the removal controller.
func stalePods(pods []*corev1.Pod, currentRevision string, replicas int) []*corev1.Pod {
	var stale []*corev1.Pod
	for _, pod := range pods {
		ordinal, err := csohelpers.MemberOrdinal(pod.Name)
		if err != nil || ordinal >= replicas {
			continue
		}
		if pod.Annotations[csohelpers.ConfigRevisionAnnotation] != currentRevision {
			stale = append(stale, pod)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Name < stale[j].Name })
	return stale
}

// restartOneNode deletes the first stale pod once the cluster can take
// the hit. Returns the name of the restarted node, empty when held
// back.
func (c *RollingRestartController) restartOneNode(ctx context.Context, cfg *api.ClusterConfig, pods []*corev1.Pod, stale []*corev1.Pod, currentRevision string) (string, error) {
	if len(pods) < cfg.Replicas {
		// a previous restart is still coming back up
		klog.V(2).Infof("holding restart: %d of %d members present", len(pods), cfg.Replicas)
		return "", nil
	}
	for _, pod := range pods {
		if !isPodReady(pod) {
			klog.V(2).Infof("holding restart: member %s is not ready", pod.Name)
			return "", nil
		}
	}

	removalInFlight, err := c.removalInFlight(ctx)
	if err != nil {
		return "", err
	}
	if removalInFlight {
		klog.V(2).Info("holding restart: a member removal is draining shards")
		return "", nil
	}

	if err := csohelpers.CheckSafeToDisruptOneNode(ctx, c.searchClient); err != nil {
		klog.V(2).Infof("holding restart: %v", err)
		return "", nil
	}

	pod := stale[0]
	if err := c.searchClient.AddVotingExclusion(ctx, pod.Name); err != nil {
		return "", err
	}
	if err := c.searchClient.Flush(ctx); err != nil {
		return "", fmt.Errorf("could not flush before restarting %s: %w", pod.Name, err)
	}
	if err := c.kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return "", err
	}
	c.eventRecorder.Eventf("NodeRestarted", "restarting member %s to pick up config revision %s", pod.Name, currentRevision)
	return pod.Name, nil
}

// finishRollout drops the voting exclusions left over from restarts
// once every member is back, ready and current.
func (c *RollingRestartController) finishRollout(ctx context.Context, cfg *api.ClusterConfig, pods []*corev1.Pod) error {
	if len(pods) < cfg.Replicas {
		return nil
	}
	for _, pod := range pods {
		if !isPodReady(pod) {
			return nil
		}
	}

	removalInFlight, err := c.removalInFlight(ctx)
	if err != nil {
		return err
	}
	if removalInFlight {
		return nil
	}
	return c.searchClient.ClearVotingExclusions(ctx)
}

// removalInFlight reports whether the removal controller is draining a
// member. Restarts and removals never overlap.
func (c *RollingRestartController) removalInFlight(ctx context.Context) (bool, error) {
	settings, err := c.searchClient.GetPersistentSettings(ctx)
	if err != nil {
		return false, err
	}
	excluded, _ := settings[searchcli.AllocationExclusionSetting].(string)
	return excluded != "", nil
}

func (c *RollingRestartController) memberPods() ([]*corev1.Pod, error) {
	selector := labels.Set{searchcli.MemberLabelKey: searchcli.MemberLabelValue}.AsSelector()
	pods, err := c.podLister.Pods(operatorclient.TargetNamespace).List(selector)
	if err != nil {
		return nil, err
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
	return pods, nil
}

func (c *RollingRestartController) updateProgressingCondition(ctx context.Context, restarting string) error {
	progressing := operatorv1.OperatorCondition{
		Type:   "RollingRestartProgressing",
		Status: operatorv1.ConditionFalse,
		Reason: "AsExpected",
	}
	if restarting != "" {
		progressing.Status = operatorv1.ConditionTrue
		progressing.Reason = "NodeRestarting"
		progressing.Message = fmt.Sprintf("member %s is restarting with a new configuration", restarting)
	}
	_, _, err := v1helpers.UpdateStatus(ctx, c.operatorClient,
		v1helpers.UpdateConditionFn(progressing),
		v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
			Type:   "RollingRestartControllerDegraded",
			Status: operatorv1.ConditionFalse,
			Reason: "AsExpected",
		}))
	return err
}

func (c *RollingRestartController) reportDegraded(ctx context.Context, err error) error {
	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:    "RollingRestartControllerDegraded",
		Status:  operatorv1.ConditionTrue,
		Reason:  "SynchronizationError",
		Message: err.Error(),
	}))
	if updateErr != nil {
		return updateErr
	}
	return err
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
