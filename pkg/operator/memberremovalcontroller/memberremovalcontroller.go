package memberremovalcontroller

import (
	"context"
	"fmt"
	"strings"
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

// MemberRemovalController shrinks the cluster towards the desired
// replica count, one member at a time and highest ordinal first. A
// member is only deleted after its shards are excluded and fully
// drained, so scale-down never loses data the cluster still needs.
type MemberRemovalController struct {
	operatorClient  v1helpers.OperatorClient
	kubeClient      kubernetes.Interface
	searchClient    searchcli.SearchClient
	podLister       corev1listers.PodLister
	pvcLister       corev1listers.PersistentVolumeClaimLister
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
}

func NewMemberRemovalController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	kubeClient kubernetes.Interface,
	searchClient searchcli.SearchClient,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &MemberRemovalController{
		operatorClient:  operatorClient,
		kubeClient:      kubeClient,
		searchClient:    searchClient,
		podLister:       kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods().Lister(),
		pvcLister:       kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().PersistentVolumeClaims().Lister(),
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("member-removal-controller"),
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("MemberRemovalController", syncer)

	return factory.New().
		ResyncEvery(time.Minute).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods().Informer(),
			kubeInformers.InformersFor(operatorclient.OperatorNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("MemberRemovalController", c.eventRecorder)
}

func (c *MemberRemovalController) sync(ctx context.Context, _ factory.SyncContext) error {
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

	candidate, err := c.removalCandidate(cfg)
	if err != nil {
		return c.reportDegraded(ctx, err)
	}

	if candidate == nil {
		if err := c.finishRemovals(ctx, cfg); err != nil {
			return c.reportDegraded(ctx, err)
		}
		return c.clearDegraded(ctx)
	}

	if err := c.removeOneMember(ctx, candidate); err != nil {
		return c.reportDegraded(ctx, err)
	}
	return c.clearDegraded(ctx)
}

// removalCandidate returns the highest ordinal member pod beyond the
// desired replica count, nil when the topology matches.
func (c *MemberRemovalController) removalCandidate(cfg *api.ClusterConfig) (*corev1.Pod, error) {
	selector := labels.Set{searchcli.MemberLabelKey: searchcli.MemberLabelValue}.AsSelector()
	pods, err := c.podLister.Pods(operatorclient.TargetNamespace).List(selector)
	if err != nil {
		return nil, err
	}

	var candidate *corev1.Pod
	highest := -1
	for _, pod := range pods {
		ordinal, err := csohelpers.MemberOrdinal(pod.Name)
		if err != nil {
			continue
		}
		if ordinal >= cfg.Replicas && ordinal > highest {
			highest = ordinal
			candidate = pod
		}
	}
	return candidate, nil
}

func (c *MemberRemovalController) removeOneMember(ctx context.Context, pod *corev1.Pod) error {
	excluded, err := c.isExcluded(ctx, pod.Name)
	if err != nil {
		return err
	}

	if !excluded {
		if err := csohelpers.CheckSafeToDisruptOneNode(ctx, c.searchClient); err != nil {
			klog.V(2).Infof("holding back removal of %s: %v", pod.Name, err)
			return nil
		}
		if err := c.searchClient.Flush(ctx); err != nil {
			return fmt.Errorf("could not flush before removing %s: %w", pod.Name, err)
		}
		if err := c.searchClient.AddVotingExclusion(ctx, pod.Name); err != nil {
			return err
		}
		if err := c.searchClient.SetAllocationExclusions(ctx, []string{pod.Name}); err != nil {
			return err
		}
		c.eventRecorder.Eventf("MemberDraining", "draining shards off member %s before removal", pod.Name)
		return nil
	}

	clusterHealth, err := c.searchClient.ClusterHealth(ctx)
	if err != nil {
		return err
	}
	if color := clusterHealth.Color(); color != searchcli.HealthGreen {
		klog.V(2).Infof("waiting for %s to drain, cluster health is %s", pod.Name, color)
		return nil
	}

	err = c.kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Delete(ctx, pod.Name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	c.eventRecorder.Eventf("MemberRemoved", "deleted member pod %s after draining", pod.Name)
	return nil
}

// finishRemovals releases storage and exclusions left behind once the
// removed members are gone from the cluster.
func (c *MemberRemovalController) finishRemovals(ctx context.Context, cfg *api.ClusterConfig) error {
	members, err := c.searchClient.NodeList(ctx)
	if err != nil {
		// nothing to finish while the cluster is unreachable
		klog.V(4).Infof("removal cleanup: could not list members: %v", err)
		return nil
	}
	memberNames := map[string]struct{}{}
	for _, member := range members {
		memberNames[member.Name] = struct{}{}
	}

	if cfg.Storage.DeleteClaimsOnScaleDown {
		if err := c.deleteOrphanedClaims(ctx, cfg, memberNames); err != nil {
			return err
		}
	}

	return c.clearStaleExclusions(ctx, memberNames)
}

func (c *MemberRemovalController) deleteOrphanedClaims(ctx context.Context, cfg *api.ClusterConfig, memberNames map[string]struct{}) error {
	selector := labels.Set{searchcli.MemberLabelKey: searchcli.MemberLabelValue}.AsSelector()
	claims, err := c.pvcLister.PersistentVolumeClaims(operatorclient.TargetNamespace).List(selector)
	if err != nil {
		return err
	}
	for _, claim := range claims {
		podName := strings.TrimPrefix(claim.Name, "search-data-")
		ordinal, err := csohelpers.MemberOrdinal(podName)
		if err != nil {
			continue
		}
		if ordinal < cfg.Replicas {
			continue
		}
		if _, stillMember := memberNames[podName]; stillMember {
			continue
		}
		err = c.kubeClient.CoreV1().PersistentVolumeClaims(operatorclient.TargetNamespace).Delete(ctx, claim.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return err
		}
		c.eventRecorder.Eventf("MemberStorageReleased", "deleted data claim %s of removed member %s", claim.Name, podName)
	}
	return nil
}

// clearStaleExclusions removes exclusions that only name nodes no
// longer part of the cluster. Exclusions naming live nodes belong to an
// operation still in flight and stay untouched.
func (c *MemberRemovalController) clearStaleExclusions(ctx context.Context, memberNames map[string]struct{}) error {
	settings, err := c.searchClient.GetPersistentSettings(ctx)
	if err != nil {
		return err
	}
	excludedRaw, ok := settings[searchcli.AllocationExclusionSetting].(string)
	if !ok || excludedRaw == "" {
		return nil
	}
	for _, name := range strings.Split(excludedRaw, ",") {
		if _, stillMember := memberNames[name]; stillMember {
			return nil
		}
	}

	if err := c.searchClient.ClearAllocationExclusions(ctx); err != nil {
		return err
	}
	if err := c.searchClient.ClearVotingExclusions(ctx); err != nil {
		return err
	}
	c.eventRecorder.Event("ExclusionsCleared", "cleared exclusions of removed members")
	return nil
}

func (c *MemberRemovalController) isExcluded(ctx context.Context, nodeName string) (bool, error) {
	settings, err := c.searchClient.GetPersistentSettings(ctx)
	if err != nil {
		return false, err
	}
	excludedRaw, _ := settings[searchcli.AllocationExclusionSetting].(string)
	for _, name := range strings.Split(excludedRaw, ",") {
		if name == nodeName {
			return true, nil
		}
	}
	return false, nil
}

func (c *MemberRemovalController) clearDegraded(ctx context.Context) error {
	_, _, err := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:   "MemberRemovalControllerDegraded",
		Status: operatorv1.ConditionFalse,
		Reason: "AsExpected",
	}))
	return err
}

func (c *MemberRemovalController) reportDegraded(ctx context.Context, err error) error {
	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:    "MemberRemovalControllerDegraded",
		Status:  operatorv1.ConditionTrue,
		Reason:  "SynchronizationError",
		Message: err.Error(),
	}))
	if updateErr != nil {
		return updateErr
	}
	return err
}
