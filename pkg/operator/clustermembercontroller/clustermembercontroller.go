package clustermembercontroller

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
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
	"github.com/clustersearch/cluster-search-operator/pkg/tlshelpers"
)

// ClusterMemberController grows the cluster towards the desired replica
// count. Members are added strictly one at a time and a new member only
// joins while the cluster is not recovering shards, so a join never
// competes with an ongoing recovery for bandwidth.
type ClusterMemberController struct {
	operatorClient  v1helpers.OperatorClient
	kubeClient      kubernetes.Interface
	searchClient    searchcli.HealthChecker
	podLister       corev1listers.PodLister
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
}

func NewClusterMemberController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	kubeClient kubernetes.Interface,
	searchClient searchcli.HealthChecker,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &ClusterMemberController{
		operatorClient:  operatorClient,
		kubeClient:      kubeClient,
		searchClient:    searchClient,
		podLister:       kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods().Lister(),
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("cluster-member-controller"),
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("ClusterMemberController", syncer)

	return factory.New().
		ResyncEvery(time.Minute).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods().Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().ConfigMaps().Informer(),
			kubeInformers.InformersFor(operatorclient.OperatorNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("ClusterMemberController", c.eventRecorder)
}

func (c *ClusterMemberController) sync(ctx context.Context, _ factory.SyncContext) error {
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
		// rendered config is a join prerequisite, wait for it
		return c.updateMemberConditions(ctx, cfg, nil)
	}
	if err != nil {
		return c.reportDegraded(ctx, err)
	}

	pods, err := c.memberPods()
	if err != nil {
		return c.reportDegraded(ctx, err)
	}

	if err := c.ensureNextMember(ctx, cfg, pods, nodeConfig.Annotations[csohelpers.ConfigRevisionAnnotation]); err != nil {
		return c.reportDegraded(ctx, err)
	}

	return c.updateMemberConditions(ctx, cfg, pods)
}

// ensureNextMember creates the claim and pod for the lowest missing
// ordinal, at most one per sync pass.
func (c *ClusterMemberController) ensureNextMember(ctx context.Context, cfg *api.ClusterConfig, pods map[string]*corev1.Pod, configRevision string) error {
	for ordinal := 0; ordinal < cfg.Replicas; ordinal++ {
		podName := csohelpers.MemberPodName(ordinal)
		if _, exists := pods[podName]; exists {
			continue
		}

		if ok, reason := c.safeToAddMember(ctx, pods); !ok {
			klog.V(4).Infof("holding back member %s: %s", podName, reason)
			return nil
		}

		if err := c.ensureDataClaim(ctx, cfg, podName); err != nil {
			return fmt.Errorf("could not ensure data claim for %s: %w", podName, err)
		}

		pod := RenderMemberPod(cfg, ordinal, configRevision)
		if _, err := c.kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("could not create member pod %s: %w", podName, err)
		}
		c.eventRecorder.Eventf("MemberAdded", "created member pod %s", podName)
		return nil
	}
	return nil
}

// safeToAddMember gates a join on every existing member being ready and
// the cluster not actively moving shards. The first member joins an
// empty cluster unconditionally.
func (c *ClusterMemberController) safeToAddMember(ctx context.Context, pods map[string]*corev1.Pod) (bool, string) {
	if len(pods) == 0 {
		return true, ""
	}
	for name, pod := range pods {
		if !isPodReady(pod) {
			return false, fmt.Sprintf("member %s is not ready yet", name)
		}
	}

	clusterHealth, err := c.searchClient.ClusterHealth(ctx)
	if err != nil {
		return false, fmt.Sprintf("cluster health unavailable: %v", err)
	}
	switch color := clusterHealth.Color(); color {
	case searchcli.HealthGreen, searchcli.HealthYellow:
		return true, ""
	default:
		return false, fmt.Sprintf("cluster health is %s", color)
	}
}

func (c *ClusterMemberController) ensureDataClaim(ctx context.Context, cfg *api.ClusterConfig, podName string) error {
	claim := RenderDataClaim(cfg, podName)
	_, err := c.kubeClient.CoreV1().PersistentVolumeClaims(operatorclient.TargetNamespace).Create(ctx, claim, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (c *ClusterMemberController) memberPods() (map[string]*corev1.Pod, error) {
	selector := labels.Set{searchcli.MemberLabelKey: searchcli.MemberLabelValue}.AsSelector()
	podList, err := c.podLister.Pods(operatorclient.TargetNamespace).List(selector)
	if err != nil {
		return nil, err
	}
	pods := make(map[string]*corev1.Pod, len(podList))
	for _, pod := range podList {
		pods[pod.Name] = pod
	}
	return pods, nil
}

func (c *ClusterMemberController) updateMemberConditions(ctx context.Context, cfg *api.ClusterConfig, pods map[string]*corev1.Pod) error {
	ready := 0
	for _, pod := range pods {
		if isPodReady(pod) {
			ready++
		}
	}

	progressing := operatorv1.OperatorCondition{
		Type:   "ClusterMemberProgressing",
		Status: operatorv1.ConditionFalse,
		Reason: "AsExpected",
	}
	if ready < cfg.Replicas {
		progressing.Status = operatorv1.ConditionTrue
		progressing.Reason = "MembersJoining"
		progressing.Message = fmt.Sprintf("%d of %d members ready", ready, cfg.Replicas)
	}

	available := operatorv1.OperatorCondition{
		Type:    "ClusterMemberAvailable",
		Status:  operatorv1.ConditionFalse,
		Reason:  "NoReadyMembers",
		Message: "no cluster members are ready",
	}
	if ready > 0 {
		available.Status = operatorv1.ConditionTrue
		available.Reason = "AsExpected"
		available.Message = fmt.Sprintf("%d members are ready", ready)
	}

	_, _, err := v1helpers.UpdateStatus(ctx, c.operatorClient,
		v1helpers.UpdateConditionFn(progressing),
		v1helpers.UpdateConditionFn(available),
		v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
			Type:   "ClusterMemberControllerDegraded",
			Status: operatorv1.ConditionFalse,
			Reason: "AsExpected",
		}))
	return err
}

func (c *ClusterMemberController) reportDegraded(ctx context.Context, err error) error {
	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:    "ClusterMemberControllerDegraded",
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

// RenderMemberPod builds the member pod. The pod is addressable as
// <name>.search.<namespace>.svc through the headless discovery service
// and carries the config revision it was started with.
func RenderMemberPod(cfg *api.ClusterConfig, ordinal int, configRevision string) *corev1.Pod {
	podName := csohelpers.MemberPodName(ordinal)
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: operatorclient.TargetNamespace,
			Labels: map[string]string{
				searchcli.MemberLabelKey: searchcli.MemberLabelValue,
			},
			Annotations: map[string]string{
				csohelpers.ConfigRevisionAnnotation: configRevision,
			},
		},
		Spec: corev1.PodSpec{
			Hostname:  podName,
			Subdomain: "search",
			Containers: []corev1.Container{
				{
					Name:  "search",
					Image: cfg.Image,
					Ports: []corev1.ContainerPort{
						{Name: "http", ContainerPort: 9200},
						{Name: "transport", ContainerPort: 9300},
					},
					VolumeMounts: []corev1.VolumeMount{
						{
							Name:      "node-config",
							MountPath: "/usr/share/search/config/opensearch.yml",
							SubPath:   "opensearch.yml",
						},
						{
							Name:      "certs",
							MountPath: "/usr/share/search/config/certs",
							ReadOnly:  true,
						},
						{
							Name:      "data",
							MountPath: "/var/lib/search/data",
						},
					},
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							TCPSocket: &corev1.TCPSocketAction{
								Port: intstr.FromInt32(9200),
							},
						},
						InitialDelaySeconds: 10,
						PeriodSeconds:       10,
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "node-config",
					VolumeSource: corev1.VolumeSource{
						ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{Name: csohelpers.NodeConfigMapName},
							Items: []corev1.KeyToPath{
								{Key: podName + ".yml", Path: "opensearch.yml"},
							},
						},
					},
				},
				{
					Name: "certs",
					VolumeSource: corev1.VolumeSource{
						Secret: &corev1.SecretVolumeSource{
							SecretName: tlshelpers.AllCertsSecretName,
						},
					},
				},
				{
					Name: "data",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: csohelpers.DataClaimName(podName),
						},
					},
				},
			},
		},
	}
}

// RenderDataClaim builds the per-member data volume claim. The claim
// outlives the pod so a restarted member keeps its shards.
func RenderDataClaim(cfg *api.ClusterConfig, podName string) *corev1.PersistentVolumeClaim {
	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      csohelpers.DataClaimName(podName),
			Namespace: operatorclient.TargetNamespace,
			Labels: map[string]string{
				searchcli.MemberLabelKey: searchcli.MemberLabelValue,
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(cfg.Storage.Size),
				},
			},
		},
	}
	if cfg.Storage.StorageClassName != "" {
		claim.Spec.StorageClassName = &cfg.Storage.StorageClassName
	}
	return claim
}
