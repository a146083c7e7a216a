package clustermembercontroller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/clock"

	"github.com/openshift/library-go/pkg/operator/events"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/csohelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

func testClusterConfig(replicas int) *api.ClusterConfig {
	return &api.ClusterConfig{
		ClusterName: "search-cluster",
		Replicas:    replicas,
		Image:       "registry.example.com/search:2.11",
		Storage:     api.StorageConfig{Size: "10Gi"},
	}
}

func readyPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: operatorclient.TargetNamespace,
			Labels:    map[string]string{searchcli.MemberLabelKey: searchcli.MemberLabelValue},
		},
		Status: corev1.PodStatus{
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}
}

func notReadyPod(name string) *corev1.Pod {
	pod := readyPod(name)
	pod.Status.Conditions[0].Status = corev1.ConditionFalse
	return pod
}

func podMap(pods ...*corev1.Pod) map[string]*corev1.Pod {
	out := map[string]*corev1.Pod{}
	for _, pod := range pods {
		out[pod.Name] = pod
	}
	return out
}

func newTestController(kubeClient *fake.Clientset, searchClient searchcli.HealthChecker) *ClusterMemberController {
	return &ClusterMemberController{
		kubeClient:    kubeClient,
		searchClient:  searchClient,
		eventRecorder: events.NewInMemoryRecorder("test", clock.RealClock{}),
	}
}

func TestEnsureNextMemberCreatesFirstPod(t *testing.T) {
	kubeClient := fake.NewSimpleClientset()
	fakeSearch := searchcli.NewFakeSearchClient(nil)
	c := newTestController(kubeClient, fakeSearch)

	err := c.ensureNextMember(context.TODO(), testClusterConfig(3), podMap(), "abc123")
	require.NoError(t, err)

	pod, err := kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Get(context.TODO(), "search-0", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "abc123", pod.Annotations[csohelpers.ConfigRevisionAnnotation])

	_, err = kubeClient.CoreV1().PersistentVolumeClaims(operatorclient.TargetNamespace).Get(context.TODO(), "search-data-search-0", metav1.GetOptions{})
	require.NoError(t, err)

	// only one member per pass
	_, err = kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Get(context.TODO(), "search-1", metav1.GetOptions{})
	require.True(t, apierrors.IsNotFound(err))
}

func TestEnsureNextMemberWaitsForNotReadyMember(t *testing.T) {
	kubeClient := fake.NewSimpleClientset()
	fakeSearch := searchcli.NewFakeSearchClient([]clusterhelpers.Node{
		{Name: "search-0", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}},
	})
	c := newTestController(kubeClient, fakeSearch)

	err := c.ensureNextMember(context.TODO(), testClusterConfig(3), podMap(notReadyPod("search-0")), "abc123")
	require.NoError(t, err)

	_, err = kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Get(context.TODO(), "search-1", metav1.GetOptions{})
	require.True(t, apierrors.IsNotFound(err))
}

func TestEnsureNextMemberHealthGate(t *testing.T) {
	for _, tc := range []struct {
		name         string
		health       searchcli.ClusterHealth
		expectCreate bool
	}{
		{name: "green", health: searchcli.ClusterHealth{Status: "green"}, expectCreate: true},
		{name: "settled yellow", health: searchcli.ClusterHealth{Status: "yellow"}, expectCreate: true},
		{name: "recovering yellow", health: searchcli.ClusterHealth{Status: "yellow", InitializingShards: 2}, expectCreate: false},
		{name: "red", health: searchcli.ClusterHealth{Status: "red"}, expectCreate: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			kubeClient := fake.NewSimpleClientset()
			fakeSearch := searchcli.NewFakeSearchClient([]clusterhelpers.Node{
				{Name: "search-0", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}},
			})
			fakeSearch.Health = tc.health
			c := newTestController(kubeClient, fakeSearch)

			err := c.ensureNextMember(context.TODO(), testClusterConfig(2), podMap(readyPod("search-0")), "abc123")
			require.NoError(t, err)

			_, err = kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Get(context.TODO(), "search-1", metav1.GetOptions{})
			if tc.expectCreate {
				require.NoError(t, err)
			} else {
				require.True(t, apierrors.IsNotFound(err))
			}
		})
	}
}

func TestEnsureNextMemberNoopWhenComplete(t *testing.T) {
	kubeClient := fake.NewSimpleClientset()
	c := newTestController(kubeClient, searchcli.NewFakeSearchClient(nil))

	err := c.ensureNextMember(context.TODO(), testClusterConfig(2), podMap(readyPod("search-0"), readyPod("search-1")), "abc123")
	require.NoError(t, err)

	pods, err := kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).List(context.TODO(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, pods.Items)
}

func TestRenderMemberPod(t *testing.T) {
	pod := RenderMemberPod(testClusterConfig(3), 1, "rev42")
	require.Equal(t, "search-1", pod.Name)
	require.Equal(t, "search-1", pod.Spec.Hostname)
	require.Equal(t, "search", pod.Spec.Subdomain)
	require.Equal(t, "rev42", pod.Annotations[csohelpers.ConfigRevisionAnnotation])
	require.Equal(t, searchcli.MemberLabelValue, pod.Labels[searchcli.MemberLabelKey])

	container := pod.Spec.Containers[0]
	require.Equal(t, "registry.example.com/search:2.11", container.Image)
	require.NotNil(t, container.ReadinessProbe.TCPSocket)

	var configVolume, dataVolume *corev1.Volume
	for i := range pod.Spec.Volumes {
		switch pod.Spec.Volumes[i].Name {
		case "node-config":
			configVolume = &pod.Spec.Volumes[i]
		case "data":
			dataVolume = &pod.Spec.Volumes[i]
		}
	}
	require.NotNil(t, configVolume)
	require.Equal(t, "search-1.yml", configVolume.ConfigMap.Items[0].Key)
	require.NotNil(t, dataVolume)
	require.Equal(t, "search-data-search-1", dataVolume.PersistentVolumeClaim.ClaimName)
}

func TestRenderDataClaim(t *testing.T) {
	cfg := testClusterConfig(3)
	cfg.Storage.StorageClassName = "fast-ssd"
	claim := RenderDataClaim(cfg, "search-2")
	require.Equal(t, "search-data-search-2", claim.Name)
	require.Equal(t, "fast-ssd", *claim.Spec.StorageClassName)
	require.Equal(t, "10Gi", claim.Spec.Resources.Requests.Storage().String())
}
