package rollingrestartcontroller

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

func threeNodeCluster() []clusterhelpers.Node {
	return []clusterhelpers.Node{
		{Name: "search-0", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}},
		{Name: "search-1", Roles: []string{clusterhelpers.RoleVotingOnly, clusterhelpers.RoleData}},
		{Name: "search-2", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}},
	}
}

func memberPod(name, revision string, ready bool) *corev1.Pod {
	status := corev1.ConditionTrue
	if !ready {
		status = corev1.ConditionFalse
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   operatorclient.TargetNamespace,
			Labels:      map[string]string{searchcli.MemberLabelKey: searchcli.MemberLabelValue},
			Annotations: map[string]string{csohelpers.ConfigRevisionAnnotation: revision},
		},
		Status: corev1.PodStatus{
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: status},
			},
		},
	}
}

func newTestController(t *testing.T, pods []*corev1.Pod) (*RollingRestartController, *fake.Clientset, *searchcli.FakeSearchClient) {
	kubeClient := fake.NewSimpleClientset()
	for _, pod := range pods {
		_, err := kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Create(context.TODO(), pod, metav1.CreateOptions{})
		require.NoError(t, err)
	}

	fakeSearch := searchcli.NewFakeSearchClient(threeNodeCluster())
	c := &RollingRestartController{
		kubeClient:    kubeClient,
		searchClient:  fakeSearch,
		eventRecorder: events.NewInMemoryRecorder("test", clock.RealClock{}),
	}
	return c, kubeClient, fakeSearch
}

func testConfig() *api.ClusterConfig {
	return &api.ClusterConfig{ClusterName: "search-cluster", Replicas: 3, Storage: api.StorageConfig{Size: "10Gi"}}
}

func TestStalePods(t *testing.T) {
	pods := []*corev1.Pod{
		memberPod("search-0", "new", true),
		memberPod("search-1", "old", true),
		memberPod("search-2", "old", true),
		// beyond the replica count, owned by the removal controller
		memberPod("search-3", "old", true),
	}
	stale := stalePods(pods, "new", 3)
	require.Len(t, stale, 2)
	require.Equal(t, "search-1", stale[0].Name)
	require.Equal(t, "search-2", stale[1].Name)

	require.Empty(t, stalePods(pods[:1], "new", 1))
}

func TestRestartOneNodeDeletesFirstStalePod(t *testing.T) {
	pods := []*corev1.Pod{
		memberPod("search-0", "old", true),
		memberPod("search-1", "old", true),
		memberPod("search-2", "old", true),
	}
	c, kubeClient, fakeSearch := newTestController(t, pods)

	restarting, err := c.restartOneNode(context.TODO(), testConfig(), pods, stalePods(pods, "new", 3), "new")
	require.NoError(t, err)
	require.Equal(t, "search-0", restarting)

	require.Equal(t, []string{"search-0"}, fakeSearch.VotingExclusions)
	require.Equal(t, 1, fakeSearch.Flushed)

	_, err = kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Get(context.TODO(), "search-0", metav1.GetOptions{})
	require.True(t, apierrors.IsNotFound(err))

	// the others are untouched
	_, err = kubeClient.CoreV1().Pods(operatorclient.TargetNamespace).Get(context.TODO(), "search-1", metav1.GetOptions{})
	require.NoError(t, err)
}

func TestRestartHeldWhileMemberMissing(t *testing.T) {
	pods := []*corev1.Pod{
		memberPod("search-0", "old", true),
		memberPod("search-1", "old", true),
	}
	c, _, fakeSearch := newTestController(t, pods)

	restarting, err := c.restartOneNode(context.TODO(), testConfig(), pods, stalePods(pods, "new", 3), "new")
	require.NoError(t, err)
	require.Empty(t, restarting)
	require.Empty(t, fakeSearch.VotingExclusions)
}

func TestRestartHeldWhileMemberNotReady(t *testing.T) {
	pods := []*corev1.Pod{
		memberPod("search-0", "old", true),
		memberPod("search-1", "old", false),
		memberPod("search-2", "old", true),
	}
	c, _, fakeSearch := newTestController(t, pods)

	restarting, err := c.restartOneNode(context.TODO(), testConfig(), pods, stalePods(pods, "new", 3), "new")
	require.NoError(t, err)
	require.Empty(t, restarting)
	require.Empty(t, fakeSearch.VotingExclusions)
}

func TestRestartHeldWhileRemovalDraining(t *testing.T) {
	pods := []*corev1.Pod{
		memberPod("search-0", "old", true),
		memberPod("search-1", "old", true),
		memberPod("search-2", "old", true),
	}
	c, _, fakeSearch := newTestController(t, pods)
	require.NoError(t, fakeSearch.SetAllocationExclusions(context.TODO(), []string{"search-5"}))
	fakeSearch.VotingExclusions = nil

	restarting, err := c.restartOneNode(context.TODO(), testConfig(), pods, stalePods(pods, "new", 3), "new")
	require.NoError(t, err)
	require.Empty(t, restarting)
	require.Empty(t, fakeSearch.VotingExclusions)
}

func TestRestartHeldWhileClusterUnhealthy(t *testing.T) {
	pods := []*corev1.Pod{
		memberPod("search-0", "old", true),
		memberPod("search-1", "old", true),
		memberPod("search-2", "old", true),
	}
	c, _, fakeSearch := newTestController(t, pods)
	fakeSearch.UnhealthyNames = []string{"search-2"}

	restarting, err := c.restartOneNode(context.TODO(), testConfig(), pods, stalePods(pods, "new", 3), "new")
	require.NoError(t, err)
	require.Empty(t, restarting)
}

func TestFinishRolloutClearsVotingExclusions(t *testing.T) {
	pods := []*corev1.Pod{
		memberPod("search-0", "new", true),
		memberPod("search-1", "new", true),
		memberPod("search-2", "new", true),
	}
	c, _, fakeSearch := newTestController(t, pods)
	require.NoError(t, fakeSearch.AddVotingExclusion(context.TODO(), "search-2"))

	require.NoError(t, c.finishRollout(context.TODO(), testConfig(), pods))
	require.Empty(t, fakeSearch.VotingExclusions)
}

func TestFinishRolloutWaitsForAllMembers(t *testing.T) {
	pods := []*corev1.Pod{
		memberPod("search-0", "new", true),
		memberPod("search-1", "new", true),
	}
	c, _, fakeSearch := newTestController(t, pods)
	require.NoError(t, fakeSearch.AddVotingExclusion(context.TODO(), "search-2"))

	require.NoError(t, c.finishRollout(context.TODO(), testConfig(), pods))
	require.Equal(t, []string{"search-2"}, fakeSearch.VotingExclusions)
}
