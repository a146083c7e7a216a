package searchcli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
)

func TestClusterHealthColor(t *testing.T) {
	require.Equal(t, HealthGreen, ClusterHealth{Status: "green"}.Color())
	require.Equal(t, HealthRed, ClusterHealth{Status: "red"}.Color())
	require.Equal(t, HealthYellow, ClusterHealth{Status: "yellow"}.Color())
	require.Equal(t, HealthYellowTemp, ClusterHealth{Status: "yellow", RelocatingShards: 2}.Color())
	require.Equal(t, HealthYellowTemp, ClusterHealth{Status: "yellow", InitializingShards: 1}.Color())
	require.Equal(t, HealthUnknown, ClusterHealth{}.Color())
}

func TestEndpointsGetter(t *testing.T) {
	readyPod := nodePod("search-0", "10.0.0.1", true)
	notReadyPod := nodePod("search-1", "10.0.0.2", false)
	noIPPod := nodePod("search-2", "", true)

	fakeKubeClient := fake.NewSimpleClientset(readyPod, notReadyPod, noIPPod)
	informerFactory := informers.NewSharedInformerFactory(fakeKubeClient, 0)
	podInformer := informerFactory.Core().V1().Pods()
	for _, pod := range []*corev1.Pod{readyPod, notReadyPod, noIPPod} {
		require.NoError(t, podInformer.Informer().GetIndexer().Add(pod))
	}

	getter := &searchClientGetter{
		podLister:       podInformer.Lister(),
		podListerSynced: func() bool { return true },
	}
	endpoints, err := getter.Get()
	require.NoError(t, err)
	require.Equal(t, []string{"https://10.0.0.1:9200"}, endpoints)
}

func TestEndpointsGetterNoReadyPods(t *testing.T) {
	fakeKubeClient := fake.NewSimpleClientset()
	informerFactory := informers.NewSharedInformerFactory(fakeKubeClient, 0)
	podInformer := informerFactory.Core().V1().Pods()

	getter := &searchClientGetter{
		podLister:       podInformer.Lister(),
		podListerSynced: func() bool { return true },
	}
	_, err := getter.Get()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no ready node pods")
}

func TestMemberHealthStatus(t *testing.T) {
	health := MemberHealth{
		{Member: clusterhelpers.Node{Name: "search-0"}, Healthy: true},
		{Member: clusterhelpers.Node{Name: "search-1"}, Healthy: true},
	}
	require.Equal(t, "2 members are available", health.Status())
	require.True(t, IsClusterHealthy(health))

	health = append(health, HealthCheck{Member: clusterhelpers.Node{Name: "search-2"}, Healthy: false})
	require.Equal(t, "2 of 3 members are available, search-2 is unhealthy", health.Status())
	require.False(t, IsClusterHealthy(health))
	require.Equal(t, []string{"search-2"}, GetUnhealthyMemberNames(health))
	require.Equal(t, []string{"search-0", "search-1"}, GetHealthyMemberNames(health))
}

func TestIsQuorumFaultTolerantErr(t *testing.T) {
	manager := func(name string, healthy bool) HealthCheck {
		return HealthCheck{
			Member:  clusterhelpers.Node{Name: name, Roles: []string{clusterhelpers.RoleClusterManager}},
			Healthy: healthy,
		}
	}
	votingOnly := func(name string, healthy bool) HealthCheck {
		return HealthCheck{
			Member:  clusterhelpers.Node{Name: name, Roles: []string{clusterhelpers.RoleVotingOnly, clusterhelpers.RoleData}},
			Healthy: healthy,
		}
	}
	dataOnly := func(name string, healthy bool) HealthCheck {
		return HealthCheck{
			Member:  clusterhelpers.Node{Name: name, Roles: []string{clusterhelpers.RoleData}},
			Healthy: healthy,
		}
	}

	// three healthy manager-eligible members tolerate losing one
	require.NoError(t, IsQuorumFaultTolerantErr(MemberHealth{
		manager("search-0", true), votingOnly("search-1", true), manager("search-2", true),
	}))

	// one of three already down, losing another would break quorum
	require.Error(t, IsQuorumFaultTolerantErr(MemberHealth{
		manager("search-0", true), votingOnly("search-1", true), manager("search-2", false),
	}))

	// single manager can never tolerate a loss
	require.Error(t, IsQuorumFaultTolerantErr(MemberHealth{manager("search-0", true)}))

	// unhealthy data nodes do not count against voting quorum
	require.NoError(t, IsQuorumFaultTolerantErr(MemberHealth{
		manager("search-0", true), votingOnly("search-1", true), manager("search-2", true),
		dataOnly("search-3", false),
	}))
}

func TestFakeSearchClientExclusions(t *testing.T) {
	fakeClient := NewFakeSearchClient([]clusterhelpers.Node{
		{Name: "search-0", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}, IP: "10.0.0.1"},
	})

	require.NoError(t, fakeClient.AddVotingExclusion(context.TODO(), "search-0"))
	require.NoError(t, fakeClient.SetAllocationExclusions(context.TODO(), []string{"search-0"}))
	settings, err := fakeClient.GetPersistentSettings(context.TODO())
	require.NoError(t, err)
	require.Equal(t, "search-0", settings[AllocationExclusionSetting])

	require.NoError(t, fakeClient.ClearVotingExclusions(context.TODO()))
	require.NoError(t, fakeClient.ClearAllocationExclusions(context.TODO()))
	require.Empty(t, fakeClient.VotingExclusions)
	settings, err = fakeClient.GetPersistentSettings(context.TODO())
	require.NoError(t, err)
	require.NotContains(t, settings, AllocationExclusionSetting)
}

func nodePod(name, ip string, ready bool) *corev1.Pod {
	readyStatus := corev1.ConditionFalse
	if ready {
		readyStatus = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: operatorclient.TargetNamespace,
			Labels:    map[string]string{MemberLabelKey: MemberLabelValue},
		},
		Status: corev1.PodStatus{
			PodIP: ip,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: readyStatus},
			},
		},
	}
}
