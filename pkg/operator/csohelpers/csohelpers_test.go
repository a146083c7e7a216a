package csohelpers

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
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

func TestMemberNames(t *testing.T) {
	require.Equal(t, "search-0", MemberPodName(0))
	require.Equal(t, "search-data-search-0", DataClaimName("search-0"))

	ordinal, err := MemberOrdinal("search-7")
	require.NoError(t, err)
	require.Equal(t, 7, ordinal)

	_, err = MemberOrdinal("etcd-0")
	require.Error(t, err)
	_, err = MemberOrdinal("search-x")
	require.Error(t, err)
}

func TestReadClusterConfig(t *testing.T) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      operatorclient.ClusterConfigMapName,
			Namespace: operatorclient.OperatorNamespace,
		},
		Data: map[string]string{
			operatorclient.ClusterConfigKey: `
clusterName: search
replicas: 3
image: registry.example.com/search:2.19
storage:
  size: 10Gi
`,
		},
	}
	fakeKubeClient := fake.NewSimpleClientset(cm)
	informerFactory := informers.NewSharedInformerFactory(fakeKubeClient, 0)
	cmInformer := informerFactory.Core().V1().ConfigMaps()
	require.NoError(t, cmInformer.Informer().GetIndexer().Add(cm))

	cfg, err := ReadClusterConfig(cmInformer.Lister())
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Replicas)

	cm2 := cm.DeepCopy()
	cm2.Data = map[string]string{}
	require.NoError(t, cmInformer.Informer().GetIndexer().Update(cm2))
	_, err = ReadClusterConfig(cmInformer.Lister())
	require.Error(t, err)
	require.Contains(t, err.Error(), "has no config.yaml key")
}

func TestCheckSafeToDisruptOneNode(t *testing.T) {
	members := []clusterhelpers.Node{
		{Name: "search-0", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}, IP: "10.0.0.1"},
		{Name: "search-1", Roles: []string{clusterhelpers.RoleVotingOnly, clusterhelpers.RoleData}, IP: "10.0.0.2"},
		{Name: "search-2", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}, IP: "10.0.0.3"},
	}

	fakeClient := searchcli.NewFakeSearchClient(members)
	require.NoError(t, CheckSafeToDisruptOneNode(context.TODO(), fakeClient))

	fakeClient.UnhealthyNames = []string{"search-1"}
	err := CheckSafeToDisruptOneNode(context.TODO(), fakeClient)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unhealthy members")

	fakeClient.UnhealthyNames = nil
	fakeClient.Health = searchcli.ClusterHealth{Status: "red"}
	err = CheckSafeToDisruptOneNode(context.TODO(), fakeClient)
	require.Error(t, err)
	require.Contains(t, err.Error(), "red")

	fakeClient.Health = searchcli.ClusterHealth{Status: "yellow", InitializingShards: 2}
	err = CheckSafeToDisruptOneNode(context.TODO(), fakeClient)
	require.Error(t, err)
	require.Contains(t, err.Error(), "relocating or initializing")

	fakeClient.Health = searchcli.ClusterHealth{Status: "yellow"}
	require.NoError(t, CheckSafeToDisruptOneNode(context.TODO(), fakeClient))
}

func TestCheckSafeToDisruptSingleNodeCluster(t *testing.T) {
	fakeClient := searchcli.NewFakeSearchClient([]clusterhelpers.Node{
		{Name: "search-0", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}, IP: "10.0.0.1"},
	})
	fakeClient.Health = searchcli.ClusterHealth{Status: "green"}
	// single node clusters have no quorum to protect
	require.NoError(t, CheckSafeToDisruptOneNode(context.TODO(), fakeClient))
}
