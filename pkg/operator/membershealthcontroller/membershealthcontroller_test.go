package membershealthcontroller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/clock"

	operatorv1 "github.com/openshift/api/operator/v1"
	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

func memberPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: operatorclient.TargetNamespace,
			Labels:    map[string]string{searchcli.MemberLabelKey: searchcli.MemberLabelValue},
		},
	}
}

func newTestController(t *testing.T, members []clusterhelpers.Node, pods ...*corev1.Pod) (*MembersHealthController, *searchcli.FakeSearchClient, v1helpers.OperatorClient) {
	kubeClient := fake.NewSimpleClientset()
	informerFactory := informers.NewSharedInformerFactory(kubeClient, 0)
	podInformer := informerFactory.Core().V1().Pods()
	for _, pod := range pods {
		require.NoError(t, podInformer.Informer().GetIndexer().Add(pod))
	}

	fakeOperatorClient := v1helpers.NewFakeOperatorClient(
		&operatorv1.OperatorSpec{ManagementState: operatorv1.Managed},
		&operatorv1.OperatorStatus{},
		nil,
	)
	fakeSearch := searchcli.NewFakeSearchClient(members)
	c := &MembersHealthController{
		operatorClient: fakeOperatorClient,
		searchClient:   fakeSearch,
		podLister:      podInformer.Lister(),
		eventRecorder:  events.NewInMemoryRecorder("test", clock.RealClock{}),
	}
	return c, fakeSearch, fakeOperatorClient
}

func requireCondition(t *testing.T, operatorClient v1helpers.OperatorClient, condType string, status operatorv1.ConditionStatus) *operatorv1.OperatorCondition {
	_, opStatus, _, err := operatorClient.GetOperatorState()
	require.NoError(t, err)
	for i := range opStatus.Conditions {
		if opStatus.Conditions[i].Type == condType {
			require.Equal(t, status, opStatus.Conditions[i].Status, condType)
			return &opStatus.Conditions[i]
		}
	}
	t.Fatalf("condition %s not found", condType)
	return nil
}

func healthyMembers() []clusterhelpers.Node {
	return []clusterhelpers.Node{
		{Name: "search-0", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}},
		{Name: "search-1", Roles: []string{clusterhelpers.RoleVotingOnly, clusterhelpers.RoleData}},
		{Name: "search-2", Roles: []string{clusterhelpers.RoleClusterManager, clusterhelpers.RoleData}},
	}
}

func TestReportMembersAllHealthy(t *testing.T) {
	c, _, operatorClient := newTestController(t, healthyMembers(),
		memberPod("search-0"), memberPod("search-1"), memberPod("search-2"))

	require.NoError(t, c.sync(context.TODO(), nil))

	requireCondition(t, operatorClient, "SearchMembersDegraded", operatorv1.ConditionFalse)
	requireCondition(t, operatorClient, "SearchMembersProgressing", operatorv1.ConditionFalse)
	requireCondition(t, operatorClient, "SearchMembersAvailable", operatorv1.ConditionTrue)
	requireCondition(t, operatorClient, "MembersHealthControllerDegraded", operatorv1.ConditionFalse)
}

func TestReportMembersUnhealthy(t *testing.T) {
	c, fakeSearch, operatorClient := newTestController(t, healthyMembers(),
		memberPod("search-0"), memberPod("search-1"), memberPod("search-2"))
	fakeSearch.UnhealthyNames = []string{"search-1"}

	require.NoError(t, c.sync(context.TODO(), nil))

	cond := requireCondition(t, operatorClient, "SearchMembersDegraded", operatorv1.ConditionTrue)
	require.Contains(t, cond.Message, "search-1")
	requireCondition(t, operatorClient, "SearchMembersAvailable", operatorv1.ConditionTrue)
}

func TestReportMembersNotJoined(t *testing.T) {
	// search-2 has a pod but no cluster member yet
	c, _, operatorClient := newTestController(t, healthyMembers()[:2],
		memberPod("search-0"), memberPod("search-1"), memberPod("search-2"))

	require.NoError(t, c.sync(context.TODO(), nil))

	cond := requireCondition(t, operatorClient, "SearchMembersProgressing", operatorv1.ConditionTrue)
	require.Contains(t, cond.Message, "search-2")
	requireCondition(t, operatorClient, "SearchMembersDegraded", operatorv1.ConditionFalse)
}

func TestReportMembersNodeLoss(t *testing.T) {
	// search-2 is a member but its pod is gone
	c, _, operatorClient := newTestController(t, healthyMembers(),
		memberPod("search-0"), memberPod("search-1"))

	require.NoError(t, c.sync(context.TODO(), nil))

	cond := requireCondition(t, operatorClient, "SearchMembersDegraded", operatorv1.ConditionTrue)
	require.Contains(t, cond.Message, "search-2 members have no backing pod")
}

func TestReportMembersListError(t *testing.T) {
	c, fakeSearch, operatorClient := newTestController(t, healthyMembers())
	fakeSearch.InjectedErr = context.DeadlineExceeded

	require.Error(t, c.sync(context.TODO(), nil))
	requireCondition(t, operatorClient, "MembersHealthControllerDegraded", operatorv1.ConditionTrue)
}
