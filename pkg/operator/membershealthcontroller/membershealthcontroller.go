package membershealthcontroller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/labels"
	corev1listers "k8s.io/client-go/listers/core/v1"

	operatorv1 "github.com/openshift/api/operator/v1"
	"github.com/openshift/library-go/pkg/controller/factory"
	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/health"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

// MembersHealthController reports the status conditions of the cluster
// members, including node loss where a pod and its member disagree
// about existing.
type MembersHealthController struct {
	operatorClient v1helpers.OperatorClient
	searchClient   searchcli.SearchClient
	podLister      corev1listers.PodLister
	eventRecorder  events.Recorder
}

func NewMembersHealthController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	searchClient searchcli.SearchClient,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &MembersHealthController{
		operatorClient: operatorClient,
		searchClient:   searchClient,
		podLister:      kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods().Lister(),
		eventRecorder:  eventRecorder.WithComponentSuffix("members-health-controller"),
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("MembersHealthController", syncer)

	return factory.New().
		ResyncEvery(30*time.Second).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("MembersHealthController", c.eventRecorder)
}

func (c *MembersHealthController) sync(ctx context.Context, _ factory.SyncContext) error {
	err := c.reportMembers(ctx)
	if err != nil {
		_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
			Type:    "MembersHealthControllerDegraded",
			Status:  operatorv1.ConditionTrue,
			Reason:  "ErrorReportingMembers",
			Message: err.Error(),
		}))
		if updateErr != nil {
			c.eventRecorder.Warning("MembersHealthErrorUpdatingStatus", updateErr.Error())
		}
		return err
	}

	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:   "MembersHealthControllerDegraded",
		Status: operatorv1.ConditionFalse,
		Reason: "MembersReported",
	}))
	return updateErr
}

func (c *MembersHealthController) reportMembers(ctx context.Context) error {
	members, err := c.searchClient.NodeList(ctx)
	if err != nil {
		return err
	}
	memberHealth := c.searchClient.GetMemberHealth(ctx, members)

	healthyMembers := searchcli.GetHealthyMemberNames(memberHealth)
	unhealthyMembers := searchcli.GetUnhealthyMemberNames(memberHealth)
	notStartedMembers, lostMembers, err := c.findMismatchedMembers(members)
	if err != nil {
		return err
	}

	conditions := []v1helpers.UpdateStatusFunc{}

	degraded := operatorv1.OperatorCondition{
		Type:    "SearchMembersDegraded",
		Status:  operatorv1.ConditionFalse,
		Reason:  "AsExpected",
		Message: "No unhealthy members found",
	}
	if len(unhealthyMembers) > 0 || len(lostMembers) > 0 {
		degraded.Status = operatorv1.ConditionTrue
		degraded.Reason = "UnhealthyMembers"
		degraded.Message = memberDegradedMessage(unhealthyMembers, lostMembers)
	}
	conditions = append(conditions, v1helpers.UpdateConditionFn(degraded))

	progressing := operatorv1.OperatorCondition{
		Type:    "SearchMembersProgressing",
		Status:  operatorv1.ConditionFalse,
		Reason:  "AsExpected",
		Message: "all members have joined",
	}
	if len(notStartedMembers) > 0 {
		progressing.Status = operatorv1.ConditionTrue
		progressing.Reason = "MembersJoining"
		progressing.Message = fmt.Sprintf("%s members have not joined the cluster yet", strings.Join(notStartedMembers, ","))
	}
	conditions = append(conditions, v1helpers.UpdateConditionFn(progressing))

	available := operatorv1.OperatorCondition{
		Type:    "SearchMembersAvailable",
		Status:  operatorv1.ConditionFalse,
		Reason:  "NoHealthyMembers",
		Message: "no healthy members found",
	}
	if len(healthyMembers) > 0 {
		available.Status = operatorv1.ConditionTrue
		available.Reason = "AsExpected"
		available.Message = fmt.Sprintf("%s members are available", strings.Join(healthyMembers, ","))
	}
	conditions = append(conditions, v1helpers.UpdateConditionFn(available))

	_, _, err = v1helpers.UpdateStatus(ctx, c.operatorClient, conditions...)
	return err
}

// findMismatchedMembers compares pods against cluster members. A pod
// without a member has not joined, a member without a pod lost its
// node.
func (c *MembersHealthController) findMismatchedMembers(members []clusterhelpers.Node) ([]string, []string, error) {
	selector := labels.Set{searchcli.MemberLabelKey: searchcli.MemberLabelValue}.AsSelector()
	pods, err := c.podLister.Pods(operatorclient.TargetNamespace).List(selector)
	if err != nil {
		return nil, nil, err
	}

	memberNames := map[string]struct{}{}
	for _, member := range members {
		memberNames[member.Name] = struct{}{}
	}
	podNames := map[string]struct{}{}
	for _, pod := range pods {
		podNames[pod.Name] = struct{}{}
	}

	notStarted := []string{}
	for _, pod := range pods {
		if _, ok := memberNames[pod.Name]; !ok {
			notStarted = append(notStarted, pod.Name)
		}
	}
	lost := []string{}
	for _, member := range members {
		if _, ok := podNames[member.Name]; !ok {
			lost = append(lost, member.Name)
		}
	}
	sort.Strings(notStarted)
	sort.Strings(lost)
	return notStarted, lost, nil
}

func memberDegradedMessage(unhealthy, lost []string) string {
	parts := []string{}
	if len(unhealthy) > 0 {
		parts = append(parts, fmt.Sprintf("%s members are unhealthy", strings.Join(unhealthy, ",")))
	}
	if len(lost) > 0 {
		parts = append(parts, fmt.Sprintf("%s members have no backing pod", strings.Join(lost, ",")))
	}
	return strings.Join(parts, ", ")
}
