package csohelpers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	corev1listers "k8s.io/client-go/listers/core/v1"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

const (
	// MemberNamePrefix is the prefix of every node pod name.
	MemberNamePrefix = "search-"

	// ConfigRevisionAnnotation carries the hash of the rendered node
	// config a pod was started with.
	ConfigRevisionAnnotation = "clustersearch.io/config-revision"

	// NodeConfigMapName is the rendered per-node configuration.
	NodeConfigMapName = "search-node-config"

	// StateConfigMapName tracks cluster lifecycle markers that must
	// survive operator restarts.
	StateConfigMapName = "search-cluster-state"
	// BootstrappedKey is set to "true" once the voting configuration
	// reached its stable shape.
	BootstrappedKey = "bootstrapped"
	// DefaultUsersPurgedKey is set to "true" once the insecure
	// out-of-the-box users have been removed.
	DefaultUsersPurgedKey = "defaultUsersPurged"
)

// MemberPodName names the pod of the given member ordinal.
func MemberPodName(ordinal int) string {
	return fmt.Sprintf("%s%d", MemberNamePrefix, ordinal)
}

// DataClaimName names the PVC bound to the given member pod.
func DataClaimName(podName string) string {
	return "search-data-" + podName
}

// MemberOrdinal recovers the ordinal from a member pod name.
func MemberOrdinal(podName string) (int, error) {
	rest, found := strings.CutPrefix(podName, MemberNamePrefix)
	if !found {
		return 0, fmt.Errorf("pod [%s] is not a cluster member", podName)
	}
	ordinal, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("pod [%s] is not a cluster member: %w", podName, err)
	}
	return ordinal, nil
}

// ReadClusterConfig loads and validates the operand configuration from
// the operator namespace.
func ReadClusterConfig(configMapLister corev1listers.ConfigMapLister) (*api.ClusterConfig, error) {
	cm, err := configMapLister.ConfigMaps(operatorclient.OperatorNamespace).Get(operatorclient.ClusterConfigMapName)
	if err != nil {
		return nil, fmt.Errorf("could not get configmap %s/%s: %w",
			operatorclient.OperatorNamespace, operatorclient.ClusterConfigMapName, err)
	}
	raw, ok := cm.Data[operatorclient.ClusterConfigKey]
	if !ok {
		return nil, fmt.Errorf("configmap %s/%s has no %s key",
			operatorclient.OperatorNamespace, operatorclient.ClusterConfigMapName, operatorclient.ClusterConfigKey)
	}
	return api.ReadConfigYaml([]byte(raw))
}

// CheckSafeToDisruptOneNode gates every planned disruption, restarts and
// removals alike. It requires every member to answer its health probe,
// the cluster to not be red or mid-recovery, and the voting
// configuration to tolerate the loss of one member.
func CheckSafeToDisruptOneNode(ctx context.Context, client searchcli.SearchClient) error {
	nodes, err := client.NodeList(ctx)
	if err != nil {
		return fmt.Errorf("could not list members: %w", err)
	}

	memberHealth := client.GetMemberHealth(ctx, nodes)
	if !searchcli.IsClusterHealthy(memberHealth) {
		return fmt.Errorf("unhealthy members found: %v", searchcli.GetUnhealthyMemberNames(memberHealth))
	}

	health, err := client.ClusterHealth(ctx)
	if err != nil {
		return fmt.Errorf("could not determine cluster health: %w", err)
	}
	switch health.Color() {
	case searchcli.HealthRed:
		return fmt.Errorf("cluster health is red, refusing to disrupt a node")
	case searchcli.HealthYellowTemp:
		return fmt.Errorf("shards are still relocating or initializing, refusing to disrupt a node")
	case searchcli.HealthUnknown:
		return fmt.Errorf("cluster health is unknown, refusing to disrupt a node")
	}

	if len(nodes) > 1 {
		if err := searchcli.IsQuorumFaultTolerantErr(memberHealth); err != nil {
			return err
		}
	}
	return nil
}
