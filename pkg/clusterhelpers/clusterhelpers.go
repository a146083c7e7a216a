package clusterhelpers

import "sort"

// Node roles understood by the topology logic. A node may carry several.
const (
	RoleClusterManager = "cluster_manager"
	RoleVotingOnly     = "voting_only"
	RoleData           = "data"
)

// Node is the topology view of a cluster member, a trimmed down version
// of what the nodes API reports.
type Node struct {
	Name  string
	Roles []string
	IP    string
}

// HasRole reports whether the node carries the given role.
func (n Node) HasRole(role string) bool {
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SuggestRoles returns the roles the next joining node should carry given
// the nodes already in the cluster. The progression keeps the voting
// configuration at a safe odd size: the first node manages the cluster,
// the second is a voting-only tie breaker, the third is the second
// manager, and every further node only holds data.
func SuggestRoles(nodes []Node) []string {
	managers := 0
	votingOnly := 0
	for _, n := range nodes {
		if n.HasRole(RoleClusterManager) {
			managers++
		}
		if n.HasRole(RoleVotingOnly) {
			votingOnly++
		}
	}
	switch {
	case managers == 0:
		return []string{RoleClusterManager, RoleData}
	case votingOnly == 0:
		return []string{RoleVotingOnly, RoleData}
	case managers < 2:
		return []string{RoleClusterManager, RoleData}
	default:
		return []string{RoleData}
	}
}

// SuggestRolesForOrdinal computes the roles of the ordinal-th member of a
// cluster grown one node at a time from empty. Controllers use this to
// render deterministic per-node configs without consulting the live
// cluster.
func SuggestRolesForOrdinal(ordinal int) []string {
	nodes := make([]Node, 0, ordinal)
	for i := 0; i < ordinal; i++ {
		nodes = append(nodes, Node{Roles: SuggestRoles(nodes)})
	}
	return SuggestRoles(nodes)
}

// IsClusterBootstrapped reports whether the voting configuration reached
// its stable shape of two managers and a voting-only tie breaker.
func IsClusterBootstrapped(nodes []Node) bool {
	counts := NodesCountByRole(nodes)
	return counts[RoleClusterManager] >= 2 && counts[RoleVotingOnly] >= 1
}

// ClusterManagerNames returns the sorted names of all manager-eligible
// nodes, voting-only tie breakers included.
func ClusterManagerNames(nodes []Node) []string {
	names := []string{}
	for _, n := range nodes {
		if n.HasRole(RoleClusterManager) || n.HasRole(RoleVotingOnly) {
			names = append(names, n.Name)
		}
	}
	sort.Strings(names)
	return names
}

// ClusterManagerIPs returns the addresses of all manager-eligible nodes,
// in node name order.
func ClusterManagerIPs(nodes []Node) []string {
	eligible := []Node{}
	for _, n := range nodes {
		if n.HasRole(RoleClusterManager) || n.HasRole(RoleVotingOnly) {
			eligible = append(eligible, n)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Name < eligible[j].Name })
	ips := []string{}
	for _, n := range eligible {
		ips = append(ips, n.IP)
	}
	return ips
}

// NodesCountByRole counts the nodes carrying each role.
func NodesCountByRole(nodes []Node) map[string]int {
	counts := map[string]int{}
	for _, n := range nodes {
		for _, r := range n.Roles {
			counts[r]++
		}
	}
	return counts
}
