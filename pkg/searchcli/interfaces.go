package searchcli

import (
	"context"

	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
)

const (
	SearchMemberStatusAvailable = "SearchMemberAvailable"
	SearchMemberStatusUnhealthy = "SearchMemberUnhealthy"
	SearchMemberStatusUnknown   = "SearchMemberUnknown"
)

// Cluster health colors. YellowTemp is yellow with shards still moving,
// a state that resolves on its own and must not trigger topology changes.
const (
	HealthGreen      = "green"
	HealthYellow     = "yellow"
	HealthYellowTemp = "yellow-temp"
	HealthRed        = "red"
	HealthUnknown    = "unknown"
)

// ClusterHealth is the trimmed down health API response.
type ClusterHealth struct {
	Status             string `json:"status"`
	NumberOfNodes      int    `json:"number_of_nodes"`
	RelocatingShards   int    `json:"relocating_shards"`
	InitializingShards int    `json:"initializing_shards"`
	UnassignedShards   int    `json:"unassigned_shards"`
}

// Color maps the raw health response onto the color scheme used by the
// controllers, distinguishing transient yellow from settled yellow.
func (h ClusterHealth) Color() string {
	switch h.Status {
	case HealthGreen, HealthRed:
		return h.Status
	case HealthYellow:
		if h.RelocatingShards > 0 || h.InitializingShards > 0 {
			return HealthYellowTemp
		}
		return HealthYellow
	default:
		return HealthUnknown
	}
}

// Snapshot is one entry of a snapshot repository listing.
type Snapshot struct {
	Name           string
	State          string
	EndTimeMillis  int64
	TotalSizeBytes int64
	Indices        []string
}

// RepositorySettings registers an object-storage backed snapshot
// repository. The engine talks to the storage directly.
type RepositorySettings struct {
	Bucket   string
	Endpoint string
	BasePath string
}

type SearchClient interface {
	NodeLister
	UnhealthyNodeLister
	HealthChecker
	MemberHealthChecker
	ExclusionManager
	SettingsManager
	UserManager
	SnapshotManager
	Flusher

	GetNode(ctx context.Context, name string) (*clusterhelpers.Node, error)
}

type NodeLister interface {
	NodeList(ctx context.Context) ([]clusterhelpers.Node, error)
}

type UnhealthyNodeLister interface {
	UnhealthyNodes(ctx context.Context) ([]clusterhelpers.Node, error)
}

type HealthChecker interface {
	ClusterHealth(ctx context.Context) (ClusterHealth, error)
}

// MemberHealthChecker probes every member individually.
type MemberHealthChecker interface {
	GetMemberHealth(ctx context.Context, nodes []clusterhelpers.Node) MemberHealth
}

// ExclusionManager moves a node out of the voting configuration and
// drains its shards ahead of a stop or removal.
type ExclusionManager interface {
	AddVotingExclusion(ctx context.Context, nodeName string) error
	ClearVotingExclusions(ctx context.Context) error
	SetAllocationExclusions(ctx context.Context, nodeNames []string) error
	ClearAllocationExclusions(ctx context.Context) error
}

type SettingsManager interface {
	GetPersistentSettings(ctx context.Context) (map[string]interface{}, error)
	UpdatePersistentSettings(ctx context.Context, settings map[string]interface{}) error
}

// UserManager drives the security plugin's internal user store.
type UserManager interface {
	EnsureUser(ctx context.Context, name, passwordHash string, roles []string) error
	DeleteUser(ctx context.Context, name string) error
	ListUsers(ctx context.Context) ([]string, error)
}

type SnapshotManager interface {
	EnsureSnapshotRepository(ctx context.Context, repository string, settings RepositorySettings) error
	CreateSnapshot(ctx context.Context, repository, name string) error
	ListSnapshots(ctx context.Context, repository string) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, repository, name string) error
	RestoreSnapshot(ctx context.Context, repository, name string, indices []string) error
}

// Flusher commits the transaction log to disk on all nodes, called
// before planned disruptions.
type Flusher interface {
	Flush(ctx context.Context) error
}

// SearchEndpointsGetter hides the implementation for getting the HTTP
// endpoints so that custom fake endpoints can be used in tests.
type SearchEndpointsGetter interface {
	Get() ([]string, error)
}
