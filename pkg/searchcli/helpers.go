package searchcli

import (
	"context"
	"sort"
	"strings"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
)

// FakeSearchClient is an in-memory SearchClient for controller tests.
// Mutate the exported fields to stage cluster conditions.
type FakeSearchClient struct {
	Lock sync.Mutex

	Members        []clusterhelpers.Node
	UnhealthyNames []string
	Health         ClusterHealth

	VotingExclusions     []string
	AllocationExclusions []string
	Settings             map[string]interface{}
	Users                map[string][]string
	Repositories         map[string]RepositorySettings
	Snapshots            map[string][]Snapshot
	Flushed              int

	// InjectedErr fails every call when set.
	InjectedErr error
}

func NewFakeSearchClient(members []clusterhelpers.Node) *FakeSearchClient {
	return &FakeSearchClient{
		Members:      members,
		Health:       ClusterHealth{Status: HealthGreen, NumberOfNodes: len(members)},
		Settings:     map[string]interface{}{},
		Users:        map[string][]string{},
		Repositories: map[string]RepositorySettings{},
		Snapshots:    map[string][]Snapshot{},
	}
}

func (f *FakeSearchClient) NodeList(ctx context.Context) ([]clusterhelpers.Node, error) {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return nil, f.InjectedErr
	}
	return append([]clusterhelpers.Node{}, f.Members...), nil
}

func (f *FakeSearchClient) GetNode(ctx context.Context, name string) (*clusterhelpers.Node, error) {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return nil, f.InjectedErr
	}
	for i := range f.Members {
		if f.Members[i].Name == name {
			node := f.Members[i]
			return &node, nil
		}
	}
	return nil, apierrors.NewNotFound(schema.GroupResource{Group: "operator.clustersearch.io", Resource: "searchmembers"}, name)
}

func (f *FakeSearchClient) UnhealthyNodes(ctx context.Context) ([]clusterhelpers.Node, error) {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return nil, f.InjectedErr
	}
	unhealthy := []clusterhelpers.Node{}
	for _, m := range f.Members {
		if f.isUnhealthy(m.Name) {
			unhealthy = append(unhealthy, m)
		}
	}
	return unhealthy, nil
}

func (f *FakeSearchClient) GetMemberHealth(ctx context.Context, nodes []clusterhelpers.Node) MemberHealth {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	health := MemberHealth{}
	for _, node := range nodes {
		health = append(health, HealthCheck{Member: node, Healthy: !f.isUnhealthy(node.Name)})
	}
	return health
}

func (f *FakeSearchClient) isUnhealthy(name string) bool {
	for _, n := range f.UnhealthyNames {
		if n == name {
			return true
		}
	}
	return false
}

func (f *FakeSearchClient) ClusterHealth(ctx context.Context) (ClusterHealth, error) {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return ClusterHealth{Status: HealthUnknown}, f.InjectedErr
	}
	return f.Health, nil
}

func (f *FakeSearchClient) AddVotingExclusion(ctx context.Context, nodeName string) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	f.VotingExclusions = append(f.VotingExclusions, nodeName)
	return nil
}

func (f *FakeSearchClient) ClearVotingExclusions(ctx context.Context) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	f.VotingExclusions = nil
	return nil
}

func (f *FakeSearchClient) SetAllocationExclusions(ctx context.Context, nodeNames []string) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	f.AllocationExclusions = append([]string{}, nodeNames...)
	f.Settings[AllocationExclusionSetting] = strings.Join(nodeNames, ",")
	return nil
}

func (f *FakeSearchClient) ClearAllocationExclusions(ctx context.Context) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	f.AllocationExclusions = nil
	delete(f.Settings, AllocationExclusionSetting)
	return nil
}

func (f *FakeSearchClient) GetPersistentSettings(ctx context.Context) (map[string]interface{}, error) {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return nil, f.InjectedErr
	}
	out := map[string]interface{}{}
	for k, v := range f.Settings {
		out[k] = v
	}
	return out, nil
}

func (f *FakeSearchClient) UpdatePersistentSettings(ctx context.Context, settings map[string]interface{}) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	for k, v := range settings {
		if v == nil {
			delete(f.Settings, k)
			continue
		}
		f.Settings[k] = v
	}
	return nil
}

func (f *FakeSearchClient) EnsureUser(ctx context.Context, name, passwordHash string, roles []string) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	f.Users[name] = append([]string{}, roles...)
	return nil
}

func (f *FakeSearchClient) DeleteUser(ctx context.Context, name string) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	delete(f.Users, name)
	return nil
}

func (f *FakeSearchClient) ListUsers(ctx context.Context) ([]string, error) {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return nil, f.InjectedErr
	}
	names := []string{}
	for name := range f.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeSearchClient) EnsureSnapshotRepository(ctx context.Context, repository string, settings RepositorySettings) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	f.Repositories[repository] = settings
	return nil
}

func (f *FakeSearchClient) CreateSnapshot(ctx context.Context, repository, name string) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	f.Snapshots[repository] = append(f.Snapshots[repository], Snapshot{Name: name, State: "SUCCESS"})
	return nil
}

func (f *FakeSearchClient) ListSnapshots(ctx context.Context, repository string) ([]Snapshot, error) {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return nil, f.InjectedErr
	}
	return append([]Snapshot{}, f.Snapshots[repository]...), nil
}

func (f *FakeSearchClient) DeleteSnapshot(ctx context.Context, repository, name string) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	kept := []Snapshot{}
	for _, s := range f.Snapshots[repository] {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	f.Snapshots[repository] = kept
	return nil
}

func (f *FakeSearchClient) RestoreSnapshot(ctx context.Context, repository, name string, indices []string) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	return f.InjectedErr
}

func (f *FakeSearchClient) Flush(ctx context.Context) error {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	if f.InjectedErr != nil {
		return f.InjectedErr
	}
	f.Flushed++
	return nil
}
