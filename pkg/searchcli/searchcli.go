package searchcli

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	corev1listers "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"

	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
)

// MemberLabelKey selects the node pods of the cluster.
const MemberLabelKey = "app.kubernetes.io/name"

// MemberLabelValue is the label value shared by all node pods.
const MemberLabelValue = "search"

// the operator authenticates with its admin client certificate, mounted
// from the search-admin secret and the CA bundle configmap
const (
	adminCertFile = "/var/run/secrets/search-admin/tls.crt"
	adminKeyFile  = "/var/run/secrets/search-admin/tls.key"
	caBundleFile  = "/var/run/configmaps/search-ca/ca-bundle.crt"
)

type searchClientGetter struct {
	podLister corev1listers.PodLister

	podListerSynced cache.InformerSynced
}

func (g *searchClientGetter) Get() ([]string, error) {
	if !g.podListerSynced() {
		return nil, fmt.Errorf("pod lister not synced")
	}

	pods, err := g.podLister.Pods(operatorclient.TargetNamespace).List(
		labels.Set{MemberLabelKey: MemberLabelValue}.AsSelector())
	if err != nil {
		return nil, err
	}

	endpoints := []string{}
	for _, pod := range pods {
		if pod.Status.PodIP == "" {
			continue
		}
		if !isPodReady(pod) {
			continue
		}
		endpoints = append(endpoints, fmt.Sprintf("https://%s:9200", pod.Status.PodIP))
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no ready node pods found in namespace %q", operatorclient.TargetNamespace)
	}
	sort.Strings(endpoints)
	return endpoints, nil
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

type searchClient struct {
	SearchEndpointsGetter

	eventRecorder events.Recorder

	clientLock          sync.Mutex
	lastClientConfigKey []string
	cachedClient        *opensearch.Client
}

func NewSearchClient(kubeInformers v1helpers.KubeInformersForNamespaces, eventRecorder events.Recorder) SearchClient {
	podInformer := kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods()
	return &searchClient{
		SearchEndpointsGetter: &searchClientGetter{
			podLister:       podInformer.Lister(),
			podListerSynced: podInformer.Informer().HasSynced,
		},
		eventRecorder: eventRecorder.WithComponentSuffix("search-client"),
	}
}

// staticEndpointsGetter serves a fixed endpoint list, used by the
// one-shot backup and restore commands which run without informers.
type staticEndpointsGetter struct {
	endpoints []string
}

func (g *staticEndpointsGetter) Get() ([]string, error) {
	if len(g.endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}
	return g.endpoints, nil
}

// NewDirectSearchClient talks to the given endpoints directly instead
// of discovering them through the pod informers.
func NewDirectSearchClient(endpoints []string, eventRecorder events.Recorder) SearchClient {
	return &searchClient{
		SearchEndpointsGetter: &staticEndpointsGetter{endpoints: endpoints},
		eventRecorder:         eventRecorder.WithComponentSuffix("search-client"),
	}
}

// getCachedClient may return a cached client. A new client is only built
// when the endpoint set changed. The caller must not close the client.
func (c *searchClient) getCachedClient() (*opensearch.Client, error) {
	endpoints, err := c.Get()
	if err != nil {
		return nil, err
	}

	c.clientLock.Lock()
	defer c.clientLock.Unlock()
	if c.cachedClient != nil && reflect.DeepEqual(c.lastClientConfigKey, endpoints) {
		return c.cachedClient, nil
	}

	cli, err := newClient(endpoints)
	if err != nil {
		return nil, err
	}
	c.cachedClient = cli
	c.lastClientConfigKey = endpoints
	return cli, nil
}

func newClient(endpoints []string) (*opensearch.Client, error) {
	tlsConfig, err := newAdminTLSConfig()
	if err != nil {
		return nil, err
	}
	cli, err := opensearch.NewClient(opensearch.Config{
		Addresses: endpoints,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	})
	if err != nil {
		return nil, fmt.Errorf("could not create search client: %w", err)
	}
	return cli, nil
}

func newAdminTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(adminCertFile, adminKeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load admin client certificate: %w", err)
	}
	caBundle, err := os.ReadFile(caBundleFile)
	if err != nil {
		return nil, fmt.Errorf("could not read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBundle) {
		return nil, fmt.Errorf("no certificates found in CA bundle %q", caBundleFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

// do executes one REST call against the cluster and decodes the JSON
// response into out when given.
func (c *searchClient) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	cli, err := c.getCachedClient()
	if err != nil {
		return err
	}
	return perform(ctx, cli, method, path, query, body, out)
}

func perform(ctx context.Context, cli *opensearch.Client, method, path string, query url.Values, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	if len(query) > 0 {
		path = path + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := cli.Perform(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("could not decode response of %s %s: %w", method, path, err)
		}
	}
	return nil
}

type nodesResponse struct {
	Nodes map[string]struct {
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
		IP    string   `json:"ip"`
	} `json:"nodes"`
}

func (c *searchClient) NodeList(ctx context.Context) ([]clusterhelpers.Node, error) {
	resp := &nodesResponse{}
	if err := c.do(ctx, http.MethodGet, "/_nodes/_all/name,roles,ip", nil, nil, resp); err != nil {
		return nil, err
	}
	nodes := []clusterhelpers.Node{}
	for _, n := range resp.Nodes {
		nodes = append(nodes, clusterhelpers.Node{Name: n.Name, Roles: n.Roles, IP: n.IP})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

func (c *searchClient) GetNode(ctx context.Context, name string) (*clusterhelpers.Node, error) {
	nodes, err := c.NodeList(ctx)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].Name == name {
			return &nodes[i], nil
		}
	}
	return nil, apierrors.NewNotFound(schema.GroupResource{Group: "operator.clustersearch.io", Resource: "searchmembers"}, name)
}

func (c *searchClient) UnhealthyNodes(ctx context.Context) ([]clusterhelpers.Node, error) {
	nodes, err := c.NodeList(ctx)
	if err != nil {
		return nil, err
	}
	memberHealth := c.memberHealth(ctx, nodes)

	unhealthyNames := []string{}
	for _, hc := range memberHealth.GetUnhealthyMembers() {
		unhealthyNames = append(unhealthyNames, hc.Name)
	}
	if len(unhealthyNames) > 0 {
		c.eventRecorder.Warningf("UnhealthySearchMember", "unhealthy members: %v", strings.Join(unhealthyNames, ","))
	}
	return memberHealth.GetUnhealthyMembers(), nil
}

func (c *searchClient) ClusterHealth(ctx context.Context) (ClusterHealth, error) {
	health := ClusterHealth{Status: HealthUnknown}
	if err := c.do(ctx, http.MethodGet, "/_cluster/health", nil, nil, &health); err != nil {
		return ClusterHealth{Status: HealthUnknown}, err
	}
	return health, nil
}

func (c *searchClient) AddVotingExclusion(ctx context.Context, nodeName string) error {
	c.eventRecorder.Eventf("VotingExclusionAdd", "excluding node %q from the voting configuration", nodeName)
	query := url.Values{"node_names": []string{nodeName}}
	return c.do(ctx, http.MethodPost, "/_cluster/voting_config_exclusions", query, nil, nil)
}

func (c *searchClient) ClearVotingExclusions(ctx context.Context) error {
	query := url.Values{"wait_for_removal": []string{"false"}}
	return c.do(ctx, http.MethodDelete, "/_cluster/voting_config_exclusions", query, nil, nil)
}

// AllocationExclusionSetting holds the comma separated node names whose
// shards are being drained.
const AllocationExclusionSetting = "cluster.routing.allocation.exclude._name"

func (c *searchClient) SetAllocationExclusions(ctx context.Context, nodeNames []string) error {
	c.eventRecorder.Eventf("AllocationExclusionSet", "draining shards off nodes %v", nodeNames)
	return c.UpdatePersistentSettings(ctx, map[string]interface{}{
		AllocationExclusionSetting: strings.Join(nodeNames, ","),
	})
}

func (c *searchClient) ClearAllocationExclusions(ctx context.Context) error {
	return c.UpdatePersistentSettings(ctx, map[string]interface{}{
		AllocationExclusionSetting: nil,
	})
}

type settingsResponse struct {
	Persistent map[string]interface{} `json:"persistent"`
}

func (c *searchClient) GetPersistentSettings(ctx context.Context) (map[string]interface{}, error) {
	resp := &settingsResponse{}
	query := url.Values{"flat_settings": []string{"true"}}
	if err := c.do(ctx, http.MethodGet, "/_cluster/settings", query, nil, resp); err != nil {
		return nil, err
	}
	return resp.Persistent, nil
}

func (c *searchClient) UpdatePersistentSettings(ctx context.Context, settings map[string]interface{}) error {
	body := map[string]interface{}{"persistent": settings}
	return c.do(ctx, http.MethodPut, "/_cluster/settings", url.Values{"flat_settings": []string{"true"}}, body, nil)
}

func (c *searchClient) EnsureUser(ctx context.Context, name, passwordHash string, roles []string) error {
	body := map[string]interface{}{
		"hash":          passwordHash,
		"backend_roles": roles,
	}
	return c.do(ctx, http.MethodPut, "/_plugins/_security/api/internalusers/"+name, nil, body, nil)
}

func (c *searchClient) DeleteUser(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/_plugins/_security/api/internalusers/"+name, nil, nil, nil)
	if err != nil && strings.Contains(err.Error(), "status 404") {
		return nil
	}
	return err
}

func (c *searchClient) ListUsers(ctx context.Context) ([]string, error) {
	users := map[string]interface{}{}
	if err := c.do(ctx, http.MethodGet, "/_plugins/_security/api/internalusers", nil, nil, &users); err != nil {
		return nil, err
	}
	names := []string{}
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *searchClient) EnsureSnapshotRepository(ctx context.Context, repository string, settings RepositorySettings) error {
	body := map[string]interface{}{
		"type": "s3",
		"settings": map[string]interface{}{
			"bucket":    settings.Bucket,
			"endpoint":  settings.Endpoint,
			"base_path": settings.BasePath,
		},
	}
	return c.do(ctx, http.MethodPut, "/_snapshot/"+repository, nil, body, nil)
}

func (c *searchClient) CreateSnapshot(ctx context.Context, repository, name string) error {
	c.eventRecorder.Eventf("SnapshotCreate", "creating snapshot %q in repository %q", name, repository)
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/_snapshot/%s/%s", repository, name), nil, nil, nil)
}

type snapshotsResponse struct {
	Snapshots []struct {
		Snapshot      string   `json:"snapshot"`
		State         string   `json:"state"`
		EndTimeMillis int64    `json:"end_time_in_millis"`
		Indices       []string `json:"indices"`
		TotalSize     int64    `json:"total_size_in_bytes"`
	} `json:"snapshots"`
}

func (c *searchClient) ListSnapshots(ctx context.Context, repository string) ([]Snapshot, error) {
	resp := &snapshotsResponse{}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/_snapshot/%s/_all", repository), nil, nil, resp); err != nil {
		return nil, err
	}
	snapshots := []Snapshot{}
	for _, s := range resp.Snapshots {
		snapshots = append(snapshots, Snapshot{
			Name:           s.Snapshot,
			State:          s.State,
			EndTimeMillis:  s.EndTimeMillis,
			TotalSizeBytes: s.TotalSize,
			Indices:        s.Indices,
		})
	}
	return snapshots, nil
}

func (c *searchClient) DeleteSnapshot(ctx context.Context, repository, name string) error {
	c.eventRecorder.Eventf("SnapshotDelete", "deleting snapshot %q from repository %q", name, repository)
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/_snapshot/%s/%s", repository, name), nil, nil, nil)
}

func (c *searchClient) RestoreSnapshot(ctx context.Context, repository, name string, indices []string) error {
	c.eventRecorder.Eventf("SnapshotRestore", "restoring snapshot %q from repository %q", name, repository)
	body := map[string]interface{}{}
	if len(indices) > 0 {
		body["indices"] = strings.Join(indices, ",")
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/_snapshot/%s/%s/_restore", repository, name), nil, body, nil)
}

func (c *searchClient) Flush(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/_flush", nil, nil, nil)
}
