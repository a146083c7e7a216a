package searchcli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/component-base/metrics/legacyregistry"
	klog "k8s.io/klog/v2"

	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
)

func init() {
	legacyregistry.RawMustRegister(memberHealthMetric)
}

const memberHealthMetricName = "search_member_healthy"

// DefaultHealthTimeout bounds a single member health probe so one slow
// node cannot stall the whole fan-out.
const DefaultHealthTimeout = 5 * time.Second

// memberHealthMetric is thread-safe internally
var memberHealthMetric = &memberHealthCollector{
	desc: prometheus.NewDesc(
		memberHealthMetricName,
		"Whether each cluster member answers its local health endpoint.",
		[]string{"member"},
		prometheus.Labels{},
	),
	healthy: map[string]bool{},
	lock:    sync.RWMutex{},
}

// HealthCheck is the outcome of probing a single member.
type HealthCheck struct {
	Member  clusterhelpers.Node
	Healthy bool
	Took    string
	Error   error
}

type MemberHealth []HealthCheck

func (c *searchClient) GetMemberHealth(ctx context.Context, nodes []clusterhelpers.Node) MemberHealth {
	return c.memberHealth(ctx, nodes)
}

func (c *searchClient) memberHealth(ctx context.Context, nodes []clusterhelpers.Node) MemberHealth {
	memberHealth := make([]HealthCheck, len(nodes))
	wg := sync.WaitGroup{}
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node clusterhelpers.Node) {
			defer wg.Done()

			// an independent timeout per member so one slow member does
			// not fail the probes of the others
			memberCtx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
			defer cancel()

			memberHealth[i] = checkSingleMemberHealth(memberCtx, node)
		}(i, node)
	}
	wg.Wait()

	// Purge members that left the cluster from the metric.
	for _, cachedMember := range memberHealthMetric.List() {
		found := false
		for _, node := range nodes {
			if node.Name == cachedMember {
				found = true
				break
			}
		}
		if !found {
			memberHealthMetric.Forget(cachedMember)
		}
	}

	return memberHealth
}

func checkSingleMemberHealth(ctx context.Context, node clusterhelpers.Node) HealthCheck {
	hc := HealthCheck{Member: node, Healthy: false}
	if node.IP == "" {
		hc.Error = fmt.Errorf("member %q has no address", node.Name)
		memberHealthMetric.Set(node.Name, false)
		return hc
	}

	cli, err := newClient([]string{fmt.Sprintf("https://%s:9200", node.IP)})
	if err != nil {
		hc.Error = err
		memberHealthMetric.Set(node.Name, false)
		return hc
	}

	st := time.Now()
	// local=true answers from the probed node alone, without consulting
	// the elected cluster manager
	err = perform(ctx, cli, http.MethodGet, "/_cluster/health?local=true", nil, nil, nil)
	hc.Took = time.Since(st).String()
	if err != nil {
		klog.Errorf("health check for member (%v) failed: err(%v)", node.Name, err)
		hc.Error = fmt.Errorf("health check failed: %w", err)
	} else {
		hc.Healthy = true
	}
	memberHealthMetric.Set(node.Name, hc.Healthy)
	return hc
}

// Status returns a reporting of member health status
func (h MemberHealth) Status() string {
	healthyMembers := h.GetHealthyMembers()

	status := []string{}
	if len(h) == len(healthyMembers) {
		status = append(status, fmt.Sprintf("%d members are available", len(h)))
	} else {
		status = append(status, fmt.Sprintf("%d of %d members are available", len(healthyMembers), len(h)))
		for _, check := range h {
			if !check.Healthy {
				status = append(status, fmt.Sprintf("%s is unhealthy", check.Member.Name))
			}
		}
	}
	return strings.Join(status, ", ")
}

// GetHealthyMembers returns healthy members
func (h MemberHealth) GetHealthyMembers() []clusterhelpers.Node {
	var members []clusterhelpers.Node
	for _, check := range h {
		if check.Healthy {
			members = append(members, check.Member)
		}
	}
	return members
}

// GetUnhealthyMembers returns unhealthy members
func (h MemberHealth) GetUnhealthyMembers() []clusterhelpers.Node {
	var members []clusterhelpers.Node
	for _, check := range h {
		if !check.Healthy {
			members = append(members, check.Member)
		}
	}
	return members
}

// GetUnhealthyMemberNames returns a list of unhealthy member names
func GetUnhealthyMemberNames(memberHealth MemberHealth) []string {
	memberNames := []string{}
	for _, check := range memberHealth {
		if !check.Healthy {
			memberNames = append(memberNames, check.Member.Name)
		}
	}
	return memberNames
}

// GetHealthyMemberNames returns a list of healthy member names
func GetHealthyMemberNames(memberHealth MemberHealth) []string {
	memberNames := []string{}
	for _, check := range memberHealth {
		if check.Healthy {
			memberNames = append(memberNames, check.Member.Name)
		}
	}
	return memberNames
}

func IsClusterHealthy(memberHealth MemberHealth) bool {
	return len(memberHealth.GetUnhealthyMembers()) == 0
}

// IsQuorumFaultTolerantErr returns an error when losing one more
// manager-eligible member would cost the cluster its voting quorum.
// Such loss is expected during a rolling restart, so the check runs
// before every planned disruption.
func IsQuorumFaultTolerantErr(memberHealth MemberHealth) error {
	eligible := MemberHealth{}
	for _, check := range memberHealth {
		if check.Member.HasRole(clusterhelpers.RoleClusterManager) || check.Member.HasRole(clusterhelpers.RoleVotingOnly) {
			eligible = append(eligible, check)
		}
	}
	totalMembers := len(eligible)
	quorum, err := MinimumTolerableQuorum(totalMembers)
	if err != nil {
		return fmt.Errorf("could not determine minimum quorum, total number of manager-eligible members is %v: %w", totalMembers, err)
	}
	healthyMembers := len(eligible.GetHealthyMembers())
	switch {
	case totalMembers-quorum < 1:
		return fmt.Errorf("cluster has quorum of %d which is not fault tolerant: %+v", quorum, eligible)
	case healthyMembers-quorum < 1:
		return fmt.Errorf("cluster has quorum of %d and %d healthy manager-eligible members which is not fault tolerant: %+v", quorum, healthyMembers, eligible)
	}
	return nil
}

func MinimumTolerableQuorum(members int) (int, error) {
	if members <= 0 {
		return 0, fmt.Errorf("invalid member length: %v", members)
	}
	return (members / 2) + 1, nil
}

// memberHealthCollector is a Prometheus collector exposing per-member
// health as a gauge.
type memberHealthCollector struct {
	desc    *prometheus.Desc
	healthy map[string]bool
	lock    sync.RWMutex
}

func (c *memberHealthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *memberHealthCollector) Set(member string, healthy bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.healthy[member] = healthy
}

func (c *memberHealthCollector) Forget(member string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.healthy, member)
}

func (c *memberHealthCollector) List() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	var members []string
	for member := range c.healthy {
		members = append(members, member)
	}
	return members
}

func (c *memberHealthCollector) Collect(ch chan<- prometheus.Metric) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	for member, healthy := range c.healthy {
		val := 0.0
		if healthy {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			val,
			member,
		)
	}
}
