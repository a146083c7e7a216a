package targetconfigcontroller

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/ghodss/yaml"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	corev1listers "k8s.io/client-go/listers/core/v1"

	operatorv1 "github.com/openshift/api/operator/v1"
	"github.com/openshift/library-go/pkg/controller/factory"
	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/resource/resourceapply"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
	"github.com/clustersearch/cluster-search-operator/pkg/clusterhelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/csohelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/health"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/tlshelpers"
)

// TargetConfigController renders the per-node engine configuration from
// the declared topology. The rendered ConfigMap carries a revision hash
// that the rolling restart controller compares against running pods.
type TargetConfigController struct {
	operatorClient  v1helpers.OperatorClient
	kubeClient      kubernetes.Interface
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
}

func NewTargetConfigController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	kubeClient kubernetes.Interface,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &TargetConfigController{
		operatorClient:  operatorClient,
		kubeClient:      kubeClient,
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("target-config-controller"),
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("TargetConfigController", syncer)

	return factory.New().
		ResyncEvery(time.Minute).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.OperatorNamespace).Core().V1().ConfigMaps().Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("TargetConfigController", c.eventRecorder)
}

func (c *TargetConfigController) sync(ctx context.Context, _ factory.SyncContext) error {
	operatorSpec, _, _, err := c.operatorClient.GetOperatorState()
	if err != nil {
		return err
	}
	if operatorSpec.ManagementState != operatorv1.Managed {
		return nil
	}

	cfg, err := csohelpers.ReadClusterConfig(c.configMapLister)
	if err != nil {
		return c.reportDegraded(ctx, err)
	}

	bootstrapped, err := c.isBootstrapped()
	if err != nil {
		return c.reportDegraded(ctx, err)
	}

	required, err := RenderNodeConfigMap(cfg, bootstrapped)
	if err != nil {
		return c.reportDegraded(ctx, err)
	}

	if _, _, err := resourceapply.ApplyConfigMap(ctx, c.kubeClient.CoreV1(), c.eventRecorder, required); err != nil {
		return c.reportDegraded(ctx, fmt.Errorf("could not apply rendered node config: %w", err))
	}

	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:   "TargetConfigControllerDegraded",
		Status: operatorv1.ConditionFalse,
		Reason: "AsExpected",
	}))
	return updateErr
}

func (c *TargetConfigController) reportDegraded(ctx context.Context, err error) error {
	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:    "TargetConfigControllerDegraded",
		Status:  operatorv1.ConditionTrue,
		Reason:  "SynchronizationError",
		Message: err.Error(),
	}))
	if updateErr != nil {
		return updateErr
	}
	return err
}

func (c *TargetConfigController) isBootstrapped() (bool, error) {
	state, err := c.configMapLister.ConfigMaps(operatorclient.TargetNamespace).Get(csohelpers.StateConfigMapName)
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Data[csohelpers.BootstrappedKey] == "true", nil
}

// RenderNodeConfigMap produces the ConfigMap holding one engine config
// document per desired member, annotated with the config revision hash.
func RenderNodeConfigMap(cfg *api.ClusterConfig, bootstrapped bool) (*corev1.ConfigMap, error) {
	data := map[string]string{}
	for ordinal := 0; ordinal < cfg.Replicas; ordinal++ {
		nodeName := csohelpers.MemberPodName(ordinal)
		rendered, err := renderNodeConfig(cfg, nodeName, ordinal, bootstrapped)
		if err != nil {
			return nil, err
		}
		data[nodeName+".yml"] = rendered
	}

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      csohelpers.NodeConfigMapName,
			Namespace: operatorclient.TargetNamespace,
			Annotations: map[string]string{
				csohelpers.ConfigRevisionAnnotation: configRevision(data),
			},
		},
		Data: data,
	}, nil
}

func renderNodeConfig(cfg *api.ClusterConfig, nodeName string, ordinal int, bootstrapped bool) (string, error) {
	roles := clusterhelpers.SuggestRolesForOrdinal(ordinal)

	managerNames := []string{}
	seedHosts := []string{}
	nodesDN := []string{}
	for i := 0; i < cfg.Replicas; i++ {
		name := csohelpers.MemberPodName(i)
		nodesDN = append(nodesDN, tlshelpers.NodeSubjectDN(name))
		for _, role := range clusterhelpers.SuggestRolesForOrdinal(i) {
			if role == clusterhelpers.RoleClusterManager || role == clusterhelpers.RoleVotingOnly {
				managerNames = append(managerNames, name)
				seedHosts = append(seedHosts, fmt.Sprintf("%s.search.%s.svc", name, operatorclient.TargetNamespace))
				break
			}
		}
	}

	settings := map[string]interface{}{
		"cluster.name":         cfg.ClusterName,
		"node.name":            nodeName,
		"node.roles":           roles,
		"network.host":         "0.0.0.0",
		"discovery.seed_hosts": seedHosts,
		"path.data":            "/var/lib/search/data",
		"http.port":            9200,
		"transport.port":       9300,

		"plugins.security.ssl.transport.pemcert_filepath":              fmt.Sprintf("certs/transport-%s.crt", nodeName),
		"plugins.security.ssl.transport.pemkey_filepath":               fmt.Sprintf("certs/transport-%s.key", nodeName),
		"plugins.security.ssl.transport.pemtrustedcas_filepath":        "certs/ca-bundle.crt",
		"plugins.security.ssl.transport.enforce_hostname_verification": false,
		"plugins.security.ssl.http.enabled":                            true,
		"plugins.security.ssl.http.pemcert_filepath":                   fmt.Sprintf("certs/http-%s.crt", nodeName),
		"plugins.security.ssl.http.pemkey_filepath":                    fmt.Sprintf("certs/http-%s.key", nodeName),
		"plugins.security.ssl.http.pemtrustedcas_filepath":             "certs/ca-bundle.crt",
		"plugins.security.ssl.http.clientauth_mode":                    "OPTIONAL",
		"plugins.security.authcz.admin_dn":                             []string{tlshelpers.AdminSubjectDN()},
		"plugins.security.nodes_dn":                                    nodesDN,
	}

	// only present until the cluster elected its first manager, a stale
	// value here can split a rebuilt node off into a second cluster
	if !bootstrapped {
		settings["cluster.initial_cluster_manager_nodes"] = managerNames
	}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("could not render config for node %s: %w", nodeName, err)
	}
	return string(out), nil
}

// configRevision hashes the rendered documents so config changes are
// detectable by annotation comparison alone.
func configRevision(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s\x00%s\x00", k, data[k])
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}
