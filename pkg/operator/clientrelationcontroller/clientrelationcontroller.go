package clientrelationcontroller

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	corev1listers "k8s.io/client-go/listers/core/v1"
	"k8s.io/klog/v2"

	operatorv1 "github.com/openshift/api/operator/v1"
	"github.com/openshift/library-go/pkg/controller/factory"
	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/resource/resourceapply"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/csohelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/health"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
	"github.com/clustersearch/cluster-search-operator/pkg/securityhelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/tlshelpers"
)

// ClientRelationLabelKey marks the secrets issued for a declared client
// relation, keyed by the relation name.
const ClientRelationLabelKey = "clustersearch.io/client-relation"

// ClientSecretName names the credentials secret handed to the clients
// of a relation.
func ClientSecretName(relationName string) string {
	return "search-client-" + relationName
}

// ClientRelationController issues credentials for every declared client
// relation: an internal user with the requested roles and a secret
// carrying username, password, CA bundle and the current endpoints.
// Relations removed from the config have their users and secrets
// cleaned up.
type ClientRelationController struct {
	operatorClient  v1helpers.OperatorClient
	kubeClient      kubernetes.Interface
	searchClient    searchcli.UserManager
	secretLister    corev1listers.SecretLister
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
}

func NewClientRelationController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	kubeClient kubernetes.Interface,
	searchClient searchcli.UserManager,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &ClientRelationController{
		operatorClient:  operatorClient,
		kubeClient:      kubeClient,
		searchClient:    searchClient,
		secretLister:    kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Secrets().Lister(),
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("client-relation-controller"),
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("ClientRelationController", syncer)

	return factory.New().
		ResyncEvery(time.Minute).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Secrets().Informer(),
			kubeInformers.InformersFor(operatorclient.OperatorNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("ClientRelationController", c.eventRecorder)
}

func (c *ClientRelationController) sync(ctx context.Context, _ factory.SyncContext) error {
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

	if err := c.ensureRelations(ctx, cfg); err != nil {
		return c.reportDegraded(ctx, err)
	}
	if err := c.cleanupRemovedRelations(ctx, cfg); err != nil {
		return c.reportDegraded(ctx, err)
	}

	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:   "ClientRelationControllerDegraded",
		Status: operatorv1.ConditionFalse,
		Reason: "AsExpected",
	}))
	return updateErr
}

func (c *ClientRelationController) ensureRelations(ctx context.Context, cfg *api.ClusterConfig) error {
	caBundle := c.caBundle()
	endpoints := clusterEndpoints(cfg)

	for _, relation := range cfg.ClientRelations {
		if err := c.ensureRelation(ctx, relation, caBundle, endpoints); err != nil {
			return fmt.Errorf("could not ensure client relation %q: %w", relation.Name, err)
		}
	}
	return nil
}

func (c *ClientRelationController) ensureRelation(ctx context.Context, relation api.ClientRelation, caBundle, endpoints string) error {
	secretName := ClientSecretName(relation.Name)
	existing, err := c.secretLister.Secrets(operatorclient.TargetNamespace).Get(secretName)
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	password := ""
	hash := ""
	if existing != nil {
		password = string(existing.Data["password"])
		hash = string(existing.Data["hash"])
	}
	if password == "" {
		password, err = securityhelpers.GeneratePassword(securityhelpers.DefaultPasswordLength)
		if err != nil {
			return err
		}
		hash, err = securityhelpers.HashPassword(password)
		if err != nil {
			return err
		}
	}

	if err := c.searchClient.EnsureUser(ctx, relation.Name, hash, relation.Roles); err != nil {
		return err
	}

	required := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      secretName,
			Namespace: operatorclient.TargetNamespace,
			Labels: map[string]string{
				ClientRelationLabelKey: relation.Name,
			},
		},
		Data: map[string][]byte{
			"username":      []byte(relation.Name),
			"password":      []byte(password),
			"hash":          []byte(hash),
			"ca-bundle.crt": []byte(caBundle),
			"endpoints":     []byte(endpoints),
		},
	}
	_, _, err = resourceapply.ApplySecret(ctx, c.kubeClient.CoreV1(), c.eventRecorder, required)
	return err
}

func (c *ClientRelationController) cleanupRemovedRelations(ctx context.Context, cfg *api.ClusterConfig) error {
	declared := map[string]struct{}{}
	for _, relation := range cfg.ClientRelations {
		declared[relation.Name] = struct{}{}
	}

	secrets, err := c.secretLister.Secrets(operatorclient.TargetNamespace).List(labels.Everything())
	if err != nil {
		return err
	}
	for _, secret := range secrets {
		relationName, isRelation := secret.Labels[ClientRelationLabelKey]
		if !isRelation {
			continue
		}
		if _, stillDeclared := declared[relationName]; stillDeclared {
			continue
		}
		if err := c.searchClient.DeleteUser(ctx, relationName); err != nil {
			return fmt.Errorf("could not delete user of removed relation %q: %w", relationName, err)
		}
		err := c.kubeClient.CoreV1().Secrets(operatorclient.TargetNamespace).Delete(ctx, secret.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return err
		}
		c.eventRecorder.Eventf("ClientRelationRemoved", "removed credentials of client relation %q", relationName)
	}
	return nil
}

func (c *ClientRelationController) caBundle() string {
	caConfigMap, err := c.configMapLister.ConfigMaps(operatorclient.TargetNamespace).Get(tlshelpers.CABundleConfigMapName)
	if err != nil {
		klog.V(4).Infof("client relations: CA bundle not available yet: %v", err)
		return ""
	}
	return caConfigMap.Data["ca-bundle.crt"]
}

func clusterEndpoints(cfg *api.ClusterConfig) string {
	endpoints := make([]string, 0, cfg.Replicas)
	for ordinal := 0; ordinal < cfg.Replicas; ordinal++ {
		endpoints = append(endpoints, fmt.Sprintf("https://%s.search.%s.svc:9200", csohelpers.MemberPodName(ordinal), operatorclient.TargetNamespace))
	}
	return strings.Join(endpoints, ",")
}

func (c *ClientRelationController) reportDegraded(ctx context.Context, err error) error {
	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:    "ClientRelationControllerDegraded",
		Status:  operatorv1.ConditionTrue,
		Reason:  "SynchronizationError",
		Message: err.Error(),
	}))
	if updateErr != nil {
		return updateErr
	}
	return err
}
