package usercontroller

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	corev1listers "k8s.io/client-go/listers/core/v1"
	"k8s.io/klog/v2"

	operatorv1 "github.com/openshift/api/operator/v1"
	"github.com/openshift/library-go/pkg/controller/factory"
	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/resource/resourceapply"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/pkg/operator/csohelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/health"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
	"github.com/clustersearch/cluster-search-operator/pkg/securityhelpers"
)

const (
	AdminUserName      = "admin"
	MonitoringUserName = "monitoring"

	AdminCredentialsSecretName      = "search-admin-credentials"
	MonitoringCredentialsSecretName = "search-monitoring-credentials"
)

// insecureDefaultUsers ship with the engine's demo security config and
// have well known passwords. They are removed exactly once, recreating
// one later is a deliberate act.
var insecureDefaultUsers = []string{"kibanaserver", "kibanaro", "logstash", "readall", "snapshotrestore"}

// UserController manages the operator owned internal users. Passwords
// are generated locally, only the bcrypt hash ever reaches the engine
// and the plaintext lives in a Secret.
type UserController struct {
	operatorClient  v1helpers.OperatorClient
	kubeClient      kubernetes.Interface
	searchClient    searchcli.UserManager
	secretLister    corev1listers.SecretLister
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
}

func NewUserController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	kubeClient kubernetes.Interface,
	searchClient searchcli.UserManager,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &UserController{
		operatorClient:  operatorClient,
		kubeClient:      kubeClient,
		searchClient:    searchClient,
		secretLister:    kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Secrets().Lister(),
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("user-controller"),
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("UserController", syncer)

	return factory.New().
		ResyncEvery(time.Minute).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Secrets().Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("UserController", c.eventRecorder)
}

func (c *UserController) sync(ctx context.Context, _ factory.SyncContext) error {
	operatorSpec, _, _, err := c.operatorClient.GetOperatorState()
	if err != nil {
		return err
	}
	if operatorSpec.ManagementState != operatorv1.Managed {
		return nil
	}

	existingUsers, err := c.searchClient.ListUsers(ctx)
	if err != nil {
		// the cluster may not be reachable yet
		klog.V(4).Infof("user sync: could not list users: %v", err)
		return nil
	}

	if err := c.purgeDefaultUsers(ctx, existingUsers); err != nil {
		return c.reportDegraded(ctx, err)
	}

	if err := c.ensureUserWithSecret(ctx, AdminUserName, AdminCredentialsSecretName, []string{"admin"}, existingUsers); err != nil {
		return c.reportDegraded(ctx, err)
	}
	if err := c.ensureUserWithSecret(ctx, MonitoringUserName, MonitoringCredentialsSecretName, []string{"monitoring"}, existingUsers); err != nil {
		return c.reportDegraded(ctx, err)
	}

	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:   "UserControllerDegraded",
		Status: operatorv1.ConditionFalse,
		Reason: "AsExpected",
	}))
	return updateErr
}

// purgeDefaultUsers deletes the insecure demo users, exactly once per
// cluster lifetime.
func (c *UserController) purgeDefaultUsers(ctx context.Context, existingUsers []string) error {
	purged, err := c.isMarkedPurged()
	if err != nil {
		return err
	}
	if purged {
		return nil
	}

	existing := map[string]struct{}{}
	for _, user := range existingUsers {
		existing[user] = struct{}{}
	}
	for _, user := range insecureDefaultUsers {
		if _, found := existing[user]; !found {
			continue
		}
		if err := c.searchClient.DeleteUser(ctx, user); err != nil {
			return fmt.Errorf("could not delete default user %q: %w", user, err)
		}
		c.eventRecorder.Eventf("DefaultUserPurged", "deleted insecure default user %q", user)
	}

	return c.markPurged(ctx)
}

func (c *UserController) isMarkedPurged() (bool, error) {
	state, err := c.configMapLister.ConfigMaps(operatorclient.TargetNamespace).Get(csohelpers.StateConfigMapName)
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Data[csohelpers.DefaultUsersPurgedKey] == "true", nil
}

func (c *UserController) markPurged(ctx context.Context) error {
	data := map[string]string{}
	if existing, err := c.configMapLister.ConfigMaps(operatorclient.TargetNamespace).Get(csohelpers.StateConfigMapName); err == nil {
		for k, v := range existing.Data {
			data[k] = v
		}
	} else if !apierrors.IsNotFound(err) {
		return err
	}
	data[csohelpers.DefaultUsersPurgedKey] = "true"

	required := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      csohelpers.StateConfigMapName,
			Namespace: operatorclient.TargetNamespace,
		},
		Data: data,
	}
	_, _, err := resourceapply.ApplyConfigMap(ctx, c.kubeClient.CoreV1(), c.eventRecorder, required)
	return err
}

// ensureUserWithSecret creates the internal user and its credentials
// secret. An existing secret is the source of truth for the password,
// the engine side is recreated from its stored hash when the user went
// missing.
func (c *UserController) ensureUserWithSecret(ctx context.Context, userName, secretName string, roles []string, existingUsers []string) error {
	secret, err := c.secretLister.Secrets(operatorclient.TargetNamespace).Get(secretName)
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	if apierrors.IsNotFound(err) {
		password, err := securityhelpers.GeneratePassword(securityhelpers.DefaultPasswordLength)
		if err != nil {
			return err
		}
		hash, err := securityhelpers.HashPassword(password)
		if err != nil {
			return err
		}
		if err := c.searchClient.EnsureUser(ctx, userName, hash, roles); err != nil {
			return fmt.Errorf("could not create user %q: %w", userName, err)
		}
		required := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      secretName,
				Namespace: operatorclient.TargetNamespace,
			},
			Data: map[string][]byte{
				"username": []byte(userName),
				"password": []byte(password),
				"hash":     []byte(hash),
			},
		}
		if _, _, err := resourceapply.ApplySecret(ctx, c.kubeClient.CoreV1(), c.eventRecorder, required); err != nil {
			return err
		}
		c.eventRecorder.Eventf("UserCreated", "created internal user %q", userName)
		return nil
	}

	for _, user := range existingUsers {
		if user == userName {
			return nil
		}
	}
	// credentials exist but the engine lost the user
	if err := c.searchClient.EnsureUser(ctx, userName, string(secret.Data["hash"]), roles); err != nil {
		return fmt.Errorf("could not restore user %q: %w", userName, err)
	}
	c.eventRecorder.Eventf("UserRestored", "recreated internal user %q from stored credentials", userName)
	return nil
}

func (c *UserController) reportDegraded(ctx context.Context, err error) error {
	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:    "UserControllerDegraded",
		Status:  operatorv1.ConditionTrue,
		Reason:  "SynchronizationError",
		Message: err.Error(),
	}))
	if updateErr != nil {
		return updateErr
	}
	return err
}
