package certsignercontroller

import (
	"context"
	"fmt"
	"strconv"
	"time"

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
	"github.com/clustersearch/cluster-search-operator/pkg/operator/csohelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/health"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/securityhelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/tlshelpers"
)

// signerGenerationAnnotation ties leaf certificates to the signer that
// issued them. A signer rotation bumps the generation and forces every
// leaf to be reissued.
const signerGenerationAnnotation = "clustersearch.io/signer-generation"

// CertSignerController maintains the signer CA, the per-node transport
// and http certificates, the admin client certificate and the
// aggregated certificate secret the member pods mount. Certificates
// within the rotation threshold of expiry are reissued, an expired
// transport certificate locks nodes out of the cluster.
type CertSignerController struct {
	operatorClient  v1helpers.OperatorClient
	kubeClient      kubernetes.Interface
	secretLister    corev1listers.SecretLister
	podLister       corev1listers.PodLister
	configMapLister corev1listers.ConfigMapLister
	eventRecorder   events.Recorder
	now             func() time.Time
}

func NewCertSignerController(
	livenessChecker *health.MultiAlivenessChecker,
	operatorClient v1helpers.OperatorClient,
	kubeClient kubernetes.Interface,
	kubeInformers v1helpers.KubeInformersForNamespaces,
	eventRecorder events.Recorder,
) factory.Controller {
	c := &CertSignerController{
		operatorClient:  operatorClient,
		kubeClient:      kubeClient,
		secretLister:    kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Secrets().Lister(),
		podLister:       kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Pods().Lister(),
		configMapLister: kubeInformers.ConfigMapLister(),
		eventRecorder:   eventRecorder.WithComponentSuffix("cert-signer-controller"),
		now:             time.Now,
	}

	syncer := health.NewDefaultCheckingSyncWrapper(c.sync)
	livenessChecker.Add("CertSignerController", syncer)

	return factory.New().
		ResyncEvery(5*time.Minute).
		WithInformers(
			operatorClient.Informer(),
			kubeInformers.InformersFor(operatorclient.TargetNamespace).Core().V1().Secrets().Informer(),
			kubeInformers.InformersFor(operatorclient.OperatorNamespace).Core().V1().ConfigMaps().Informer(),
		).
		WithSync(syncer.Sync).
		ToController("CertSignerController", c.eventRecorder)
}

func (c *CertSignerController) sync(ctx context.Context, _ factory.SyncContext) error {
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

	if err := c.ensureAllCertificates(ctx, cfg); err != nil {
		return c.reportDegraded(ctx, err)
	}

	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:   "CertSignerControllerDegraded",
		Status: operatorv1.ConditionFalse,
		Reason: "AsExpected",
	}))
	return updateErr
}

func (c *CertSignerController) ensureAllCertificates(ctx context.Context, cfg *api.ClusterConfig) error {
	validity := time.Duration(cfg.TLS.ValidityDays) * 24 * time.Hour
	threshold := time.Duration(cfg.TLS.RotationThresholdDays) * 24 * time.Hour

	signer, err := c.ensureSigner(ctx, validity, threshold)
	if err != nil {
		return fmt.Errorf("could not ensure signer: %w", err)
	}
	generation := signer.Annotations[signerGenerationAnnotation]

	if err := c.ensureCABundle(ctx, signer); err != nil {
		return fmt.Errorf("could not ensure CA bundle: %w", err)
	}

	allCerts := map[string][]byte{
		"ca-bundle.crt": signer.Data["tls.crt"],
	}

	for ordinal := 0; ordinal < cfg.Replicas; ordinal++ {
		nodeName := csohelpers.MemberPodName(ordinal)
		nodeIPs := c.nodeIPs(nodeName)
		hostNames := tlshelpers.NodeHostNames(nodeName, nodeIPs)

		transport, err := c.ensureLeafCert(ctx, tlshelpers.GetTransportSecretNameForNode(nodeName), generation, threshold, hostNames, func() ([]byte, []byte, error) {
			cert, key, err := tlshelpers.CreateTransportCertKey(signer.Data["tls.crt"], signer.Data["tls.key"], nodeName, nodeIPs, validity)
			if err != nil {
				return nil, nil, err
			}
			return cert.Bytes(), key.Bytes(), nil
		})
		if err != nil {
			return fmt.Errorf("could not ensure transport certificate for %s: %w", nodeName, err)
		}
		allCerts[fmt.Sprintf("transport-%s.crt", nodeName)] = transport.Data["tls.crt"]
		allCerts[fmt.Sprintf("transport-%s.key", nodeName)] = transport.Data["tls.key"]

		httpSecret, err := c.ensureLeafCert(ctx, tlshelpers.GetHTTPSecretNameForNode(nodeName), generation, threshold, hostNames, func() ([]byte, []byte, error) {
			cert, key, err := tlshelpers.CreateHTTPCertKey(signer.Data["tls.crt"], signer.Data["tls.key"], nodeName, nodeIPs, validity)
			if err != nil {
				return nil, nil, err
			}
			return cert.Bytes(), key.Bytes(), nil
		})
		if err != nil {
			return fmt.Errorf("could not ensure http certificate for %s: %w", nodeName, err)
		}
		allCerts[fmt.Sprintf("http-%s.crt", nodeName)] = httpSecret.Data["tls.crt"]
		allCerts[fmt.Sprintf("http-%s.key", nodeName)] = httpSecret.Data["tls.key"]
	}

	admin, err := c.ensureLeafCert(ctx, tlshelpers.AdminSecretName, generation, threshold, []string{"localhost", "127.0.0.1"}, func() ([]byte, []byte, error) {
		cert, key, err := tlshelpers.CreateAdminCertKey(signer.Data["tls.crt"], signer.Data["tls.key"], validity)
		if err != nil {
			return nil, nil, err
		}
		return cert.Bytes(), key.Bytes(), nil
	})
	if err != nil {
		return fmt.Errorf("could not ensure admin certificate: %w", err)
	}
	allCerts["admin.crt"] = admin.Data["tls.crt"]
	allCerts["admin.key"] = admin.Data["tls.key"]

	required := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      tlshelpers.AllCertsSecretName,
			Namespace: operatorclient.TargetNamespace,
		},
		Data: allCerts,
	}
	_, _, err = resourceapply.ApplySecret(ctx, c.kubeClient.CoreV1(), c.eventRecorder, required)
	return err
}

func (c *CertSignerController) ensureSigner(ctx context.Context, validity, threshold time.Duration) (*corev1.Secret, error) {
	existing, err := c.secretLister.Secrets(operatorclient.TargetNamespace).Get(tlshelpers.SignerSecretName)
	if err == nil {
		remaining, certErr := securityhelpers.CertExpirationRemainingHours(existing.Data["tls.crt"], c.now())
		if certErr == nil && float64(remaining) > threshold.Hours() {
			return existing, nil
		}
	} else if !apierrors.IsNotFound(err) {
		return nil, err
	}

	generation := 1
	if existing != nil {
		if prev, parseErr := strconv.Atoi(existing.Annotations[signerGenerationAnnotation]); parseErr == nil {
			generation = prev + 1
		}
		c.eventRecorder.Eventf("SignerRotated", "signer certificate rotated to generation %d", generation)
	}

	certPEM, keyPEM, err := tlshelpers.CreateSignerCertKey(validity)
	if err != nil {
		return nil, err
	}
	required := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      tlshelpers.SignerSecretName,
			Namespace: operatorclient.TargetNamespace,
			Annotations: map[string]string{
				signerGenerationAnnotation: strconv.Itoa(generation),
			},
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			"tls.crt": certPEM,
			"tls.key": keyPEM,
		},
	}
	applied, _, err := resourceapply.ApplySecret(ctx, c.kubeClient.CoreV1(), c.eventRecorder, required)
	return applied, err
}

// ensureLeafCert returns the existing secret when it matches the signer
// generation, is not close to expiry and still covers every required
// host name, otherwise issues a fresh certificate. The host-name check
// catches pods whose IP only became known after the first issuance.
func (c *CertSignerController) ensureLeafCert(ctx context.Context, name, generation string, threshold time.Duration, hostNames []string, issue func() ([]byte, []byte, error)) (*corev1.Secret, error) {
	existing, err := c.secretLister.Secrets(operatorclient.TargetNamespace).Get(name)
	if err == nil && existing.Annotations[signerGenerationAnnotation] == generation {
		remaining, certErr := securityhelpers.CertExpirationRemainingHours(existing.Data["tls.crt"], c.now())
		if certErr == nil && float64(remaining) > threshold.Hours() && tlshelpers.CertCoversHostNames(existing.Data["tls.crt"], hostNames) {
			return existing, nil
		}
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return nil, err
	}

	certPEM, keyPEM, err := issue()
	if err != nil {
		return nil, err
	}
	required := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: operatorclient.TargetNamespace,
			Annotations: map[string]string{
				signerGenerationAnnotation: generation,
			},
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			"tls.crt": certPEM,
			"tls.key": keyPEM,
		},
	}
	applied, _, err := resourceapply.ApplySecret(ctx, c.kubeClient.CoreV1(), c.eventRecorder, required)
	return applied, err
}

func (c *CertSignerController) ensureCABundle(ctx context.Context, signer *corev1.Secret) error {
	required := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      tlshelpers.CABundleConfigMapName,
			Namespace: operatorclient.TargetNamespace,
		},
		Data: map[string]string{
			"ca-bundle.crt": string(signer.Data["tls.crt"]),
		},
	}
	_, _, err := resourceapply.ApplyConfigMap(ctx, c.kubeClient.CoreV1(), c.eventRecorder, required)
	return err
}

func (c *CertSignerController) nodeIPs(nodeName string) []string {
	pod, err := c.podLister.Pods(operatorclient.TargetNamespace).Get(nodeName)
	if err != nil || pod.Status.PodIP == "" {
		return nil
	}
	return []string{pod.Status.PodIP}
}

func (c *CertSignerController) reportDegraded(ctx context.Context, err error) error {
	_, _, updateErr := v1helpers.UpdateStatus(ctx, c.operatorClient, v1helpers.UpdateConditionFn(operatorv1.OperatorCondition{
		Type:    "CertSignerControllerDegraded",
		Status:  operatorv1.ConditionTrue,
		Reason:  "SynchronizationError",
		Message: err.Error(),
	}))
	if updateErr != nil {
		return updateErr
	}
	return err
}
