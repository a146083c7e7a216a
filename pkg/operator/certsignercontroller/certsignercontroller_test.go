package certsignercontroller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/clock"

	"github.com/openshift/library-go/pkg/operator/events"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/tlshelpers"
)

func testClusterConfig(replicas int) *api.ClusterConfig {
	return &api.ClusterConfig{
		ClusterName: "search-cluster",
		Replicas:    replicas,
		Storage:     api.StorageConfig{Size: "10Gi"},
		TLS: api.TLSConfig{
			ValidityDays:          api.DefaultCertValidityDays,
			RotationThresholdDays: api.DefaultRotationThresholdDays,
		},
	}
}

func newTestController(t *testing.T, secrets ...*corev1.Secret) (*CertSignerController, *fake.Clientset, informers.SharedInformerFactory) {
	kubeClient := fake.NewSimpleClientset()
	informerFactory := informers.NewSharedInformerFactory(kubeClient, 0)
	secretInformer := informerFactory.Core().V1().Secrets()
	podInformer := informerFactory.Core().V1().Pods()
	for _, secret := range secrets {
		require.NoError(t, secretInformer.Informer().GetIndexer().Add(secret))
		_, err := kubeClient.CoreV1().Secrets(operatorclient.TargetNamespace).Create(context.TODO(), secret, metav1.CreateOptions{})
		require.NoError(t, err)
	}

	c := &CertSignerController{
		kubeClient:    kubeClient,
		secretLister:  secretInformer.Lister(),
		podLister:     podInformer.Lister(),
		eventRecorder: events.NewInMemoryRecorder("test", clock.RealClock{}),
		now:           time.Now,
	}
	return c, kubeClient, informerFactory
}

func getSecret(t *testing.T, kubeClient *fake.Clientset, name string) *corev1.Secret {
	secret, err := kubeClient.CoreV1().Secrets(operatorclient.TargetNamespace).Get(context.TODO(), name, metav1.GetOptions{})
	require.NoError(t, err)
	return secret
}

func TestEnsureAllCertificatesFromScratch(t *testing.T) {
	c, kubeClient, _ := newTestController(t)

	require.NoError(t, c.ensureAllCertificates(context.TODO(), testClusterConfig(2)))

	signer := getSecret(t, kubeClient, tlshelpers.SignerSecretName)
	require.NotEmpty(t, signer.Data["tls.crt"])
	require.Equal(t, "1", signer.Annotations[signerGenerationAnnotation])

	for _, name := range []string{
		"search-transport-search-0", "search-transport-search-1",
		"search-http-search-0", "search-http-search-1",
		tlshelpers.AdminSecretName,
	} {
		secret := getSecret(t, kubeClient, name)
		require.NotEmpty(t, secret.Data["tls.crt"], name)
		require.NotEmpty(t, secret.Data["tls.key"], name)
		require.Equal(t, "1", secret.Annotations[signerGenerationAnnotation], name)
	}

	for _, node := range []string{"search-0", "search-1"} {
		for _, name := range []string{tlshelpers.GetTransportSecretNameForNode(node), tlshelpers.GetHTTPSecretNameForNode(node)} {
			secret := getSecret(t, kubeClient, name)
			require.True(t, tlshelpers.CertCoversHostNames(secret.Data["tls.crt"], tlshelpers.NodeHostNames(node, nil)), name)
		}
	}

	allCerts := getSecret(t, kubeClient, tlshelpers.AllCertsSecretName)
	for _, key := range []string{
		"ca-bundle.crt",
		"transport-search-0.crt", "transport-search-0.key",
		"transport-search-1.crt", "transport-search-1.key",
		"http-search-0.crt", "http-search-0.key",
		"http-search-1.crt", "http-search-1.key",
		"admin.crt", "admin.key",
	} {
		require.NotEmpty(t, allCerts.Data[key], key)
	}

	caBundle, err := kubeClient.CoreV1().ConfigMaps(operatorclient.TargetNamespace).Get(context.TODO(), tlshelpers.CABundleConfigMapName, metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, string(signer.Data["tls.crt"]), caBundle.Data["ca-bundle.crt"])
}

func signerSecret(t *testing.T, validity time.Duration, generation string) *corev1.Secret {
	certPEM, keyPEM, err := tlshelpers.CreateSignerCertKey(validity)
	require.NoError(t, err)
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        tlshelpers.SignerSecretName,
			Namespace:   operatorclient.TargetNamespace,
			Annotations: map[string]string{signerGenerationAnnotation: generation},
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{"tls.crt": certPEM, "tls.key": keyPEM},
	}
}

func leafSecret(t *testing.T, signer *corev1.Secret, name, nodeName string, validity time.Duration, generation string) *corev1.Secret {
	cert, key, err := tlshelpers.CreateTransportCertKey(signer.Data["tls.crt"], signer.Data["tls.key"], nodeName, nil, validity)
	require.NoError(t, err)
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   operatorclient.TargetNamespace,
			Annotations: map[string]string{signerGenerationAnnotation: generation},
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{"tls.crt": cert.Bytes(), "tls.key": key.Bytes()},
	}
}

func TestExpiringLeafCertIsReissued(t *testing.T) {
	signer := signerSecret(t, tlshelpers.DefaultCertValidity, "1")
	// expires well within the 7 day rotation threshold
	expiring := leafSecret(t, signer, "search-transport-search-0", "search-0", 24*time.Hour, "1")
	c, kubeClient, _ := newTestController(t, signer, expiring)

	require.NoError(t, c.ensureAllCertificates(context.TODO(), testClusterConfig(1)))

	rotated := getSecret(t, kubeClient, "search-transport-search-0")
	require.NotEqual(t, expiring.Data["tls.crt"], rotated.Data["tls.crt"])
}

func TestValidLeafCertIsKept(t *testing.T) {
	signer := signerSecret(t, tlshelpers.DefaultCertValidity, "1")
	valid := leafSecret(t, signer, "search-transport-search-0", "search-0", tlshelpers.DefaultCertValidity, "1")
	c, _, _ := newTestController(t, signer, valid)

	secret, err := c.ensureLeafCert(context.TODO(), "search-transport-search-0", "1", 7*24*time.Hour, tlshelpers.NodeHostNames("search-0", nil), func() ([]byte, []byte, error) {
		t.Fatal("issue must not be called for a valid certificate")
		return nil, nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, valid.Data["tls.crt"], secret.Data["tls.crt"])
}

func TestSignerRotationReissuesLeafCerts(t *testing.T) {
	signer := signerSecret(t, tlshelpers.DefaultCertValidity, "2")
	// issued by a previous signer generation
	stale := leafSecret(t, signer, "search-transport-search-0", "search-0", tlshelpers.DefaultCertValidity, "1")
	c, kubeClient, _ := newTestController(t, signer, stale)

	require.NoError(t, c.ensureAllCertificates(context.TODO(), testClusterConfig(1)))

	rotated := getSecret(t, kubeClient, "search-transport-search-0")
	require.Equal(t, "2", rotated.Annotations[signerGenerationAnnotation])
	require.NotEqual(t, stale.Data["tls.crt"], rotated.Data["tls.crt"])
}

func TestLeafCertReissuedWhenPodIPAppears(t *testing.T) {
	signer := signerSecret(t, tlshelpers.DefaultCertValidity, "1")
	// issued before the node pod was scheduled, no IP in the SANs yet
	withoutIP := leafSecret(t, signer, "search-transport-search-0", "search-0", tlshelpers.DefaultCertValidity, "1")
	c, kubeClient, informerFactory := newTestController(t, signer, withoutIP)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "search-0", Namespace: operatorclient.TargetNamespace},
		Status:     corev1.PodStatus{PodIP: "10.0.0.9"},
	}
	require.NoError(t, informerFactory.Core().V1().Pods().Informer().GetIndexer().Add(pod))

	require.NoError(t, c.ensureAllCertificates(context.TODO(), testClusterConfig(1)))

	rotated := getSecret(t, kubeClient, "search-transport-search-0")
	require.NotEqual(t, withoutIP.Data["tls.crt"], rotated.Data["tls.crt"])
	require.True(t, tlshelpers.CertCoversHostNames(rotated.Data["tls.crt"], tlshelpers.NodeHostNames("search-0", []string{"10.0.0.9"})))

	http := getSecret(t, kubeClient, "search-http-search-0")
	require.True(t, tlshelpers.CertCoversHostNames(http.Data["tls.crt"], []string{"10.0.0.9", "search-0.search.search-cluster.svc"}))
}

func TestExpiringSignerIsRotated(t *testing.T) {
	signer := signerSecret(t, 24*time.Hour, "1")
	c, kubeClient, _ := newTestController(t, signer)

	require.NoError(t, c.ensureAllCertificates(context.TODO(), testClusterConfig(1)))

	rotated := getSecret(t, kubeClient, tlshelpers.SignerSecretName)
	require.Equal(t, "2", rotated.Annotations[signerGenerationAnnotation])
	require.NotEqual(t, signer.Data["tls.crt"], rotated.Data["tls.crt"])
}
