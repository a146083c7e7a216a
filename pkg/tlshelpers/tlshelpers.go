package tlshelpers

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/openshift/library-go/pkg/crypto"

	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
)

const (
	// DefaultCertValidity is the issued certificate lifetime when the
	// cluster config does not override it.
	DefaultCertValidity = 3 * 365 * 24 * time.Hour

	transportOrg = "system:search-transport"
	httpOrg      = "system:search-http"
	adminOrg     = "system:search-admins"

	signerCommonName = "search-signer"

	// SignerSecretName holds the self-signed CA certificate and key.
	SignerSecretName = "search-signer"
	// AdminSecretName holds the admin client certificate the operator
	// and tooling use to authenticate against the security plugin.
	AdminSecretName = "search-admin"
	// AllCertsSecretName aggregates every node certificate so the
	// per-node pods can mount a single secret.
	AllCertsSecretName = "search-all-certs"
	// CABundleConfigMapName publishes the signer certificate for
	// clients that only need to verify the cluster.
	CABundleConfigMapName = "search-ca"
)

// GetTransportSecretNameForNode names the secret carrying the node's
// transport-layer certificate.
func GetTransportSecretNameForNode(nodeName string) string {
	return fmt.Sprintf("search-transport-%s", nodeName)
}

// GetHTTPSecretNameForNode names the secret carrying the node's REST
// layer serving certificate.
func GetHTTPSecretNameForNode(nodeName string) string {
	return fmt.Sprintf("search-http-%s", nodeName)
}

// AdminSubjectDN is the distinguished name the security plugin is
// configured to accept as the admin identity.
func AdminSubjectDN() string {
	return fmt.Sprintf("CN=admin,O=%s", adminOrg)
}

// NodeSubjectDN is the distinguished name pattern accepted for
// inter-node transport connections.
func NodeSubjectDN(nodeName string) string {
	return fmt.Sprintf("CN=%s,O=%s", nodeName, transportOrg)
}

// CreateSignerCertKey creates a fresh self-signed CA valid for the given
// duration and returns its PEM encoded certificate and key.
func CreateSignerCertKey(validity time.Duration) ([]byte, []byte, error) {
	caConfig, err := crypto.MakeSelfSignedCAConfig(signerCommonName, int(validity.Hours()/24))
	if err != nil {
		return nil, nil, fmt.Errorf("could not create signer CA: %w", err)
	}
	return caConfig.GetPEMBytes()
}

// NodeHostNames returns every name a node certificate must be valid
// for: the pod name, all DNS forms of the headless service entry the
// rendered config and relation secrets advertise, localhost, and the
// pod IP the operator dials directly.
func NodeHostNames(nodeName string, nodeIPs []string) []string {
	return append([]string{
		"localhost",
		"127.0.0.1",
		"::1",
		nodeName,
		fmt.Sprintf("%s.search", nodeName),
		fmt.Sprintf("%s.search.%s.svc", nodeName, operatorclient.TargetNamespace),
		fmt.Sprintf("%s.search.%s.svc.cluster.local", nodeName, operatorclient.TargetNamespace),
	}, nodeIPs...)
}

// CertCoversHostNames reports whether the PEM encoded certificate is
// valid for every given host name or IP.
func CertCoversHostNames(certPEM []byte, hostNames []string) bool {
	certs, err := crypto.CertsFromPEM(certPEM)
	if err != nil || len(certs) == 0 {
		return false
	}
	for _, name := range hostNames {
		if certs[0].VerifyHostname(name) != nil {
			return false
		}
	}
	return true
}

// CreateTransportCertKey issues the combined client and serving
// certificate for the node's transport layer. Expiry of this
// certificate disconnects the node from the cluster, callers are
// expected to rotate well ahead of time.
func CreateTransportCertKey(caCert, caKey []byte, nodeName string, nodeIPs []string, validity time.Duration) (*bytes.Buffer, *bytes.Buffer, error) {
	return createCombinedClientAndServingCerts(caCert, caKey, nodeName, transportOrg, NodeHostNames(nodeName, nodeIPs), validity)
}

// CreateHTTPCertKey issues the serving certificate for the node's REST
// layer.
func CreateHTTPCertKey(caCert, caKey []byte, nodeName string, nodeIPs []string, validity time.Duration) (*bytes.Buffer, *bytes.Buffer, error) {
	return createCombinedClientAndServingCerts(caCert, caKey, nodeName, httpOrg, NodeHostNames(nodeName, nodeIPs), validity)
}

// CreateAdminCertKey issues the admin client certificate.
func CreateAdminCertKey(caCert, caKey []byte, validity time.Duration) (*bytes.Buffer, *bytes.Buffer, error) {
	return createCombinedClientAndServingCerts(caCert, caKey, "admin", adminOrg, []string{"localhost", "127.0.0.1"}, validity)
}

func createCombinedClientAndServingCerts(caCert, caKey []byte, cn, org string, hostNames []string, validity time.Duration) (*bytes.Buffer, *bytes.Buffer, error) {
	caKeyPair, err := crypto.GetCAFromBytes(caCert, caKey)
	if err != nil {
		return nil, nil, err
	}

	certConfig, err := caKeyPair.MakeServerCertForDuration(sets.New[string](hostNames...), validity, func(cert *x509.Certificate) error {
		cert.Issuer = pkix.Name{
			OrganizationalUnit: []string{"clustersearch"},
			CommonName:         signerCommonName,
		}
		cert.Subject = pkix.Name{
			Organization: []string{org},
			CommonName:   cn,
		}
		cert.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	certBytes := &bytes.Buffer{}
	keyBytes := &bytes.Buffer{}
	if err := certConfig.WriteCertConfig(certBytes, keyBytes); err != nil {
		return nil, nil, err
	}
	return certBytes, keyBytes, nil
}
