package readyz

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	goflag "flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apiserver/pkg/server"
	"k8s.io/klog/v2"
)

const (
	defaultListenPort  = 9640
	defaultDialTimeout = 2 * time.Second
	defaultEndpoint    = "https://localhost:9200"
)

type readyzOpts struct {
	listenPort       uint16
	dialTimeout      time.Duration
	targetEndpoint   string
	servingCertFile  string
	servingKeyFile   string
	clientCertFile   string
	clientKeyFile    string
	clientCACertFile string
}

func newReadyzOpts() *readyzOpts {
	return &readyzOpts{
		listenPort:     defaultListenPort,
		dialTimeout:    defaultDialTimeout,
		targetEndpoint: defaultEndpoint,
	}
}

// NewReadyzCommand creates a readyz command that runs as an http-get readiness server alongside the search node container
func NewReadyzCommand() *cobra.Command {
	opts := newReadyzOpts()
	cmd := &cobra.Command{
		Use:   "readyz",
		Short: "Serve the HTTP /readyz endpoint health check for a search node",
		Run: func(cmd *cobra.Command, args []string) {
			defer klog.Flush()

			if err := opts.Validate(); err != nil {
				klog.Fatal(err)
			}
			if err := opts.Run(); err != nil {
				klog.Fatal(err)
			}
		},
	}

	opts.AddFlags(cmd)
	return cmd
}

func (r *readyzOpts) AddFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.Uint16Var(&r.listenPort, "listen-port", r.listenPort, "Listen on this port. Default 9640")
	fs.DurationVar(&r.dialTimeout, "dial-timeout", r.dialTimeout, "Dial timeout for the client. Default 2s")
	fs.StringVar(&r.targetEndpoint, "target", r.targetEndpoint, "Target endpoint to perform health check against. Default https://localhost:9200")
	fs.StringVar(&r.servingCertFile, "serving-cert-file", r.servingCertFile, "Health probe server TLS certificate file. (required)")
	fs.StringVar(&r.servingKeyFile, "serving-key-file", r.servingKeyFile, "Health probe server TLS key file. (required)")
	fs.StringVar(&r.clientCertFile, "client-cert-file", r.clientCertFile, "Search TLS client certificate file. (required)")
	fs.StringVar(&r.clientKeyFile, "client-key-file", r.clientKeyFile, "Search TLS client key file. (required)")
	fs.StringVar(&r.clientCACertFile, "client-cacert-file", r.clientCACertFile, "Search TLS client CA certificate file. (required)")
	// adding klog flags to tune verbosity better
	gfs := goflag.NewFlagSet("", goflag.ExitOnError)
	klog.InitFlags(gfs)
	cmd.Flags().AddGoFlagSet(gfs)
}

// Validate verifies the inputs.
func (r *readyzOpts) Validate() error {
	if len(r.targetEndpoint) == 0 {
		return errors.New("missing required flag: --target")
	}
	if len(r.servingCertFile) == 0 {
		return errors.New("missing required flag: --serving-cert-file")
	}
	if len(r.servingKeyFile) == 0 {
		return errors.New("missing required flag: --serving-key-file")
	}
	if len(r.clientCertFile) == 0 {
		return errors.New("missing required flag: --client-cert-file")
	}
	if len(r.clientKeyFile) == 0 {
		return errors.New("missing required flag: --client-key-file")
	}
	if len(r.clientCACertFile) == 0 {
		return errors.New("missing required flag: --client-cacert-file")
	}

	// ensure the cert files really exist, during the first rollout the signer
	// may not have issued them yet and the container should fail instead of
	// the readiness probe
	for _, certFile := range []string{r.clientKeyFile, r.clientCertFile, r.clientCACertFile, r.servingKeyFile, r.servingCertFile} {
		if _, err := os.Lstat(certFile); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("unable to find cert [%s]: %w", certFile, err)
			}
			return err
		}
	}

	return nil
}

// Run serves /readyz and /healthz, each request probes the local node's
// cluster health endpoint. Any answer from the engine counts as ready,
// the cluster-level color is the operator's business, not the probe's.
func (r *readyzOpts) Run() error {
	httpClient, err := r.newHealthClient()
	if err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	shutdownHandler := server.SetupSignalHandler()

	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", r.getReadyzHandlerFunc(shutdownCtx, httpClient))
	mux.HandleFunc("/healthz", r.getReadyzHandlerFunc(shutdownCtx, httpClient))

	addr := fmt.Sprintf("0.0.0.0:%d", r.listenPort)
	klog.Infof("Listening on %s", addr)

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return shutdownCtx },
	}
	go func() {
		defer cancel()
		<-shutdownHandler
		klog.Infof("Received SIGTERM or SIGINT signal, shutting down readyz server.")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Error while shutting down readyz server: %v", err)
		}
	}()

	err = httpServer.ListenAndServeTLS(r.servingCertFile, r.servingKeyFile)
	if err == http.ErrServerClosed {
		err = nil
		<-shutdownCtx.Done()
	}
	return err
}

func (r *readyzOpts) newHealthClient() (*http.Client, error) {
	clientCert, err := tls.LoadX509KeyPair(r.clientCertFile, r.clientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load client certificate: %w", err)
	}
	caBundle, err := os.ReadFile(r.clientCACertFile)
	if err != nil {
		return nil, fmt.Errorf("could not read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBundle) {
		return nil, fmt.Errorf("no CA certificates found in [%s]", r.clientCACertFile)
	}

	return &http.Client{
		Timeout: r.dialTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{clientCert},
				RootCAs:      pool,
			},
		},
	}, nil
}

func (r *readyzOpts) getReadyzHandlerFunc(ctx context.Context, httpClient *http.Client) func(w http.ResponseWriter, req *http.Request) {
	healthURL := r.targetEndpoint + "/_cluster/health?local=true"
	return func(w http.ResponseWriter, req *http.Request) {
		probeReq, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		resp, err := httpClient.Do(probeReq)
		if err != nil {
			klog.V(2).Infof("node health probe failed: %v", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			klog.V(2).Infof("node health probe returned status %d", resp.StatusCode)
			http.Error(w, fmt.Sprintf("node health returned status %d", resp.StatusCode), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}
}
