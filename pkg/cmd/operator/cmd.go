package operator

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"k8s.io/apiserver/pkg/server/healthz"
	"k8s.io/utils/clock"

	"github.com/openshift/library-go/pkg/controller/controllercmd"

	"github.com/clustersearch/cluster-search-operator/pkg/operator"
	"github.com/clustersearch/cluster-search-operator/pkg/version"
)

func NewOperator() *cobra.Command {
	cmd := controllercmd.
		NewControllerCommandConfig("cluster-search-operator", version.Get(), operator.RunOperator, clock.RealClock{}).
		WithHealthChecks(healthz.NamedCheck("controller-aliveness", func(_ *http.Request) error {
			if !operator.AlivenessChecker.Alive() {
				return fmt.Errorf("found unhealthy aliveness check, returning error")
			}
			return nil
		})).
		NewCommandWithContext(context.Background())
	cmd.Use = "operator"
	cmd.Short = "Start the Cluster Search Operator"

	return cmd
}
