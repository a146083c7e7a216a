package operator

import (
	"context"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/openshift/library-go/pkg/controller/controllercmd"
	"github.com/openshift/library-go/pkg/operator/resource/resourceapply"
	"github.com/openshift/library-go/pkg/operator/staticresourcecontroller"
	"github.com/openshift/library-go/pkg/operator/v1helpers"

	"github.com/clustersearch/cluster-search-operator/bindata"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/backupcontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/bootstrapcontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/certsignercontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/clientrelationcontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/clustermembercontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/health"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/memberremovalcontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/membershealthcontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/multiclustercontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/operatorclient"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/rollingrestartcontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/targetconfigcontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/operator/usercontroller"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

// AlivenessChecker is the liveness aggregate for all controller sync loops,
// it backs the healthz endpoint registered in cmd/operator.
var AlivenessChecker = health.NewMultiAlivenessChecker()

func RunOperator(ctx context.Context, controllerContext *controllercmd.ControllerContext) error {
	// This kube client use protobuf, do not use it for CR
	kubeClient, err := kubernetes.NewForConfig(controllerContext.ProtoKubeConfig)
	if err != nil {
		return err
	}
	dynamicClient, err := dynamic.NewForConfig(controllerContext.KubeConfig)
	if err != nil {
		return err
	}

	kubeInformersForNamespaces := v1helpers.NewKubeInformersForNamespaces(
		kubeClient,
		"",
		operatorclient.TargetNamespace,
		operatorclient.OperatorNamespace,
	)
	operatorClient, dynamicInformers := operatorclient.NewOperatorClient(dynamicClient)

	searchClient := searchcli.NewSearchClient(kubeInformersForNamespaces, controllerContext.EventRecorder)

	staticResourceController := staticresourcecontroller.NewStaticResourceController(
		"SearchStaticResources",
		bindata.Asset,
		[]string{
			"search/ns.yaml",
			"search/sa.yaml",
			"search/svc.yaml",
		},
		(&resourceapply.ClientHolder{}).WithKubernetes(kubeClient),
		operatorClient,
		controllerContext.EventRecorder,
	).AddKubeInformers(kubeInformersForNamespaces)

	targetConfigController := targetconfigcontroller.NewTargetConfigController(
		AlivenessChecker,
		operatorClient,
		kubeClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	certSignerController := certsignercontroller.NewCertSignerController(
		AlivenessChecker,
		operatorClient,
		kubeClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	clusterMemberController := clustermembercontroller.NewClusterMemberController(
		AlivenessChecker,
		operatorClient,
		kubeClient,
		searchClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	bootstrapController := bootstrapcontroller.NewBootstrapController(
		AlivenessChecker,
		operatorClient,
		kubeClient,
		searchClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	memberRemovalController := memberremovalcontroller.NewMemberRemovalController(
		AlivenessChecker,
		operatorClient,
		kubeClient,
		searchClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	rollingRestartController := rollingrestartcontroller.NewRollingRestartController(
		AlivenessChecker,
		operatorClient,
		kubeClient,
		searchClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	membersHealthController := membershealthcontroller.NewMembersHealthController(
		AlivenessChecker,
		operatorClient,
		searchClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	userController := usercontroller.NewUserController(
		AlivenessChecker,
		operatorClient,
		kubeClient,
		searchClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	clientRelationController := clientrelationcontroller.NewClientRelationController(
		AlivenessChecker,
		operatorClient,
		kubeClient,
		searchClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	multiClusterController := multiclustercontroller.NewMultiClusterController(
		AlivenessChecker,
		operatorClient,
		searchClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	backupController := backupcontroller.NewBackupController(
		AlivenessChecker,
		operatorClient,
		searchClient,
		kubeInformersForNamespaces,
		controllerContext.EventRecorder,
	)

	kubeInformersForNamespaces.Start(ctx.Done())
	dynamicInformers.Start(ctx.Done())

	if err := operatorclient.AwaitInformerCacheSync("searchclusters", operatorClient.Informer()); err != nil {
		return err
	}

	go staticResourceController.Run(ctx, 1)
	go targetConfigController.Run(ctx, 1)
	go certSignerController.Run(ctx, 1)
	go clusterMemberController.Run(ctx, 1)
	go bootstrapController.Run(ctx, 1)
	go memberRemovalController.Run(ctx, 1)
	go rollingRestartController.Run(ctx, 1)
	go membersHealthController.Run(ctx, 1)
	go userController.Run(ctx, 1)
	go clientRelationController.Run(ctx, 1)
	go multiClusterController.Run(ctx, 1)
	go backupController.Run(ctx, 1)

	<-ctx.Done()
	return nil
}
