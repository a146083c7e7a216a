package operatorclient

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"

	operatorv1 "github.com/openshift/api/operator/v1"
	applyoperatorv1 "github.com/openshift/client-go/operator/applyconfigurations/operator/v1"
	"github.com/openshift/library-go/pkg/apiserver/jsonpatch"
	"github.com/openshift/library-go/pkg/operator/v1helpers"
)

const (
	// TargetNamespace is where the search node pods run.
	TargetNamespace = "search-cluster"
	// OperatorNamespace is where the operator itself and its
	// configuration live.
	OperatorNamespace = "search-cluster-operator"

	// ClusterConfigMapName carries the operand configuration document.
	ClusterConfigMapName = "search-cluster-config"
	// ClusterConfigKey is the key of the config document inside the
	// ConfigMap.
	ClusterConfigKey = "config.yaml"

	// OperatorConfigName is the well known name of the cluster-scoped
	// SearchCluster resource.
	OperatorConfigName = "cluster"
)

var (
	GroupVersion = schema.GroupVersion{Group: "operator.clustersearch.io", Version: "v1"}
	Resource     = GroupVersion.WithResource("searchclusters")
	Kind         = GroupVersion.WithKind("SearchCluster")
)

// OperatorClient implements v1helpers.OperatorClient for the SearchCluster
// resource over the dynamic client. The operator API is served as a CRD,
// so there is no typed clientset to lean on.
type OperatorClient struct {
	dynamicClient dynamic.ResourceInterface
	informer      cache.SharedIndexInformer
}

var _ v1helpers.OperatorClient = &OperatorClient{}

// NewOperatorClient returns the client plus the informer factory that has
// to be started alongside the controllers.
func NewOperatorClient(dynamicClient dynamic.Interface) (*OperatorClient, dynamicinformer.DynamicSharedInformerFactory) {
	informers := dynamicinformer.NewDynamicSharedInformerFactory(dynamicClient, 10*time.Minute)
	return &OperatorClient{
		dynamicClient: dynamicClient.Resource(Resource),
		informer:      informers.ForResource(Resource).Informer(),
	}, informers
}

func (c *OperatorClient) Informer() cache.SharedIndexInformer {
	return c.informer
}

func (c *OperatorClient) GetObjectMeta() (*metav1.ObjectMeta, error) {
	instance, err := c.get(context.TODO())
	if err != nil {
		return nil, err
	}
	rawMeta, found, err := unstructured.NestedMap(instance.Object, "metadata")
	if err != nil || !found {
		return nil, fmt.Errorf("could not read metadata of searchclusters/%s: %v", OperatorConfigName, err)
	}
	meta := &metav1.ObjectMeta{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(rawMeta, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (c *OperatorClient) GetOperatorState() (*operatorv1.OperatorSpec, *operatorv1.OperatorStatus, string, error) {
	return c.GetOperatorStateWithQuorum(context.TODO())
}

func (c *OperatorClient) GetOperatorStateWithQuorum(ctx context.Context) (*operatorv1.OperatorSpec, *operatorv1.OperatorStatus, string, error) {
	instance, err := c.get(ctx)
	if err != nil {
		return nil, nil, "", err
	}

	spec := &operatorv1.OperatorSpec{}
	if rawSpec, found, err := unstructured.NestedMap(instance.Object, "spec"); err != nil {
		return nil, nil, "", err
	} else if found {
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(rawSpec, spec); err != nil {
			return nil, nil, "", err
		}
	}

	status := &operatorv1.OperatorStatus{}
	if rawStatus, found, err := unstructured.NestedMap(instance.Object, "status"); err != nil {
		return nil, nil, "", err
	} else if found {
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(rawStatus, status); err != nil {
			return nil, nil, "", err
		}
	}

	return spec, status, instance.GetResourceVersion(), nil
}

func (c *OperatorClient) UpdateOperatorSpec(ctx context.Context, resourceVersion string, spec *operatorv1.OperatorSpec) (*operatorv1.OperatorSpec, string, error) {
	instance, err := c.get(ctx)
	if err != nil {
		return nil, "", err
	}
	updated := instance.DeepCopy()
	updated.SetResourceVersion(resourceVersion)

	rawSpec, err := runtime.DefaultUnstructuredConverter.ToUnstructured(spec)
	if err != nil {
		return nil, "", err
	}
	if err := unstructured.SetNestedMap(updated.Object, rawSpec, "spec"); err != nil {
		return nil, "", err
	}

	ret, err := c.dynamicClient.Update(ctx, updated, metav1.UpdateOptions{})
	if err != nil {
		return nil, "", err
	}
	outSpec := &operatorv1.OperatorSpec{}
	if rawOut, found, err := unstructured.NestedMap(ret.Object, "spec"); err != nil {
		return nil, "", err
	} else if found {
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(rawOut, outSpec); err != nil {
			return nil, "", err
		}
	}
	return outSpec, ret.GetResourceVersion(), nil
}

func (c *OperatorClient) UpdateOperatorStatus(ctx context.Context, resourceVersion string, status *operatorv1.OperatorStatus) (*operatorv1.OperatorStatus, error) {
	instance, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	updated := instance.DeepCopy()
	updated.SetResourceVersion(resourceVersion)

	rawStatus, err := runtime.DefaultUnstructuredConverter.ToUnstructured(status)
	if err != nil {
		return nil, err
	}
	if err := unstructured.SetNestedMap(updated.Object, rawStatus, "status"); err != nil {
		return nil, err
	}

	ret, err := c.dynamicClient.UpdateStatus(ctx, updated, metav1.UpdateOptions{})
	if err != nil {
		return nil, err
	}
	outStatus := &operatorv1.OperatorStatus{}
	if rawOut, found, err := unstructured.NestedMap(ret.Object, "status"); err != nil {
		return nil, err
	} else if found {
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(rawOut, outStatus); err != nil {
			return nil, err
		}
	}
	return outStatus, nil
}

func (c *OperatorClient) ApplyOperatorSpec(ctx context.Context, fieldManager string, applyConfiguration *applyoperatorv1.OperatorSpecApplyConfiguration) error {
	if applyConfiguration == nil {
		return fmt.Errorf("applyConfiguration must have a value")
	}
	rawSpec, err := runtime.DefaultUnstructuredConverter.ToUnstructured(applyConfiguration)
	if err != nil {
		return err
	}
	return c.apply(ctx, fieldManager, map[string]interface{}{"spec": rawSpec})
}

func (c *OperatorClient) ApplyOperatorStatus(ctx context.Context, fieldManager string, applyConfiguration *applyoperatorv1.OperatorStatusApplyConfiguration) error {
	if applyConfiguration == nil {
		return fmt.Errorf("applyConfiguration must have a value")
	}
	rawStatus, err := runtime.DefaultUnstructuredConverter.ToUnstructured(applyConfiguration)
	if err != nil {
		return err
	}
	return c.apply(ctx, fieldManager, map[string]interface{}{"status": rawStatus}, "status")
}

func (c *OperatorClient) PatchOperatorStatus(ctx context.Context, jsonPatch *jsonpatch.PatchSet) error {
	patch, err := jsonPatch.Marshal()
	if err != nil {
		return err
	}
	_, err = c.dynamicClient.Patch(ctx, OperatorConfigName, types.JSONPatchType, patch, metav1.PatchOptions{}, "status")
	return err
}

func (c *OperatorClient) apply(ctx context.Context, fieldManager string, fields map[string]interface{}, subresources ...string) error {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": GroupVersion.String(),
		"kind":       Kind.Kind,
		"metadata":   map[string]interface{}{"name": OperatorConfigName},
	}}
	for key, value := range fields {
		obj.Object[key] = value
	}
	_, err := c.dynamicClient.Apply(ctx, OperatorConfigName, obj, metav1.ApplyOptions{Force: true, FieldManager: fieldManager}, subresources...)
	return err
}

// get prefers the informer cache once it is synced, falling back to a
// live read before the controllers are started.
func (c *OperatorClient) get(ctx context.Context) (*unstructured.Unstructured, error) {
	if c.informer.HasSynced() {
		obj, exists, err := c.informer.GetStore().GetByKey(OperatorConfigName)
		if err != nil {
			return nil, err
		}
		if exists {
			if instance, ok := obj.(*unstructured.Unstructured); ok {
				return instance, nil
			}
		}
	}
	return c.dynamicClient.Get(ctx, OperatorConfigName, metav1.GetOptions{})
}
