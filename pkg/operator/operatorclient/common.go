package operatorclient

import (
	"context"
	"fmt"
	"time"

	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
)

// AwaitInformerCacheSync blocks until the informer is synced, bounded so
// a missing CRD fails operator start instead of hanging it.
func AwaitInformerCacheSync(name string, inf cache.SharedIndexInformer) error {
	klog.Infof("waiting for [%s] informer sync...", name)
	syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	synced := cache.WaitForCacheSync(syncCtx.Done(), inf.HasSynced)
	cancel()

	if !synced {
		return fmt.Errorf("could not sync [%s] informer, aborting operator start", name)
	}
	return nil
}
