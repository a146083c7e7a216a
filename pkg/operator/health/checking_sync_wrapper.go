package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/openshift/library-go/pkg/controller/factory"
)

// defaultLivenessThreshold is generous enough to cover slow resyncs on
// busy clusters while still catching a deadlocked controller.
const defaultLivenessThreshold = 5 * time.Minute

// CheckingSyncWrapper wraps a factory.SyncFunc in order to track when it
// last ran successfully.
type CheckingSyncWrapper struct {
	// lastSuccessfulRun is unix millis, accessed atomically because
	// Alive is called from the healthz handler goroutine
	lastSuccessfulRun int64
	syncFunc          factory.SyncFunc
	livenessThreshold time.Duration
}

func (r *CheckingSyncWrapper) Sync(ctx context.Context, controllerContext factory.SyncContext) error {
	err := r.syncFunc(ctx, controllerContext)
	if err == nil {
		atomic.StoreInt64(&r.lastSuccessfulRun, time.Now().UnixMilli())
	}
	return err
}

func (r *CheckingSyncWrapper) Alive() bool {
	last := time.UnixMilli(atomic.LoadInt64(&r.lastSuccessfulRun))
	return last.Add(r.livenessThreshold).After(time.Now())
}

func NewCheckingSyncWrapper(sync factory.SyncFunc, livenessThreshold time.Duration) *CheckingSyncWrapper {
	return &CheckingSyncWrapper{
		lastSuccessfulRun: time.Now().UnixMilli(),
		syncFunc:          sync,
		livenessThreshold: livenessThreshold,
	}
}

func NewDefaultCheckingSyncWrapper(sync factory.SyncFunc) *CheckingSyncWrapper {
	return NewCheckingSyncWrapper(sync, defaultLivenessThreshold)
}
