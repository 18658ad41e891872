package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/product-scout/internal/model"
)

// ErrJobOverlap is returned when a kind's lock cannot be acquired in time
// because earlier runs still hold every slot.
var ErrJobOverlap = eris.New("pipeline: job overlap")

// KindLock bounds how many runs of one job kind execute at once.
type KindLock struct {
	kind  model.JobKind
	slots chan struct{}
}

// NewKindLock creates a lock admitting up to maxInstances holders.
func NewKindLock(kind model.JobKind, maxInstances int) *KindLock {
	if maxInstances < 1 {
		maxInstances = 1
	}
	return &KindLock{kind: kind, slots: make(chan struct{}, maxInstances)}
}

// Acquire waits up to timeout for a slot. The returned release func must be
// called exactly once.
func (l *KindLock) Acquire(ctx context.Context, timeout time.Duration) (release func(), err error) {
	select {
	case l.slots <- struct{}{}:
		return l.release, nil
	default:
	}
	if timeout <= 0 {
		return nil, eris.Wrapf(ErrJobOverlap, "pipeline: %s already running", l.kind)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.slots <- struct{}{}:
		return l.release, nil
	case <-timer.C:
		return nil, eris.Wrapf(ErrJobOverlap, "pipeline: %s still running after %s", l.kind, timeout)
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "pipeline: waiting for %s lock", l.kind)
	}
}

func (l *KindLock) release() { <-l.slots }

// Held returns the number of runs currently holding the lock.
func (l *KindLock) Held() int { return len(l.slots) }
