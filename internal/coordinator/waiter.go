package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/featureloop/internal/bus"
	"github.com/basket/featureloop/internal/persistence"
)

// Waiter blocks until features reach passing, driven by feature_update
// events with a polling fallback.
type Waiter struct {
	eventBus *bus.Bus // nil means polling only
	store    *persistence.Store
}

func NewWaiter(eventBus *bus.Bus, store *persistence.Store) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitForPassing returns the feature once it is passing, or an error when
// the timeout or ctx expires first.
func (w *Waiter) WaitForPassing(ctx context.Context, featureID int64, timeout time.Duration) (*persistence.Feature, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the first read so a transition in between is not missed.
	var events <-chan bus.Event
	if w.eventBus != nil {
		sub := w.eventBus.Subscribe(bus.Topic(w.store.Project(), bus.KindFeatureUpdate))
		defer w.eventBus.Unsubscribe(sub)
		events = sub.Ch()
	}

	if f, err := w.checkPassing(ctx, featureID); err != nil || f != nil {
		return f, err
	}

	interval := time.Second
	if events == nil {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for feature %d: %w", featureID, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if upd, isUpdate := ev.Payload.(bus.FeatureUpdateEvent); !isUpdate || upd.FeatureID != featureID {
				continue
			}
		}
		if f, err := w.checkPassing(ctx, featureID); err != nil || f != nil {
			return f, err
		}
	}
}

// WaitForAll waits for several features. Every wait runs to completion; the
// first error is reported.
func (w *Waiter) WaitForAll(ctx context.Context, featureIDs []int64, timeout time.Duration) (map[int64]*persistence.Feature, error) {
	results := make(map[int64]*persistence.Feature, len(featureIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(featureIDs))

	for _, id := range featureIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := w.WaitForPassing(ctx, id, timeout)
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			results[id] = f
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%d features not passing: %w", len(errs), errs[0])
	}
	return results, nil
}

func (w *Waiter) checkPassing(ctx context.Context, featureID int64) (*persistence.Feature, error) {
	f, err := w.store.GetFeature(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if f.Status != persistence.FeatureStatusPassing {
		return nil, nil
	}
	return f, nil
}
