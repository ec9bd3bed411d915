package compute

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// triggerDispatcher implements the per (record, field) state machine. An
// entry is Fresh when cached and not stale, Stale when flagged or never
// computed, and Computing while a recompute is in flight. Concurrent
// recomputes of the same key collapse into one execution; every waiter
// receives that execution's result.
type triggerDispatcher struct {
	cache  ValueCache
	obs    Observer
	flight singleflight.Group

	mu        sync.Mutex
	computing map[string]bool
}

func newTriggerDispatcher(cache ValueCache, obs Observer) *triggerDispatcher {
	return &triggerDispatcher{
		cache:     cache,
		obs:       obs,
		computing: make(map[string]bool),
	}
}

func flightKey(recordID, fieldID string) string {
	return recordID + "\x00" + fieldID
}

// State reports the current trigger state of a key.
func (t *triggerDispatcher) State(recordID, fieldID string) FieldState {
	t.mu.Lock()
	inFlight := t.computing[flightKey(recordID, fieldID)]
	t.mu.Unlock()
	if inFlight {
		return StateComputing
	}

	v, ok := t.cache.Get(recordID, fieldID)
	if !ok || v.Stale {
		return StateStale
	}
	return StateFresh
}

// readFresh applies ON_READ policy: return the cached value when Fresh,
// otherwise recompute synchronously before returning. Failures degrade: the
// last cached value (or null) is returned, the entry stays stale, and the
// failure goes to the observer instead of the caller.
func (t *triggerDispatcher) readFresh(ctx context.Context, recordID, fieldID string, compute func(context.Context) (ComputedValue, error)) (ComputedValue, error) {
	if v, ok := t.cache.Get(recordID, fieldID); ok && !v.Stale {
		return v, nil
	}
	return t.recompute(ctx, recordID, fieldID, compute, true)
}

// force applies ON_DEMAND policy: recompute regardless of current state.
// Failures are returned to the caller.
func (t *triggerDispatcher) force(ctx context.Context, recordID, fieldID string, compute func(context.Context) (ComputedValue, error)) (ComputedValue, error) {
	return t.recompute(ctx, recordID, fieldID, compute, false)
}

func (t *triggerDispatcher) recompute(ctx context.Context, recordID, fieldID string, compute func(context.Context) (ComputedValue, error), degrade bool) (ComputedValue, error) {
	key := flightKey(recordID, fieldID)
	result, err, _ := t.flight.Do(key, func() (any, error) {
		t.mu.Lock()
		t.computing[key] = true
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			delete(t.computing, key)
			t.mu.Unlock()
		}()

		v, err := compute(ctx)
		if err != nil {
			return ComputedValue{}, err
		}
		if perr := t.cache.Put(v); perr != nil {
			return ComputedValue{}, evaluationErr(fieldID, "cache put: %v", perr)
		}
		return v, nil
	})

	if err != nil {
		if !degrade {
			return ComputedValue{}, err
		}
		// Degrade: serve the last cached value, leave the entry stale for
		// a later retry, and report instead of raising.
		t.obs.Degraded(recordID, fieldID, err)
		if cached, ok := t.cache.Get(recordID, fieldID); ok {
			return cached, nil
		}
		return ComputedValue{RecordID: recordID, FieldID: fieldID, Value: nil, Stale: true}, nil
	}
	return result.(ComputedValue), nil
}
