package compute

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// fakeSource is an in-memory RecordSource for tests. Relations are keyed by
// "recordID/relationPath"; paging slices the backing lists by integer
// cursors.
type fakeSource struct {
	mu        sync.Mutex
	records   map[string]map[string]any
	relations map[string][]string
	schemas   map[string][]string

	fetchCount int
	fetchErr   error
	listErr    error
	gate       chan struct{} // when set, FetchRecord blocks until closed
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records:   make(map[string]map[string]any),
		relations: make(map[string][]string),
		schemas:   make(map[string][]string),
	}
}

func (f *fakeSource) addRecord(schemaID, recordID string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[recordID] = fields
	f.schemas[schemaID] = append(f.schemas[schemaID], recordID)
}

func (f *fakeSource) relate(recordID, relationPath string, related ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relations[recordID+"/"+relationPath] = related
}

func (f *fakeSource) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCount
}

func (f *fakeSource) FetchRecord(ctx context.Context, recordID string) (map[string]any, error) {
	f.mu.Lock()
	gate := f.gate
	f.fetchCount++
	err := f.fetchErr
	rec := f.records[recordID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) FetchField(ctx context.Context, recordID, field string) (any, error) {
	rec, err := f.FetchRecord(ctx, recordID)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec[field], nil
}

func page(ids []string, cursor string, limit int) ([]string, string, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor %q", cursor)
		}
		start = n
	}
	if start >= len(ids) {
		return nil, "", nil
	}
	end := start + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}
	next := ""
	if end < len(ids) {
		next = strconv.Itoa(end)
	}
	return ids[start:end], next, nil
}

func (f *fakeSource) FetchRelated(ctx context.Context, recordID, relationPath, cursor string, limit int) ([]string, string, error) {
	f.mu.Lock()
	ids := f.relations[recordID+"/"+relationPath]
	f.mu.Unlock()
	return page(ids, cursor, limit)
}

func (f *fakeSource) ListRecords(ctx context.Context, schemaID, cursor string, limit int) ([]string, string, error) {
	f.mu.Lock()
	err := f.listErr
	ids := f.schemas[schemaID]
	f.mu.Unlock()
	if err != nil {
		return nil, "", err
	}
	return page(ids, cursor, limit)
}

// recordingObserver captures degradation reports for assertions.
type recordingObserver struct {
	mu         sync.Mutex
	degraded   []string
	unresolved []string
	schedFails []string
}

func (o *recordingObserver) Degraded(recordID, fieldID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.degraded = append(o.degraded, fieldID)
}

func (o *recordingObserver) LookupUnresolved(recordID, fieldID, relationPath string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unresolved = append(o.unresolved, fieldID)
}

func (o *recordingObserver) ScheduleFailed(fieldID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.schedFails = append(o.schedFails, fieldID)
}

func (o *recordingObserver) degradedFields() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.degraded...)
}

func (o *recordingObserver) scheduleFailures() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.schedFails...)
}

type testEnv struct {
	engine *Engine
	source *fakeSource
	obs    *recordingObserver
	defs   *InMemoryDefinitionStore
	sched  *InMemoryScheduleStore
	cache  *InMemoryValueCache
}

func newTestEnv(t interface{ Fatalf(string, ...any) }, handlers map[string]CustomHandler, opts Options) *testEnv {
	source := newFakeSource()
	obs := &recordingObserver{}
	defs := NewInMemoryDefinitionStore()
	sched := NewInMemoryScheduleStore()
	cache := NewInMemoryValueCache(DefaultCacheConfig())

	engine, err := NewEngine(defs, cache, sched, source, obs, handlers, opts)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return &testEnv{engine: engine, source: source, obs: obs, defs: defs, sched: sched, cache: cache}
}

func mustCreate(t interface{ Fatalf(string, ...any) }, e *Engine, def *FieldDefinition) string {
	id, err := e.CreateDefinition(def)
	if err != nil {
		t.Fatalf("CreateDefinition(%s) failed: %v", def.FieldID, err)
	}
	return id
}
