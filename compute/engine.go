package compute

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gridbase/compute/formula"
)

// Options configures engine behavior.
type Options struct {
	// SourceTimeout bounds every record-store collaborator call.
	SourceTimeout time.Duration
	// Workers bounds concurrent per-record computations in scheduled
	// batches.
	Workers int
	// PageSize is the page size for related-record and record listing.
	PageSize int
	// Cache configures the result cache when the engine builds its own.
	Cache CacheConfig
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		SourceTimeout: 5 * time.Second,
		Workers:       4,
		PageSize:      100,
		Cache:         DefaultCacheConfig(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SourceTimeout == 0 {
		o.SourceTimeout = d.SourceTimeout
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	return o
}

// Engine is the computed-field evaluation engine. It owns definition
// validation, dependency ordering, trigger policy, and the result cache;
// record data comes from the external RecordSource collaborator.
type Engine struct {
	defs      DefinitionStore
	cache     ValueCache
	schedules ScheduleStore
	source    RecordSource
	obs       Observer
	handlers  map[string]CustomHandler
	opts      Options

	registry   *formula.Registry
	graphs     *Resolver
	dispatcher *Dispatcher
	trigger    *triggerDispatcher

	// compiled definitions, swapped under mu like the graph snapshots so
	// in-flight evaluations keep a consistent view.
	mu       sync.RWMutex
	compiled map[string]*compiledField // by definition ID
	byField  map[string]*compiledField // by field ID
}

// NewEngine creates an engine over the given stores and collaborators and
// compiles every persisted definition. A nil cache gets an in-memory result
// cache; a nil observer discards reports.
func NewEngine(defs DefinitionStore, cache ValueCache, schedules ScheduleStore, source RecordSource, obs Observer, handlers map[string]CustomHandler, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if cache == nil {
		cache = NewInMemoryValueCache(opts.Cache)
	}
	if obs == nil {
		obs = NopObserver{}
	}

	reg := formula.NewRegistry()
	e := &Engine{
		defs:      defs,
		cache:     cache,
		schedules: schedules,
		source:    source,
		obs:       obs,
		handlers:  handlers,
		opts:      opts,
		registry:  reg,
		graphs:    NewResolver(),
		trigger:   newTriggerDispatcher(cache, obs),
		compiled:  make(map[string]*compiledField),
		byField:   make(map[string]*compiledField),
	}
	e.dispatcher = newDispatcher(formula.NewEvaluator(reg), source, obs, opts.SourceTimeout, opts.PageSize)

	if err := e.compileAll(); err != nil {
		return nil, fmt.Errorf("failed to compile definitions: %w", err)
	}
	return e, nil
}

// compileAll compiles all persisted definitions and rebuilds the dependency
// graphs and schedule entries.
func (e *Engine) compileAll() error {
	all, err := e.defs.List()
	if err != nil {
		return err
	}
	for _, def := range all {
		cf, verr := compileField(def, e.handlers)
		if verr != nil {
			return fmt.Errorf("definition %s: %w", def.ID, verr)
		}
		if err := e.graphs.Validate(def.SchemaID, def.FieldID, def.DependsOn); err != nil {
			return fmt.Errorf("definition %s: %w", def.ID, err)
		}
		e.graphs.SetField(def.SchemaID, def.FieldID, def.DependsOn)
		e.compiled[def.ID] = cf
		e.byField[def.FieldID] = cf

		if def.Trigger == TriggerScheduled && e.schedules != nil {
			if err := e.upsertSchedule(cf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) upsertSchedule(cf *compiledField) error {
	return e.schedules.Upsert(&Schedule{
		DefinitionID:  cf.def.ID,
		FieldID:       cf.def.FieldID,
		CronExpr:      cf.def.ScheduleCron,
		NextRunAt:     cf.schedule.Next(time.Now()),
		LastRunStatus: "pending",
	})
}

// CreateDefinition validates, compiles and persists a new definition.
// Validation failures — config/method mismatch, unparseable formulas,
// dependency cycles — reject the save; nothing invalid is ever stored.
func (e *Engine) CreateDefinition(def *FieldDefinition) (string, error) {
	cf, verr := compileField(def, e.handlers)
	if verr != nil {
		return "", verr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byField[def.FieldID]; exists {
		return "", validationErr(def.FieldID, "field already has a definition")
	}
	if err := e.graphs.Validate(def.SchemaID, def.FieldID, def.DependsOn); err != nil {
		return "", err
	}

	def.ID = uuid.NewString()
	if err := e.defs.Add(def); err != nil {
		return "", err
	}

	e.graphs.SetField(def.SchemaID, def.FieldID, def.DependsOn)
	e.compiled[def.ID] = cf
	e.byField[def.FieldID] = cf

	if def.Trigger == TriggerScheduled && e.schedules != nil {
		if err := e.upsertSchedule(cf); err != nil {
			return "", err
		}
	}
	return def.ID, nil
}

// UpdateDefinition validates a replacement definition and atomically swaps
// it in. Cached values computed under the old definition are purged.
func (e *Engine) UpdateDefinition(id string, def *FieldDefinition) error {
	def.ID = id

	cf, verr := compileField(def, e.handlers)
	if verr != nil {
		return verr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.compiled[id]
	if !ok {
		return fmt.Errorf("definition with ID %s not found", id)
	}
	if prev.def.FieldID != def.FieldID {
		return validationErr(def.FieldID, "fieldId of an existing definition cannot change")
	}
	if err := e.graphs.Validate(def.SchemaID, def.FieldID, def.DependsOn); err != nil {
		return err
	}
	if err := e.defs.Update(def); err != nil {
		return err
	}

	e.graphs.SetField(def.SchemaID, def.FieldID, def.DependsOn)
	e.compiled[id] = cf
	e.byField[def.FieldID] = cf

	if e.schedules != nil {
		if def.Trigger == TriggerScheduled {
			if err := e.upsertSchedule(cf); err != nil {
				return err
			}
		} else if err := e.schedules.Delete(id); err != nil {
			return err
		}
	}
	return e.cache.PurgeField(def.FieldID)
}

// DeleteDefinition removes a definition, its graph edges, its schedule and
// its cached values.
func (e *Engine) DeleteDefinition(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cf, ok := e.compiled[id]
	if !ok {
		return fmt.Errorf("definition with ID %s not found", id)
	}
	if err := e.defs.Delete(id); err != nil {
		return err
	}

	e.graphs.RemoveField(cf.def.SchemaID, cf.def.FieldID)
	delete(e.compiled, id)
	delete(e.byField, cf.def.FieldID)

	if e.schedules != nil {
		if err := e.schedules.Delete(id); err != nil {
			return err
		}
	}
	return e.cache.PurgeField(cf.def.FieldID)
}

// GetDefinition returns a definition by ID.
func (e *Engine) GetDefinition(id string) (*FieldDefinition, error) {
	return e.defs.Get(id)
}

// ListDefinitions returns all definitions of one schema.
func (e *Engine) ListDefinitions(schemaID string) ([]*FieldDefinition, error) {
	return e.defs.ListSchema(schemaID)
}

func (e *Engine) fieldDef(fieldID string) (*compiledField, error) {
	e.mu.RLock()
	cf, ok := e.byField[fieldID]
	e.mu.RUnlock()
	if !ok {
		return nil, validationErr(fieldID, "no definition for field")
	}
	return cf, nil
}

// State reports the trigger state of one (record, field) key.
func (e *Engine) State(recordID, fieldID string) FieldState {
	return e.trigger.State(recordID, fieldID)
}

// GetComputedValue returns the value of a computed field for a record,
// applying the field's trigger policy. ON_READ fields recompute
// synchronously when stale, with concurrent readers of the same key
// collapsing into a single computation. Other triggers serve the cached
// value and only compute when no value exists yet.
func (e *Engine) GetComputedValue(ctx context.Context, recordID, fieldID string) (ComputedValue, error) {
	cf, err := e.fieldDef(fieldID)
	if err != nil {
		return ComputedValue{}, err
	}

	compute := func(ctx context.Context) (ComputedValue, error) {
		return e.computeOne(ctx, cf, recordID, nil)
	}

	if cf.def.Trigger == TriggerOnRead {
		return e.trigger.readFresh(ctx, recordID, fieldID, compute)
	}

	// Non-ON_READ fields are refreshed by their own policy; a stale value
	// is served as-is. Only a never-computed field evaluates here.
	if v, ok := e.cache.Get(recordID, fieldID); ok {
		return v, nil
	}
	return e.trigger.readFresh(ctx, recordID, fieldID, compute)
}

// TriggerRecompute forces a synchronous recompute of one field, or of every
// defined field when fieldID is "*", regardless of trigger or state.
func (e *Engine) TriggerRecompute(ctx context.Context, recordID, fieldID string) RecomputeResult {
	var result RecomputeResult

	var targets []*compiledField
	if fieldID == "*" {
		targets = e.allFieldsOrdered()
	} else {
		cf, err := e.fieldDef(fieldID)
		if err != nil {
			result.Failed = append(result.Failed, fieldID)
			return result
		}
		targets = []*compiledField{cf}
	}

	for _, cf := range targets {
		_, err := e.trigger.force(ctx, recordID, cf.def.FieldID, func(ctx context.Context) (ComputedValue, error) {
			return e.computeOne(ctx, cf, recordID, nil)
		})
		if err != nil {
			result.Failed = append(result.Failed, cf.def.FieldID)
			continue
		}
		result.Recomputed = append(result.Recomputed, cf.def.FieldID)
	}
	return result
}

// allFieldsOrdered returns every compiled field, per schema in dependency
// order, so a full recompute evaluates upstream fields first.
func (e *Engine) allFieldsOrdered() []*compiledField {
	e.mu.RLock()
	bySchema := make(map[string][]string)
	for fieldID, cf := range e.byField {
		bySchema[cf.def.SchemaID] = append(bySchema[cf.def.SchemaID], fieldID)
	}
	e.mu.RUnlock()

	schemas := make([]string, 0, len(bySchema))
	for s := range bySchema {
		schemas = append(schemas, s)
	}
	sort.Strings(schemas)

	var out []*compiledField
	for _, schemaID := range schemas {
		for _, fieldID := range e.graphs.TopoOrder(schemaID, bySchema[schemaID]) {
			if cf, err := e.fieldDef(fieldID); err == nil {
				out = append(out, cf)
			}
		}
	}
	return out
}

// OnRecordWritten is the write hook consumed from the record store. It marks
// every dependent field stale and then runs the ON_WRITE cascade in
// dependency order. The cascade is atomic: if any member fails, no computed
// value from the cascade is persisted and the error aborts the surrounding
// write.
func (e *Engine) OnRecordWritten(ctx context.Context, schemaID, recordID string, changedFields []string) error {
	cascade := e.graphs.Cascade(schemaID, changedFields)
	if len(cascade) == 0 {
		return nil
	}

	// Lazy invalidation first: every affected field is stale until its own
	// policy refreshes it.
	for _, fieldID := range cascade {
		if err := e.cache.MarkStale(recordID, fieldID); err != nil {
			return err
		}
	}

	// Evaluate the ON_WRITE members into a staging area. Each cascade node
	// is computed at most once; staged values feed downstream bindings.
	staged := make(map[string]any)
	var commit []ComputedValue
	for _, fieldID := range cascade {
		cf, err := e.fieldDef(fieldID)
		if err != nil {
			continue // dangling edge from a deleted definition
		}
		if cf.def.Trigger != TriggerOnWrite {
			continue
		}
		v, err := e.computeOne(ctx, cf, recordID, staged)
		if err != nil {
			return err
		}
		staged[fieldID] = v.Value
		commit = append(commit, v)
	}

	if len(commit) == 0 {
		return nil
	}
	return e.cache.PutBatch(commit)
}

// OnRecordDeleted purges all computed values owned by a deleted record.
func (e *Engine) OnRecordDeleted(recordID string) error {
	return e.cache.PurgeRecord(recordID)
}

// computeOne evaluates one field for one record: it assembles the binding
// context (record values, staged cascade values, transitively computed
// upstream fields), dispatches on the method, and stamps the result with a
// dependency snapshot hash.
func (e *Engine) computeOne(ctx context.Context, cf *compiledField, recordID string, staged map[string]any) (ComputedValue, error) {
	binding, err := e.bindingFor(ctx, cf, recordID, staged)
	if err != nil {
		return ComputedValue{}, err
	}

	value, err := e.dispatcher.Compute(ctx, cf, recordID, binding)
	if err != nil {
		return ComputedValue{}, err
	}

	return ComputedValue{
		RecordID:     recordID,
		FieldID:      cf.def.FieldID,
		Value:        value,
		ComputedAt:   time.Now(),
		SnapshotHash: snapshotHash(cf.def.DependsOn, binding),
		Stale:        false,
	}, nil
}

// bindingFor builds the evaluation binding: the record's own fields, staged
// values from an in-flight cascade, and upstream computed fields resolved
// depth-first. The dependency graph is acyclic, so the recursion is bounded
// by the longest dependency chain.
func (e *Engine) bindingFor(ctx context.Context, cf *compiledField, recordID string, staged map[string]any) (map[string]any, error) {
	sctx, cancel := e.dispatcher.sourceCtx(ctx)
	rec, err := e.source.FetchRecord(sctx, recordID)
	cancel()
	if err != nil {
		return nil, evaluationErr(cf.def.FieldID, "fetch record: %v", err)
	}

	binding := make(map[string]any, len(rec)+len(cf.def.DependsOn))
	for k, v := range rec {
		binding[k] = v
	}

	for _, dep := range cf.def.DependsOn {
		if v, ok := staged[dep]; ok {
			binding[dep] = v
			continue
		}
		e.mu.RLock()
		depCf, isComputed := e.byField[dep]
		e.mu.RUnlock()
		if !isComputed {
			continue // plain record field, already in the binding
		}
		if cached, ok := e.cache.Get(recordID, dep); ok && !cached.Stale {
			binding[dep] = cached.Value
			continue
		}
		v, err := e.computeOne(ctx, depCf, recordID, staged)
		if err != nil {
			return nil, err
		}
		if staged != nil {
			staged[dep] = v.Value
		}
		binding[dep] = v.Value
	}
	return binding, nil
}

// snapshotHash fingerprints the dependency inputs a value was computed
// from: FNV-1a over the sorted (path, canonical value) pairs.
func snapshotHash(dependsOn []string, binding map[string]any) string {
	deps := append([]string(nil), dependsOn...)
	sort.Strings(deps)

	h := fnv.New64a()
	for _, dep := range deps {
		h.Write([]byte(dep))
		h.Write([]byte{0})
		h.Write([]byte(formula.Str(formula.Resolve(binding, splitPath(dep)))))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func splitPath(p string) []string {
	var path []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '.' {
			path = append(path, p[start:i])
			start = i + 1
		}
	}
	return path
}

// recomputeField sweeps one scheduled field across every record of its
// schema. Per-record computations run in parallel, bounded by the worker
// limit; a canceled context stops new records from starting while in-flight
// ones finish.
func (e *Engine) recomputeField(ctx context.Context, definitionID string) error {
	e.mu.RLock()
	cf, ok := e.compiled[definitionID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("definition with ID %s not found", definitionID)
	}

	var (
		group  errgroup.Group
		recErr error
		errMu  sync.Mutex
	)
	group.SetLimit(e.opts.Workers)

	cursor := ""
	for {
		sctx, cancel := e.dispatcher.sourceCtx(ctx)
		ids, next, err := e.source.ListRecords(sctx, cf.def.SchemaID, cursor, e.opts.PageSize)
		cancel()
		if err != nil {
			group.Wait()
			return evaluationErr(cf.def.FieldID, "list records: %v", err)
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				group.Wait()
				return ctx.Err()
			}
			recordID := id
			group.Go(func() error {
				_, err := e.trigger.force(ctx, recordID, cf.def.FieldID, func(ctx context.Context) (ComputedValue, error) {
					return e.computeOne(ctx, cf, recordID, nil)
				})
				if err != nil {
					errMu.Lock()
					recErr = errors.Join(recErr, fmt.Errorf("record %s: %w", recordID, err))
					errMu.Unlock()
				}
				return nil
			})
		}

		if next == "" {
			break
		}
		cursor = next
	}

	group.Wait()
	return recErr
}
