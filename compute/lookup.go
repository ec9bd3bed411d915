package compute

import (
	"context"

	"github.com/gridbase/compute/formula"
)

// lookup resolves the relation path hop by hop to a single target record and
// extracts the target field. A missing record anywhere along the path
// resolves to null; that is recorded with the observer, not raised as an
// error. Circular lookup chains never reach this code: the dependency graph
// rejects them at definition-save time.
func (d *Dispatcher) lookup(ctx context.Context, cf *compiledField, recordID string) (any, error) {
	current := recordID
	for _, hop := range cf.lookupHops {
		sctx, cancel := d.sourceCtx(ctx)
		ids, _, err := d.source.FetchRelated(sctx, current, hop, "", 1)
		cancel()
		if err != nil {
			return nil, evaluationErr(cf.def.FieldID, "resolve relation %q: %v", hop, err)
		}
		if len(ids) == 0 {
			d.obs.LookupUnresolved(recordID, cf.def.FieldID, hop)
			return nil, nil
		}
		current = ids[0]
	}

	sctx, cancel := d.sourceCtx(ctx)
	rec, err := d.source.FetchRecord(sctx, current)
	cancel()
	if err != nil {
		return nil, evaluationErr(cf.def.FieldID, "fetch target %q: %v", current, err)
	}
	if rec == nil {
		d.obs.LookupUnresolved(recordID, cf.def.FieldID, current)
		return nil, nil
	}
	return formula.NormalizeNaN(formula.Resolve(rec, cf.targetField)), nil
}
