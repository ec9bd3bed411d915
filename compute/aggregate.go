package compute

import (
	"context"
	"strings"

	"github.com/gridbase/compute/formula"
)

// aggregate computes the field's aggregate function over the related-record
// collection, one page at a time; the full collection is never materialized.
// Each page of IDs is resolved to records so the filter can see whole
// records, then the configured field path is extracted per record.
func (d *Dispatcher) aggregate(ctx context.Context, cf *compiledField, recordID string) (any, error) {
	cfg := cf.def.Config.(AggregateConfig)
	acc := newAccumulator(cfg.Fn, cf.separator)

	cursor := ""
	for {
		sctx, cancel := d.sourceCtx(ctx)
		ids, next, err := d.source.FetchRelated(sctx, recordID, cf.relation, cursor, d.pageSize)
		cancel()
		if err != nil {
			return nil, evaluationErr(cf.def.FieldID, "fetch related %q: %v", cf.relation, err)
		}

		for _, id := range ids {
			sctx, cancel := d.sourceCtx(ctx)
			rec, err := d.source.FetchRecord(sctx, id)
			cancel()
			if err != nil {
				return nil, evaluationErr(cf.def.FieldID, "fetch record %q: %v", id, err)
			}
			if rec == nil {
				continue
			}
			if cf.filter != nil && !evalFilter(cf.filter, rec) {
				continue
			}
			var v any
			if cf.sourceField != nil {
				v = formula.Resolve(rec, cf.sourceField)
			}
			if done := acc.add(v); done {
				return acc.result(), nil
			}
		}

		if next == "" {
			return acc.result(), nil
		}
		cursor = next
	}
}

// accumulator folds extracted entries into an aggregate incrementally.
type accumulator struct {
	fn        AggregateFn
	separator string

	count int
	sum   float64

	best    any // MIN/MAX candidate, first occurrence wins ties
	hasBest bool

	parts []string

	first    any
	last     any
	hasEntry bool
}

func newAccumulator(fn AggregateFn, separator string) *accumulator {
	return &accumulator{fn: fn, separator: separator}
}

// add folds one entry. It returns true when the aggregate cannot change
// anymore (FIRST after one entry), letting the caller stop paging early.
func (a *accumulator) add(v any) (done bool) {
	a.count++
	if !a.hasEntry {
		a.first = v
		a.hasEntry = true
	}
	a.last = v

	switch a.fn {
	case AggFirst:
		return true
	case AggSum, AggAvg:
		a.sum += formula.Num(v)
	case AggMin:
		if !a.hasBest || formula.Less(v, a.best) {
			a.best = v
			a.hasBest = true
		}
	case AggMax:
		if !a.hasBest || formula.Less(a.best, v) {
			a.best = v
			a.hasBest = true
		}
	case AggConcat:
		a.parts = append(a.parts, formula.Str(v))
	}
	return false
}

func (a *accumulator) result() any {
	switch a.fn {
	case AggCount:
		return float64(a.count)
	case AggSum:
		return a.sum
	case AggAvg:
		if a.count == 0 {
			return float64(0)
		}
		return a.sum / float64(a.count)
	case AggMin, AggMax:
		if !a.hasBest {
			return nil
		}
		return a.best
	case AggConcat:
		return strings.Join(a.parts, a.separator)
	case AggFirst:
		if !a.hasEntry {
			return nil
		}
		return a.first
	case AggLast:
		if !a.hasEntry {
			return nil
		}
		return a.last
	}
	return nil
}
