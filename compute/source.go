package compute

import "context"

// RecordSource is the external record-store collaborator. Every call carries
// the caller's context; the engine wraps calls in its configured timeout so
// a slow collaborator degrades a computation instead of hanging it.
type RecordSource interface {
	// FetchRecord returns a record's field values, or nil if the record
	// does not exist.
	FetchRecord(ctx context.Context, recordID string) (map[string]any, error)

	// FetchField returns one field of a record. Missing records and missing
	// fields both yield nil.
	FetchField(ctx context.Context, recordID, field string) (any, error)

	// FetchRelated returns one page of record IDs related to recordID via
	// relationPath, plus the cursor for the next page ("" when exhausted).
	// An empty cursor requests the first page.
	FetchRelated(ctx context.Context, recordID, relationPath, cursor string, limit int) ([]string, string, error)

	// ListRecords pages through the record IDs of a schema. Scheduled
	// recomputes use it to sweep a field across all records.
	ListRecords(ctx context.Context, schemaID, cursor string, limit int) ([]string, string, error)
}

// CustomHandler computes a CUSTOM-method field. The handler table is fixed
// at engine construction; definitions referencing an unknown handler are
// rejected at save time.
type CustomHandler func(ctx context.Context, recordID string, binding map[string]any) (any, error)

// Observer is the observability collaborator. Non-fatal degradations report
// here instead of surfacing to the caller.
type Observer interface {
	// Degraded reports a computation that fell back to a cached or null
	// value after an evaluation failure.
	Degraded(recordID, fieldID string, err error)
	// LookupUnresolved reports a lookup whose target record was missing.
	LookupUnresolved(recordID, fieldID, relationPath string)
	// ScheduleFailed reports a scheduled job that exhausted its retries.
	ScheduleFailed(fieldID string, err error)
}

// NopObserver discards all reports.
type NopObserver struct{}

func (NopObserver) Degraded(string, string, error)          {}
func (NopObserver) LookupUnresolved(string, string, string) {}
func (NopObserver) ScheduleFailed(string, error)            {}
