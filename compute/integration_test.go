//go:build integration
// +build integration

package compute_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gridbase/compute/compute"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "compute_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=compute_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func TestPostgresDefinitionStoreRoundtrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := compute.NewPostgresDefinitionStore(db)

	def := &compute.FieldDefinition{
		ID:       uuid.NewString(),
		SchemaID: "orders",
		FieldID:  "total",
		Trigger:  compute.TriggerOnRead,
		Method:   compute.MethodFormula,
		Config:   compute.FormulaConfig{Expression: "price * qty"},
		DependsOn: []string{
			"price", "qty",
		},
	}
	if err := store.Add(def); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	got, err := store.Get(def.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.FieldID != "total" || got.SchemaID != "orders" {
		t.Errorf("got %+v", got)
	}
	cfg, ok := got.Config.(compute.FormulaConfig)
	if !ok || cfg.Expression != "price * qty" {
		t.Errorf("config = %#v, want formula config", got.Config)
	}
	if len(got.DependsOn) != 2 {
		t.Errorf("dependsOn = %v", got.DependsOn)
	}

	if err := store.Add(def); err == nil {
		t.Error("duplicate Add() should fail")
	}

	byField, err := store.GetByField("total")
	if err != nil {
		t.Fatalf("GetByField() failed: %v", err)
	}
	if byField.ID != def.ID {
		t.Errorf("GetByField id = %s, want %s", byField.ID, def.ID)
	}

	def.Config = compute.FormulaConfig{Expression: "price * qty * 1.2"}
	if err := store.Update(def); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	got, _ = store.Get(def.ID)
	if got.Config.(compute.FormulaConfig).Expression != "price * qty * 1.2" {
		t.Errorf("expression after update = %q", got.Config.(compute.FormulaConfig).Expression)
	}

	defs, err := store.ListSchema("orders")
	if err != nil || len(defs) != 1 {
		t.Errorf("ListSchema() = %v, %v", defs, err)
	}

	if err := store.Delete(def.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(def.ID); err == nil {
		t.Error("deleted definition still retrievable")
	}
}

func TestPostgresValueCache(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cache := compute.NewPostgresValueCache(db)

	v := compute.ComputedValue{
		RecordID:     "r1",
		FieldID:      "total",
		Value:        15.0,
		ComputedAt:   time.Now().UTC(),
		SnapshotHash: "deadbeefdeadbeef",
	}
	if err := cache.Put(v); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, ok := cache.Get("r1", "total")
	if !ok {
		t.Fatal("Get() missed a stored value")
	}
	if got.Value != 15.0 || got.SnapshotHash != "deadbeefdeadbeef" {
		t.Errorf("got %+v", got)
	}

	// Upsert replaces in place.
	v.Value = 20.0
	if err := cache.Put(v); err != nil {
		t.Fatalf("Put() upsert failed: %v", err)
	}
	got, _ = cache.Get("r1", "total")
	if got.Value != 20.0 {
		t.Errorf("value after upsert = %v, want 20", got.Value)
	}

	if err := cache.MarkStale("r1", "total"); err != nil {
		t.Fatalf("MarkStale() failed: %v", err)
	}
	got, _ = cache.Get("r1", "total")
	if !got.Stale {
		t.Error("value should be stale")
	}

	batch := []compute.ComputedValue{
		{RecordID: "r2", FieldID: "a", Value: "x", ComputedAt: time.Now().UTC()},
		{RecordID: "r2", FieldID: "b", Value: nil, ComputedAt: time.Now().UTC()},
	}
	if err := cache.PutBatch(batch); err != nil {
		t.Fatalf("PutBatch() failed: %v", err)
	}
	if _, ok := cache.Get("r2", "b"); !ok {
		t.Error("batch member missing")
	}

	if err := cache.PurgeRecord("r2"); err != nil {
		t.Fatalf("PurgeRecord() failed: %v", err)
	}
	if _, ok := cache.Get("r2", "a"); ok {
		t.Error("purged record still cached")
	}

	if err := cache.PurgeField("total"); err != nil {
		t.Fatalf("PurgeField() failed: %v", err)
	}
	if _, ok := cache.Get("r1", "total"); ok {
		t.Error("purged field still cached")
	}
}

func TestPostgresScheduleStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := compute.NewPostgresScheduleStore(db)
	now := time.Now().UTC()

	defID := uuid.NewString()
	sched := &compute.Schedule{
		DefinitionID:  defID,
		FieldID:       "total",
		CronExpr:      "*/5 * * * *",
		NextRunAt:     now.Add(-time.Minute),
		LastRunStatus: "pending",
	}
	if err := store.Upsert(sched); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	due, err := store.Due(now)
	if err != nil {
		t.Fatalf("Due() failed: %v", err)
	}
	if len(due) != 1 || due[0].DefinitionID != defID {
		t.Fatalf("due = %v", due)
	}

	if err := store.SetResult(defID, now.Add(5*time.Minute), "ok"); err != nil {
		t.Fatalf("SetResult() failed: %v", err)
	}
	due, _ = store.Due(now)
	if len(due) != 0 {
		t.Errorf("schedule still due after SetResult")
	}

	all, err := store.List()
	if err != nil || len(all) != 1 {
		t.Fatalf("List() = %v, %v", all, err)
	}
	if all[0].LastRunStatus != "ok" {
		t.Errorf("status = %s, want ok", all[0].LastRunStatus)
	}

	if err := store.Delete(defID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	all, _ = store.List()
	if len(all) != 0 {
		t.Error("schedule survived delete")
	}
}

func TestEngineOverPostgresStores(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	defs := compute.NewPostgresDefinitionStore(db)
	cache := compute.NewPostgresValueCache(db)
	schedules := compute.NewPostgresScheduleStore(db)

	source := newStaticSource(map[string]map[string]any{
		"p1": {"first": "ada", "last": "lovelace"},
	})

	engine, err := compute.NewEngine(defs, cache, schedules, source, nil, nil, compute.Options{})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	_, err = engine.CreateDefinition(&compute.FieldDefinition{
		SchemaID:  "people",
		FieldID:   "display",
		Trigger:   compute.TriggerOnRead,
		Method:    compute.MethodFormula,
		Config:    compute.FormulaConfig{Expression: "upper(concat(first, ' ', last))"},
		DependsOn: []string{"first", "last"},
	})
	if err != nil {
		t.Fatalf("CreateDefinition() failed: %v", err)
	}

	v, err := engine.GetComputedValue(context.Background(), "p1", "display")
	if err != nil {
		t.Fatalf("GetComputedValue() failed: %v", err)
	}
	if v.Value != "ADA LOVELACE" {
		t.Errorf("display = %v, want ADA LOVELACE", v.Value)
	}

	// A second engine over the same stores recompiles the stored definition.
	engine2, err := compute.NewEngine(defs, cache, schedules, source, nil, nil, compute.Options{})
	if err != nil {
		t.Fatalf("NewEngine() over existing definitions failed: %v", err)
	}
	v, err = engine2.GetComputedValue(context.Background(), "p1", "display")
	if err != nil {
		t.Fatalf("GetComputedValue() on second engine failed: %v", err)
	}
	if v.Value != "ADA LOVELACE" {
		t.Errorf("display from second engine = %v", v.Value)
	}
}

// staticSource is a minimal RecordSource over fixed records.
type staticSource struct {
	records map[string]map[string]any
}

func newStaticSource(records map[string]map[string]any) *staticSource {
	return &staticSource{records: records}
}

func (s *staticSource) FetchRecord(ctx context.Context, recordID string) (map[string]any, error) {
	return s.records[recordID], nil
}

func (s *staticSource) FetchField(ctx context.Context, recordID, field string) (any, error) {
	rec := s.records[recordID]
	if rec == nil {
		return nil, nil
	}
	return rec[field], nil
}

func (s *staticSource) FetchRelated(ctx context.Context, recordID, relationPath, cursor string, limit int) ([]string, string, error) {
	return nil, "", nil
}

func (s *staticSource) ListRecords(ctx context.Context, schemaID, cursor string, limit int) ([]string, string, error) {
	return nil, "", nil
}
