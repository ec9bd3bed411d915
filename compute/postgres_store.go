package compute

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresDefinitionStore implements DefinitionStore backed by PostgreSQL
type PostgresDefinitionStore struct {
	db *sql.DB
}

// NewPostgresDefinitionStore creates a new PostgreSQL-backed DefinitionStore
func NewPostgresDefinitionStore(db *sql.DB) *PostgresDefinitionStore {
	return &PostgresDefinitionStore{db: db}
}

// Add inserts a new definition into the database
func (s *PostgresDefinitionStore) Add(def *FieldDefinition) error {
	// Check if definition already exists
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM computed_field_definitions WHERE id = $1 OR (schema_id = $2 AND field_id = $3))
	`, def.ID, def.SchemaID, def.FieldID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check definition existence: %w", err)
	}
	if exists {
		return fmt.Errorf("definition for field %s already exists", def.FieldID)
	}

	config, err := ConfigToJSON(def.Config)
	if err != nil {
		return fmt.Errorf("failed to encode method config: %w", err)
	}

	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO computed_field_definitions
			(id, schema_id, field_id, trigger_type, method, method_config, depends_on, schedule_cron, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, def.ID, def.SchemaID, def.FieldID, string(def.Trigger), string(def.Method),
		config, pq.Array(def.DependsOn), def.ScheduleCron, def.CreatedAt, def.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}

	return nil
}

func scanDefinition(scan func(dest ...any) error) (*FieldDefinition, error) {
	var (
		def       FieldDefinition
		trigger   string
		method    string
		config    []byte
		dependsOn pq.StringArray
	)
	if err := scan(&def.ID, &def.SchemaID, &def.FieldID, &trigger, &method,
		&config, &dependsOn, &def.ScheduleCron, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}

	def.Trigger = Trigger(trigger)
	def.Method = Method(method)
	def.DependsOn = []string(dependsOn)

	cfg, err := ConfigFromJSON(def.Method, config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode method config: %w", err)
	}
	def.Config = cfg

	return &def, nil
}

const definitionColumns = `id, schema_id, field_id, trigger_type, method, method_config, depends_on, schedule_cron, created_at, updated_at`

// Get retrieves a definition by ID
func (s *PostgresDefinitionStore) Get(id string) (*FieldDefinition, error) {
	row := s.db.QueryRow(`
		SELECT `+definitionColumns+`
		FROM computed_field_definitions
		WHERE id = $1
	`, id)

	def, err := scanDefinition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("definition %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}

	return def, nil
}

// GetByField retrieves the definition computing the given field
func (s *PostgresDefinitionStore) GetByField(fieldID string) (*FieldDefinition, error) {
	row := s.db.QueryRow(`
		SELECT `+definitionColumns+`
		FROM computed_field_definitions
		WHERE field_id = $1
	`, fieldID)

	def, err := scanDefinition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no definition for field %s", fieldID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}

	return def, nil
}

func (s *PostgresDefinitionStore) list(query string, args ...any) ([]*FieldDefinition, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*FieldDefinition
	for rows.Next() {
		def, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return defs, nil
}

// ListSchema returns all definitions of one schema
func (s *PostgresDefinitionStore) ListSchema(schemaID string) ([]*FieldDefinition, error) {
	return s.list(`
		SELECT `+definitionColumns+`
		FROM computed_field_definitions
		WHERE schema_id = $1
		ORDER BY created_at ASC
	`, schemaID)
}

// List returns all definitions
func (s *PostgresDefinitionStore) List() ([]*FieldDefinition, error) {
	return s.list(`
		SELECT ` + definitionColumns + `
		FROM computed_field_definitions
		ORDER BY created_at ASC
	`)
}

// Update modifies an existing definition
func (s *PostgresDefinitionStore) Update(def *FieldDefinition) error {
	config, err := ConfigToJSON(def.Config)
	if err != nil {
		return fmt.Errorf("failed to encode method config: %w", err)
	}

	def.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE computed_field_definitions
		SET trigger_type = $1, method = $2, method_config = $3, depends_on = $4,
			schedule_cron = $5, updated_at = $6
		WHERE id = $7
	`, string(def.Trigger), string(def.Method), config, pq.Array(def.DependsOn),
		def.ScheduleCron, def.UpdatedAt, def.ID)

	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("definition %s not found", def.ID)
	}

	return nil
}

// Delete removes a definition from the database
func (s *PostgresDefinitionStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM computed_field_definitions
		WHERE id = $1
	`, id)

	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("definition %s not found", id)
	}

	return nil
}

// PostgresValueCache implements ValueCache backed by PostgreSQL. It is the
// durable choice for deployments where computed values must survive a
// restart; single-node setups can use InMemoryValueCache instead.
type PostgresValueCache struct {
	db *sql.DB
}

// NewPostgresValueCache creates a new PostgreSQL-backed ValueCache
func NewPostgresValueCache(db *sql.DB) *PostgresValueCache {
	return &PostgresValueCache{db: db}
}

// Get returns the cached value for a key
func (c *PostgresValueCache) Get(recordID, fieldID string) (ComputedValue, bool) {
	var (
		v   ComputedValue
		raw []byte
	)
	err := c.db.QueryRow(`
		SELECT record_id, field_id, value, computed_at, snapshot_hash, stale
		FROM computed_values
		WHERE record_id = $1 AND field_id = $2
	`, recordID, fieldID).Scan(&v.RecordID, &v.FieldID, &raw, &v.ComputedAt, &v.SnapshotHash, &v.Stale)
	if err != nil {
		return ComputedValue{}, false
	}
	if err := json.Unmarshal(raw, &v.Value); err != nil {
		return ComputedValue{}, false
	}
	return v, true
}

// Put stores a freshly computed value
func (c *PostgresValueCache) Put(v ComputedValue) error {
	raw, err := json.Marshal(v.Value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT INTO computed_values (record_id, field_id, value, computed_at, snapshot_hash, stale)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (record_id, field_id)
		DO UPDATE SET value = $3, computed_at = $4, snapshot_hash = $5, stale = $6
	`, v.RecordID, v.FieldID, raw, v.ComputedAt, v.SnapshotHash, v.Stale)

	if err != nil {
		return fmt.Errorf("failed to upsert value: %w", err)
	}
	return nil
}

// PutBatch stores a cascade's values in a single transaction
func (c *PostgresValueCache) PutBatch(vs []ComputedValue) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, v := range vs {
		raw, err := json.Marshal(v.Value)
		if err != nil {
			return fmt.Errorf("failed to encode value: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO computed_values (record_id, field_id, value, computed_at, snapshot_hash, stale)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (record_id, field_id)
			DO UPDATE SET value = $3, computed_at = $4, snapshot_hash = $5, stale = $6
		`, v.RecordID, v.FieldID, raw, v.ComputedAt, v.SnapshotHash, v.Stale); err != nil {
			return fmt.Errorf("failed to upsert value: %w", err)
		}
	}

	return tx.Commit()
}

// MarkStale flags an entry as out of date
func (c *PostgresValueCache) MarkStale(recordID, fieldID string) error {
	_, err := c.db.Exec(`
		UPDATE computed_values
		SET stale = true
		WHERE record_id = $1 AND field_id = $2
	`, recordID, fieldID)
	if err != nil {
		return fmt.Errorf("failed to mark value stale: %w", err)
	}
	return nil
}

// PurgeRecord drops every entry belonging to a deleted record
func (c *PostgresValueCache) PurgeRecord(recordID string) error {
	_, err := c.db.Exec(`
		DELETE FROM computed_values WHERE record_id = $1
	`, recordID)
	if err != nil {
		return fmt.Errorf("failed to purge record values: %w", err)
	}
	return nil
}

// PurgeField drops every record's entry for a deleted definition
func (c *PostgresValueCache) PurgeField(fieldID string) error {
	_, err := c.db.Exec(`
		DELETE FROM computed_values WHERE field_id = $1
	`, fieldID)
	if err != nil {
		return fmt.Errorf("failed to purge field values: %w", err)
	}
	return nil
}

// PostgresScheduleStore implements ScheduleStore backed by PostgreSQL
type PostgresScheduleStore struct {
	db *sql.DB
}

// NewPostgresScheduleStore creates a new PostgreSQL-backed ScheduleStore
func NewPostgresScheduleStore(db *sql.DB) *PostgresScheduleStore {
	return &PostgresScheduleStore{db: db}
}

// Upsert creates or replaces the schedule for a definition
func (s *PostgresScheduleStore) Upsert(sched *Schedule) error {
	_, err := s.db.Exec(`
		INSERT INTO schedules (definition_id, field_id, cron_expr, next_run_at, last_run_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (definition_id)
		DO UPDATE SET field_id = $2, cron_expr = $3, next_run_at = $4, last_run_status = $5
	`, sched.DefinitionID, sched.FieldID, sched.CronExpr, sched.NextRunAt, sched.LastRunStatus)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

// Due returns schedules whose next run time has passed
func (s *PostgresScheduleStore) Due(now time.Time) ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT definition_id, field_id, cron_expr, next_run_at, last_run_status
		FROM schedules
		WHERE next_run_at <= $1
		ORDER BY next_run_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var due []*Schedule
	for rows.Next() {
		var sched Schedule
		if err := rows.Scan(&sched.DefinitionID, &sched.FieldID, &sched.CronExpr,
			&sched.NextRunAt, &sched.LastRunStatus); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		due = append(due, &sched)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return due, nil
}

// SetResult records a run's outcome and the next run time
func (s *PostgresScheduleStore) SetResult(definitionID string, next time.Time, status string) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET next_run_at = $1, last_run_status = $2
		WHERE definition_id = $3
	`, next, status, definitionID)
	if err != nil {
		return fmt.Errorf("failed to set schedule result: %w", err)
	}
	return nil
}

// Delete removes a definition's schedule
func (s *PostgresScheduleStore) Delete(definitionID string) error {
	_, err := s.db.Exec(`
		DELETE FROM schedules WHERE definition_id = $1
	`, definitionID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

// List returns all schedules
func (s *PostgresScheduleStore) List() ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT definition_id, field_id, cron_expr, next_run_at, last_run_status
		FROM schedules
		ORDER BY definition_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var all []*Schedule
	for rows.Next() {
		var sched Schedule
		if err := rows.Scan(&sched.DefinitionID, &sched.FieldID, &sched.CronExpr,
			&sched.NextRunAt, &sched.LastRunStatus); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		all = append(all, &sched)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return all, nil
}
