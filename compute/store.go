package compute

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefinitionStore manages computed-field definition persistence.
type DefinitionStore interface {
	// Add a new definition.
	Add(def *FieldDefinition) error

	// Get a definition by ID.
	Get(id string) (*FieldDefinition, error)

	// GetByField returns the definition computing the given field.
	GetByField(fieldID string) (*FieldDefinition, error)

	// ListSchema returns all definitions of one schema.
	ListSchema(schemaID string) ([]*FieldDefinition, error)

	// List returns all definitions.
	List() ([]*FieldDefinition, error)

	// Update an existing definition.
	Update(def *FieldDefinition) error

	// Delete a definition.
	Delete(id string) error
}

// Schedule is the scheduler's persisted state for one SCHEDULED field.
type Schedule struct {
	DefinitionID  string
	FieldID       string
	CronExpr      string
	NextRunAt     time.Time
	LastRunStatus string
}

// ScheduleStore manages scheduler state persistence.
type ScheduleStore interface {
	// Upsert creates or replaces the schedule for a definition.
	Upsert(s *Schedule) error

	// Due returns schedules whose NextRunAt is at or before now.
	Due(now time.Time) ([]*Schedule, error)

	// SetResult records a run's outcome and the next run time.
	SetResult(definitionID string, next time.Time, status string) error

	// Delete removes a definition's schedule.
	Delete(definitionID string) error

	// List returns all schedules.
	List() ([]*Schedule, error)
}

// InMemoryDefinitionStore implements DefinitionStore using a map.
// Thread-safe with RWMutex.
type InMemoryDefinitionStore struct {
	defs map[string]*FieldDefinition
	mu   sync.RWMutex
}

// NewInMemoryDefinitionStore creates a new in-memory definition store.
func NewInMemoryDefinitionStore() *InMemoryDefinitionStore {
	return &InMemoryDefinitionStore{defs: make(map[string]*FieldDefinition)}
}

func (s *InMemoryDefinitionStore) Add(def *FieldDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.ID]; exists {
		return fmt.Errorf("definition with ID %s already exists", def.ID)
	}
	for _, d := range s.defs {
		if d.FieldID == def.FieldID && d.SchemaID == def.SchemaID {
			return fmt.Errorf("field %s already has a definition in schema %s", def.FieldID, def.SchemaID)
		}
	}

	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now
	s.defs[def.ID] = def
	return nil
}

func (s *InMemoryDefinitionStore) Get(id string) (*FieldDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.defs[id]
	if !exists {
		return nil, fmt.Errorf("definition with ID %s not found", id)
	}
	return def, nil
}

func (s *InMemoryDefinitionStore) GetByField(fieldID string) (*FieldDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, def := range s.defs {
		if def.FieldID == fieldID {
			return def, nil
		}
	}
	return nil, fmt.Errorf("no definition for field %s", fieldID)
}

func (s *InMemoryDefinitionStore) ListSchema(schemaID string) ([]*FieldDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var defs []*FieldDefinition
	for _, def := range s.defs {
		if def.SchemaID == schemaID {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].FieldID < defs[j].FieldID })
	return defs, nil
}

func (s *InMemoryDefinitionStore) List() ([]*FieldDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*FieldDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].FieldID < defs[j].FieldID })
	return defs, nil
}

func (s *InMemoryDefinitionStore) Update(def *FieldDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.defs[def.ID]
	if !exists {
		return fmt.Errorf("definition with ID %s not found", def.ID)
	}

	// Preserve original CreatedAt timestamp.
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now()
	s.defs[def.ID] = def
	return nil
}

func (s *InMemoryDefinitionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[id]; !exists {
		return fmt.Errorf("definition with ID %s not found", id)
	}
	delete(s.defs, id)
	return nil
}

// InMemoryScheduleStore implements ScheduleStore using a map.
type InMemoryScheduleStore struct {
	schedules map[string]*Schedule
	mu        sync.RWMutex
}

// NewInMemoryScheduleStore creates a new in-memory schedule store.
func NewInMemoryScheduleStore() *InMemoryScheduleStore {
	return &InMemoryScheduleStore{schedules: make(map[string]*Schedule)}
}

func (s *InMemoryScheduleStore) Upsert(sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sched
	s.schedules[sched.DefinitionID] = &cp
	return nil
}

func (s *InMemoryScheduleStore) Due(now time.Time) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Schedule
	for _, sched := range s.schedules {
		if !sched.NextRunAt.After(now) {
			cp := *sched
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	return due, nil
}

func (s *InMemoryScheduleStore) SetResult(definitionID string, next time.Time, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, exists := s.schedules[definitionID]
	if !exists {
		return fmt.Errorf("schedule for definition %s not found", definitionID)
	}
	sched.NextRunAt = next
	sched.LastRunStatus = status
	return nil
}

func (s *InMemoryScheduleStore) Delete(definitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.schedules, definitionID)
	return nil
}

func (s *InMemoryScheduleStore) List() ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID < out[j].DefinitionID })
	return out, nil
}
