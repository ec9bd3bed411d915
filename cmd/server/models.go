package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gridbase/compute/compute"
)

// API request and response models

// DefinitionRequest is the request body for creating or updating a computed
// field definition. MethodConfig is decoded against the declared method.
type DefinitionRequest struct {
	FieldID      string          `json:"fieldId"`
	Trigger      string          `json:"trigger"`
	Method       string          `json:"method"`
	MethodConfig json.RawMessage `json:"methodConfig"`
	DependsOn    []string        `json:"dependsOn,omitempty"`
	ScheduleCron string          `json:"scheduleCron,omitempty"`
}

func (r DefinitionRequest) toDefinition(schemaID string) (*compute.FieldDefinition, error) {
	cfg, err := compute.ConfigFromJSON(compute.Method(r.Method), r.MethodConfig)
	if err != nil {
		return nil, fmt.Errorf("methodConfig: %w", err)
	}
	return &compute.FieldDefinition{
		SchemaID:     schemaID,
		FieldID:      r.FieldID,
		Trigger:      compute.Trigger(r.Trigger),
		Method:       compute.Method(r.Method),
		Config:       cfg,
		DependsOn:    r.DependsOn,
		ScheduleCron: r.ScheduleCron,
	}, nil
}

// DefinitionResponse represents a definition in API responses
type DefinitionResponse struct {
	ID           string               `json:"id"`
	SchemaID     string               `json:"schemaId"`
	FieldID      string               `json:"fieldId"`
	Trigger      string               `json:"trigger"`
	Method       string               `json:"method"`
	MethodConfig compute.MethodConfig `json:"methodConfig"`
	DependsOn    []string             `json:"dependsOn,omitempty"`
	ScheduleCron string               `json:"scheduleCron,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

func definitionResponse(def *compute.FieldDefinition, id string) DefinitionResponse {
	return DefinitionResponse{
		ID:           id,
		SchemaID:     def.SchemaID,
		FieldID:      def.FieldID,
		Trigger:      string(def.Trigger),
		Method:       string(def.Method),
		MethodConfig: def.Config,
		DependsOn:    def.DependsOn,
		ScheduleCron: def.ScheduleCron,
		CreatedAt:    def.CreatedAt,
		UpdatedAt:    def.UpdatedAt,
	}
}

// DefinitionsListResponse is the response for listing a schema's definitions
type DefinitionsListResponse struct {
	Definitions []DefinitionResponse `json:"definitions"`
}

// ValueResponse is a computed value in API responses
type ValueResponse struct {
	RecordID     string    `json:"recordId"`
	FieldID      string    `json:"fieldId"`
	Value        any       `json:"value"`
	ComputedAt   time.Time `json:"computedAt"`
	SnapshotHash string    `json:"dependencySnapshotHash"`
	Stale        bool      `json:"stale"`
	State        string    `json:"state"`
}

// RecomputeRequest asks for a synchronous recompute of one field, or of
// every field when FieldID is "*"
type RecomputeRequest struct {
	FieldID string `json:"fieldId"`
}

// RecomputeResponse reports the outcome per field
type RecomputeResponse struct {
	Recomputed []string `json:"recomputed"`
	Failed     []string `json:"failed,omitempty"`
}

// RecordWrittenRequest is the record-store write hook payload
type RecordWrittenRequest struct {
	SchemaID      string   `json:"schemaId"`
	RecordID      string   `json:"recordId"`
	ChangedFields []string `json:"changedFields"`
}

// RecordDeletedRequest is the record-store deletion hook payload
type RecordDeletedRequest struct {
	RecordID string `json:"recordId"`
}
