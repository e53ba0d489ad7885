// Package model holds the shared domain types for ChittyRouter: identifiers,
// email messages, evidence records, sync entities, agent state, and the HTTP
// API envelopes.
package model

import (
	"fmt"
	"strings"
)

// EntityType is the TYPE segment of a ChittyID.
type EntityType string

const (
	EntityPerson   EntityType = "PEO"
	EntityPlace    EntityType = "PLACE"
	EntityProperty EntityType = "PROP"
	EntityEvent    EntityType = "EVNT"
	EntityInfo     EntityType = "INFO"
	EntityAuth     EntityType = "AUTH"
	EntityContext  EntityType = "CONTEXT"
	EntityFact     EntityType = "FACT"
	EntityActor    EntityType = "ACTOR"
)

var validEntityTypes = map[EntityType]bool{
	EntityPerson: true, EntityPlace: true, EntityProperty: true,
	EntityEvent: true, EntityInfo: true, EntityAuth: true,
	EntityContext: true, EntityFact: true, EntityActor: true,
}

// ChittyID is an opaque identifier minted by the identity authority.
// Shape: <PREFIX>-<TYPE>-<SEQUENCE>-<CHECK>, ASCII, uppercase TYPE.
// ChittyIDs are never generated locally; local code only checks shape.
type ChittyID string

// Validate checks the identifier shape. It does not verify the checksum or
// sequence — that is the identity authority's job.
func (id ChittyID) Validate() error {
	s := string(id)
	if s == "" {
		return fmt.Errorf("chittyid: empty identifier")
	}
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return fmt.Errorf("chittyid: expected 4 dashed fields, got %d", len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return fmt.Errorf("chittyid: field %d is empty", i)
		}
		for j := 0; j < len(p); j++ {
			if p[j] > 127 {
				return fmt.Errorf("chittyid: non-ASCII byte in field %d", i)
			}
		}
	}
	if !validEntityTypes[EntityType(parts[1])] {
		return fmt.Errorf("chittyid: unknown entity type %q", parts[1])
	}
	return nil
}

// Type returns the TYPE segment, or "" if the identifier is malformed.
func (id ChittyID) Type() EntityType {
	parts := strings.Split(string(id), "-")
	if len(parts) != 4 {
		return ""
	}
	return EntityType(parts[1])
}

// Priority is the shared priority scale used by email classification,
// evidence ingestion, and the blockchain queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityRank returns the numeric rank of a priority (higher = more urgent).
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ValidPriority reports whether p is one of the known priorities.
func ValidPriority(p Priority) bool {
	return PriorityRank(p) > 0
}
