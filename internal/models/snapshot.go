// Package models provides data model definitions for the DeckVault core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Metadata is an open key/value bag stored as a JSON column.
type Metadata map[string]interface{}

// Metadata keys written by the persistence service.
const (
	MetaClientID     = "client_id"
	MetaRecoveryName = "recovery_name"
)

// Value implements driver.Valuer for Metadata.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for Metadata.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into Metadata", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Snapshot represents a durable full-state capture of a document.
// Immutable once inserted; rows are only ever deleted, never updated.
type Snapshot struct {
	ID              UUID     `db:"id" json:"id"`
	DocumentID      string   `db:"document_id" json:"document_id"`
	Version         string   `db:"version" json:"version"`
	Data            string   `db:"data" json:"data"` // codec-encoded full state
	Timestamp       int64    `db:"timestamp" json:"timestamp"` // unix milliseconds
	IsRecoveryPoint bool     `db:"is_recovery_point" json:"is_recovery_point"`
	Metadata        Metadata `db:"metadata" json:"metadata"`
}

// TableName returns the table name for Snapshot.
func (Snapshot) TableName() string {
	return "snapshots"
}

// Time returns the Timestamp as time.Time.
func (s *Snapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Info returns the metadata-only projection of the snapshot.
func (s *Snapshot) Info() *SnapshotInfo {
	return &SnapshotInfo{
		ID:              s.ID,
		DocumentID:      s.DocumentID,
		Version:         s.Version,
		Timestamp:       s.Timestamp,
		IsRecoveryPoint: s.IsRecoveryPoint,
		Metadata:        s.Metadata,
	}
}

// SnapshotInfo is the payload-free projection of a Snapshot, used for
// listings and as the return value of save operations.
type SnapshotInfo struct {
	ID              UUID     `json:"id"`
	DocumentID      string   `json:"document_id"`
	Version         string   `json:"version"`
	Timestamp       int64    `json:"timestamp"`
	IsRecoveryPoint bool     `json:"is_recovery_point"`
	Metadata        Metadata `json:"metadata"`
}

// Time returns the Timestamp as time.Time.
func (s *SnapshotInfo) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// RecoveryName returns the human label of a recovery point, if any.
func (s *SnapshotInfo) RecoveryName() string {
	if s.Metadata == nil {
		return ""
	}
	if name, ok := s.Metadata[MetaRecoveryName].(string); ok {
		return name
	}
	return ""
}
