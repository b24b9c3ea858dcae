// Package models provides data model definitions for the offline store.
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
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
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

// DomainRecord is a locally captured business payload awaiting server
// confirmation. The engine never inspects Payload.
type DomainRecord struct {
	LocalID  UUID   `db:"local_id" json:"localId" validate:"required"`
	ServerID string `db:"server_id" json:"serverId,omitempty"`
	Kind     string `db:"kind" json:"kind" validate:"required,max=64"`
	// Payload is opaque caller-defined JSON.
	Payload           json.RawMessage `db:"payload" json:"payload" validate:"required"`
	OrganizationScope string          `db:"organization_scope" json:"organizationScope,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt" validate:"required"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
	// ServerUpdatedAt is the last updatedAt acknowledged by the server; zero
	// until the record has synced once.
	ServerUpdatedAt time.Time `db:"server_updated_at" json:"serverUpdatedAt,omitempty"`
	Synced          bool      `db:"synced" json:"synced"`
	SyncedAt        time.Time `db:"synced_at" json:"syncedAt,omitempty"`
}

// TableName returns the table name for DomainRecord.
func (DomainRecord) TableName() string {
	return "domain_records"
}

// EffectiveTimestamp is the timestamp used for last-write-wins comparisons.
func (r *DomainRecord) EffectiveTimestamp() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// Clone returns a deep copy of the record.
func (r *DomainRecord) Clone() *DomainRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}
