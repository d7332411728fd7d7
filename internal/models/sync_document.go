package models

import (
	"encoding/json"
	"time"
)

/*
SYNC DOCUMENT MODEL

A SyncDocument is the versioned unit of replication. The server assigns
Metadata.Version on every mutation; clients only ever accept a copy whose
version is strictly higher than the one they already hold.

A DeletionRecord (tombstone) records that a document existed through Version
and was removed at DeletedAt. For any (collection, id) a store holds either a
live document or a tombstone, never both.
*/

// RetentionPriority is an eviction hint for the client store.
// Lower numbers are kept longer; TEMPORARY is evicted first.
type RetentionPriority int

const (
	PriorityCritical  RetentionPriority = 1
	PriorityHigh      RetentionPriority = 2
	PriorityMedium    RetentionPriority = 3
	PriorityLow       RetentionPriority = 4
	PriorityTemporary RetentionPriority = 5
)

// Valid reports whether p is one of the defined priorities
func (p RetentionPriority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityTemporary
}

func (p RetentionPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityTemporary:
		return "TEMPORARY"
	}
	return "UNKNOWN"
}

// DocumentMetadata carries the sync bookkeeping for a document
type DocumentMetadata struct {
	Version           int64             `json:"version"`
	LastModified      time.Time         `json:"lastModified"`
	LastSynced        *time.Time        `json:"lastSynced,omitempty"`
	ExpiresAt         *time.Time        `json:"expiresAt,omitempty"`
	RetentionPriority RetentionPriority `json:"retentionPriority"`
	DeletedAt         *time.Time        `json:"deletedAt,omitempty"`
	DeletedBy         string            `json:"deletedBy,omitempty"`
}

// SyncDocument is a document of some collection together with its sync metadata.
// Data is kept as raw JSON; use Decode with a Registry for typed access.
type SyncDocument struct {
	ID         string           `json:"id"`
	Collection string           `json:"collection"`
	Data       json.RawMessage  `json:"data"`
	Metadata   DocumentMetadata `json:"metadata"`
}

// Key returns the store key of the document
func (d *SyncDocument) Key() DocumentKey {
	return DocumentKey{Collection: d.Collection, ID: d.ID}
}

// Expired reports whether the document has an expiry at or before now
func (d *SyncDocument) Expired(now time.Time) bool {
	return d.Metadata.ExpiresAt != nil && !d.Metadata.ExpiresAt.After(now)
}

// DeletionRecord is a tombstone for a removed document
type DeletionRecord struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	DeletedAt  time.Time `json:"deletedAt"`
	DeletedBy  string    `json:"deletedBy"`
	Version    int64     `json:"version"`
}

// Key returns the store key of the tombstone
func (r *DeletionRecord) Key() DocumentKey {
	return DocumentKey{Collection: r.Collection, ID: r.ID}
}

// DocumentKey identifies a document within a store
type DocumentKey struct {
	Collection string
	ID         string
}

func (k DocumentKey) String() string {
	return k.Collection + "/" + k.ID
}

// SyncRequest is the query of GET /sync
type SyncRequest struct {
	Collection string
	Since      *time.Time
	Limit      int
	Offset     int
}

// SyncResponse is the body of GET /sync
type SyncResponse struct {
	Collection string            `json:"collection"`
	Documents  []*SyncDocument   `json:"documents"`
	Deletions  []*DeletionRecord `json:"deletions"`
	HasMore    bool              `json:"hasMore"`
}
