package models

import (
	"time"

	"gorm.io/gorm"
)

// Operation is the kind of mutation a transaction records.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Transaction is an immutable record of one accepted mutation to one node.
// The server log is append-only; Version is allocated from the workspace
// sequence inside the same database transaction as the append, which makes
// the per-workspace version sequence strictly increasing and gap-free.
//
// Update transactions carry the field-level diff (merge writes), not the full
// snapshot; the per-node merge document resolves concurrent edits.
type Transaction struct {
	ID              TransactionID `gorm:"primaryKey" json:"id" cbor:"id"`
	WorkspaceID     WorkspaceID   `gorm:"type:uuid;not null;index" json:"workspace_id" cbor:"workspace_id"`
	RootID          NodeID        `gorm:"not null;index:idx_transactions_root_version" json:"root_id" cbor:"root_id"`
	NodeID          NodeID        `gorm:"not null;index" json:"node_id" cbor:"node_id"`
	Operation       Operation     `gorm:"not null" json:"operation" cbor:"operation"`
	Data            JSONMap       `gorm:"type:jsonb" json:"data,omitempty" cbor:"data,omitempty"`
	Version         int64         `gorm:"not null;index:idx_transactions_root_version" json:"version" cbor:"version"`
	CreatedBy       UserID        `gorm:"type:uuid;not null" json:"created_by" cbor:"created_by"`
	CreatedAt       time.Time     `json:"created_at" cbor:"created_at"`
	ServerCreatedAt time.Time     `json:"server_created_at" cbor:"server_created_at"`
}

// Collaboration is a materialized access grant derived from the collaborator
// maps of a node's ancestors. Rows are produced by the fan-out job whenever a
// collaborator map changes, and reflect the most specific (closest ancestor)
// grant for the (node, user) pair. Revocations soft-delete the row so sync
// consumers can observe the removal.
type Collaboration struct {
	NodeID      NodeID         `gorm:"primaryKey" json:"node_id" cbor:"node_id"`
	UserID      UserID         `gorm:"type:uuid;primaryKey" json:"user_id" cbor:"user_id"`
	WorkspaceID WorkspaceID    `gorm:"type:uuid;not null;index" json:"workspace_id" cbor:"workspace_id"`
	Role        Role           `gorm:"not null" json:"role" cbor:"role"`
	Version     int64          `gorm:"not null;index" json:"version" cbor:"version"`
	CreatedAt   time.Time      `json:"created_at" cbor:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" cbor:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty" cbor:"-"`
	// Deleted mirrors DeletedAt for the wire, where gorm.DeletedAt does not
	// round-trip through CBOR.
	Deleted bool `gorm:"-" json:"-" cbor:"deleted,omitempty"`
}

// Interaction records per-user engagement with a node (seen/opened markers).
// It is keyed by (node, user), updated last-writer-wins, and synced per root.
type Interaction struct {
	NodeID      NodeID      `gorm:"primaryKey" json:"node_id" cbor:"node_id"`
	UserID      UserID      `gorm:"type:uuid;primaryKey" json:"user_id" cbor:"user_id"`
	WorkspaceID WorkspaceID `gorm:"type:uuid;not null" json:"workspace_id" cbor:"workspace_id"`
	RootID      NodeID      `gorm:"not null;index:idx_interactions_root_version" json:"root_id" cbor:"root_id"`
	SeenAt      *time.Time  `json:"seen_at,omitempty" cbor:"seen_at,omitempty"`
	OpenedAt    *time.Time  `json:"opened_at,omitempty" cbor:"opened_at,omitempty"`
	Version     int64       `gorm:"not null;index:idx_interactions_root_version" json:"version" cbor:"version"`
	CreatedAt   time.Time   `json:"created_at" cbor:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" cbor:"updated_at"`
}

// FileStatus tracks the upload lifecycle of a file's bytes in object storage.
type FileStatus string

const (
	FileStatusPending  FileStatus = "pending"
	FileStatusUploaded FileStatus = "uploaded"
)

// File is the sync-visible metadata of a file node. The bytes are written and
// read through presigned object-storage URLs outside the sync channel.
type File struct {
	ID          NodeID      `gorm:"primaryKey" json:"id" cbor:"id"`
	WorkspaceID WorkspaceID `gorm:"type:uuid;not null" json:"workspace_id" cbor:"workspace_id"`
	RootID      NodeID      `gorm:"not null;index:idx_files_root_version" json:"root_id" cbor:"root_id"`
	Name        string      `gorm:"not null" json:"name" cbor:"name"`
	Size        int64       `json:"size" cbor:"size"`
	MimeType    string      `json:"mime_type,omitempty" cbor:"mime_type,omitempty"`
	Status      FileStatus  `gorm:"not null" json:"status" cbor:"status"`
	Version     int64       `gorm:"not null;index:idx_files_root_version" json:"version" cbor:"version"`
	CreatedBy   UserID      `gorm:"type:uuid;not null" json:"created_by" cbor:"created_by"`
	CreatedAt   time.Time   `json:"created_at" cbor:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" cbor:"updated_at"`
}

// WorkspaceSequence backs the per-workspace version allocator. The value is
// advanced with an atomic upsert inside the transaction that consumes it.
type WorkspaceSequence struct {
	WorkspaceID WorkspaceID `gorm:"type:uuid;primaryKey"`
	Value       int64       `gorm:"not null"`
}

func (WorkspaceSequence) TableName() string { return "workspace_sequences" }
