package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JSONMap is a flexible key-value map persisted as a JSON column. It is used
// for type-specific content (page bodies, record fields, message content) and
// for transaction payloads, where the shape varies by node type and operation.
type JSONMap map[string]any

// Value implements the driver.Valuer interface for database storage
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for database retrieval
func (j *JSONMap) Scan(value any) error {
	if value == nil {
		*j = make(map[string]any)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, isStr := value.(string)
		if !isStr {
			return fmt.Errorf("cannot scan %T into JSONMap", value)
		}
		bytes = []byte(s)
	}
	return json.Unmarshal(bytes, j)
}

func (JSONMap) GormDataType() string { return "jsonb" }

// Node is one entity in the shared collaborative tree. Every node except a
// space has exactly one parent; cycles are impossible by construction because
// a parent must already exist when its child is created.
//
// Version is the per-workspace sequence value of the last transaction that
// touched the node; VersionID is the opaque token regenerated on every
// attribute mutation. Merge holds the field-level last-writer-wins state that
// resolves concurrent attribute edits.
type Node struct {
	ID          NodeID         `gorm:"primaryKey" json:"id"`
	WorkspaceID WorkspaceID    `gorm:"type:uuid;not null;index" json:"workspace_id"`
	RootID      NodeID         `gorm:"not null;index" json:"root_id"`
	ParentID    *NodeID        `gorm:"index" json:"parent_id,omitempty"`
	Type        NodeType       `gorm:"not null" json:"type"`
	Attributes  Attributes     `gorm:"type:jsonb" json:"attributes"`
	Merge       MergeDoc       `gorm:"type:jsonb" json:"merge,omitempty"`
	Version     int64          `gorm:"not null;index" json:"version"`
	VersionID   string         `gorm:"not null" json:"version_id"`
	CreatedBy   UserID         `gorm:"type:uuid;not null" json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedBy   *UserID        `gorm:"type:uuid" json:"updated_by,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// IsRoot reports whether the node is the root of its sync scope.
func (n *Node) IsRoot() bool { return n.ID == n.RootID }

// Workspace is the billing/membership boundary. Each workspace owns its own
// version sequence, user roster and node trees.
type Workspace struct {
	ID        WorkspaceID    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// BeforeCreate hook to generate ID if not set
func (w *Workspace) BeforeCreate(tx *gorm.DB) error {
	if w.ID.IsZero() {
		w.ID = NewWorkspaceID()
	}
	return nil
}

// User is a workspace member. Role is the base workspace role, consulted only
// when an operation has no node ancestry to resolve against (space creation).
type User struct {
	ID          UserID         `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID WorkspaceID    `gorm:"type:uuid;not null;index:idx_users_workspace_email,unique" json:"workspace_id"`
	Email       string         `gorm:"not null;index:idx_users_workspace_email,unique" json:"email"`
	Name        string         `gorm:"not null" json:"name"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Role        Role           `gorm:"not null" json:"role"`
	Version     int64          `gorm:"not null;index" json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// BeforeCreate hook to generate ID if not set
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID.IsZero() {
		u.ID = NewUserID()
	}
	return nil
}

// Device is one registered sync endpoint for a user. Each connected device
// holds one transport connection multiplexing all of its consumers.
type Device struct {
	ID          DeviceID    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      UserID      `gorm:"type:uuid;not null;index" json:"user_id"`
	WorkspaceID WorkspaceID `gorm:"type:uuid;not null" json:"workspace_id"`
	Name        string      `json:"name,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	LastSeenAt  *time.Time  `json:"last_seen_at,omitempty"`
}

// BeforeCreate hook to generate ID if not set
func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID.IsZero() {
		d.ID = NewDeviceID()
	}
	return nil
}
