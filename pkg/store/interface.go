// Package store defines the persistence interface for the branchpad server.
//
// The [Store] interface abstracts the server-side database: the node tree, the
// append-only transaction log, materialized collaboration grants, interaction
// markers, file metadata and the workspace roster. The production backend is
// [github.com/branchpad/branchpad/pkg/store/postgres.Store]; tests use the
// in-memory implementation under pkg/store/memory.
//
// Conventions shared by all implementations:
//   - Get methods return nil without error for missing records.
//   - List methods return empty slices for no results, never nil.
//   - ListXAfter methods page the sync streams: they return records with
//     Version strictly greater than the cursor, ordered by Version ascending,
//     at most limit rows.
//   - All methods accept context.Context and respect cancellation.
package store

import (
	"context"

	"github.com/branchpad/branchpad/pkg/models"
)

// Store is the complete server persistence interface.
type Store interface {
	// Migrate creates or updates the schema. Idempotent.
	Migrate(ctx context.Context) error
	// Close releases the underlying connections.
	Close() error

	// NextVersion atomically advances the workspace's version sequence and
	// returns the new value. Every sync-visible change consumes exactly one
	// value, so per-workspace versions are strictly increasing.
	NextVersion(ctx context.Context, workspaceID models.WorkspaceID) (int64, error)

	// Workspace operations.

	CreateWorkspace(ctx context.Context, workspace *models.Workspace) error
	GetWorkspace(ctx context.Context, id models.WorkspaceID) (*models.Workspace, error)

	// User operations. Users are sync-visible; mutations must stamp Version
	// from the workspace sequence so the users stream can page them.

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id models.UserID) (*models.User, error)
	GetUserByEmail(ctx context.Context, workspaceID models.WorkspaceID, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	ListUsersAfter(ctx context.Context, workspaceID models.WorkspaceID, after int64, limit int) ([]*models.User, error)

	// Device operations.

	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id models.DeviceID) (*models.Device, error)
	TouchDevice(ctx context.Context, id models.DeviceID) error

	// Node operations. GetNode excludes soft-deleted nodes; GetAncestors
	// returns the chain from the node itself up to its root, node first.

	GetNode(ctx context.Context, id models.NodeID) (*models.Node, error)
	GetAncestors(ctx context.Context, id models.NodeID) ([]*models.Node, error)
	GetDescendants(ctx context.Context, id models.NodeID) ([]*models.Node, error)

	// AppendTransaction is the single write path for the node tree. In one
	// database transaction it allocates the next workspace version, stamps it
	// on both records, appends the log entry, and applies the node state:
	// upsert for create/update, soft delete for delete. It returns the
	// allocated version.
	AppendTransaction(ctx context.Context, txn *models.Transaction, node *models.Node) (int64, error)
	ListTransactionsAfter(ctx context.Context, rootID models.NodeID, after int64, limit int) ([]*models.Transaction, error)

	// Collaboration operations. The After listing includes soft-deleted rows
	// so consumers observe revocations; ListCollaborationsForUser only
	// returns live grants.

	UpsertCollaboration(ctx context.Context, collab *models.Collaboration) error
	SoftDeleteCollaboration(ctx context.Context, nodeID models.NodeID, userID models.UserID, version int64) error
	ListNodeCollaborations(ctx context.Context, nodeID models.NodeID) ([]*models.Collaboration, error)
	ListCollaborationsForUser(ctx context.Context, userID models.UserID, nodeIDs []models.NodeID) ([]*models.Collaboration, error)
	ListUserCollaborationsAfter(ctx context.Context, userID models.UserID, after int64, limit int) ([]*models.Collaboration, error)

	// Interaction operations.

	UpsertInteraction(ctx context.Context, interaction *models.Interaction) error
	GetInteraction(ctx context.Context, nodeID models.NodeID, userID models.UserID) (*models.Interaction, error)
	ListInteractionsAfter(ctx context.Context, rootID models.NodeID, after int64, limit int) ([]*models.Interaction, error)

	// File metadata operations. Bytes go through object storage, not here.

	CreateFile(ctx context.Context, file *models.File) error
	GetFile(ctx context.Context, id models.NodeID) (*models.File, error)
	UpdateFile(ctx context.Context, file *models.File) error
	ListFilesAfter(ctx context.Context, rootID models.NodeID, after int64, limit int) ([]*models.File, error)
}
