// Package postgres implements [store.Store] on PostgreSQL using GORM.
//
// PostgreSQL's transactional guarantees carry the core invariant of the sync
// protocol: version allocation, log append and node state change happen in one
// database transaction, so the per-workspace version sequence is strictly
// increasing and the log never references a version the tree does not have.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/branchpad/branchpad/pkg/models"
	"github.com/branchpad/branchpad/pkg/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db *gorm.DB
}

// New connects to PostgreSQL with the given DSN.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Store{db: db}, nil
}

var _ store.Store = (*Store)(nil)

// Migrate creates or updates the schema with GORM auto-migration. Safe to run
// on every startup; it only adds missing schema elements.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.Workspace{},
		&models.User{},
		&models.Device{},
		&models.Node{},
		&models.Transaction{},
		&models.Collaboration{},
		&models.Interaction{},
		&models.File{},
		&models.WorkspaceSequence{},
	)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NextVersion advances the workspace sequence with a single atomic upsert.
func (s *Store) NextVersion(ctx context.Context, workspaceID models.WorkspaceID) (int64, error) {
	return nextVersion(s.db.WithContext(ctx), workspaceID)
}

func nextVersion(db *gorm.DB, workspaceID models.WorkspaceID) (int64, error) {
	var version int64
	err := db.Raw(
		`INSERT INTO workspace_sequences (workspace_id, value) VALUES (?, 1)
		 ON CONFLICT (workspace_id) DO UPDATE SET value = workspace_sequences.value + 1
		 RETURNING value`,
		workspaceID,
	).Scan(&version).Error
	if err != nil {
		return 0, fmt.Errorf("advance version sequence: %w", err)
	}
	return version, nil
}

// Workspace operations

func (s *Store) CreateWorkspace(ctx context.Context, workspace *models.Workspace) error {
	return s.db.WithContext(ctx).Create(workspace).Error
}

func (s *Store) GetWorkspace(ctx context.Context, id models.WorkspaceID) (*models.Workspace, error) {
	var workspace models.Workspace
	err := s.db.WithContext(ctx).First(&workspace, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &workspace, nil
}

// User operations

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *Store) GetUser(ctx context.Context, id models.UserID) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, workspaceID models.WorkspaceID, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND email = ?", workspaceID, email).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

func (s *Store) ListUsersAfter(ctx context.Context, workspaceID models.WorkspaceID, after int64, limit int) ([]*models.User, error) {
	users := []*models.User{}
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND version > ?", workspaceID, after).
		Order("version").
		Limit(limit).
		Find(&users).Error
	return users, err
}

// Device operations

func (s *Store) CreateDevice(ctx context.Context, device *models.Device) error {
	return s.db.WithContext(ctx).Create(device).Error
}

func (s *Store) GetDevice(ctx context.Context, id models.DeviceID) (*models.Device, error) {
	var device models.Device
	err := s.db.WithContext(ctx).First(&device, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

func (s *Store) TouchDevice(ctx context.Context, id models.DeviceID) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.Device{}).
		Where("id = ?", id).
		Update("last_seen_at", now).Error
}

// Node operations

func (s *Store) GetNode(ctx context.Context, id models.NodeID) (*models.Node, error) {
	var node models.Node
	err := s.db.WithContext(ctx).First(&node, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &node, nil
}

// GetAncestors walks from the node to its root with one recursive query and
// returns the chain node-first. Soft-deleted ancestors terminate the walk, so
// nodes under a deleted subtree resolve as missing.
func (s *Store) GetAncestors(ctx context.Context, id models.NodeID) ([]*models.Node, error) {
	nodes := []*models.Node{}
	err := s.db.WithContext(ctx).Raw(
		`WITH RECURSIVE chain AS (
			SELECT nodes.*, 0 AS depth FROM nodes
			WHERE id = ? AND deleted_at IS NULL
			UNION ALL
			SELECT n.*, chain.depth + 1 FROM nodes n
			JOIN chain ON n.id = chain.parent_id
			WHERE n.deleted_at IS NULL
		)
		SELECT * FROM chain ORDER BY depth`,
		id,
	).Scan(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("load ancestor chain: %w", err)
	}
	return nodes, nil
}

// GetDescendants returns the live subtree rooted at the node, including the
// node itself, parents before children.
func (s *Store) GetDescendants(ctx context.Context, id models.NodeID) ([]*models.Node, error) {
	nodes := []*models.Node{}
	err := s.db.WithContext(ctx).Raw(
		`WITH RECURSIVE subtree AS (
			SELECT nodes.*, 0 AS depth FROM nodes
			WHERE id = ? AND deleted_at IS NULL
			UNION ALL
			SELECT n.*, subtree.depth + 1 FROM nodes n
			JOIN subtree ON n.parent_id = subtree.id
			WHERE n.deleted_at IS NULL
		)
		SELECT * FROM subtree ORDER BY depth, id`,
		id,
	).Scan(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("load subtree: %w", err)
	}
	return nodes, nil
}

// AppendTransaction allocates the next workspace version and applies the log
// entry and node state change atomically.
func (s *Store) AppendTransaction(ctx context.Context, txn *models.Transaction, node *models.Node) (int64, error) {
	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := nextVersion(tx, txn.WorkspaceID)
		if err != nil {
			return err
		}
		version = v
		txn.Version = v
		txn.ServerCreatedAt = time.Now().UTC()
		if err := tx.Create(txn).Error; err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		node.Version = v
		switch txn.Operation {
		case models.OperationDelete:
			if err := tx.Model(&models.Node{}).
				Where("id = ?", node.ID).
				Update("version", v).Error; err != nil {
				return fmt.Errorf("stamp node version: %w", err)
			}
			if err := tx.Delete(&models.Node{}, "id = ?", node.ID).Error; err != nil {
				return fmt.Errorf("soft delete node: %w", err)
			}
		default:
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(node).Error; err != nil {
				return fmt.Errorf("apply node state: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) ListTransactionsAfter(ctx context.Context, rootID models.NodeID, after int64, limit int) ([]*models.Transaction, error) {
	txns := []*models.Transaction{}
	err := s.db.WithContext(ctx).
		Where("root_id = ? AND version > ?", rootID, after).
		Order("version").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// Collaboration operations

func (s *Store) UpsertCollaboration(ctx context.Context, collab *models.Collaboration) error {
	// Unscoped so a re-grant revives a previously revoked row.
	return s.db.WithContext(ctx).Unscoped().Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "node_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"role":       collab.Role,
			"version":    collab.Version,
			"updated_at": time.Now().UTC(),
			"deleted_at": nil,
		}),
	}).Create(collab).Error
}

func (s *Store) SoftDeleteCollaboration(ctx context.Context, nodeID models.NodeID, userID models.UserID, version int64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.Collaboration{}).
		Where("node_id = ? AND user_id = ?", nodeID, userID).
		Updates(map[string]any{
			"version":    version,
			"updated_at": now,
			"deleted_at": now,
		}).Error
}

func (s *Store) ListNodeCollaborations(ctx context.Context, nodeID models.NodeID) ([]*models.Collaboration, error) {
	collabs := []*models.Collaboration{}
	err := s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Find(&collabs).Error
	return collabs, err
}

func (s *Store) ListCollaborationsForUser(ctx context.Context, userID models.UserID, nodeIDs []models.NodeID) ([]*models.Collaboration, error) {
	if len(nodeIDs) == 0 {
		return []*models.Collaboration{}, nil
	}
	collabs := []*models.Collaboration{}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND node_id IN ?", userID, nodeIDs).
		Find(&collabs).Error
	return collabs, err
}

func (s *Store) ListUserCollaborationsAfter(ctx context.Context, userID models.UserID, after int64, limit int) ([]*models.Collaboration, error) {
	collabs := []*models.Collaboration{}
	err := s.db.WithContext(ctx).Unscoped().
		Where("user_id = ? AND version > ?", userID, after).
		Order("version").
		Limit(limit).
		Find(&collabs).Error
	if err != nil {
		return nil, err
	}
	for _, c := range collabs {
		c.Deleted = c.DeletedAt.Valid
	}
	return collabs, nil
}

// Interaction operations

func (s *Store) UpsertInteraction(ctx context.Context, interaction *models.Interaction) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "node_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"seen_at":    interaction.SeenAt,
			"opened_at":  interaction.OpenedAt,
			"version":    interaction.Version,
			"updated_at": time.Now().UTC(),
		}),
	}).Create(interaction).Error
}

func (s *Store) GetInteraction(ctx context.Context, nodeID models.NodeID, userID models.UserID) (*models.Interaction, error) {
	var interaction models.Interaction
	err := s.db.WithContext(ctx).
		Where("node_id = ? AND user_id = ?", nodeID, userID).
		First(&interaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &interaction, nil
}

func (s *Store) ListInteractionsAfter(ctx context.Context, rootID models.NodeID, after int64, limit int) ([]*models.Interaction, error) {
	interactions := []*models.Interaction{}
	err := s.db.WithContext(ctx).
		Where("root_id = ? AND version > ?", rootID, after).
		Order("version").
		Limit(limit).
		Find(&interactions).Error
	return interactions, err
}

// File metadata operations

func (s *Store) CreateFile(ctx context.Context, file *models.File) error {
	return s.db.WithContext(ctx).Create(file).Error
}

func (s *Store) GetFile(ctx context.Context, id models.NodeID) (*models.File, error) {
	var file models.File
	err := s.db.WithContext(ctx).First(&file, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &file, nil
}

func (s *Store) UpdateFile(ctx context.Context, file *models.File) error {
	return s.db.WithContext(ctx).Save(file).Error
}

func (s *Store) ListFilesAfter(ctx context.Context, rootID models.NodeID, after int64, limit int) ([]*models.File, error) {
	files := []*models.File{}
	err := s.db.WithContext(ctx).
		Where("root_id = ? AND version > ?", rootID, after).
		Order("version").
		Limit(limit).
		Find(&files).Error
	return files, err
}
