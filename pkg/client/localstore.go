// Package client implements the device-side half of the sync protocol: a
// SQLite replica of the subscribed roots, cursor bookkeeping, optimistic
// local mutations with server acknowledgement, and the revert job that backs
// out mutations the server never accepted.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/branchpad/branchpad/pkg/models"
)

// Cursor records how far a stream has been applied to the replica. The value
// advances in the same database transaction as the batch it covers, so a
// crash can never leave the replica ahead of or behind its cursor.
type Cursor struct {
	Key       string `gorm:"primaryKey"`
	Value     int64  `gorm:"not null"`
	UpdatedAt time.Time
}

// PendingStatus is the lifecycle of a local mutation awaiting the server.
type PendingStatus string

const (
	// StatusPending: applied locally, not yet acknowledged.
	StatusPending PendingStatus = "pending"
	// StatusFailed: rejected by the server; awaiting revert.
	StatusFailed PendingStatus = "failed"
)

// PendingMutation is one optimistic local change. Snapshot holds the node as
// it was before the change so a revert can restore it.
type PendingMutation struct {
	ID         string           `gorm:"primaryKey"`
	NodeID     models.NodeID    `gorm:"not null;index"`
	ParentID   models.NodeID    ``
	Operation  models.Operation `gorm:"not null"`
	Data       models.JSONMap   `gorm:"type:jsonb"`
	Snapshot   models.JSONMap   `gorm:"type:jsonb"`
	Status     PendingStatus    `gorm:"not null;index"`
	RetryCount int              `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LocalStore is the device-local replica database.
type LocalStore struct {
	db *gorm.DB
}

// Open opens (or creates) the replica database at path. Use ":memory:" for
// tests.
func Open(path string) (*LocalStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open replica database: %w", err)
	}
	err = db.AutoMigrate(
		&Cursor{},
		&PendingMutation{},
		&models.Node{},
		&models.User{},
		&models.Collaboration{},
		&models.Interaction{},
		&models.File{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrate replica schema: %w", err)
	}
	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CursorValue returns the stream's applied cursor, zero if never advanced.
func (s *LocalStore) CursorValue(ctx context.Context, key string) (int64, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).First(&cursor, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return cursor.Value, nil
}

func setCursor(tx *gorm.DB, key string, value int64) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{"value": value, "updated_at": time.Now().UTC()}),
	}).Create(&Cursor{Key: key, Value: value, UpdatedAt: time.Now().UTC()}).Error
}

// ApplyTransactions replays a transaction batch into the replica and
// advances the stream cursor atomically. Replay is idempotent: records at or
// below the node's current version are skipped, so re-delivery after a crash
// converges to the same state.
func (s *LocalStore) ApplyTransactions(ctx context.Context, stream string, batch []*models.Transaction, cursor int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, txn := range batch {
			if err := applyTransaction(tx, txn); err != nil {
				return fmt.Errorf("apply transaction %s: %w", txn.ID, err)
			}
		}
		return setCursor(tx, stream, cursor)
	})
}

func applyTransaction(tx *gorm.DB, txn *models.Transaction) error {
	var node models.Node
	err := tx.Unscoped().First(&node, "id = ?", txn.NodeID).Error
	exists := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if exists && node.Version >= txn.Version {
		return nil
	}

	switch txn.Operation {
	case models.OperationCreate:
		attrs, err := models.DecodeAttributes(txn.NodeID.Type(), txn.Data)
		if err != nil {
			return err
		}
		merge, err := models.MergeDocFromAttributes(attrs, txn.Version, txn.CreatedBy.String())
		if err != nil {
			return err
		}
		created := models.Node{
			ID:          txn.NodeID,
			WorkspaceID: txn.WorkspaceID,
			RootID:      txn.RootID,
			ParentID:    parentFromData(txn.Data),
			Type:        txn.NodeID.Type(),
			Attributes:  attrs,
			Merge:       merge,
			Version:     txn.Version,
			CreatedBy:   txn.CreatedBy,
			CreatedAt:   txn.CreatedAt,
			UpdatedAt:   txn.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&created).Error

	case models.OperationUpdate:
		if !exists {
			// The create may have been compacted away or not yet delivered;
			// version ordering guarantees it precedes us in the same stream,
			// so a missing node here is a skip, not an error.
			return nil
		}
		writes, err := models.FieldWritesFromData(txn.Data)
		if err != nil {
			return err
		}
		if node.Merge == nil {
			node.Merge = models.MergeDoc{}
		}
		changed := node.Merge.MergeFrom(writes)
		attrs := node.Attributes
		for _, field := range changed {
			attrs, err = attrs.SetField(field, node.Merge[field].Value)
			if err != nil {
				return err
			}
		}
		node.Attributes = attrs
		node.Version = txn.Version
		actor := txn.CreatedBy
		node.UpdatedBy = &actor
		node.UpdatedAt = txn.CreatedAt
		return tx.Unscoped().Save(&node).Error

	case models.OperationDelete:
		if !exists {
			return nil
		}
		node.Version = txn.Version
		node.DeletedAt = gorm.DeletedAt{Time: txn.CreatedAt, Valid: true}
		return tx.Unscoped().Save(&node).Error
	}
	return fmt.Errorf("unknown operation %q", txn.Operation)
}

func parentFromData(data models.JSONMap) *models.NodeID {
	raw, ok := data["parent_id"].(string)
	if !ok || raw == "" {
		return nil
	}
	id, err := models.ParseNodeID(raw)
	if err != nil {
		return nil
	}
	return &id
}

// ApplyCollaborations replaces grant rows and advances the stream cursor.
func (s *LocalStore) ApplyCollaborations(ctx context.Context, stream string, batch []*models.Collaboration, cursor int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, collab := range batch {
			if collab.Deleted {
				err := tx.Unscoped().
					Delete(&models.Collaboration{}, "node_id = ? AND user_id = ?", collab.NodeID, collab.UserID).Error
				if err != nil {
					return err
				}
				continue
			}
			row := *collab
			err := tx.Unscoped().Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "node_id"}, {Name: "user_id"}},
				UpdateAll: true,
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return setCursor(tx, stream, cursor)
	})
}

// ApplyUsers upserts roster rows and advances the stream cursor.
func (s *LocalStore) ApplyUsers(ctx context.Context, stream string, batch []*models.User, cursor int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, user := range batch {
			row := *user
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return setCursor(tx, stream, cursor)
	})
}

// ApplyFiles upserts file metadata and advances the stream cursor.
func (s *LocalStore) ApplyFiles(ctx context.Context, stream string, batch []*models.File, cursor int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, file := range batch {
			row := *file
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return setCursor(tx, stream, cursor)
	})
}

// ApplyInteractions upserts seen/opened markers and advances the cursor.
func (s *LocalStore) ApplyInteractions(ctx context.Context, stream string, batch []*models.Interaction, cursor int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, interaction := range batch {
			row := *interaction
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "node_id"}, {Name: "user_id"}},
				UpdateAll: true,
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return setCursor(tx, stream, cursor)
	})
}

// GetNode reads a live node from the replica, nil when absent or deleted.
func (s *LocalStore) GetNode(ctx context.Context, id models.NodeID) (*models.Node, error) {
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

// PutNode writes a node unconditionally, used by optimistic apply and revert.
func (s *LocalStore) PutNode(ctx context.Context, node *models.Node) error {
	return s.db.WithContext(ctx).Unscoped().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(node).Error
}

// DeleteNode removes a node row entirely.
func (s *LocalStore) DeleteNode(ctx context.Context, id models.NodeID) error {
	return s.db.WithContext(ctx).Unscoped().Delete(&models.Node{}, "id = ?", id).Error
}

// ListSpaceGrants returns the grant rows whose node is a space; these are the
// roots the client subscribes to.
func (s *LocalStore) ListSpaceGrants(ctx context.Context) ([]*models.Collaboration, error) {
	rows := []*models.Collaboration{}
	err := s.db.WithContext(ctx).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	spaces := rows[:0]
	for _, row := range rows {
		if row.NodeID.Type() == models.NodeTypeSpace {
			spaces = append(spaces, row)
		}
	}
	return spaces, nil
}

// Pending mutation bookkeeping.

func (s *LocalStore) EnqueueMutation(ctx context.Context, m *PendingMutation) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *LocalStore) ListMutations(ctx context.Context, statuses ...PendingStatus) ([]*PendingMutation, error) {
	out := []*PendingMutation{}
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at").
		Find(&out).Error
	return out, err
}

func (s *LocalStore) GetMutation(ctx context.Context, id string) (*PendingMutation, error) {
	var m PendingMutation
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ResolveMutation removes an acknowledged mutation from the queue.
func (s *LocalStore) ResolveMutation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&PendingMutation{}, "id = ?", id).Error
}

// FailMutation marks a rejected mutation for the revert job.
func (s *LocalStore) FailMutation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&PendingMutation{}).
		Where("id = ?", id).
		Update("status", StatusFailed).Error
}

// BumpRetry counts one more delivery attempt.
func (s *LocalStore) BumpRetry(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&PendingMutation{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}
