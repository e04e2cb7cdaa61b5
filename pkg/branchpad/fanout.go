package branchpad

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/branchpad/branchpad/pkg/models"
	"github.com/branchpad/branchpad/pkg/store"
	"github.com/branchpad/branchpad/pkg/transport"
)

const fanoutTimeout = 30 * time.Second

// Fanout materializes access grants. Whenever a collaborator map changes it
// recomputes the closest-ancestor grant for every (node, user) pair in the
// affected subtree and writes the differences to the collaborations table,
// where the per-user sync stream picks them up.
//
// Fan-out runs on the event bus drain goroutine, so the grants derived from
// one change are fully written before the next change is processed.
type Fanout struct {
	store store.Store
	bus   *EventBus
	log   zerolog.Logger
}

func NewFanout(st store.Store, bus *EventBus, log zerolog.Logger) *Fanout {
	return &Fanout{store: st, bus: bus, log: log.With().Str("component", "fanout").Logger()}
}

// HandleEvent is the bus subscription entry point.
func (f *Fanout) HandleEvent(ev Event) {
	if !ev.CollaboratorsChanged {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()
	if err := f.Recompute(ctx, ev); err != nil {
		f.log.Error().Err(err).Str("node_id", ev.NodeID.String()).Msg("permission fan-out failed")
	}
}

// Recompute rewrites the materialized grants for the subtree rooted at the
// event's node.
func (f *Fanout) Recompute(ctx context.Context, ev Event) error {
	var changedUsers map[models.UserID]bool
	var err error
	if ev.Operation == models.OperationDelete {
		changedUsers, err = f.revokeNode(ctx, ev.NodeID)
	} else {
		changedUsers, err = f.rewriteSubtree(ctx, ev)
	}
	if err != nil {
		return err
	}
	if len(changedUsers) == 0 {
		return nil
	}
	f.bus.Publish(Event{
		WorkspaceID: ev.WorkspaceID,
		RootID:      ev.RootID,
		Streams:     []string{transport.StreamCollaborations},
	})
	return nil
}

// revokeNode soft-deletes every live grant on a deleted node. Descendants of
// a deleted node resolve as missing because the ancestor walk no longer
// reaches a root, so their stale rows cannot grant access.
func (f *Fanout) revokeNode(ctx context.Context, nodeID models.NodeID) (map[models.UserID]bool, error) {
	rows, err := f.store.ListNodeCollaborations(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	changed := make(map[models.UserID]bool)
	for _, row := range rows {
		version, err := f.store.NextVersion(ctx, row.WorkspaceID)
		if err != nil {
			return changed, err
		}
		if err := f.store.SoftDeleteCollaboration(ctx, nodeID, row.UserID, version); err != nil {
			return changed, fmt.Errorf("revoke grant: %w", err)
		}
		changed[row.UserID] = true
	}
	return changed, nil
}

func (f *Fanout) rewriteSubtree(ctx context.Context, ev Event) (map[models.UserID]bool, error) {
	chain, err := f.store.GetAncestors(ctx, ev.NodeID)
	if err != nil {
		return nil, fmt.Errorf("load ancestors: %w", err)
	}
	if len(chain) == 0 {
		return nil, nil
	}

	// Grants inherited from above the changed node: walk root-down so closer
	// levels override farther ones.
	inherited := map[string]models.Role{}
	for i := len(chain) - 1; i >= 1; i-- {
		overlay(inherited, chain[i].Attributes.Collaborators())
	}

	subtree, err := f.store.GetDescendants(ctx, ev.NodeID)
	if err != nil {
		return nil, fmt.Errorf("load subtree: %w", err)
	}
	if len(subtree) == 0 {
		return nil, nil
	}

	// Parents come before children, so each node's effective map is ready
	// when its children are visited.
	effective := make(map[models.NodeID]map[string]models.Role, len(subtree))
	changed := make(map[models.UserID]bool)
	for _, node := range subtree {
		var base map[string]models.Role
		if node.ID == ev.NodeID {
			base = inherited
		} else {
			base = effective[*node.ParentID]
		}
		grants := make(map[string]models.Role, len(base))
		overlay(grants, base)
		overlay(grants, node.Attributes.Collaborators())
		effective[node.ID] = grants

		if err := f.reconcileNode(ctx, node, grants, changed); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// reconcileNode diffs desired grants against stored rows and writes only the
// differences, each stamped with a fresh workspace version.
func (f *Fanout) reconcileNode(ctx context.Context, node *models.Node, desired map[string]models.Role, changed map[models.UserID]bool) error {
	existing, err := f.store.ListNodeCollaborations(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("list grants for %s: %w", node.ID, err)
	}
	current := make(map[string]models.Role, len(existing))
	for _, row := range existing {
		current[row.UserID.String()] = row.Role
	}

	for userKey, role := range desired {
		if current[userKey] == role {
			continue
		}
		userID, err := models.ParseUserID(userKey)
		if err != nil {
			f.log.Warn().Str("node_id", node.ID.String()).Str("user", userKey).Msg("skipping malformed collaborator key")
			continue
		}
		version, err := f.store.NextVersion(ctx, node.WorkspaceID)
		if err != nil {
			return err
		}
		err = f.store.UpsertCollaboration(ctx, &models.Collaboration{
			NodeID:      node.ID,
			UserID:      userID,
			WorkspaceID: node.WorkspaceID,
			Role:        role,
			Version:     version,
		})
		if err != nil {
			return fmt.Errorf("write grant for %s: %w", node.ID, err)
		}
		changed[userID] = true
	}

	for userKey := range current {
		if _, keep := desired[userKey]; keep {
			continue
		}
		userID, err := models.ParseUserID(userKey)
		if err != nil {
			continue
		}
		version, err := f.store.NextVersion(ctx, node.WorkspaceID)
		if err != nil {
			return err
		}
		if err := f.store.SoftDeleteCollaboration(ctx, node.ID, userID, version); err != nil {
			return fmt.Errorf("revoke grant for %s: %w", node.ID, err)
		}
		changed[userID] = true
	}
	return nil
}

func overlay(dst map[string]models.Role, src map[string]models.Role) {
	for user, role := range src {
		dst[user] = models.NormalizeRole(string(role))
	}
}
