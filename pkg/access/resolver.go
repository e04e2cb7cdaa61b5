// Package access implements hierarchical permission resolution for the node
// tree. A user's effective role on a node is the highest-privilege role found
// anywhere on the walk from the node to its root, unioning the collaborator
// maps encountered along the way.
package access

import (
	"context"
	"fmt"

	"github.com/branchpad/branchpad/pkg/models"
)

// ResolveRole walks an ancestor chain (target node first, root last) and
// returns the highest-ranked role granted to the user at any level. The
// second return is false when the user appears at no level; callers must
// translate that to not-found rather than leaking the node's existence.
func ResolveRole(chain []*models.Node, userID models.UserID) (models.Role, bool) {
	key := userID.String()
	var best models.Role
	found := false
	for _, node := range chain {
		if node == nil {
			continue
		}
		role, ok := node.Attributes.Collaborators()[key]
		if !ok {
			continue
		}
		role = models.NormalizeRole(string(role))
		if !found || role.Rank() > best.Rank() {
			best = role
		}
		found = true
	}
	return best, found
}

// Directory is the slice of the store the resolver needs. Accepting the
// narrow interface keeps the resolver testable with in-memory doubles.
type Directory interface {
	GetAncestors(ctx context.Context, id models.NodeID) ([]*models.Node, error)
	ListCollaborationsForUser(ctx context.Context, userID models.UserID, nodeIDs []models.NodeID) ([]*models.Collaboration, error)
}

// Resolver resolves effective roles on the server. It loads the ancestor
// chain with one recursive query and consults both the chain's collaborator
// maps and the materialized collaboration grants; the grant table gives O(1)
// lookups while the chain walk covers grants the fan-out job has not
// materialized yet.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver backed by the given directory.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the user's effective role on the node. The boolean is
// false when the user has no grant at any level or the node does not exist.
func (r *Resolver) Resolve(ctx context.Context, nodeID models.NodeID, userID models.UserID) (models.Role, bool, error) {
	chain, err := r.dir.GetAncestors(ctx, nodeID)
	if err != nil {
		return "", false, fmt.Errorf("load ancestors of %s: %w", nodeID, err)
	}
	if len(chain) == 0 {
		return "", false, nil
	}
	// A chain that does not reach a root means an ancestor was deleted; the
	// detached subtree is invisible regardless of any stale grants.
	if !chain[len(chain)-1].IsRoot() {
		return "", false, nil
	}

	best, found := ResolveRole(chain, userID)

	ids := make([]models.NodeID, 0, len(chain))
	for _, node := range chain {
		ids = append(ids, node.ID)
	}
	grants, err := r.dir.ListCollaborationsForUser(ctx, userID, ids)
	if err != nil {
		return "", false, fmt.Errorf("load grants for %s: %w", userID, err)
	}
	for _, g := range grants {
		role := models.NormalizeRole(string(g.Role))
		if !found || role.Rank() > best.Rank() {
			best = role
		}
		found = true
	}
	return best, found, nil
}
