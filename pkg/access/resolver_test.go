package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchpad/branchpad/pkg/models"
)

func grantNode(t models.NodeType, root models.NodeID, grants map[string]models.Role) *models.Node {
	id := models.NewNodeID(t)
	if root.IsZero() {
		root = id
	}
	var attrs models.Attributes
	switch t {
	case models.NodeTypeSpace:
		attrs = models.NewAttributes(models.SpaceAttributes{Name: "n", CollabMap: grants})
	case models.NodeTypeChannel:
		attrs = models.NewAttributes(models.ChannelAttributes{Name: "n", CollabMap: grants})
	case models.NodeTypePage:
		attrs = models.NewAttributes(models.PageAttributes{Name: "n", CollabMap: grants})
	default:
		attrs = models.NewAttributes(models.FolderAttributes{Name: "n"})
	}
	return &models.Node{ID: id, RootID: root, Type: t, Attributes: attrs}
}

func TestResolveRoleHighestAcrossChain(t *testing.T) {
	user := models.NewUserID()
	key := user.String()

	space := grantNode(models.NodeTypeSpace, "", map[string]models.Role{key: models.RoleAdmin})
	channel := grantNode(models.NodeTypeChannel, space.ID, map[string]models.Role{key: models.RoleViewer})
	page := grantNode(models.NodeTypePage, space.ID, nil)

	// Chain walks node first, root last. The viewer grant on the channel does
	// not shadow the admin grant on the space above it.
	role, ok := ResolveRole([]*models.Node{page, channel, space}, user)
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, role)
}

func TestResolveRoleNoGrant(t *testing.T) {
	space := grantNode(models.NodeTypeSpace, "", map[string]models.Role{
		models.NewUserID().String(): models.RoleOwner,
	})
	_, ok := ResolveRole([]*models.Node{space}, models.NewUserID())
	assert.False(t, ok)
}

func TestResolveRoleClampsUnknown(t *testing.T) {
	user := models.NewUserID()
	space := grantNode(models.NodeTypeSpace, "", map[string]models.Role{
		user.String(): models.Role("superuser"),
	})
	role, ok := ResolveRole([]*models.Node{space}, user)
	require.True(t, ok)
	assert.Equal(t, models.RoleViewer, role)
}

type fakeDirectory struct {
	chains map[models.NodeID][]*models.Node
	grants []*models.Collaboration
}

func (d *fakeDirectory) GetAncestors(_ context.Context, id models.NodeID) ([]*models.Node, error) {
	return d.chains[id], nil
}

func (d *fakeDirectory) ListCollaborationsForUser(_ context.Context, userID models.UserID, nodeIDs []models.NodeID) ([]*models.Collaboration, error) {
	wanted := make(map[models.NodeID]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		wanted[id] = true
	}
	var out []*models.Collaboration
	for _, g := range d.grants {
		if g.UserID == userID && wanted[g.NodeID] {
			out = append(out, g)
		}
	}
	return out, nil
}

func TestResolverUnionsMaterializedGrants(t *testing.T) {
	user := models.NewUserID()

	space := grantNode(models.NodeTypeSpace, "", nil)
	page := grantNode(models.NodeTypePage, space.ID, nil)
	dir := &fakeDirectory{
		chains: map[models.NodeID][]*models.Node{page.ID: {page, space}},
		grants: []*models.Collaboration{
			{NodeID: space.ID, UserID: user, Role: models.RoleEditor},
		},
	}

	role, ok, err := NewResolver(dir).Resolve(context.Background(), page.ID, user)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RoleEditor, role)
}

func TestResolverDetachedChainInvisible(t *testing.T) {
	user := models.NewUserID()

	space := grantNode(models.NodeTypeSpace, "", nil)
	// The chain stops at a non-root node: an ancestor was deleted. Stale
	// grant rows below the cut must not resurrect access.
	orphan := grantNode(models.NodeTypePage, space.ID, map[string]models.Role{
		user.String(): models.RoleOwner,
	})
	dir := &fakeDirectory{
		chains: map[models.NodeID][]*models.Node{orphan.ID: {orphan}},
		grants: []*models.Collaboration{
			{NodeID: orphan.ID, UserID: user, Role: models.RoleOwner},
		},
	}

	_, ok, err := NewResolver(dir).Resolve(context.Background(), orphan.ID, user)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolverMissingNode(t *testing.T) {
	dir := &fakeDirectory{chains: map[models.NodeID][]*models.Node{}}
	_, ok, err := NewResolver(dir).Resolve(context.Background(), models.NewNodeID(models.NodeTypePage), models.NewUserID())
	require.NoError(t, err)
	assert.False(t, ok)
}
