// Package memory implements [store.Store] with in-process maps. It exists for
// tests and local experiments; it mirrors the postgres implementation's
// semantics (nil for missing records, soft deletes, version-ordered paging)
// without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/branchpad/branchpad/pkg/models"
	"github.com/branchpad/branchpad/pkg/store"
)

// Store is an in-memory store.Store. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	sequences      map[models.WorkspaceID]int64
	workspaces     map[models.WorkspaceID]*models.Workspace
	users          map[models.UserID]*models.User
	devices        map[models.DeviceID]*models.Device
	nodes          map[models.NodeID]*models.Node
	transactions   []*models.Transaction
	collaborations map[collabKey]*models.Collaboration
	interactions   map[collabKey]*models.Interaction
	files          map[models.NodeID]*models.File
}

type collabKey struct {
	nodeID models.NodeID
	userID models.UserID
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sequences:      make(map[models.WorkspaceID]int64),
		workspaces:     make(map[models.WorkspaceID]*models.Workspace),
		users:          make(map[models.UserID]*models.User),
		devices:        make(map[models.DeviceID]*models.Device),
		nodes:          make(map[models.NodeID]*models.Node),
		collaborations: make(map[collabKey]*models.Collaboration),
		interactions:   make(map[collabKey]*models.Interaction),
		files:          make(map[models.NodeID]*models.File),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Migrate(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) NextVersion(ctx context.Context, workspaceID models.WorkspaceID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextVersionLocked(workspaceID), nil
}

func (s *Store) nextVersionLocked(workspaceID models.WorkspaceID) int64 {
	s.sequences[workspaceID]++
	return s.sequences[workspaceID]
}

// Workspace operations

func (s *Store) CreateWorkspace(ctx context.Context, workspace *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if workspace.ID.IsZero() {
		workspace.ID = models.NewWorkspaceID()
	}
	now := time.Now().UTC()
	workspace.CreatedAt = now
	workspace.UpdatedAt = now
	cp := *workspace
	s.workspaces[workspace.ID] = &cp
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id models.WorkspaceID) (*models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

// User operations

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID.IsZero() {
		user.ID = models.NewUserID()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *Store) GetUser(ctx context.Context, id models.UserID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.DeletedAt.Valid {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, workspaceID models.WorkspaceID, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.WorkspaceID == workspaceID && u.Email == email && !u.DeletedAt.Valid {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user.UpdatedAt = time.Now().UTC()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *Store) ListUsersAfter(ctx context.Context, workspaceID models.WorkspaceID, after int64, limit int) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.User{}
	for _, u := range s.users {
		if u.WorkspaceID == workspaceID && u.Version > after {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Device operations

func (s *Store) CreateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device.ID.IsZero() {
		device.ID = models.NewDeviceID()
	}
	device.CreatedAt = time.Now().UTC()
	cp := *device
	s.devices[device.ID] = &cp
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id models.DeviceID) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *Store) TouchDevice(ctx context.Context, id models.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		now := time.Now().UTC()
		d.LastSeenAt = &now
	}
	return nil
}

// Node operations

func (s *Store) GetNode(ctx context.Context, id models.NodeID) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.liveNodeLocked(id)
	if n == nil {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (s *Store) liveNodeLocked(id models.NodeID) *models.Node {
	n, ok := s.nodes[id]
	if !ok || n.DeletedAt.Valid {
		return nil
	}
	return n
}

func (s *Store) GetAncestors(ctx context.Context, id models.NodeID) ([]*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := []*models.Node{}
	current := s.liveNodeLocked(id)
	for current != nil {
		cp := *current
		chain = append(chain, &cp)
		if current.ParentID == nil {
			break
		}
		current = s.liveNodeLocked(*current.ParentID)
	}
	return chain, nil
}

func (s *Store) GetDescendants(ctx context.Context, id models.NodeID) ([]*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := s.liveNodeLocked(id)
	if root == nil {
		return []*models.Node{}, nil
	}
	children := make(map[models.NodeID][]*models.Node)
	for _, n := range s.nodes {
		if n.ParentID != nil && !n.DeletedAt.Valid {
			children[*n.ParentID] = append(children[*n.ParentID], n)
		}
	}
	out := []*models.Node{}
	queue := []*models.Node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		cp := *n
		out = append(out, &cp)
		kids := children[n.ID]
		sort.Slice(kids, func(i, j int) bool { return kids[i].ID < kids[j].ID })
		queue = append(queue, kids...)
	}
	return out, nil
}

func (s *Store) AppendTransaction(ctx context.Context, txn *models.Transaction, node *models.Node) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := s.nextVersionLocked(txn.WorkspaceID)
	txn.Version = version
	txn.ServerCreatedAt = time.Now().UTC()
	txnCopy := *txn
	s.transactions = append(s.transactions, &txnCopy)

	node.Version = version
	switch txn.Operation {
	case models.OperationDelete:
		if existing, ok := s.nodes[node.ID]; ok {
			existing.Version = version
			existing.DeletedAt = gorm.DeletedAt{Time: time.Now().UTC(), Valid: true}
		}
	default:
		cp := *node
		cp.UpdatedAt = time.Now().UTC()
		s.nodes[node.ID] = &cp
	}
	return version, nil
}

func (s *Store) ListTransactionsAfter(ctx context.Context, rootID models.NodeID, after int64, limit int) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Transaction{}
	for _, t := range s.transactions {
		if t.RootID == rootID && t.Version > after {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Collaboration operations

func (s *Store) UpsertCollaboration(ctx context.Context, collab *models.Collaboration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collabKey{nodeID: collab.NodeID, userID: collab.UserID}
	now := time.Now().UTC()
	if existing, ok := s.collaborations[key]; ok {
		existing.Role = collab.Role
		existing.Version = collab.Version
		existing.UpdatedAt = now
		existing.DeletedAt = gorm.DeletedAt{}
		return nil
	}
	cp := *collab
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.collaborations[key] = &cp
	return nil
}

func (s *Store) SoftDeleteCollaboration(ctx context.Context, nodeID models.NodeID, userID models.UserID, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.collaborations[collabKey{nodeID: nodeID, userID: userID}]; ok {
		now := time.Now().UTC()
		existing.Version = version
		existing.UpdatedAt = now
		existing.DeletedAt = gorm.DeletedAt{Time: now, Valid: true}
	}
	return nil
}

func (s *Store) ListNodeCollaborations(ctx context.Context, nodeID models.NodeID) ([]*models.Collaboration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Collaboration{}
	for _, c := range s.collaborations {
		if c.NodeID == nodeID && !c.DeletedAt.Valid {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

func (s *Store) ListCollaborationsForUser(ctx context.Context, userID models.UserID, nodeIDs []models.NodeID) ([]*models.Collaboration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[models.NodeID]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		wanted[id] = true
	}
	out := []*models.Collaboration{}
	for _, c := range s.collaborations {
		if c.UserID == userID && wanted[c.NodeID] && !c.DeletedAt.Valid {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListUserCollaborationsAfter(ctx context.Context, userID models.UserID, after int64, limit int) ([]*models.Collaboration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Collaboration{}
	for _, c := range s.collaborations {
		if c.UserID == userID && c.Version > after {
			cp := *c
			cp.Deleted = cp.DeletedAt.Valid
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Interaction operations

func (s *Store) UpsertInteraction(ctx context.Context, interaction *models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collabKey{nodeID: interaction.NodeID, userID: interaction.UserID}
	now := time.Now().UTC()
	if existing, ok := s.interactions[key]; ok {
		existing.SeenAt = interaction.SeenAt
		existing.OpenedAt = interaction.OpenedAt
		existing.Version = interaction.Version
		existing.UpdatedAt = now
		return nil
	}
	cp := *interaction
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.interactions[key] = &cp
	return nil
}

func (s *Store) GetInteraction(ctx context.Context, nodeID models.NodeID, userID models.UserID) (*models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.interactions[collabKey{nodeID: nodeID, userID: userID}]
	if !ok {
		return nil, nil
	}
	cp := *i
	return &cp, nil
}

func (s *Store) ListInteractionsAfter(ctx context.Context, rootID models.NodeID, after int64, limit int) ([]*models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Interaction{}
	for _, i := range s.interactions {
		if i.RootID == rootID && i.Version > after {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// File metadata operations

func (s *Store) CreateFile(ctx context.Context, file *models.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	file.CreatedAt = now
	file.UpdatedAt = now
	cp := *file
	s.files[file.ID] = &cp
	return nil
}

func (s *Store) GetFile(ctx context.Context, id models.NodeID) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *Store) UpdateFile(ctx context.Context, file *models.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file.UpdatedAt = time.Now().UTC()
	cp := *file
	s.files[file.ID] = &cp
	return nil
}

func (s *Store) ListFilesAfter(ctx context.Context, rootID models.NodeID, after int64, limit int) ([]*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.File{}
	for _, f := range s.files {
		if f.RootID == rootID && f.Version > after {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
