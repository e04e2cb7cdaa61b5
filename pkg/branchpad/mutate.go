package branchpad

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/branchpad/branchpad/pkg/models"
	"github.com/branchpad/branchpad/pkg/transport"
)

// Mutation is one requested change to one node, as submitted by a client.
type Mutation struct {
	NodeID    models.NodeID
	ParentID  models.NodeID // create only; zero for root creates
	Operation models.Operation
	Data      models.JSONMap
}

// Submit runs the full server-side mutation pipeline: resolve the actor's
// effective role, dispatch the per-type validator, apply the change to the
// node state, append the log entry, and announce the new version. Policy
// refusals come back as *RejectionError and leave the log untouched.
func (a *App) Submit(ctx context.Context, actor *models.User, m *Mutation) (*models.Transaction, error) {
	if m.NodeID.IsZero() {
		return nil, reject(CodeInvalidPayload, "missing node id")
	}
	switch m.Operation {
	case models.OperationCreate, models.OperationUpdate, models.OperationDelete:
	default:
		return nil, reject(CodeInvalidPayload, "unknown operation %q", m.Operation)
	}

	// The load-merge-append sequence must be atomic per node: two concurrent
	// updates to disjoint fields would otherwise both start from the same
	// snapshot and the second write would erase the first field.
	unlock := a.lockNode(m.NodeID)
	defer unlock()

	mc := &mutationContext{op: m.Operation, actor: actor}
	var node *models.Node
	var err error

	switch m.Operation {
	case models.OperationCreate:
		node, err = a.prepareCreate(ctx, actor, m, mc)
	case models.OperationUpdate:
		node, err = a.prepareUpdate(ctx, actor, m, mc)
	case models.OperationDelete:
		node, err = a.prepareDelete(ctx, actor, m, mc)
	}
	if err != nil {
		return nil, err
	}

	validate, err := validatorFor(m.NodeID.Type())
	if err != nil {
		return nil, err
	}
	if err := validate(mc); err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		ID:          models.NewTransactionID(),
		WorkspaceID: actor.WorkspaceID,
		RootID:      node.RootID,
		NodeID:      node.ID,
		Operation:   m.Operation,
		Data:        transactionData(m, node),
		CreatedBy:   actor.ID,
		CreatedAt:   time.Now().UTC(),
	}
	version, err := a.store.AppendTransaction(ctx, txn, node)
	if err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	a.log.Debug().
		Str("node_id", node.ID.String()).
		Str("operation", string(m.Operation)).
		Int64("version", version).
		Msg("mutation accepted")

	a.bus.Publish(Event{
		WorkspaceID:          actor.WorkspaceID,
		RootID:               node.RootID,
		NodeID:               node.ID,
		Operation:            m.Operation,
		Version:              version,
		Streams:              []string{transport.RootStream(transport.StreamTransactions, node.RootID)},
		CollaboratorsChanged: collaboratorsChanged(m, mc),
	})
	return txn, nil
}

func (a *App) prepareCreate(ctx context.Context, actor *models.User, m *Mutation, mc *mutationContext) (*models.Node, error) {
	existing, err := a.store.GetNode(ctx, m.NodeID)
	if err != nil {
		return nil, fmt.Errorf("load node: %w", err)
	}
	if existing != nil {
		return nil, reject(CodeConflict, "node %s already exists", m.NodeID)
	}

	attrs, err := decodeAttributes(m.NodeID.Type(), m.Data)
	if err != nil {
		return nil, err
	}
	mc.attrs = attrs

	rootID := m.NodeID
	var parentID *models.NodeID
	if m.NodeID.Type() == models.NodeTypeSpace {
		// Root create: no ancestry, the actor's base workspace role decides.
		if !m.ParentID.IsZero() {
			return nil, reject(CodeInvalidPayload, "space cannot have a parent")
		}
		mc.role = models.NormalizeRole(string(actor.Role))
	} else {
		if m.ParentID.IsZero() {
			return nil, reject(CodeInvalidPayload, "missing parent id")
		}
		parent, role, err := a.loadAuthorized(ctx, actor, m.ParentID)
		if err != nil {
			return nil, err
		}
		mc.parent = parent
		mc.role = role
		rootID = parent.RootID
		pid := parent.ID
		parentID = &pid
	}

	clock := clockFromData(m.Data)
	merge, err := models.MergeDocFromAttributes(attrs, clock, actor.ID.String())
	if err != nil {
		return nil, reject(CodeInvalidPayload, "malformed attributes: %v", err)
	}

	now := time.Now().UTC()
	return &models.Node{
		ID:          m.NodeID,
		WorkspaceID: actor.WorkspaceID,
		RootID:      rootID,
		ParentID:    parentID,
		Type:        m.NodeID.Type(),
		Attributes:  attrs,
		Merge:       merge,
		VersionID:   ulid.Make().String(),
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (a *App) prepareUpdate(ctx context.Context, actor *models.User, m *Mutation, mc *mutationContext) (*models.Node, error) {
	node, role, err := a.loadAuthorized(ctx, actor, m.NodeID)
	if err != nil {
		return nil, err
	}
	mc.node = node
	mc.role = role

	writes, err := models.FieldWritesFromData(m.Data)
	if err != nil {
		return nil, reject(CodeInvalidPayload, "%v", err)
	}
	mc.fields = writes

	// Merge under last-writer-wins, then rebuild the attributes from the
	// fields that actually won.
	merge := make(models.MergeDoc, len(node.Merge))
	for k, v := range node.Merge {
		merge[k] = v
	}
	changed := merge.MergeFrom(writes)
	attrs := node.Attributes
	for _, field := range changed {
		attrs, err = attrs.SetField(field, merge[field].Value)
		if err != nil {
			return nil, reject(CodeInvalidPayload, "field %q: %v", field, err)
		}
	}

	updated := *node
	updated.Attributes = attrs
	updated.Merge = merge
	updated.VersionID = ulid.Make().String()
	actorID := actor.ID
	updated.UpdatedBy = &actorID
	updated.UpdatedAt = time.Now().UTC()
	return &updated, nil
}

func (a *App) prepareDelete(ctx context.Context, actor *models.User, m *Mutation, mc *mutationContext) (*models.Node, error) {
	node, role, err := a.loadAuthorized(ctx, actor, m.NodeID)
	if err != nil {
		return nil, err
	}
	mc.node = node
	mc.role = role
	return node, nil
}

// loadAuthorized loads a node and resolves the actor's effective role on it.
// A missing node and a node the actor cannot see both come back as not found,
// so unauthorized callers learn nothing about existence.
func (a *App) loadAuthorized(ctx context.Context, actor *models.User, id models.NodeID) (*models.Node, models.Role, error) {
	node, err := a.store.GetNode(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("load node: %w", err)
	}
	if node == nil {
		return nil, "", reject(CodeNotFound, "node %s not found", id)
	}
	if node.WorkspaceID != actor.WorkspaceID {
		return nil, "", reject(CodeNotFound, "node %s not found", id)
	}
	role, ok, err := a.resolver.Resolve(ctx, id, actor.ID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve role: %w", err)
	}
	if !ok {
		return nil, "", reject(CodeNotFound, "node %s not found", id)
	}
	return node, role, nil
}

// ResolveRole exposes effective role resolution to the HTTP handlers.
func (a *App) ResolveRole(ctx context.Context, actor *models.User, id models.NodeID) (models.Role, error) {
	_, role, err := a.loadAuthorized(ctx, actor, id)
	return role, err
}

// decodeAttributes wraps models.DecodeAttributes, turning malformed payloads
// into protocol rejections.
func decodeAttributes(t models.NodeType, data models.JSONMap) (models.Attributes, error) {
	attrs, err := models.DecodeAttributes(t, data)
	if err != nil {
		return models.Attributes{}, reject(CodeInvalidPayload, "%v", err)
	}
	return attrs, nil
}

// lockNode takes the node's submit lock and returns its release.
func (a *App) lockNode(id models.NodeID) func() {
	v, _ := a.nodeLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// transactionData is the payload the log entry carries. Creates additionally
// embed the resolved parent so replicas can rebuild the tree edge without the
// mutation envelope.
func transactionData(m *Mutation, node *models.Node) models.JSONMap {
	if m.Operation != models.OperationCreate || node.ParentID == nil {
		return m.Data
	}
	data := make(models.JSONMap, len(m.Data)+1)
	for k, v := range m.Data {
		data[k] = v
	}
	data["parent_id"] = node.ParentID.String()
	return data
}

// clockFromData reads the client's logical clock for a create, falling back
// to server wall time in milliseconds.
func clockFromData(data models.JSONMap) int64 {
	if v, ok := data["clock"]; ok {
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int64:
			return n
		case uint64:
			return int64(n)
		}
	}
	return time.Now().UnixMilli()
}

// collaboratorsChanged reports whether the mutation may have altered the
// access grants of the node's subtree.
func collaboratorsChanged(m *Mutation, mc *mutationContext) bool {
	switch m.Operation {
	case models.OperationCreate:
		return len(mc.attrs.Collaborators()) > 0
	case models.OperationUpdate:
		_, ok := mc.fields["collaborators"]
		return ok
	case models.OperationDelete:
		return mc.node != nil && len(mc.node.Attributes.Collaborators()) > 0
	}
	return false
}
