package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/branchpad/branchpad/pkg/models"
	"github.com/branchpad/branchpad/pkg/transport"
)

const (
	pushInterval    = 5 * time.Second
	applyRetryDelay = time.Second
	maxRetries      = 8
)

// Client drives one device's replica: it consumes the sync streams into the
// local store, submits optimistic mutations, and reconciles them against the
// server's acks and rejects.
type Client struct {
	store  *LocalStore
	conn   transport.Conn
	log    zerolog.Logger
	revert *RevertJob

	userID models.UserID

	mu         sync.Mutex
	subscribed map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New binds a client to an open connection and replica store. Use Connect for
// the common dial-and-bind path.
func New(store *LocalStore, conn transport.Conn, userID models.UserID, log zerolog.Logger) *Client {
	return &Client{
		store:      store,
		conn:       conn,
		log:        log.With().Str("component", "client").Logger(),
		revert:     NewRevertJob(store, log),
		userID:     userID,
		subscribed: make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// Connect dials the server's sync endpoint and binds a client to it.
func Connect(ctx context.Context, serverURL, token string, store *LocalStore, userID models.UserID, log zerolog.Logger) (*Client, error) {
	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/api/sync"
	conn, err := transport.Dial(ctx, wsURL, token)
	if err != nil {
		return nil, err
	}
	return New(store, conn, userID, log), nil
}

// Start launches the read and push loops and announces the base streams.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.consume(ctx, transport.StreamCollaborations); err != nil {
		return err
	}
	if err := c.consume(ctx, transport.StreamUsers); err != nil {
		return err
	}
	// Roots already known from a previous session resume immediately.
	if err := c.subscribeRoots(ctx); err != nil {
		return err
	}

	go c.readLoop(ctx)
	go c.pushLoop(ctx)
	go c.revert.Run(ctx)
	return nil
}

// Stop tears the client down and waits for the read loop to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.conn.Close()
	<-c.done
}

// Done closes when the read loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Store exposes the replica, mainly for tests and the revert job.
func (c *Client) Store() *LocalStore { return c.store }

// consume announces the stream's applied cursor to the server, registering
// the stream's consumer on first use.
func (c *Client) consume(ctx context.Context, stream string) error {
	cursor, err := c.store.CursorValue(ctx, stream)
	if err != nil {
		return fmt.Errorf("read cursor for %s: %w", stream, err)
	}
	c.mu.Lock()
	c.subscribed[stream] = true
	c.mu.Unlock()
	return c.conn.Write(ctx, &transport.Message{
		Type:   transport.MessageConsume,
		Stream: stream,
		Cursor: transport.FormatCursor(cursor),
	})
}

// subscribeRoots opens the per-root streams for every space the user has a
// grant on.
func (c *Client) subscribeRoots(ctx context.Context) error {
	grants, err := c.store.ListSpaceGrants(ctx)
	if err != nil {
		return fmt.Errorf("list space grants: %w", err)
	}
	for _, grant := range grants {
		for _, kind := range []string{transport.StreamTransactions, transport.StreamFiles, transport.StreamInteractions} {
			stream := transport.RootStream(kind, grant.NodeID)
			c.mu.Lock()
			known := c.subscribed[stream]
			c.mu.Unlock()
			if known {
				continue
			}
			if err := c.consume(ctx, stream); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("sync connection lost")
			}
			return
		}
		if err := c.handle(ctx, msg); err != nil {
			c.log.Error().Err(err).Str("type", string(msg.Type)).Msg("handle sync message")
		}
	}
}

func (c *Client) handle(ctx context.Context, msg *transport.Message) error {
	switch msg.Type {
	case transport.MessageBatch:
		return c.handleBatch(ctx, msg)
	case transport.MessageWake:
		return c.consume(ctx, msg.Stream)
	case transport.MessageAck:
		return c.handleAck(ctx, msg)
	case transport.MessageReject:
		return c.handleReject(ctx, msg)
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("unexpected message type")
		return nil
	}
}

func (c *Client) handleBatch(ctx context.Context, msg *transport.Message) error {
	cursor, err := msg.CursorValue()
	if err != nil {
		return err
	}
	kind, _, err := transport.SplitStream(msg.Stream)
	if err != nil {
		return err
	}

	switch kind {
	case transport.StreamTransactions:
		err = c.store.ApplyTransactions(ctx, msg.Stream, msg.Transactions, cursor)
	case transport.StreamCollaborations:
		err = c.store.ApplyCollaborations(ctx, msg.Stream, msg.Collaborations, cursor)
		if err == nil {
			// New space grants open new root streams.
			err = c.subscribeRoots(ctx)
		}
	case transport.StreamUsers:
		err = c.store.ApplyUsers(ctx, msg.Stream, msg.Users, cursor)
	case transport.StreamFiles:
		err = c.store.ApplyFiles(ctx, msg.Stream, msg.Files, cursor)
	case transport.StreamInteractions:
		err = c.store.ApplyInteractions(ctx, msg.Stream, msg.Interactions, cursor)
	default:
		return fmt.Errorf("batch for unknown stream %q", msg.Stream)
	}
	if err != nil {
		// The cursor did not advance. Re-announce it shortly so the server
		// redelivers the batch instead of the stream stalling here.
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(applyRetryDelay):
				if cerr := c.consume(ctx, msg.Stream); cerr != nil && ctx.Err() == nil {
					c.log.Warn().Err(cerr).Str("stream", msg.Stream).Msg("re-consume after failed apply")
				}
			}
		}()
		return fmt.Errorf("apply %s batch: %w", msg.Stream, err)
	}
	// Pull the next batch; the server answers with nothing until the stream
	// advances again.
	return c.consume(ctx, msg.Stream)
}

func (c *Client) handleAck(ctx context.Context, msg *transport.Message) error {
	if msg.MutationID == "" {
		return nil
	}
	c.log.Debug().Str("mutation_id", msg.MutationID).Int64("version", msg.Version).Msg("mutation acknowledged")
	return c.store.ResolveMutation(ctx, msg.MutationID)
}

func (c *Client) handleReject(ctx context.Context, msg *transport.Message) error {
	if msg.MutationID == "" {
		return nil
	}
	c.log.Info().
		Str("mutation_id", msg.MutationID).
		Str("code", msg.Code).
		Str("reason", msg.Reason).
		Msg("mutation rejected")
	if err := c.store.FailMutation(ctx, msg.MutationID); err != nil {
		return err
	}
	c.revert.Kick()
	return nil
}

// Submit applies a mutation to the replica optimistically, queues it for the
// server, and sends it. The returned id correlates the eventual ack or
// reject.
func (c *Client) Submit(ctx context.Context, op models.Operation, nodeID, parentID models.NodeID, data models.JSONMap) (string, error) {
	snapshot, err := c.snapshotNode(ctx, nodeID)
	if err != nil {
		return "", err
	}
	if err := c.applyLocally(ctx, op, nodeID, parentID, data); err != nil {
		return "", err
	}

	pending := &PendingMutation{
		ID:        ulid.Make().String(),
		NodeID:    nodeID,
		ParentID:  parentID,
		Operation: op,
		Data:      data,
		Snapshot:  snapshot,
		Status:    StatusPending,
	}
	if err := c.store.EnqueueMutation(ctx, pending); err != nil {
		return "", fmt.Errorf("enqueue mutation: %w", err)
	}
	if err := c.send(ctx, pending); err != nil {
		// Stays queued; the push loop retries.
		c.log.Debug().Err(err).Str("mutation_id", pending.ID).Msg("immediate send failed")
	}
	c.revert.Kick()
	return pending.ID, nil
}

// UpdateInteraction sends a seen/opened marker update.
func (c *Client) UpdateInteraction(ctx context.Context, nodeID models.NodeID, seen, opened bool) error {
	return c.conn.Write(ctx, &transport.Message{
		Type:   transport.MessageInteraction,
		NodeID: nodeID,
		Seen:   seen,
		Opened: opened,
	})
}

// snapshotNode captures the node's pre-mutation state for revert.
func (c *Client) snapshotNode(ctx context.Context, nodeID models.NodeID) (models.JSONMap, error) {
	node, err := c.store.GetNode(ctx, nodeID)
	if err != nil || node == nil {
		return nil, err
	}
	return models.JSONMap{
		"attributes": node.Attributes,
		"merge":      node.Merge,
		"version":    node.Version,
	}, nil
}

// applyLocally mirrors the server's apply semantics on the replica so the UI
// sees the change immediately. Version stays at the node's last synced value;
// the authoritative version arrives with the transaction batch.
func (c *Client) applyLocally(ctx context.Context, op models.Operation, nodeID, parentID models.NodeID, data models.JSONMap) error {
	switch op {
	case models.OperationCreate:
		attrs, err := models.DecodeAttributes(nodeID.Type(), data)
		if err != nil {
			return err
		}
		merge, err := models.MergeDocFromAttributes(attrs, time.Now().UnixMilli(), c.userID.String())
		if err != nil {
			return err
		}
		node := &models.Node{
			ID:         nodeID,
			Type:       nodeID.Type(),
			Attributes: attrs,
			Merge:      merge,
			CreatedBy:  c.userID,
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
		if !parentID.IsZero() {
			pid := parentID
			node.ParentID = &pid
			if parent, err := c.store.GetNode(ctx, parentID); err == nil && parent != nil {
				node.RootID = parent.RootID
				node.WorkspaceID = parent.WorkspaceID
			}
		} else {
			node.RootID = nodeID
		}
		return c.store.PutNode(ctx, node)

	case models.OperationUpdate:
		node, err := c.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("node %s not in replica", nodeID)
		}
		writes, err := models.FieldWritesFromData(data)
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
		node.UpdatedAt = time.Now().UTC()
		return c.store.PutNode(ctx, node)

	case models.OperationDelete:
		node, err := c.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return nil
		}
		node.DeletedAt.Time = time.Now().UTC()
		node.DeletedAt.Valid = true
		return c.store.PutNode(ctx, node)
	}
	return fmt.Errorf("unknown operation %q", op)
}

func (c *Client) send(ctx context.Context, m *PendingMutation) error {
	return c.conn.Write(ctx, &transport.Message{
		Type:       transport.MessageMutation,
		MutationID: m.ID,
		NodeID:     m.NodeID,
		ParentID:   m.ParentID,
		Operation:  m.Operation,
		Data:       m.Data,
	})
}

// pushLoop periodically redelivers unacknowledged mutations. Mutations past
// the retry limit are left for the revert job.
func (c *Client) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pushPending(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("push pending mutations")
			}
		}
	}
}

func (c *Client) pushPending(ctx context.Context) error {
	pending, err := c.store.ListMutations(ctx, StatusPending)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if m.RetryCount >= maxRetries {
			continue
		}
		if err := c.store.BumpRetry(ctx, m.ID); err != nil {
			return err
		}
		if err := c.send(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
