package branchpad

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/branchpad/branchpad/pkg/models"
	"github.com/branchpad/branchpad/pkg/transport"
)

// Session is one device's sync connection. It owns the connection's read
// loop, one consumer per subscribed stream, and the dispatch of mutations and
// interaction updates.
type Session struct {
	app  *App
	conn transport.Conn
	id   *Identity
	log  zerolog.Logger

	mu        sync.Mutex
	consumers map[string]*consumer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession binds an authenticated connection.
func NewSession(app *App, conn transport.Conn, id *Identity) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		app:  app,
		conn: conn,
		id:   id,
		log: app.log.With().
			Str("user_id", id.User.ID.String()).
			Str("device_id", id.Device.ID.String()).
			Logger(),
		consumers: make(map[string]*consumer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run registers the session with the hub and serves the read loop until the
// connection drops or the context ends.
func (s *Session) Run() {
	s.app.hub.Register(s)
	defer s.app.hub.Unregister(s)
	defer s.cancel()
	defer s.conn.Close()

	s.log.Info().Msg("sync session opened")
	for {
		msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.log.Info().Err(err).Msg("sync session closed")
			return
		}
		s.dispatch(msg)
	}
}

// Close tears the session down.
func (s *Session) Close() {
	s.cancel()
	s.conn.Close()
}

func (s *Session) dispatch(msg *transport.Message) {
	switch msg.Type {
	case transport.MessageConsume:
		s.handleConsume(msg)
	case transport.MessageMutation:
		s.handleMutation(msg)
	case transport.MessageInteraction:
		s.handleInteraction(msg)
	default:
		s.log.Warn().Str("type", string(msg.Type)).Msg("unexpected message type")
	}
}

// NotifyStreams wakes the consumers of the named streams, if subscribed.
func (s *Session) NotifyStreams(streams []string) {
	s.mu.Lock()
	woken := make([]*consumer, 0, len(streams))
	for _, stream := range streams {
		if c, ok := s.consumers[stream]; ok {
			woken = append(woken, c)
		}
	}
	s.mu.Unlock()
	for _, c := range woken {
		c.Wake(s.ctx)
	}
}

func (s *Session) handleConsume(msg *transport.Message) {
	cursor, err := msg.CursorValue()
	if err != nil {
		s.writeReject(msg.MutationID, CodeInvalidPayload, err.Error())
		return
	}
	c, err := s.consumerFor(msg.Stream)
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			s.writeReject("", rej.Code, rej.Message)
			return
		}
		s.log.Error().Err(err).Str("stream", msg.Stream).Msg("open stream consumer")
		return
	}
	c.Request(s.ctx, cursor)
}

// consumerFor returns the stream's consumer, creating and authorizing it on
// first use. Per-root streams require at least viewer on the root.
func (s *Session) consumerFor(stream string) (*consumer, error) {
	s.mu.Lock()
	if c, ok := s.consumers[stream]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	fetch, err := s.fetcherFor(stream)
	if err != nil {
		return nil, err
	}
	c := newConsumer(stream, fetch, s.conn.Write, s.log)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.consumers[stream]; ok {
		return existing, nil
	}
	s.consumers[stream] = c
	return c, nil
}

func (s *Session) fetcherFor(stream string) (fetchFunc, error) {
	kind, rootID, err := transport.SplitStream(stream)
	if err != nil {
		return nil, reject(CodeInvalidPayload, "malformed stream %q", stream)
	}

	switch kind {
	case transport.StreamCollaborations:
		userID := s.id.User.ID
		return func(ctx context.Context, after int64) (*transport.Message, int64, int, error) {
			rows, err := s.app.store.ListUserCollaborationsAfter(ctx, userID, after, batchSize)
			if err != nil {
				return nil, 0, 0, err
			}
			msg := s.batchMessage(stream, after)
			if len(rows) > 0 {
				msg.Collaborations = rows
				msg.Cursor = transport.FormatCursor(rows[len(rows)-1].Version)
				return msg, rows[len(rows)-1].Version, len(rows), nil
			}
			return msg, after, 0, nil
		}, nil

	case transport.StreamUsers:
		workspaceID := s.id.User.WorkspaceID
		return func(ctx context.Context, after int64) (*transport.Message, int64, int, error) {
			rows, err := s.app.store.ListUsersAfter(ctx, workspaceID, after, batchSize)
			if err != nil {
				return nil, 0, 0, err
			}
			msg := s.batchMessage(stream, after)
			if len(rows) > 0 {
				msg.Users = rows
				msg.Cursor = transport.FormatCursor(rows[len(rows)-1].Version)
				return msg, rows[len(rows)-1].Version, len(rows), nil
			}
			return msg, after, 0, nil
		}, nil

	case transport.StreamTransactions, transport.StreamFiles, transport.StreamInteractions:
		if rootID.IsZero() {
			return nil, reject(CodeInvalidPayload, "stream %q requires a root id", kind)
		}
		if err := s.authorizeRoot(rootID); err != nil {
			return nil, err
		}
		return s.rootFetcher(kind, stream, rootID), nil

	default:
		return nil, reject(CodeInvalidPayload, "unknown stream %q", stream)
	}
}

func (s *Session) rootFetcher(kind, stream string, rootID models.NodeID) fetchFunc {
	return func(ctx context.Context, after int64) (*transport.Message, int64, int, error) {
		msg := s.batchMessage(stream, after)
		var last int64
		var count int
		switch kind {
		case transport.StreamTransactions:
			rows, err := s.app.store.ListTransactionsAfter(ctx, rootID, after, batchSize)
			if err != nil {
				return nil, 0, 0, err
			}
			if count = len(rows); count > 0 {
				msg.Transactions = rows
				last = rows[count-1].Version
			}
		case transport.StreamFiles:
			rows, err := s.app.store.ListFilesAfter(ctx, rootID, after, batchSize)
			if err != nil {
				return nil, 0, 0, err
			}
			if count = len(rows); count > 0 {
				msg.Files = rows
				last = rows[count-1].Version
			}
		case transport.StreamInteractions:
			rows, err := s.app.store.ListInteractionsAfter(ctx, rootID, after, batchSize)
			if err != nil {
				return nil, 0, 0, err
			}
			if count = len(rows); count > 0 {
				msg.Interactions = rows
				last = rows[count-1].Version
			}
		}
		if count == 0 {
			return msg, after, 0, nil
		}
		msg.Cursor = transport.FormatCursor(last)
		return msg, last, count, nil
	}
}

func (s *Session) batchMessage(stream string, cursor int64) *transport.Message {
	return &transport.Message{
		Type:   transport.MessageBatch,
		Stream: stream,
		Cursor: transport.FormatCursor(cursor),
	}
}

// authorizeRoot requires the session user to hold at least viewer on the
// stream's root node.
func (s *Session) authorizeRoot(rootID models.NodeID) error {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	role, err := s.app.ResolveRole(ctx, s.id.User, rootID)
	if err != nil {
		return err
	}
	if !role.AtLeast(models.RoleViewer) {
		return reject(CodeNotFound, "node %s not found", rootID)
	}
	return nil
}

func (s *Session) handleMutation(msg *transport.Message) {
	m := &Mutation{
		NodeID:    msg.NodeID,
		ParentID:  msg.ParentID,
		Operation: msg.Operation,
		Data:      msg.Data,
	}
	txn, err := s.app.Submit(s.ctx, s.id.User, m)
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			s.writeReject(msg.MutationID, rej.Code, rej.Message)
			return
		}
		s.log.Error().Err(err).Str("node_id", msg.NodeID.String()).Msg("mutation failed")
		s.writeReject(msg.MutationID, "internal", "internal error")
		return
	}
	s.write(&transport.Message{
		Type:       transport.MessageAck,
		MutationID: msg.MutationID,
		NodeID:     msg.NodeID,
		Version:    txn.Version,
	})
}

// handleInteraction upserts the caller's seen/opened markers on a node they
// can at least view.
func (s *Session) handleInteraction(msg *transport.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	node, _, err := s.app.loadAuthorized(ctx, s.id.User, msg.NodeID)
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			s.writeReject(msg.MutationID, rej.Code, rej.Message)
			return
		}
		s.log.Error().Err(err).Msg("interaction update failed")
		return
	}

	interaction, err := s.app.store.GetInteraction(ctx, node.ID, s.id.User.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("interaction update failed")
		return
	}
	if interaction == nil {
		interaction = &models.Interaction{
			NodeID:      node.ID,
			UserID:      s.id.User.ID,
			WorkspaceID: node.WorkspaceID,
			RootID:      node.RootID,
		}
	}
	now := time.Now().UTC()
	if msg.Seen {
		interaction.SeenAt = &now
	}
	if msg.Opened {
		interaction.OpenedAt = &now
	}
	version, err := s.app.store.NextVersion(ctx, node.WorkspaceID)
	if err != nil {
		s.log.Error().Err(err).Msg("interaction update failed")
		return
	}
	interaction.Version = version
	if err := s.app.store.UpsertInteraction(ctx, interaction); err != nil {
		s.log.Error().Err(err).Msg("interaction update failed")
		return
	}

	s.app.bus.Publish(Event{
		WorkspaceID: node.WorkspaceID,
		RootID:      node.RootID,
		NodeID:      node.ID,
		Version:     version,
		Streams:     []string{transport.RootStream(transport.StreamInteractions, node.RootID)},
	})
	s.write(&transport.Message{
		Type:       transport.MessageAck,
		MutationID: msg.MutationID,
		NodeID:     node.ID,
		Version:    version,
	})
}

func (s *Session) write(msg *transport.Message) {
	if err := s.conn.Write(s.ctx, msg); err != nil {
		s.log.Debug().Err(err).Msg("session write failed")
	}
}

func (s *Session) writeReject(mutationID, code, reason string) {
	s.write(&transport.Message{
		Type:       transport.MessageReject,
		MutationID: mutationID,
		Code:       code,
		Reason:     reason,
	})
}

// Hub tracks live sessions and forwards bus events to their consumers.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	log      zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		log:      log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// Broadcast is the hub's bus subscription: wake every session's consumers
// for the event's streams.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.NotifyStreams(ev.Streams)
	}
}

// CloseAll shuts every live session down, used during server shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
