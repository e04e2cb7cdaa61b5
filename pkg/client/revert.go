package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/branchpad/branchpad/pkg/models"
)

const (
	revertInterval = 30 * time.Second
	// revertDebounce delays the sweep triggered by a local write so a burst
	// of mutations is swept once.
	revertDebounce = 2 * time.Second
	// staleAfter is how long a pending mutation may wait for an ack before
	// the revert job treats it as lost.
	staleAfter = 5 * time.Minute
)

// RevertJob backs out local mutations the server rejected or never
// acknowledged, restoring the replica to its pre-mutation state. Without it a
// rejected optimistic change would sit in the replica forever, silently
// diverging from every other device.
type RevertJob struct {
	store *LocalStore
	log   zerolog.Logger
	kick  chan struct{}
}

func NewRevertJob(store *LocalStore, log zerolog.Logger) *RevertJob {
	return &RevertJob{
		store: store,
		log:   log.With().Str("component", "revert").Logger(),
		kick:  make(chan struct{}, 1),
	}
}

// Kick schedules an early sweep, debounced. Safe from any goroutine.
func (j *RevertJob) Kick() {
	select {
	case j.kick <- struct{}{}:
	default:
	}
}

// Run sweeps on an interval, and shortly after each Kick, until the context
// ends.
func (j *RevertJob) Run(ctx context.Context) {
	ticker := time.NewTicker(revertInterval)
	defer ticker.Stop()
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.kick:
			debounce.Reset(revertDebounce)
			continue
		case <-debounce.C:
		case <-ticker.C:
		}
		if err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.log.Warn().Err(err).Msg("revert sweep failed")
		}
	}
}

// Sweep reverts every failed mutation and every pending mutation that is out
// of retries or stale.
func (j *RevertJob) Sweep(ctx context.Context) error {
	mutations, err := j.store.ListMutations(ctx, StatusPending, StatusFailed)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, m := range mutations {
		if m.Status == StatusPending &&
			m.RetryCount < maxRetries &&
			now.Sub(m.CreatedAt) < staleAfter {
			continue
		}
		if err := j.Revert(ctx, m); err != nil {
			j.log.Error().Err(err).Str("mutation_id", m.ID).Msg("revert failed")
			continue
		}
		j.log.Info().
			Str("mutation_id", m.ID).
			Str("node_id", m.NodeID.String()).
			Str("operation", string(m.Operation)).
			Msg("mutation reverted")
	}
	return nil
}

// Revert undoes one mutation and removes it from the queue.
func (j *RevertJob) Revert(ctx context.Context, m *PendingMutation) error {
	switch m.Operation {
	case models.OperationCreate:
		// The node never existed upstream; drop it.
		if err := j.store.DeleteNode(ctx, m.NodeID); err != nil {
			return err
		}
	case models.OperationUpdate, models.OperationDelete:
		if err := j.restoreSnapshot(ctx, m); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown operation %q", m.Operation)
	}
	return j.store.ResolveMutation(ctx, m.ID)
}

// restoreSnapshot writes the node's captured pre-mutation state back,
// clearing any optimistic soft delete.
func (j *RevertJob) restoreSnapshot(ctx context.Context, m *PendingMutation) error {
	if m.Snapshot == nil {
		// No prior state was captured; nothing to restore.
		return nil
	}
	node, err := j.store.GetNode(ctx, m.NodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}

	// Snapshot fields round-trip through JSON; decode them back into their
	// concrete types.
	if raw, ok := m.Snapshot["attributes"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		var attrs models.Attributes
		if err := attrs.UnmarshalJSON(encoded); err != nil {
			return fmt.Errorf("decode snapshot attributes: %w", err)
		}
		node.Attributes = attrs
	}
	if raw, ok := m.Snapshot["merge"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		var merge models.MergeDoc
		if err := json.Unmarshal(encoded, &merge); err != nil {
			return fmt.Errorf("decode snapshot merge: %w", err)
		}
		node.Merge = merge
	}
	if v, ok := m.Snapshot["version"].(float64); ok {
		node.Version = int64(v)
	}
	node.DeletedAt.Valid = false
	node.UpdatedAt = time.Now().UTC()
	return j.store.PutNode(ctx, node)
}
