package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchpad/branchpad/pkg/models"
)

func TestMessageRoundTrip(t *testing.T) {
	nodeID := models.NewNodeID(models.NodeTypePage)
	parentID := models.NewNodeID(models.NodeTypeSpace)
	msg := &Message{
		Type:       MessageMutation,
		MutationID: "m-1",
		NodeID:     nodeID,
		ParentID:   parentID,
		Operation:  models.OperationCreate,
		Data: models.JSONMap{
			"attributes": map[string]any{"type": "page", "name": "notes"},
		},
	}

	data, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, MessageMutation, decoded.Type)
	assert.Equal(t, "m-1", decoded.MutationID)
	assert.Equal(t, nodeID, decoded.NodeID)
	assert.Equal(t, parentID, decoded.ParentID)
	assert.Equal(t, models.OperationCreate, decoded.Operation)
}

func TestBatchRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	txn := &models.Transaction{
		ID:          models.NewTransactionID(),
		WorkspaceID: models.NewWorkspaceID(),
		RootID:      models.NewNodeID(models.NodeTypeSpace),
		NodeID:      models.NewNodeID(models.NodeTypeChannel),
		Operation:   models.OperationCreate,
		Data:        models.JSONMap{"attributes": map[string]any{"type": "channel", "name": "general"}},
		Version:     7,
		CreatedBy:   models.NewUserID(),
		CreatedAt:   now,
	}
	msg := &Message{
		Type:         MessageBatch,
		Stream:       RootStream(StreamTransactions, txn.RootID),
		Cursor:       FormatCursor(7),
		Transactions: []*models.Transaction{txn},
	}

	data, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	require.Len(t, decoded.Transactions, 1)
	got := decoded.Transactions[0]
	assert.Equal(t, txn.ID, got.ID)
	assert.Equal(t, txn.NodeID, got.NodeID)
	assert.Equal(t, int64(7), got.Version)
	assert.True(t, txn.CreatedAt.Equal(got.CreatedAt))

	cursor, err := decoded.CursorValue()
	require.NoError(t, err)
	assert.Equal(t, int64(7), cursor)
}

func TestDecodeNestedMapsStayJSONCompatible(t *testing.T) {
	msg := &Message{
		Type:      MessageMutation,
		NodeID:    models.NewNodeID(models.NodeTypePage),
		Operation: models.OperationCreate,
		Data: models.JSONMap{
			"attributes": map[string]any{
				"type": "page",
				"name": "notes",
				"content": map[string]any{
					"blocks": []any{map[string]any{"kind": "heading"}},
				},
			},
		},
	}

	data, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	// Untyped CBOR maps must come back string-keyed at every depth; the
	// attribute codec re-encodes them as JSON and cannot handle
	// map[interface{}]interface{}.
	attrs, ok := decoded.Data["attributes"].(map[string]any)
	require.True(t, ok, "attributes decoded as %T", decoded.Data["attributes"])
	_, ok = attrs["content"].(map[string]any)
	require.True(t, ok, "content decoded as %T", attrs["content"])
	_, err = json.Marshal(decoded.Data)
	require.NoError(t, err)

	parsed, err := models.DecodeAttributes(models.NodeTypePage, decoded.Data)
	require.NoError(t, err)
	assert.Equal(t, "notes", parsed.Payload.(models.PageAttributes).Name)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	data, err := Encode(&Message{Stream: "users"})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.Error(t, err)

	_, err = Decode([]byte{0xff})
	assert.Error(t, err)
}

func TestCursorValue(t *testing.T) {
	m := &Message{}
	v, err := m.CursorValue()
	require.NoError(t, err)
	assert.Zero(t, v)

	m.Cursor = "42"
	v, err = m.CursorValue()
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	m.Cursor = "not a number"
	_, err = m.CursorValue()
	assert.Error(t, err)
}

func TestSplitStream(t *testing.T) {
	rootID := models.NewNodeID(models.NodeTypeSpace)

	kind, id, err := SplitStream(RootStream(StreamTransactions, rootID))
	require.NoError(t, err)
	assert.Equal(t, StreamTransactions, kind)
	assert.Equal(t, rootID, id)

	kind, id, err = SplitStream(StreamCollaborations)
	require.NoError(t, err)
	assert.Equal(t, StreamCollaborations, kind)
	assert.True(t, id.IsZero())

	_, _, err = SplitStream("transactions:bogus")
	assert.Error(t, err)
}
