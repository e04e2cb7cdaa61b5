// Package transport defines the sync wire protocol and its websocket binding.
//
// All sync traffic flows over one connection per device as CBOR-encoded
// [Message] envelopes. The protocol is pull-based: the client announces the
// cursor it has caught up to with a consume message, and the server answers
// with at most one batch per consume. Mutations travel client to server and
// are answered synchronously with an ack or a reject.
package transport

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"github.com/branchpad/branchpad/pkg/models"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	// Client to server: request the next batch of a stream past Cursor.
	MessageConsume MessageType = "consume"
	// Server to client: one batch of stream records. Always sent in response
	// to a consume, never unsolicited.
	MessageBatch MessageType = "batch"
	// Server to client: a hint that the stream advanced past the client's
	// announced cursor. Carries no records.
	MessageWake MessageType = "wake"
	// Client to server: submit one node mutation.
	MessageMutation MessageType = "mutation"
	// Server to client: the mutation identified by MutationID was accepted at
	// Version.
	MessageAck MessageType = "ack"
	// Server to client: the mutation identified by MutationID was rejected
	// with Code and Reason.
	MessageReject MessageType = "reject"
	// Client to server: update a seen/opened marker.
	MessageInteraction MessageType = "interaction"
)

// Stream names. Per-root streams append ":" and the root node id.
const (
	StreamCollaborations = "collaborations"
	StreamUsers          = "users"
	StreamTransactions   = "transactions"
	StreamFiles          = "files"
	StreamInteractions   = "interactions"
)

// RootStream builds the stream name for a per-root stream kind.
func RootStream(kind string, rootID models.NodeID) string {
	return kind + ":" + rootID.String()
}

// SplitStream separates a stream name into kind and optional root id.
func SplitStream(stream string) (kind string, rootID models.NodeID, err error) {
	for i := 0; i < len(stream); i++ {
		if stream[i] == ':' {
			id, perr := models.ParseNodeID(stream[i+1:])
			if perr != nil {
				return "", "", fmt.Errorf("stream %q: %w", stream, perr)
			}
			return stream[:i], id, nil
		}
	}
	return stream, "", nil
}

// Message is the single envelope type for all sync traffic. Which fields are
// populated depends on Type; unset fields are omitted from the encoding.
type Message struct {
	Type MessageType `cbor:"type"`

	// Stream routing for consume, batch and wake.
	Stream string `cbor:"stream,omitempty"`
	// Cursor is the highest version the sender has processed, as a decimal
	// string. Strings survive CBOR integer width differences across clients.
	Cursor string `cbor:"cursor,omitempty"`

	// Mutation fields.
	MutationID string           `cbor:"mutation_id,omitempty"`
	NodeID     models.NodeID    `cbor:"node_id,omitempty"`
	ParentID   models.NodeID    `cbor:"parent_id,omitempty"`
	Operation  models.Operation `cbor:"operation,omitempty"`
	Data       models.JSONMap   `cbor:"data,omitempty"`

	// Ack and reject fields.
	Version int64  `cbor:"version,omitempty"`
	Code    string `cbor:"code,omitempty"`
	Reason  string `cbor:"reason,omitempty"`

	// Batch payloads, one populated per stream kind.
	Transactions   []*models.Transaction   `cbor:"transactions,omitempty"`
	Collaborations []*models.Collaboration `cbor:"collaborations,omitempty"`
	Users          []*models.User          `cbor:"users,omitempty"`
	Files          []*models.File          `cbor:"files,omitempty"`
	Interactions   []*models.Interaction   `cbor:"interactions,omitempty"`

	// Interaction update fields.
	Seen   bool `cbor:"seen,omitempty"`
	Opened bool `cbor:"opened,omitempty"`
}

// CursorValue decodes the cursor string, treating absent as zero.
func (m *Message) CursorValue() (int64, error) {
	if m.Cursor == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(m.Cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor %q: %w", m.Cursor, err)
	}
	return v, nil
}

// FormatCursor renders a version as a wire cursor.
func FormatCursor(v int64) string {
	return strconv.FormatInt(v, 10)
}

// encMode is the deterministic CBOR encoder shared by all connections.
var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Encode serializes a message to CBOR.
func Encode(m *Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// decMode decodes untyped CBOR maps to map[string]any. Without it nested
// payload maps come back as map[interface{}]interface{}, which the JSON
// attribute codec cannot re-encode.
var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Decode parses a CBOR message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("decode message: missing type")
	}
	return &m, nil
}
