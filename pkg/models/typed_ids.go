package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NodeID identifies a tree node. It is a ULID followed by a two character
// suffix encoding the node type, so the type of a node can be recovered from
// its id without a lookup. The ULID prefix keeps ids time-ordered.
type NodeID string

const nodeIDLen = 26 + 2 // ulid + type suffix

var nodeTypeSuffix = map[NodeType]string{
	NodeTypeSpace:    "sp",
	NodeTypeChannel:  "ch",
	NodeTypeChat:     "ct",
	NodeTypePage:     "pg",
	NodeTypeDatabase: "db",
	NodeTypeRecord:   "rc",
	NodeTypeFolder:   "fd",
	NodeTypeFile:     "fl",
	NodeTypeMessage:  "ms",
}

var suffixNodeType = func() map[string]NodeType {
	m := make(map[string]NodeType, len(nodeTypeSuffix))
	for t, s := range nodeTypeSuffix {
		m[s] = t
	}
	return m
}()

// NewNodeID generates a fresh id for a node of the given type.
func NewNodeID(t NodeType) NodeID {
	return NodeID(ulid.Make().String() + nodeTypeSuffix[t])
}

// ParseNodeID validates s as a node id.
func ParseNodeID(s string) (NodeID, error) {
	if len(s) != nodeIDLen {
		return "", fmt.Errorf("invalid node ID %q: wrong length", s)
	}
	if _, err := ulid.ParseStrict(s[:26]); err != nil {
		return "", fmt.Errorf("invalid node ID %q: %w", s, err)
	}
	if _, ok := suffixNodeType[s[26:]]; !ok {
		return "", fmt.Errorf("invalid node ID %q: unknown type suffix", s)
	}
	return NodeID(s), nil
}

// Type returns the node type encoded in the id suffix.
func (id NodeID) Type() NodeType {
	if len(id) != nodeIDLen {
		return ""
	}
	return suffixNodeType[string(id[26:])]
}

func (id NodeID) String() string { return string(id) }
func (id NodeID) IsZero() bool   { return id == "" }

func (NodeID) GormDataType() string { return "text" }

// TransactionID is a ULID-backed id for transaction log entries.
type TransactionID struct {
	ulid ulid.ULID
}

func NewTransactionID() TransactionID {
	return TransactionID{ulid: ulid.Make()}
}

func ParseTransactionID(s string) (TransactionID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return TransactionID{}, fmt.Errorf("invalid transaction ID: %w", err)
	}
	return TransactionID{ulid: id}, nil
}

func (t TransactionID) String() string { return t.ulid.String() }
func (t TransactionID) IsZero() bool   { return t.ulid == ulid.ULID{} }

func (t TransactionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.ulid.String())
}

func (t *TransactionID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return err
	}
	t.ulid = id
	return nil
}

func (t TransactionID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(t.ulid.String())
}

func (t *TransactionID) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return err
	}
	t.ulid = id
	return nil
}

func (t TransactionID) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.ulid.String(), nil
}

func (t *TransactionID) Scan(value any) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	if s == "" {
		t.ulid = ulid.ULID{}
		return nil
	}
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return err
	}
	t.ulid = id
	return nil
}

func (TransactionID) GormDataType() string { return "text" }

// UserID is a typed ID for users
type UserID struct {
	uuid uuid.UUID
}

func NewUserID() UserID {
	return UserID{uuid: uuid.New()}
}

func ParseUserID(s string) (UserID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, fmt.Errorf("invalid user ID: %w", err)
	}
	return UserID{uuid: id}, nil
}

func (u UserID) UUID() uuid.UUID { return u.uuid }
func (u UserID) String() string  { return u.uuid.String() }
func (u UserID) IsZero() bool    { return u.uuid == uuid.Nil }

func (u UserID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.uuid.String())
}

func (u *UserID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	u.uuid = id
	return nil
}

func (u UserID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(u.uuid.String())
}

func (u *UserID) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORUUID(data, &u.uuid)
}

func (u UserID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.uuid.String(), nil
}

func (u *UserID) Scan(value any) error {
	return scanUUID(value, &u.uuid)
}

func (UserID) GormDataType() string { return "uuid" }

// WorkspaceID is a typed ID for workspaces
type WorkspaceID struct {
	uuid uuid.UUID
}

func NewWorkspaceID() WorkspaceID {
	return WorkspaceID{uuid: uuid.New()}
}

func ParseWorkspaceID(s string) (WorkspaceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return WorkspaceID{}, fmt.Errorf("invalid workspace ID: %w", err)
	}
	return WorkspaceID{uuid: id}, nil
}

func (w WorkspaceID) UUID() uuid.UUID { return w.uuid }
func (w WorkspaceID) String() string  { return w.uuid.String() }
func (w WorkspaceID) IsZero() bool    { return w.uuid == uuid.Nil }

func (w WorkspaceID) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.uuid.String())
}

func (w *WorkspaceID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	w.uuid = id
	return nil
}

func (w WorkspaceID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(w.uuid.String())
}

func (w *WorkspaceID) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORUUID(data, &w.uuid)
}

func (w WorkspaceID) Value() (driver.Value, error) {
	if w.IsZero() {
		return nil, nil
	}
	return w.uuid.String(), nil
}

func (w *WorkspaceID) Scan(value any) error {
	return scanUUID(value, &w.uuid)
}

func (WorkspaceID) GormDataType() string { return "uuid" }

// DeviceID is a typed ID for registered sync devices
type DeviceID struct {
	uuid uuid.UUID
}

func NewDeviceID() DeviceID {
	return DeviceID{uuid: uuid.New()}
}

func ParseDeviceID(s string) (DeviceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("invalid device ID: %w", err)
	}
	return DeviceID{uuid: id}, nil
}

func (d DeviceID) UUID() uuid.UUID { return d.uuid }
func (d DeviceID) String() string  { return d.uuid.String() }
func (d DeviceID) IsZero() bool    { return d.uuid == uuid.Nil }

func (d DeviceID) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.uuid.String())
}

func (d *DeviceID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	d.uuid = id
	return nil
}

func (d DeviceID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(d.uuid.String())
}

func (d *DeviceID) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORUUID(data, &d.uuid)
}

func (d DeviceID) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.uuid.String(), nil
}

func (d *DeviceID) Scan(value any) error {
	return scanUUID(value, &d.uuid)
}

func (DeviceID) GormDataType() string { return "uuid" }

func scanString(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("cannot scan %T into string-backed ID", value)
	}
}

func scanUUID(value any, dst *uuid.UUID) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	if s == "" {
		*dst = uuid.Nil
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*dst = id
	return nil
}

func unmarshalCBORUUID(data []byte, dst *uuid.UUID) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*dst = uuid.Nil
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*dst = id
	return nil
}
