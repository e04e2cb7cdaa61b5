package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// NodeType discriminates the tagged union of node attribute payloads.
type NodeType string

const (
	NodeTypeSpace    NodeType = "space"
	NodeTypeChannel  NodeType = "channel"
	NodeTypeChat     NodeType = "chat"
	NodeTypePage     NodeType = "page"
	NodeTypeDatabase NodeType = "database"
	NodeTypeRecord   NodeType = "record"
	NodeTypeFolder   NodeType = "folder"
	NodeTypeFile     NodeType = "file"
	NodeTypeMessage  NodeType = "message"
)

// NodeAttributes is the per-type attribute payload of a node. Each node type
// owns its own schema; container types additionally expose a collaborator map
// keyed by user id string.
type NodeAttributes interface {
	NodeType() NodeType
	// Collaborators returns the embedded userID→role grant map, or nil when
	// the type carries no collaborator map.
	Collaborators() map[string]Role
}

// SpaceAttributes is the payload of a top-level collaborative container.
// Spaces are always roots of the node tree.
type SpaceAttributes struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	AvatarURL   string          `json:"avatar_url,omitempty"`
	CollabMap   map[string]Role `json:"collaborators,omitempty"`
}

func (SpaceAttributes) NodeType() NodeType               { return NodeTypeSpace }
func (a SpaceAttributes) Collaborators() map[string]Role { return a.CollabMap }

// ChannelAttributes is the payload of a broadcast message channel.
type ChannelAttributes struct {
	Name      string          `json:"name"`
	CollabMap map[string]Role `json:"collaborators,omitempty"`
}

func (ChannelAttributes) NodeType() NodeType               { return NodeTypeChannel }
func (a ChannelAttributes) Collaborators() map[string]Role { return a.CollabMap }

// ChatAttributes is the payload of a direct conversation between members.
type ChatAttributes struct {
	CollabMap map[string]Role `json:"collaborators,omitempty"`
}

func (ChatAttributes) NodeType() NodeType               { return NodeTypeChat }
func (a ChatAttributes) Collaborators() map[string]Role { return a.CollabMap }

// PageAttributes is the payload of a document page.
type PageAttributes struct {
	Name      string          `json:"name"`
	Icon      string          `json:"icon,omitempty"`
	Content   JSONMap         `json:"content,omitempty"`
	CollabMap map[string]Role `json:"collaborators,omitempty"`
}

func (PageAttributes) NodeType() NodeType               { return NodeTypePage }
func (a PageAttributes) Collaborators() map[string]Role { return a.CollabMap }

// DatabaseAttributes is the payload of a structured record collection.
type DatabaseAttributes struct {
	Name      string          `json:"name"`
	Fields    JSONMap         `json:"fields,omitempty"`
	CollabMap map[string]Role `json:"collaborators,omitempty"`
}

func (DatabaseAttributes) NodeType() NodeType               { return NodeTypeDatabase }
func (a DatabaseAttributes) Collaborators() map[string]Role { return a.CollabMap }

// RecordAttributes is the payload of one row in a database node.
type RecordAttributes struct {
	DatabaseID NodeID  `json:"database_id"`
	Name       string  `json:"name,omitempty"`
	Fields     JSONMap `json:"fields,omitempty"`
}

func (RecordAttributes) NodeType() NodeType             { return NodeTypeRecord }
func (RecordAttributes) Collaborators() map[string]Role { return nil }

// FolderAttributes is the payload of a plain grouping folder.
type FolderAttributes struct {
	Name string `json:"name"`
}

func (FolderAttributes) NodeType() NodeType             { return NodeTypeFolder }
func (FolderAttributes) Collaborators() map[string]Role { return nil }

// FileAttributes is the payload of a file node. The bytes themselves live in
// object storage and are reached through presigned URLs, never through sync.
type FileAttributes struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type,omitempty"`
	Extension string `json:"extension,omitempty"`
}

func (FileAttributes) NodeType() NodeType             { return NodeTypeFile }
func (FileAttributes) Collaborators() map[string]Role { return nil }

// MessageAttributes is the payload of a message posted in a channel or chat.
type MessageAttributes struct {
	Content JSONMap `json:"content"`
	ReplyTo *NodeID `json:"reply_to,omitempty"`
	// Reactions maps an emoji to the user ids that reacted with it.
	Reactions map[string][]string `json:"reactions,omitempty"`
}

func (MessageAttributes) NodeType() NodeType             { return NodeTypeMessage }
func (MessageAttributes) Collaborators() map[string]Role { return nil }

// Attributes wraps a NodeAttributes payload for storage and JSON transport.
// The serialized form is an envelope carrying a "type" discriminator next to
// the payload fields, and decoding dispatches exhaustively on that tag.
type Attributes struct {
	Payload NodeAttributes
}

// NewAttributes wraps a concrete payload.
func NewAttributes(p NodeAttributes) Attributes { return Attributes{Payload: p} }

func (a Attributes) IsZero() bool { return a.Payload == nil }

// Collaborators forwards to the payload, nil-safe.
func (a Attributes) Collaborators() map[string]Role {
	if a.Payload == nil {
		return nil
	}
	return a.Payload.Collaborators()
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	if a.Payload == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, err
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(a.Payload.NodeType())
	if err != nil {
		return nil, err
	}
	env["type"] = tag
	return json.Marshal(env)
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		a.Payload = nil
		return nil
	}
	var tag struct {
		Type NodeType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	payload, err := emptyAttributes(tag.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return err
	}
	a.Payload = deref(payload)
	return nil
}

// emptyAttributes returns a pointer to a zero payload for the given type. The
// switch is exhaustive over NodeType; an unknown tag is a hard error rather
// than a silent fallback.
func emptyAttributes(t NodeType) (any, error) {
	switch t {
	case NodeTypeSpace:
		return &SpaceAttributes{}, nil
	case NodeTypeChannel:
		return &ChannelAttributes{}, nil
	case NodeTypeChat:
		return &ChatAttributes{}, nil
	case NodeTypePage:
		return &PageAttributes{}, nil
	case NodeTypeDatabase:
		return &DatabaseAttributes{}, nil
	case NodeTypeRecord:
		return &RecordAttributes{}, nil
	case NodeTypeFolder:
		return &FolderAttributes{}, nil
	case NodeTypeFile:
		return &FileAttributes{}, nil
	case NodeTypeMessage:
		return &MessageAttributes{}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
}

func deref(p any) NodeAttributes {
	switch v := p.(type) {
	case *SpaceAttributes:
		return *v
	case *ChannelAttributes:
		return *v
	case *ChatAttributes:
		return *v
	case *PageAttributes:
		return *v
	case *DatabaseAttributes:
		return *v
	case *RecordAttributes:
		return *v
	case *FolderAttributes:
		return *v
	case *FileAttributes:
		return *v
	case *MessageAttributes:
		return *v
	default:
		return nil
	}
}

// Value implements driver.Valuer so attributes persist as a JSON column.
func (a Attributes) Value() (driver.Value, error) {
	if a.Payload == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner.
func (a *Attributes) Scan(value any) error {
	if value == nil {
		a.Payload = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, isStr := value.(string)
		if !isStr {
			return fmt.Errorf("cannot scan %T into Attributes", value)
		}
		bytes = []byte(s)
	}
	return a.UnmarshalJSON(bytes)
}

func (Attributes) GormDataType() string { return "jsonb" }

// SetField applies one top-level field write to the attribute payload by
// round-tripping through the JSON envelope. The "type" discriminator is
// immutable; callers must reject writes to it before getting here.
func (a Attributes) SetField(field string, value any) (Attributes, error) {
	raw, err := a.MarshalJSON()
	if err != nil {
		return Attributes{}, err
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return Attributes{}, err
	}
	if value == nil {
		delete(env, field)
	} else {
		env[field] = value
	}
	merged, err := json.Marshal(env)
	if err != nil {
		return Attributes{}, err
	}
	var out Attributes
	if err := out.UnmarshalJSON(merged); err != nil {
		return Attributes{}, err
	}
	return out, nil
}

// DecodeAttributes decodes the "attributes" member of a create transaction's
// payload for a node of the given type. A type tag in the payload must match
// t; a missing tag is filled in from t.
func DecodeAttributes(t NodeType, data JSONMap) (Attributes, error) {
	raw, ok := data["attributes"]
	if !ok {
		return Attributes{}, fmt.Errorf("create payload has no attributes")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return Attributes{}, fmt.Errorf("malformed attributes: %w", err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &env); err != nil {
		return Attributes{}, fmt.Errorf("malformed attributes: %w", err)
	}
	if tag, ok := env["type"]; ok {
		var declared NodeType
		if err := json.Unmarshal(tag, &declared); err != nil || declared != t {
			return Attributes{}, fmt.Errorf("attribute type does not match node type %q", t)
		}
	} else {
		tagged, _ := json.Marshal(t)
		env["type"] = tagged
		encoded, _ = json.Marshal(env)
	}
	var attrs Attributes
	if err := attrs.UnmarshalJSON(encoded); err != nil {
		return Attributes{}, fmt.Errorf("malformed attributes: %w", err)
	}
	return attrs, nil
}
