package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributesEnvelopeRoundTrip(t *testing.T) {
	attrs := NewAttributes(ChannelAttributes{
		Name:      "general",
		CollabMap: map[string]Role{"u1": RoleOwner},
	})

	raw, err := json.Marshal(attrs)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "channel", env["type"])
	assert.Equal(t, "general", env["name"])

	var decoded Attributes
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, attrs, decoded)
	assert.Equal(t, NodeTypeChannel, decoded.Payload.NodeType())
}

func TestAttributesUnknownTypeTag(t *testing.T) {
	var decoded Attributes
	err := decoded.UnmarshalJSON([]byte(`{"type":"widget","name":"x"}`))
	assert.Error(t, err)
}

func TestAttributesSetField(t *testing.T) {
	attrs := NewAttributes(PageAttributes{Name: "draft", Icon: "pen"})

	renamed, err := attrs.SetField("name", "published")
	require.NoError(t, err)
	page, ok := renamed.Payload.(PageAttributes)
	require.True(t, ok)
	assert.Equal(t, "published", page.Name)
	assert.Equal(t, "pen", page.Icon)

	// A nil value clears the field.
	cleared, err := renamed.SetField("icon", nil)
	require.NoError(t, err)
	page, ok = cleared.Payload.(PageAttributes)
	require.True(t, ok)
	assert.Empty(t, page.Icon)

	// The original is untouched; SetField returns a new value.
	assert.Equal(t, "draft", attrs.Payload.(PageAttributes).Name)
}

func TestAttributesCollaborators(t *testing.T) {
	space := NewAttributes(SpaceAttributes{CollabMap: map[string]Role{"u1": RoleAdmin}})
	assert.Equal(t, RoleAdmin, space.Collaborators()["u1"])

	// Leaf types carry no collaborator map.
	message := NewAttributes(MessageAttributes{Content: JSONMap{"text": "hi"}})
	assert.Nil(t, message.Collaborators())

	var zero Attributes
	assert.Nil(t, zero.Collaborators())
}

func TestDecodeAttributes(t *testing.T) {
	data := JSONMap{
		"attributes": map[string]any{"name": "notes"},
	}
	attrs, err := DecodeAttributes(NodeTypeFolder, data)
	require.NoError(t, err)
	assert.Equal(t, NodeTypeFolder, attrs.Payload.NodeType())
	assert.Equal(t, "notes", attrs.Payload.(FolderAttributes).Name)

	// A declared tag that contradicts the node type is rejected.
	data = JSONMap{
		"attributes": map[string]any{"type": "page", "name": "notes"},
	}
	_, err = DecodeAttributes(NodeTypeFolder, data)
	assert.Error(t, err)

	_, err = DecodeAttributes(NodeTypeFolder, JSONMap{})
	assert.Error(t, err)
}
