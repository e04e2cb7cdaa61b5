package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIDEncodesType(t *testing.T) {
	types := []NodeType{
		NodeTypeSpace, NodeTypeChannel, NodeTypeChat, NodeTypePage,
		NodeTypeDatabase, NodeTypeRecord, NodeTypeFolder, NodeTypeFile,
		NodeTypeMessage,
	}
	for _, typ := range types {
		id := NewNodeID(typ)
		assert.Equal(t, typ, id.Type(), "type recoverable from %s", id)

		parsed, err := ParseNodeID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}

func TestParseNodeIDRejectsMalformed(t *testing.T) {
	valid := NewNodeID(NodeTypePage).String()

	for name, input := range map[string]string{
		"empty":          "",
		"too short":      valid[:10],
		"too long":       valid + "xx",
		"unknown suffix": valid[:26] + "zz",
		"bad ulid":       strings.Repeat("!", 26) + "pg",
	} {
		_, err := ParseNodeID(input)
		assert.Error(t, err, name)
	}
}

func TestNodeIDZero(t *testing.T) {
	var id NodeID
	assert.True(t, id.IsZero())
	assert.Equal(t, NodeType(""), id.Type())
	assert.False(t, NewNodeID(NodeTypeSpace).IsZero())
}

func TestTransactionIDRoundTrip(t *testing.T) {
	id := NewTransactionID()
	assert.False(t, id.IsZero())

	parsed, err := ParseTransactionID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseTransactionID("not-a-ulid")
	assert.Error(t, err)
}
