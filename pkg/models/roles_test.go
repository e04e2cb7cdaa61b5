package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleLadder(t *testing.T) {
	ladder := []Role{RoleViewer, RoleCollaborator, RoleEditor, RoleAdmin, RoleOwner}
	for i, lower := range ladder {
		for _, higher := range ladder[i:] {
			assert.True(t, higher.AtLeast(lower), "%s should grant %s", higher, lower)
		}
		for _, below := range ladder[:i] {
			assert.False(t, below.AtLeast(lower), "%s should not grant %s", below, lower)
		}
	}
}

func TestHighestRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, HighestRole(RoleViewer, RoleAdmin))
	assert.Equal(t, RoleAdmin, HighestRole(RoleAdmin, RoleViewer))
	assert.Equal(t, RoleOwner, HighestRole(RoleOwner, RoleOwner))
}

func TestNormalizeRole(t *testing.T) {
	assert.Equal(t, RoleEditor, NormalizeRole("editor"))
	// Unknown role strings clamp to read access, never more.
	assert.Equal(t, RoleViewer, NormalizeRole("superuser"))
	assert.Equal(t, RoleViewer, NormalizeRole(""))
}
