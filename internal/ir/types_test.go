package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleOwner.AtLeast(RoleEditor))
	assert.True(t, RoleEditor.AtLeast(RoleViewer))
	assert.True(t, RoleViewer.AtLeast(RoleViewer))
	assert.False(t, RoleViewer.AtLeast(RoleEditor))
	assert.False(t, RoleNone.AtLeast(RoleViewer))

	assert.False(t, RoleNone.Valid())
	assert.True(t, RoleOwner.Valid())
	assert.False(t, Role(9).Valid())
}

func TestParseRole(t *testing.T) {
	for _, r := range []Role{RoleNone, RoleViewer, RoleEditor, RoleOwner} {
		got, err := ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}

	_, err := ParseRole("admin")
	assert.ErrorContains(t, err, "unknown role")
}

func TestRoleJSON(t *testing.T) {
	data, err := json.Marshal(RoleAssignment{EventID: "e", Principal: "p", Role: RoleEditor})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"role":"editor"`)

	var back RoleAssignment
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, RoleEditor, back.Role)
}

func TestFieldChangeJSON(t *testing.T) {
	tests := []struct {
		name   string
		change FieldChange
		want   string
	}{
		{"added", FieldChange{Field: "location", New: String("HQ")}, `{"field":"location","new":"HQ"}`},
		{"removed", FieldChange{Field: "location", Old: String("HQ")}, `{"field":"location","old":"HQ"}`},
		{"explicit null", FieldChange{Field: "location", Old: String("HQ"), New: Null{}}, `{"field":"location","new":null,"old":"HQ"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.change)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))

			var back FieldChange
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.change.Field, back.Field)
			assert.True(t, Equal(tt.change.Old, back.Old))
			assert.True(t, Equal(tt.change.New, back.New))
		})
	}
}

func TestChangeSummaryFields(t *testing.T) {
	s := ChangeSummary{Changes: []FieldChange{{Field: "description"}, {Field: "title"}}}
	assert.Equal(t, []string{"description", "title"}, s.Fields())
}
