package ptw

import (
	"testing"

	"github.com/athens-ehs/athens/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTemplate(t *testing.T) {
	t.Run("string list", func(t *testing.T) {
		items, err := ParseTemplate(model.JSON(`["a","b"]`))
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "a", items[0].Key)
		assert.True(t, items[0].Required)
	})

	t.Run("item list", func(t *testing.T) {
		items, err := ParseTemplate(model.JSON(`[{"key":"a","label":"Check A","required":true},{"key":"b","required":false}]`))
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "Check A", items[0].Label)
		assert.Equal(t, "b", items[1].Label) // label defaults to key
		assert.False(t, items[1].Required)
	})

	t.Run("empty", func(t *testing.T) {
		items, err := ParseTemplate(nil)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseTemplate(model.JSON(`{"not":"a list"}`))
		assert.Error(t, err)
	})
}

func TestParseState(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]bool
	}{
		{"map", `{"a":true,"b":false}`, map[string]bool{"a": true, "b": false}},
		{"key list", `["a","b"]`, map[string]bool{"a": true, "b": true}},
		{"item list", `[{"key":"a","checked":true},{"key":"b","checked":false}]`, map[string]bool{"a": true, "b": false}},
		{"empty", ``, map[string]bool{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseState(model.JSON(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMissingItems(t *testing.T) {
	template := []ChecklistItem{
		{Key: "a", Required: true},
		{Key: "b", Required: false},
		{Key: "c", Required: true},
	}
	missing := MissingItems(template, map[string]bool{"c": false})
	// Template order, optional items never reported.
	assert.Equal(t, []string{"a", "c"}, missing)

	missing = MissingItems(template, map[string]bool{"a": true, "c": true})
	assert.Empty(t, missing)
}
