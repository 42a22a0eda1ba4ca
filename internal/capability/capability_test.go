package capability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingRequired(t *testing.T) {
	t.Parallel()
	fields := []Field{{Name: "dob", Required: true}, {Name: "notes"}, {Name: "size", Required: true}}

	missing, err := MissingRequired(fields, json.RawMessage(`{"dob":"2019-01-01","size":null}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"size"}, missing)

	missing, err = MissingRequired(fields, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"dob", "size"}, missing)

	_, err = MissingRequired(fields, json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, err := r.Provider("acme")
	assert.Error(t, err)

	var p Provider
	r.Register("zeta", p)
	r.Register("acme", p)
	assert.Equal(t, []string{"acme", "zeta"}, r.Names())
	_, err = r.Provider("acme")
	assert.NoError(t, err)
}
