package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSortsKeysAndDropsWhitespace(t *testing.T) {
	t.Parallel()
	out, err := JSON(json.RawMessage(`{ "b": 1, "a": {"y": true, "x": "<tag>"} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"x":"<tag>","y":true},"b":1}`, string(out))
}

func TestHashIsDeterministic(t *testing.T) {
	t.Parallel()
	h1, err := Hash(map[string]any{"plan_id": "pln_1", "amount": 5000})
	require.NoError(t, err)
	h2, err := Hash(json.RawMessage(`{"amount":5000,"plan_id":"pln_1"}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashChangesWithContent(t *testing.T) {
	t.Parallel()
	h1, err := Hash(map[string]any{"amount": 5000})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"amount": 5001})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

// Numbers are IEEE-754 doubles in canonical form: integers up to 2^53-1 keep
// distinct hashes, larger ones may collide. Amounts are bounded below that.
func TestHashIntegerPrecision(t *testing.T) {
	t.Parallel()
	const exact = int64(1<<53 - 1)
	h1, err := Hash(map[string]any{"max_amount_cents": exact})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"max_amount_cents": exact - 1})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	out, err := JSON(map[string]any{"max_amount_cents": exact})
	require.NoError(t, err)
	assert.Equal(t, `{"max_amount_cents":9007199254740991}`, string(out))

	a, err := Hash(map[string]any{"max_amount_cents": int64(1<<53 + 1)})
	require.NoError(t, err)
	b, err := Hash(map[string]any{"max_amount_cents": int64(1 << 53)})
	require.NoError(t, err)
	assert.Equal(t, a, b, "past 2^53 the canonical form loses precision")
}

func TestNilEncodesAsNull(t *testing.T) {
	t.Parallel()
	out, err := JSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))

	out, err = JSON(json.RawMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestInvalidJSONFails(t *testing.T) {
	t.Parallel()
	_, err := JSON(json.RawMessage(`{"a":`))
	assert.Error(t, err)
}
