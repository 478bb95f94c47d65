package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	when := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	src := D{
		"_id":   "abc",
		"n":     1.5,
		"ok":    true,
		"when":  when,
		"tags":  []any{"a", "b"},
		"inner": D{"deadline": when, "null": nil},
	}

	b, err := Serialize(src)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "\n")

	back, err := Deserialize(b)
	require.NoError(t, err)
	assert.Equal(t, "abc", back["_id"])
	assert.Equal(t, 1.5, back["n"])
	assert.Equal(t, true, back["ok"])
	assert.Equal(t, []any{"a", "b"}, back["tags"])

	// Dates round-trip exactly, at millisecond precision, at any depth.
	got, ok := back["when"].(time.Time)
	require.True(t, ok)
	assert.True(t, when.Equal(got))
	inner, ok := back["inner"].(D)
	require.True(t, ok)
	deadline, ok := inner["deadline"].(time.Time)
	require.True(t, ok)
	assert.True(t, when.Equal(deadline))
	assert.Nil(t, inner["null"])
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	_, err := Deserialize([]byte("not json"))
	assert.Error(t, err)
	_, err = Deserialize([]byte(`"just a string"`))
	assert.Error(t, err)
}
