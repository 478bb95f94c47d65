package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModifyReplace(t *testing.T) {
	m := NewModifier(&Comparer{})
	old := D{"_id": "1", "a": 1, "b": 2}

	t.Run("PreservesID", func(t *testing.T) {
		res, err := m.Modify(old, D{"c": 3})
		require.NoError(t, err)
		assert.Equal(t, D{"_id": "1", "c": 3}, res)
		assert.Equal(t, D{"_id": "1", "a": 1, "b": 2}, old)
	})

	t.Run("SameIDAllowed", func(t *testing.T) {
		res, err := m.Modify(old, D{"_id": "1", "c": 3})
		require.NoError(t, err)
		assert.Equal(t, D{"_id": "1", "c": 3}, res)
	})

	t.Run("IDChangeRejected", func(t *testing.T) {
		_, err := m.Modify(old, D{"_id": "2", "c": 3})
		assert.Error(t, err)
	})
}

func TestModifyOperators(t *testing.T) {
	m := NewModifier(&Comparer{})

	t.Run("Set", func(t *testing.T) {
		res, err := m.Modify(D{"_id": "1", "a": 1}, D{"$set": D{"a": 2, "b.c": 3}})
		require.NoError(t, err)
		assert.Equal(t, D{"_id": "1", "a": 2, "b": D{"c": 3}}, res)
	})

	t.Run("Unset", func(t *testing.T) {
		res, err := m.Modify(D{"_id": "1", "a": 1, "b": 2}, D{"$unset": D{"b": true}})
		require.NoError(t, err)
		assert.Equal(t, D{"_id": "1", "a": 1}, res)
	})

	t.Run("Inc", func(t *testing.T) {
		res, err := m.Modify(D{"_id": "1", "n": 5}, D{"$inc": D{"n": 2, "m": 1}})
		require.NoError(t, err)
		assert.Equal(t, float64(7), res["n"])
		assert.Equal(t, 1, res["m"])

		_, err = m.Modify(D{"_id": "1", "n": "x"}, D{"$inc": D{"n": 1}})
		assert.Error(t, err)
	})

	t.Run("Push", func(t *testing.T) {
		res, err := m.Modify(D{"_id": "1", "l": []any{1}}, D{"$push": D{"l": 2, "k": "a"}})
		require.NoError(t, err)
		assert.Equal(t, []any{1, 2}, res["l"])
		assert.Equal(t, []any{"a"}, res["k"])
	})

	t.Run("MixedRejected", func(t *testing.T) {
		_, err := m.Modify(D{"_id": "1"}, D{"$set": D{"a": 1}, "b": 2})
		assert.Error(t, err)
	})

	t.Run("UnknownRejected", func(t *testing.T) {
		_, err := m.Modify(D{"_id": "1"}, D{"$pop": D{"a": 1}})
		assert.Error(t, err)
	})

	t.Run("IDChangeRejected", func(t *testing.T) {
		_, err := m.Modify(D{"_id": "1"}, D{"$set": D{"_id": "2"}})
		assert.Error(t, err)
	})

	t.Run("InputNeverMutated", func(t *testing.T) {
		old := D{"_id": "1", "nested": D{"a": 1}}
		res, err := m.Modify(old, D{"$set": D{"nested.a": 2}})
		require.NoError(t, err)
		assert.Equal(t, 2, res["nested"].(D)["a"])
		assert.Equal(t, 1, old["nested"].(D)["a"])
	})
}
