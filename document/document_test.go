package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAny(t *testing.T) {
	t.Run("Map", func(t *testing.T) {
		d, err := FromAny(map[string]any{"a": 1, "b": map[string]any{"c": "x"}})
		require.NoError(t, err)
		assert.Equal(t, D{"a": 1, "b": D{"c": "x"}}, d)
	})

	t.Run("Nil", func(t *testing.T) {
		d, err := FromAny(nil)
		require.NoError(t, err)
		assert.Equal(t, D{}, d)
	})

	t.Run("Struct", func(t *testing.T) {
		type inner struct {
			City string `nidus:"city"`
		}
		type person struct {
			ID      string  `nidus:"_id,omitempty"`
			Name    string  `nidus:"name"`
			Age     int     `nidus:"age,omitzero"`
			Score   float64 `nidus:"score,omitempty"`
			Secret  string  `nidus:"-"`
			hidden  string
			Address inner     `nidus:"address"`
			Tags    []string  `nidus:"tags"`
			Born    time.Time `nidus:"born"`
		}
		born := time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC)
		d, err := FromAny(person{
			Name:    "Ada",
			Secret:  "nope",
			hidden:  "nope",
			Address: inner{City: "Lyon"},
			Tags:    []string{"x", "y"},
			Born:    born,
		})
		require.NoError(t, err)
		assert.Equal(t, D{
			"name":    "Ada",
			"address": D{"city": "Lyon"},
			"tags":    []any{"x", "y"},
			"born":    born,
		}, d)
		// omitempty follows the encoding/json convention, so the empty
		// string _id and the zero score are absent
		_, hasID := d["_id"]
		assert.False(t, hasID)
		_, hasAge := d["age"]
		assert.False(t, hasAge)
		_, hasScore := d["score"]
		assert.False(t, hasScore)
	})

	t.Run("Scalar", func(t *testing.T) {
		_, err := FromAny(42)
		assert.Error(t, err)
	})

	// values outside the document model error out rather than crash
	t.Run("Unsupported", func(t *testing.T) {
		_, err := FromAny(map[string]any{"x": complex(1, 2)})
		assert.Error(t, err)

		_, err = FromAny(map[string]any{"x": make(chan int)})
		assert.Error(t, err)

		type holder struct {
			F func() `nidus:"f"`
		}
		_, err = FromAny(holder{F: func() {}})
		assert.Error(t, err)
	})

	// named scalar types collapse to their underlying kinds
	t.Run("NamedTypes", func(t *testing.T) {
		type level int
		d, err := FromAny(map[string]any{"level": level(3), "tags": []string{"a"}})
		require.NoError(t, err)
		assert.Equal(t, D{"level": 3, "tags": []any{"a"}}, d)
	})
}

func TestDeepCopy(t *testing.T) {
	src := D{"a": 1, "nested": D{"list": []any{1, D{"x": "y"}}}}
	dup := DeepCopy(src)
	require.Equal(t, src, dup)

	dup["a"] = 2
	dup["nested"].(D)["list"].([]any)[1].(D)["x"] = "z"
	assert.Equal(t, 1, src["a"])
	assert.Equal(t, "y", src["nested"].(D)["list"].([]any)[1].(D)["x"])
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(D{"a": 1, "b": D{"c": []any{D{"d": 2}}}}))

	err := Check(D{"$set": 1})
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "$set", fe.Key)

	assert.Error(t, Check(D{"a.b": 1}))
	assert.Error(t, Check(D{"a": D{"$inner": 1}}))
	assert.Error(t, Check(D{"a": []any{D{"x.y": 1}}}))
}

func TestGetPath(t *testing.T) {
	doc := D{
		"a": D{"b": D{"c": 7}},
		"list": []any{
			D{"n": 1},
			D{"n": 2},
		},
	}

	t.Run("Nested", func(t *testing.T) {
		v, ok := GetPath(doc, "a.b.c")
		require.True(t, ok)
		assert.Equal(t, 7, v)
	})

	t.Run("Missing", func(t *testing.T) {
		_, ok := GetPath(doc, "a.x.c")
		assert.False(t, ok)
	})

	// A non-numeric segment over an array concatenates the resolutions of
	// every element.
	t.Run("ArrayFanOut", func(t *testing.T) {
		v, ok := GetPath(doc, "list.n")
		require.True(t, ok)
		assert.Equal(t, []any{1, 2}, v)
	})

	// A numeric segment indexes the array instead.
	t.Run("ArrayIndex", func(t *testing.T) {
		v, ok := GetPath(doc, "list.0.n")
		require.True(t, ok)
		assert.Equal(t, 1, v)
	})
}

func TestSetDeletePath(t *testing.T) {
	doc := D{}
	SetPath(doc, "a.b.c", 1)
	assert.Equal(t, D{"a": D{"b": D{"c": 1}}}, doc)

	DeletePath(doc, "a.b.c")
	assert.Equal(t, D{"a": D{"b": D{}}}, doc)

	// Deleting through a missing segment is a no-op.
	DeletePath(doc, "x.y")
	assert.Equal(t, D{"a": D{"b": D{}}}, doc)
}

func TestStripOperators(t *testing.T) {
	// only update modifiers flag a document as an edit; query operators
	// like $or do not
	assert.True(t, HasOperators(D{"$set": D{"a": 1}}))
	assert.True(t, HasOperators(D{"$unset": D{"a": true}, "other": 1}))
	assert.False(t, HasOperators(D{"$or": []any{D{"b": 2}}}))

	q := D{"a": 1, "$or": []any{D{"b": 2}}, "c": D{"$lt": 3}, "d.e": 4}
	assert.False(t, HasOperators(q))
	assert.Equal(t, D{"a": 1}, StripOperators(q))
}
