package document

import (
	"fmt"
	"strings"
)

// Modifier applies update queries to documents. An update query made of
// modifier keys ($set, $unset, ...) edits a copy of the target; an update
// query without modifiers replaces the whole document, preserving _id. The
// modifier set is extensible through the registration map.
type Modifier struct {
	cmp  *Comparer
	mods map[string]modOp
}

type modOp func(doc D, path string, arg any) error

// modifierNames mirrors the registration map in NewModifier, so that
// HasOperators can classify an update without a Modifier at hand.
var modifierNames = []string{"$set", "$unset", "$inc", "$push"}

// NewModifier returns a Modifier comparing values through cmp.
func NewModifier(cmp *Comparer) *Modifier {
	m := &Modifier{cmp: cmp}
	m.mods = map[string]modOp{
		"$set":   m.set,
		"$unset": m.unset,
		"$inc":   m.inc,
		"$push":  m.push,
	}
	return m
}

// Modify returns a new document derived from obj by update. The input is never
// mutated and the result shares no substructure with it.
func (m *Modifier) Modify(obj D, update D) (D, error) {
	dollar, plain := 0, 0
	for k := range update {
		if strings.HasPrefix(k, "$") {
			dollar++
		} else {
			plain++
		}
	}
	if dollar > 0 && plain > 0 {
		return nil, fmt.Errorf("cannot mix modifiers and normal fields")
	}
	if dollar == 0 {
		return m.replace(obj, update)
	}
	return m.apply(obj, update)
}

func (m *Modifier) replace(obj D, update D) (D, error) {
	res := DeepCopy(update)
	if id, ok := res["_id"]; ok && !m.cmp.Equal(id, obj.ID()) {
		return nil, fmt.Errorf("cannot change a document's _id")
	}
	if obj.ID() != nil {
		res["_id"] = obj.ID()
	}
	return res, nil
}

func (m *Modifier) apply(obj D, update D) (D, error) {
	res := DeepCopy(obj)
	for mod, arg := range update {
		fn, ok := m.mods[mod]
		if !ok {
			return nil, fmt.Errorf("unknown modifier %s", mod)
		}
		fields, ok := arg.(D)
		if !ok {
			return nil, fmt.Errorf("modifier %s's argument must be an object", mod)
		}
		for path, value := range fields {
			if err := fn(res, path, value); err != nil {
				return nil, err
			}
		}
	}
	if !m.cmp.Equal(res.ID(), obj.ID()) {
		return nil, fmt.Errorf("cannot change a document's _id")
	}
	return res, nil
}

func (m *Modifier) set(doc D, path string, arg any) error {
	SetPath(doc, path, copyValue(arg))
	return nil
}

func (m *Modifier) unset(doc D, path string, _ any) error {
	DeletePath(doc, path)
	return nil
}

func (m *Modifier) inc(doc D, path string, arg any) error {
	delta, ok := asNumber(arg)
	if !ok {
		return fmt.Errorf("%v must be a number", arg)
	}
	v, found := GetPath(doc, path)
	if !found || v == nil {
		SetPath(doc, path, arg)
		return nil
	}
	cur, ok := asNumber(v)
	if !ok {
		return fmt.Errorf("cannot use the $inc modifier on non-number fields")
	}
	sum, _ := cur.Add(cur, delta).Float64()
	SetPath(doc, path, sum)
	return nil
}

func (m *Modifier) push(doc D, path string, arg any) error {
	v, found := GetPath(doc, path)
	if !found || v == nil {
		v = []any{}
	}
	arr, ok := v.([]any)
	if !ok {
		return fmt.Errorf("cannot $push an element on non-array values")
	}
	SetPath(doc, path, append(arr, copyValue(arg)))
	return nil
}
