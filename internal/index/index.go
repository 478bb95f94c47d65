// Package index implements the ordered secondary index backing candidate
// selection: one binary search tree per indexed field, with unique and sparse
// constraints and one key per distinct element for array-valued fields.
package index

import (
	"fmt"
	"slices"

	"github.com/vinicius-lino-figueiredo/bst"

	"github.com/nidusdb/nidus/document"
)

// ConstraintError reports a unique-constraint violation. The index it came
// from is left exactly as it was before the failing call.
type ConstraintError struct {
	Field string
	Key   any
	Err   error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("unique constraint violated for field %q on key %v", e.Field, e.Key)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// Change is an old/new document pair tracked across an update so the index can
// be unwound if a later step fails.
type Change struct {
	Old document.D
	New document.D
}

// Index maps the values of one dot-path field to the documents owning them,
// in key order.
type Index struct {
	fieldName string
	unique    bool
	sparse    bool
	tree      *bst.BinarySearchTree
	treeOpts  bst.Options
	cmp       *document.Comparer
}

// New returns an empty index over fieldName.
func New(fieldName string, unique, sparse bool, cmp *document.Comparer) *Index {
	treeOpts := bst.Options{
		Unique:      unique,
		CompareKeys: cmp.Compare,
	}
	return &Index{
		fieldName: fieldName,
		unique:    unique,
		sparse:    sparse,
		tree:      bst.NewBinarySearchTree(treeOpts),
		treeOpts:  treeOpts,
		cmp:       cmp,
	}
}

// FieldName returns the indexed dot-path.
func (i *Index) FieldName() string { return i.fieldName }

// Unique reports whether the index rejects duplicate keys.
func (i *Index) Unique() bool { return i.unique }

// Sparse reports whether documents missing the field are omitted.
func (i *Index) Sparse() bool { return i.sparse }

// keys returns the index keys for doc: one per distinct array element for
// array values, nil for missing fields on non-sparse indexes. The second
// return is false when the document is not indexed at all.
func (i *Index) keys(doc document.D) ([]any, bool) {
	v, found := document.GetPath(doc, i.fieldName)
	if !found {
		if i.sparse {
			return nil, false
		}
		return []any{nil}, true
	}
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			if i.sparse {
				return nil, false
			}
			return []any{nil}, true
		}
		keys := slices.Clone(arr)
		slices.SortFunc(keys, i.cmp.Compare)
		return slices.CompactFunc(keys, i.cmp.Equal), true
	}
	return []any{v}, true
}

// Insert adds the documents to the index. On any failure every key already
// inserted by this call is removed before the error is returned, so a failed
// Insert leaves the index untouched.
func (i *Index) Insert(docs ...document.D) error {
	type entry struct {
		key any
		doc document.D
	}
	var inserted []entry
	for _, doc := range docs {
		keys, ok := i.keys(doc)
		if !ok {
			continue
		}
		for _, k := range keys {
			if err := i.tree.Insert(k, doc); err != nil {
				for n := len(inserted) - 1; n >= 0; n-- {
					i.tree.Delete(inserted[n].key, inserted[n].doc)
				}
				return &ConstraintError{Field: i.fieldName, Key: k, Err: err}
			}
			inserted = append(inserted, entry{key: k, doc: doc})
		}
	}
	return nil
}

// Remove deletes the documents from the index. Removing a document that is not
// indexed is a no-op.
func (i *Index) Remove(docs ...document.D) {
	for _, doc := range docs {
		keys, ok := i.keys(doc)
		if !ok {
			continue
		}
		for _, k := range keys {
			i.tree.Delete(k, doc)
		}
	}
}

// Update replaces old documents with new ones. The whole batch is
// all-or-nothing: when any insertion fails, every change already applied is
// unwound and the index is left as before the call.
func (i *Index) Update(changes ...Change) error {
	for _, c := range changes {
		i.Remove(c.Old)
	}
	for n, c := range changes {
		if err := i.Insert(c.New); err != nil {
			for j := n - 1; j >= 0; j-- {
				i.Remove(changes[j].New)
			}
			for _, c := range changes {
				// reinsertion of previously held keys cannot violate a constraint
				_ = i.Insert(c.Old)
			}
			return err
		}
	}
	return nil
}

// RevertUpdate undoes a previously applied Update.
func (i *Index) RevertUpdate(changes ...Change) error {
	reverted := make([]Change, len(changes))
	for n, c := range changes {
		reverted[n] = Change{Old: c.New, New: c.Old}
	}
	return i.Update(reverted...)
}

// GetMatching returns the documents indexed under any of the given keys,
// deduplicated, in key order.
func (i *Index) GetMatching(values ...any) []document.D {
	var res []document.D
	seen := make(map[any]bool)
	for _, v := range values {
		for _, item := range i.tree.Search(v) {
			doc := item.(document.D)
			if id := doc.ID(); id != nil {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			res = append(res, doc)
		}
	}
	return res
}

// GetBetweenBounds returns the documents whose key satisfies the range query
// ($lt/$lte/$gt/$gte), ordered by key.
func (i *Index) GetBetweenBounds(query document.D) []document.D {
	found := i.tree.BetweenBounds(map[string]any(query), nil, nil)
	res := make([]document.D, len(found))
	for n, item := range found {
		res[n] = item.(document.D)
	}
	return res
}

// GetAll returns every indexed document in key order.
func (i *Index) GetAll() []document.D {
	var res []document.D
	i.tree.ExecuteOnEveryNode(func(node *bst.BinarySearchTree) {
		for _, item := range node.Data() {
			res = append(res, item.(document.D))
		}
	})
	return res
}

// Reset empties the index and, when documents are given, refills it with them.
func (i *Index) Reset(docs ...document.D) error {
	i.tree = bst.NewBinarySearchTree(i.treeOpts)
	return i.Insert(docs...)
}

// NumKeys returns the number of distinct keys held.
func (i *Index) NumKeys() int {
	return i.tree.GetNumberOfKeys()
}
