package nidus

import (
	"context"
	"fmt"
	"slices"

	"github.com/mitchellh/mapstructure"

	"github.com/nidusdb/nidus/document"
)

// SortKey orders a result set by one field. Order is 1 for ascending, -1 for
// descending.
type SortKey struct {
	Field string
	Order int
}

// Cursor is a deferred query: Sort, Skip, Limit and Project refine it, Exec,
// One or All run it. Nothing touches the store until execution.
type Cursor struct {
	ds         *Datastore
	query      document.D
	err        error
	sortKeys   []SortKey
	skip       int
	limit      int
	projection map[string]int
}

// Sort orders the results by the given keys, first key first; later keys
// break ties.
func (c *Cursor) Sort(keys ...SortKey) *Cursor {
	c.sortKeys = keys
	return c
}

// Skip drops the first n results.
func (c *Cursor) Skip(n int) *Cursor {
	c.skip = n
	return c
}

// Limit caps the result set at n documents. Zero means unlimited.
func (c *Cursor) Limit(n int) *Cursor {
	c.limit = n
	return c
}

// Project restricts the returned fields: either every listed field maps to 1
// (keep only those) or every listed field maps to 0 (drop those), never
// mixed. _id is kept by default and may be toggled independently.
func (c *Cursor) Project(fields map[string]int) *Cursor {
	c.projection = fields
	return c
}

// Exec runs the query and returns deep copies of the matching documents,
// sorted, windowed and projected as configured.
func (c *Cursor) Exec(ctx context.Context) ([]document.D, error) {
	if c.err != nil {
		return nil, c.err
	}
	var res []document.D
	err := c.ds.pushed(ctx, func() error {
		// Sorting needs the full match set, so the limit is applied to
		// the index lookup only when no ordering was requested.
		limit := 0
		if len(c.sortKeys) == 0 && c.skip == 0 {
			limit = c.limit
		}
		docs, err := c.ds.matching(ctx, c.query, false, limit)
		if err != nil {
			return err
		}
		res, err = c.window(docs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// window sorts, skips, limits and projects the matched documents.
func (c *Cursor) window(docs []document.D) ([]document.D, error) {
	if len(c.sortKeys) > 0 {
		cmp := c.ds.cmp
		slices.SortStableFunc(docs, func(a, b document.D) int {
			for _, key := range c.sortKeys {
				r := cmp.Compare(sortValue(a, key.Field), sortValue(b, key.Field))
				if key.Order < 0 {
					r = -r
				}
				if r != 0 {
					return r
				}
			}
			return 0
		})
	}
	if c.skip > 0 {
		if c.skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[c.skip:]
		}
	}
	if c.limit > 0 && c.limit < len(docs) {
		docs = docs[:c.limit]
	}

	res := make([]document.D, 0, len(docs))
	for _, doc := range docs {
		projected, err := c.project(doc)
		if err != nil {
			return nil, err
		}
		res = append(res, projected)
	}
	return res, nil
}

func sortValue(doc document.D, field string) any {
	v, ok := document.GetPath(doc, field)
	if !ok {
		return document.Undefined{}
	}
	return v
}

func (c *Cursor) project(doc document.D) (document.D, error) {
	if len(c.projection) == 0 {
		return document.DeepCopy(doc), nil
	}

	mode := -1
	keepID := true
	for field, action := range c.projection {
		if field == "_id" {
			keepID = action == 1
			continue
		}
		if action != 0 && action != 1 {
			return nil, fmt.Errorf("projection values must be 0 or 1, got %d for %q", action, field)
		}
		if mode == -1 {
			mode = action
		} else if mode != action {
			return nil, fmt.Errorf("cannot both keep and omit fields in a projection, except for _id")
		}
	}

	copied := document.DeepCopy(doc)
	if mode != 1 {
		// Omit mode, or an _id-only projection.
		for field, action := range c.projection {
			if field != "_id" && action == 0 {
				document.DeletePath(copied, field)
			}
		}
		if !keepID {
			delete(copied, "_id")
		}
		return copied, nil
	}

	res := document.D{}
	for field, action := range c.projection {
		if field == "_id" || action != 1 {
			continue
		}
		if v, ok := document.GetPath(copied, field); ok {
			document.SetPath(res, field, v)
		}
	}
	if keepID {
		if id := doc.ID(); id != nil {
			res["_id"] = id
		}
	}
	return res, nil
}

// All runs the query and decodes the results into target, a pointer to a
// slice of structs or maps. Struct fields are matched through the "nidus"
// tag.
func (c *Cursor) All(ctx context.Context, target any) error {
	docs, err := c.Exec(ctx)
	if err != nil {
		return err
	}
	return decode(docs, target)
}

// One runs the query capped at a single document and decodes it into target.
// Returns ErrNotFound when nothing matches.
func (c *Cursor) One(ctx context.Context, target any) error {
	docs, err := c.Limit(1).Exec(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return ErrNotFound
	}
	return decode(docs[0], target)
}

func decode(src, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: document.TagName,
	})
	if err != nil {
		return err
	}
	return dec.Decode(src)
}
