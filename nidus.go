// Package nidus is an embedded, file-backed, schema-less document store: one
// collection per store, MongoDB-style queries, ordered secondary indexes with
// unique and sparse constraints, TTL expiry, and an append-only datafile that
// is compacted crash safely. All operations against one store run strictly
// one at a time, in submission order.
package nidus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidusdb/nidus/document"
	"github.com/nidusdb/nidus/internal/executor"
	"github.com/nidusdb/nidus/internal/index"
	"github.com/nidusdb/nidus/internal/persist"
)

// IndexOptions describes a secondary index for EnsureIndex.
type IndexOptions struct {
	FieldName string
	Unique    bool
	Sparse    bool
	// ExpireAfterSeconds additionally registers the field for TTL expiry:
	// documents whose field holds a date older than this many seconds are
	// removed when a query touches them.
	ExpireAfterSeconds float64
}

// UpdateOptions controls Update.
type UpdateOptions struct {
	// Multi updates every match instead of at most one.
	Multi bool
	// Upsert inserts a document derived from the query and the update when
	// nothing matches.
	Upsert bool
	// ReturnUpdatedDocs includes deep copies of the updated documents in
	// the result.
	ReturnUpdatedDocs bool
}

// UpdateResult reports the outcome of an Update.
type UpdateResult struct {
	Updated  int
	Upserted bool
	// Docs is populated only when UpdateOptions.ReturnUpdatedDocs is set.
	Docs []document.D
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// Multi removes every match instead of at most one.
	Multi bool
}

// Datastore is one collection of documents. The zero value is not usable;
// call New.
//
// The index set and the cached document set are touched only by the executor
// worker, so no lock guards them.
type Datastore struct {
	cfg      config
	cmp      *document.Comparer
	matcher  *document.Matcher
	modifier *document.Modifier
	persist  *persist.Persistence
	exec     *executor.Executor
	logger   *zap.Logger

	indexes map[string]*index.Index
	ttl     map[string]float64

	acMu   sync.Mutex
	stopAC chan struct{}
}

// New creates a store. A store with no filename (or with WithInMemoryOnly) is
// purely in-memory and ready immediately; a file-backed store buffers
// operations until LoadDatabase runs, either explicitly or in the background
// via WithAutoload.
func New(options ...Option) (*Datastore, error) {
	var cfg config
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	cmp := &document.Comparer{Strings: cfg.compareStrings}
	p, err := persist.New(persist.Options{
		Filename:              cfg.filename,
		InMemoryOnly:          cfg.inMemoryOnly,
		CorruptAlertThreshold: cfg.corruptAlertThreshold,
		FileMode:              cfg.fileMode,
		DirMode:               cfg.dirMode,
		AfterSerialization:    cfg.afterSerialization,
		BeforeDeserialization: cfg.beforeDeserialization,
		Logger:                cfg.logger,
	})
	if err != nil {
		return nil, err
	}

	d := &Datastore{
		cfg:      cfg,
		cmp:      cmp,
		matcher:  document.NewMatcher(cmp),
		modifier: document.NewModifier(cmp),
		persist:  p,
		exec:     executor.New(),
		logger:   cfg.logger,
		indexes:  map[string]*index.Index{"_id": index.New("_id", true, false, cmp)},
		ttl:      map[string]float64{},
	}

	if cfg.inMemoryOnly || cfg.filename == "" {
		d.exec.ProcessBuffer()
	} else if cfg.autoload {
		go func() {
			if err := d.LoadDatabase(context.Background()); err != nil {
				d.logger.Error("autoload failed", zap.String("filename", cfg.filename), zap.Error(err))
			}
		}()
	}
	return d, nil
}

// LoadDatabase reads the datafile, rebuilds every index from it, compacts it,
// and releases any buffered operations. It must succeed before a file-backed
// store serves anything.
func (d *Datastore) LoadDatabase(ctx context.Context) error {
	var err error
	if perr := d.exec.Push(ctx, true, func() { err = d.loadDatabase(ctx) }); perr != nil {
		return perr
	}
	return err
}

func (d *Datastore) loadDatabase(ctx context.Context) error {
	docs, defs, err := d.persist.LoadDatabase(ctx)
	if err != nil {
		return err
	}

	indexes := map[string]*index.Index{"_id": index.New("_id", true, false, d.cmp)}
	ttl := map[string]float64{}
	for field, def := range defs {
		indexes[field] = index.New(def.FieldName, def.Unique, def.Sparse, d.cmp)
		if def.ExpireAfter > 0 {
			ttl[field] = def.ExpireAfter
		}
	}
	for _, idx := range indexes {
		if err := idx.Insert(docs...); err != nil {
			return fmt.Errorf("rebuilding indexes from datafile: %w", err)
		}
	}
	d.indexes = indexes
	d.ttl = ttl

	if err := d.persist.PersistCachedDatabase(ctx, d.allDocs(), d.indexDefs()); err != nil {
		return err
	}
	d.logger.Info("database loaded",
		zap.String("filename", d.cfg.filename),
		zap.Int("documents", len(docs)),
		zap.Int("indexes", len(indexes)-1))
	d.exec.ProcessBuffer()
	return nil
}

// pushed runs fn on the executor and waits for it.
func (d *Datastore) pushed(ctx context.Context, fn func() error) error {
	var err error
	if perr := d.exec.Push(ctx, false, func() { err = fn() }); perr != nil {
		return perr
	}
	return err
}

// allDocs returns the cached document set, which is exactly the content of
// the _id index.
func (d *Datastore) allDocs() []document.D {
	return d.indexes["_id"].GetAll()
}

func (d *Datastore) indexDefs() []persist.IndexDef {
	defs := make([]persist.IndexDef, 0, len(d.indexes)-1)
	for field, idx := range d.indexes {
		if field == "_id" {
			continue
		}
		defs = append(defs, persist.IndexDef{
			FieldName:   idx.FieldName(),
			Unique:      idx.Unique(),
			Sparse:      idx.Sparse(),
			ExpireAfter: d.ttl[field],
		})
	}
	return defs
}

// Insert stores the given documents, which may be maps, document.D values or
// tagged structs. Missing _id fields are assigned random identifiers; with
// WithTimestampData, createdAt and updatedAt are stamped unless already set.
// The whole batch is inserted or none of it. The returned documents are deep
// copies.
func (d *Datastore) Insert(ctx context.Context, newDocs ...any) ([]document.D, error) {
	var inserted []document.D
	err := d.pushed(ctx, func() error {
		prepared, err := d.prepare(newDocs)
		if err != nil {
			return err
		}
		if err := d.insertInCache(ctx, prepared); err != nil {
			return err
		}
		inserted = deepCopies(prepared)
		return nil
	})
	return inserted, err
}

// prepare converts, identifies, timestamps and validates the batch without
// touching the cache.
func (d *Datastore) prepare(newDocs []any) ([]document.D, error) {
	prepared := make([]document.D, 0, len(newDocs))
	for _, in := range newDocs {
		doc, err := document.FromAny(in)
		if err != nil {
			return nil, err
		}
		if doc.ID() == nil {
			doc["_id"] = d.newID()
		}
		if d.cfg.timestampData {
			now := time.Now()
			if _, ok := doc["createdAt"]; !ok {
				doc["createdAt"] = now
			}
			if _, ok := doc["updatedAt"]; !ok {
				doc["updatedAt"] = now
			}
		}
		if err := document.Check(doc); err != nil {
			return nil, err
		}
		prepared = append(prepared, doc)
	}
	return prepared, nil
}

// insertInCache applies the batch to every index transactionally, then
// appends it to the datafile.
func (d *Datastore) insertInCache(ctx context.Context, docs []document.D) error {
	if err := d.addToIndexes(docs...); err != nil {
		return err
	}
	return d.persist.PersistNewState(ctx, docs...)
}

// newID generates a random identifier, retrying on the astronomically rare
// collision with an existing document.
func (d *Datastore) newID() string {
	for {
		id := uuid.NewString()
		if len(d.indexes["_id"].GetMatching(id)) == 0 {
			return id
		}
	}
}

func (d *Datastore) addToIndexes(docs ...document.D) error {
	var applied []*index.Index
	for _, idx := range d.indexes {
		if err := idx.Insert(docs...); err != nil {
			for _, done := range applied {
				done.Remove(docs...)
			}
			return err
		}
		applied = append(applied, idx)
	}
	return nil
}

func (d *Datastore) removeFromIndexes(docs ...document.D) {
	for _, idx := range d.indexes {
		idx.Remove(docs...)
	}
}

func (d *Datastore) updateIndexes(changes ...index.Change) error {
	var applied []*index.Index
	for _, idx := range d.indexes {
		if err := idx.Update(changes...); err != nil {
			for _, done := range applied {
				if rerr := done.RevertUpdate(changes...); rerr != nil {
					err = errors.Join(err, fmt.Errorf("reverting %s: %w", done.FieldName(), rerr))
				}
			}
			return err
		}
		applied = append(applied, idx)
	}
	return nil
}

// Find returns a cursor over the documents matching query. Nothing runs until
// the cursor is executed.
func (d *Datastore) Find(query any) *Cursor {
	q, err := document.FromAny(query)
	return &Cursor{ds: d, query: q, err: err}
}

// FindOne returns the first document matching query in candidate order, or
// nil when nothing matches.
func (d *Datastore) FindOne(ctx context.Context, query any) (document.D, error) {
	docs, err := d.Find(query).Limit(1).Exec(ctx)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// Count returns the number of documents matching query.
func (d *Datastore) Count(ctx context.Context, query any) (int, error) {
	q, err := document.FromAny(query)
	if err != nil {
		return 0, err
	}
	var count int
	err = d.pushed(ctx, func() error {
		docs, err := d.matching(ctx, q, false, 0)
		count = len(docs)
		return err
	})
	return count, err
}

// Update modifies the documents matching query by applying update, either a
// set of $-modifiers or a replacement document. At most one document is
// touched unless opts.Multi is set. Index changes are all-or-nothing across
// the whole batch.
func (d *Datastore) Update(ctx context.Context, query, update any, opts UpdateOptions) (*UpdateResult, error) {
	q, err := document.FromAny(query)
	if err != nil {
		return nil, err
	}
	u, err := document.FromAny(update)
	if err != nil {
		return nil, err
	}
	res := &UpdateResult{}
	err = d.pushed(ctx, func() error {
		limit := 1
		if opts.Multi {
			limit = 0
		}
		matched, err := d.matching(ctx, q, false, limit)
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			if !opts.Upsert {
				return nil
			}
			return d.upsert(ctx, q, u, opts, res)
		}

		changes := make([]index.Change, 0, len(matched))
		for _, old := range matched {
			next, err := d.modifier.Modify(old, u)
			if err != nil {
				return err
			}
			if d.cfg.timestampData {
				if created, ok := old["createdAt"]; ok {
					next["createdAt"] = created
				}
				next["updatedAt"] = time.Now()
			}
			if err := document.Check(next); err != nil {
				return err
			}
			changes = append(changes, index.Change{Old: old, New: next})
		}
		if err := d.updateIndexes(changes...); err != nil {
			return err
		}
		updated := make([]document.D, len(changes))
		for n, ch := range changes {
			updated[n] = ch.New
		}
		if err := d.persist.PersistNewState(ctx, updated...); err != nil {
			return err
		}
		res.Updated = len(updated)
		if opts.ReturnUpdatedDocs {
			res.Docs = deepCopies(updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// upsert synthesizes the document to insert: the update itself when it is a
// plain replacement, else the modifiers applied to the query stripped of its
// operator clauses.
func (d *Datastore) upsert(ctx context.Context, q, u document.D, opts UpdateOptions, res *UpdateResult) error {
	var seed any
	if document.HasOperators(u) {
		base := document.StripOperators(q)
		merged, err := d.modifier.Modify(base, u)
		if err != nil {
			return err
		}
		seed = merged
	} else {
		seed = u
	}
	prepared, err := d.prepare([]any{seed})
	if err != nil {
		return err
	}
	if err := d.insertInCache(ctx, prepared); err != nil {
		return err
	}
	res.Updated = 1
	res.Upserted = true
	if opts.ReturnUpdatedDocs {
		res.Docs = deepCopies(prepared)
	}
	return nil
}

// Remove deletes the documents matching query, appending one tombstone per
// removed document. At most one document is removed unless opts.Multi is set.
// Candidate selection skips TTL expiry here, so an explicit remove never
// triggers a second, implicit one.
func (d *Datastore) Remove(ctx context.Context, query any, opts RemoveOptions) (int, error) {
	q, err := document.FromAny(query)
	if err != nil {
		return 0, err
	}
	var removed int
	err = d.pushed(ctx, func() error {
		limit := 1
		if opts.Multi {
			limit = 0
		}
		matched, err := d.matching(ctx, q, true, limit)
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return nil
		}
		d.removeFromIndexes(matched...)
		tombstones := make([]document.D, len(matched))
		for n, doc := range matched {
			tombstones[n] = document.D{"$$deleted": true, "_id": doc.ID()}
		}
		if err := d.persist.PersistNewState(ctx, tombstones...); err != nil {
			return err
		}
		removed = len(matched)
		return nil
	})
	return removed, err
}

// EnsureIndex builds a secondary index over opts.FieldName and persists its
// definition. A failure (say, existing duplicates against a unique
// constraint) leaves the index set unchanged. Creating an index that already
// exists is a no-op.
func (d *Datastore) EnsureIndex(ctx context.Context, opts IndexOptions) error {
	if opts.FieldName == "" {
		return ErrMissingFieldName
	}
	return d.pushed(ctx, func() error {
		if _, ok := d.indexes[opts.FieldName]; ok {
			return nil
		}
		idx := index.New(opts.FieldName, opts.Unique, opts.Sparse, d.cmp)
		if err := idx.Insert(d.allDocs()...); err != nil {
			return err
		}
		d.indexes[opts.FieldName] = idx
		if opts.ExpireAfterSeconds > 0 {
			d.ttl[opts.FieldName] = opts.ExpireAfterSeconds
		}
		def := persist.IndexDef{
			FieldName:   opts.FieldName,
			Unique:      opts.Unique,
			Sparse:      opts.Sparse,
			ExpireAfter: opts.ExpireAfterSeconds,
		}
		return d.persist.PersistNewState(ctx, def.Marker())
	})
}

// RemoveIndex drops the index over fieldName and persists its removal.
func (d *Datastore) RemoveIndex(ctx context.Context, fieldName string) error {
	if fieldName == "_id" {
		return ErrReservedFieldName
	}
	return d.pushed(ctx, func() error {
		if _, ok := d.indexes[fieldName]; !ok {
			return nil
		}
		delete(d.indexes, fieldName)
		delete(d.ttl, fieldName)
		return d.persist.PersistNewState(ctx, document.D{"$$indexRemoved": fieldName})
	})
}

// CompactDatafile rewrites the datafile to exactly the live document set plus
// the secondary index definitions.
func (d *Datastore) CompactDatafile(ctx context.Context) error {
	return d.pushed(ctx, func() error {
		return d.persist.PersistCachedDatabase(ctx, d.allDocs(), d.indexDefs())
	})
}

// DropDatabase empties the store and deletes the datafile.
func (d *Datastore) DropDatabase(ctx context.Context) error {
	d.StopAutocompaction()
	return d.pushed(ctx, func() error {
		d.indexes = map[string]*index.Index{"_id": index.New("_id", true, false, d.cmp)}
		d.ttl = map[string]float64{}
		return d.persist.DropDatabase(ctx)
	})
}

// SetAutocompactionInterval compacts the datafile periodically. Intervals
// under five seconds are raised to five seconds.
func (d *Datastore) SetAutocompactionInterval(interval time.Duration) {
	const floor = 5 * time.Second
	if interval < floor {
		interval = floor
	}
	d.StopAutocompaction()
	stop := make(chan struct{})
	d.acMu.Lock()
	d.stopAC = stop
	d.acMu.Unlock()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := d.CompactDatafile(context.Background()); err != nil {
					d.logger.Warn("autocompaction failed",
						zap.String("filename", d.cfg.filename),
						zap.Error(err))
				}
			}
		}
	}()
}

// StopAutocompaction cancels the periodic compaction, if any.
func (d *Datastore) StopAutocompaction() {
	d.acMu.Lock()
	defer d.acMu.Unlock()
	if d.stopAC != nil {
		close(d.stopAC)
		d.stopAC = nil
	}
}

// WaitCompaction blocks until the next compaction finishes or ctx expires.
func (d *Datastore) WaitCompaction(ctx context.Context) error {
	return d.persist.WaitCompaction(ctx)
}

// matching runs candidate selection and exact matching inside the executor.
// limit 0 means unlimited; dontExpireStaleDocs suppresses TTL removal.
func (d *Datastore) matching(ctx context.Context, query document.D, dontExpireStaleDocs bool, limit int) ([]document.D, error) {
	candidates, err := d.candidates(ctx, query, dontExpireStaleDocs)
	if err != nil {
		return nil, err
	}
	var matched []document.D
	for _, doc := range candidates {
		ok, err := d.matcher.Match(doc, query)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		matched = append(matched, doc)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

// candidates picks the smallest retrievable superset of the matching
// documents: the first indexed query field usable as plain equality, then as
// $in, then as a comparison range, else the whole document set. Only one
// index is ever consulted; indexes are never intersected. Stale TTL documents
// among the candidates are removed from the store and excluded, unless
// dontExpireStaleDocs is set.
func (d *Datastore) candidates(ctx context.Context, query document.D, dontExpireStaleDocs bool) ([]document.D, error) {
	docs := d.lookup(query)
	if dontExpireStaleDocs || len(d.ttl) == 0 {
		return docs, nil
	}

	now := time.Now()
	fresh := docs[:0:0]
	var expired []document.D
	for _, doc := range docs {
		if d.stale(doc, now) {
			expired = append(expired, doc)
		} else {
			fresh = append(fresh, doc)
		}
	}
	if len(expired) == 0 {
		return docs, nil
	}

	d.removeFromIndexes(expired...)
	tombstones := make([]document.D, len(expired))
	for n, doc := range expired {
		tombstones[n] = document.D{"$$deleted": true, "_id": doc.ID()}
	}
	if err := d.persist.PersistNewState(ctx, tombstones...); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (d *Datastore) lookup(query document.D) []document.D {
	fields := make([]string, 0, len(query))
	for field := range query {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		idx, ok := d.indexes[field]
		if !ok {
			continue
		}
		v := query[field]
		if _, isDoc := v.(document.D); isDoc {
			continue
		}
		if _, isArr := v.([]any); isArr {
			continue
		}
		return idx.GetMatching(v)
	}
	for _, field := range fields {
		idx, ok := d.indexes[field]
		if !ok {
			continue
		}
		sub, isDoc := query[field].(document.D)
		if !isDoc {
			continue
		}
		if in, ok := sub["$in"].([]any); ok {
			return idx.GetMatching(in...)
		}
	}
	for _, field := range fields {
		idx, ok := d.indexes[field]
		if !ok {
			continue
		}
		sub, isDoc := query[field].(document.D)
		if !isDoc || !isRangeQuery(sub) {
			continue
		}
		return idx.GetBetweenBounds(sub)
	}
	return d.allDocs()
}

func isRangeQuery(sub document.D) bool {
	if len(sub) == 0 {
		return false
	}
	for op := range sub {
		switch op {
		case "$lt", "$lte", "$gt", "$gte":
		default:
			return false
		}
	}
	return true
}

// stale reports whether any TTL-registered field of doc holds a date past its
// configured age.
func (d *Datastore) stale(doc document.D, now time.Time) bool {
	for field, seconds := range d.ttl {
		v, ok := document.GetPath(doc, field)
		if !ok {
			continue
		}
		t, ok := v.(time.Time)
		if !ok {
			continue
		}
		if now.After(t.Add(time.Duration(seconds * float64(time.Second)))) {
			return true
		}
	}
	return false
}

func deepCopies(docs []document.D) []document.D {
	copies := make([]document.D, len(docs))
	for n, doc := range docs {
		copies[n] = document.DeepCopy(doc)
	}
	return copies
}
