// Package persist owns the append-only log: serialized writes, crash-safe
// compaction, and the corruption-tolerant reload that folds the log back into
// the live document set and index definitions.
package persist

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/nidusdb/nidus/document"
)

const (
	DefaultDirMode  os.FileMode = 0o755
	DefaultFileMode os.FileMode = 0o644

	// DefaultCorruptAlertThreshold is the tolerated ratio of corrupt log
	// lines before a load refuses to proceed.
	DefaultCorruptAlertThreshold = 0.1
)

// CorruptionError is returned by LoadDatabase when more of the log is corrupt
// than the configured threshold tolerates.
type CorruptionError struct {
	CorruptItems int
	TotalItems   int
	Threshold    float64
}

func (e *CorruptionError) Error() string {
	rate := float64(e.CorruptItems) / float64(e.TotalItems)
	return fmt.Sprintf(
		"%.0f%% of the datafile is corrupt, more than the corruptAlertThreshold (%.0f%%); refusing to load to prevent data loss",
		math.Floor(100*rate), math.Floor(100*e.Threshold),
	)
}

// IndexDef is the persisted definition of a secondary index, written to the
// log as a $$indexCreated marker and folded back at load time.
type IndexDef struct {
	FieldName   string  `mapstructure:"fieldName"`
	Unique      bool    `mapstructure:"unique"`
	Sparse      bool    `mapstructure:"sparse"`
	ExpireAfter float64 `mapstructure:"expireAfterSeconds"`
}

// Marker returns the $$indexCreated log entry for this definition.
func (d IndexDef) Marker() document.D {
	created := document.D{
		"fieldName": d.FieldName,
		"unique":    d.Unique,
		"sparse":    d.Sparse,
	}
	if d.ExpireAfter > 0 {
		created["expireAfterSeconds"] = d.ExpireAfter
	}
	return document.D{"$$indexCreated": created}
}

// Options configures a Persistence.
type Options struct {
	Filename     string
	InMemoryOnly bool
	// CorruptAlertThreshold, when non-nil, overrides the default tolerated
	// ratio of corrupt log lines. Zero means no corruption is tolerated.
	CorruptAlertThreshold *float64
	FileMode              os.FileMode
	DirMode               os.FileMode
	// AfterSerialization and BeforeDeserialization transform every log
	// line on its way to and from disk. They must be mutual inverses;
	// New verifies this before any I/O happens.
	AfterSerialization    func(string) string
	BeforeDeserialization func(string) string
	Logger                *zap.Logger
}

// Persistence reads and writes one datastore's append-only log.
type Persistence struct {
	filename     string
	inMemoryOnly bool
	threshold    float64
	fileMode     os.FileMode
	dirMode      os.FileMode
	after        func(string) string
	before       func(string) string
	logger       *zap.Logger

	mu        sync.Mutex
	compacted chan struct{}
}

// New validates the configuration and returns a Persistence. The datafile name
// must not end in "~" (reserved for the crash-safe temp file) and the
// serialization hooks, when present, must round-trip arbitrary strings.
func New(opts Options) (*Persistence, error) {
	if opts.FileMode == 0 {
		opts.FileMode = DefaultFileMode
	}
	if opts.DirMode == 0 {
		opts.DirMode = DefaultDirMode
	}
	threshold := DefaultCorruptAlertThreshold
	if opts.CorruptAlertThreshold != nil {
		threshold = *opts.CorruptAlertThreshold
		if threshold < 0 || threshold > 1 {
			return nil, fmt.Errorf("corruptAlertThreshold must be between 0 and 1, got %v", threshold)
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	inMemoryOnly := opts.InMemoryOnly || opts.Filename == ""
	if !inMemoryOnly && strings.HasSuffix(opts.Filename, tempSuffix) {
		return nil, fmt.Errorf("the datafile name can't end with a ~, which is reserved for crash safe backup files")
	}
	if (opts.AfterSerialization == nil) != (opts.BeforeDeserialization == nil) {
		return nil, errors.New("serialization hooks must be supplied together or not at all")
	}
	if opts.AfterSerialization != nil {
		if err := verifyHooks(opts.AfterSerialization, opts.BeforeDeserialization); err != nil {
			return nil, err
		}
	}
	return &Persistence{
		filename:     opts.Filename,
		inMemoryOnly: inMemoryOnly,
		threshold:    threshold,
		fileMode:     opts.FileMode,
		dirMode:      opts.DirMode,
		after:        opts.AfterSerialization,
		before:       opts.BeforeDeserialization,
		logger:       opts.Logger,
		compacted:    make(chan struct{}),
	}, nil
}

// verifyHooks round-trips random strings of increasing length through the
// hooks. A hook pair that is not mutually inverse would silently destroy data,
// so it is rejected before the store touches any file.
func verifyHooks(after, before func(string) string) error {
	for i := 1; i < 30; i++ {
		s, err := randomString(i)
		if err != nil {
			return err
		}
		if before(after(s)) != s {
			return errors.New("beforeDeserialization is not the reverse of afterSerialization, cautiously refusing to start to prevent dataloss")
		}
	}
	return nil
}

func randomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf)[:length], nil
}

func (p *Persistence) encodeLine(d document.D) ([]byte, error) {
	b, err := document.Serialize(d)
	if err != nil {
		return nil, err
	}
	if p.after != nil {
		b = []byte(p.after(string(b)))
	}
	return b, nil
}

// PersistNewState appends one line per entry (document or tombstone) to the
// log. An empty batch is a no-op, as is every write on an in-memory store.
func (p *Persistence) PersistNewState(ctx context.Context, docs ...document.D) error {
	if p.inMemoryOnly || len(docs) == 0 {
		return nil
	}
	var buf []byte
	for _, d := range docs {
		line, err := p.encodeLine(d)
		if err != nil {
			return err
		}
		buf = append(append(buf, line...), '\n')
	}
	return appendFile(ctx, p.filename, p.fileMode, buf)
}

// PersistCachedDatabase compacts the log: the whole live document set plus
// every secondary-index definition is written to a temp file which atomically
// replaces the log. Waiters on WaitCompaction are released on success.
func (p *Persistence) PersistCachedDatabase(ctx context.Context, docs []document.D, indexes []IndexDef) error {
	if p.inMemoryOnly {
		return nil
	}
	lines := make([][]byte, 0, len(docs)+len(indexes))
	for _, d := range docs {
		line, err := p.encodeLine(d)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	for _, def := range indexes {
		if def.FieldName == "_id" {
			continue
		}
		line, err := p.encodeLine(def.Marker())
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	if err := crashSafeWriteLines(ctx, p.filename, lines, p.dirMode, p.fileMode); err != nil {
		return err
	}
	p.logger.Debug("datafile compacted",
		zap.String("filename", p.filename),
		zap.Int("documents", len(docs)))
	p.broadcastCompaction()
	return nil
}

// LoadDatabase reads the log and folds it into the final document set and
// index definitions: tombstones delete, later documents overwrite earlier
// ones, later index markers override earlier ones for the same field. Corrupt
// lines are dropped unless their ratio exceeds the threshold, in which case
// the load fails outright.
func (p *Persistence) LoadDatabase(ctx context.Context) ([]document.D, map[string]IndexDef, error) {
	if p.inMemoryOnly {
		return nil, nil, nil
	}
	if err := ensureParentDirectory(p.filename, p.dirMode); err != nil {
		return nil, nil, err
	}
	if err := ensureDatafileIntegrity(p.filename, p.fileMode); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p.filename)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return p.foldLog(ctx, f)
}

func (p *Persistence) foldLog(ctx context.Context, f *os.File) ([]document.D, map[string]IndexDef, error) {
	var (
		order        []any
		byID         = make(map[any]document.D)
		indexes      = make(map[string]IndexDef)
		corruptItems int
		totalItems   int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		totalItems++
		if p.before != nil {
			line = p.before(line)
		}
		doc, err := document.Deserialize([]byte(line))
		if err != nil {
			corruptItems++
			continue
		}
		switch {
		case doc.ID() != nil:
			if deleted, _ := doc["$$deleted"].(bool); deleted {
				delete(byID, doc.ID())
				continue
			}
			if _, seen := byID[doc.ID()]; !seen {
				order = append(order, doc.ID())
			}
			byID[doc.ID()] = doc
		case doc["$$indexCreated"] != nil:
			var def IndexDef
			if err := decodeMarker(doc["$$indexCreated"], &def); err != nil || def.FieldName == "" {
				corruptItems++
				continue
			}
			indexes[def.FieldName] = def
		case doc["$$indexRemoved"] != nil:
			if field, ok := doc["$$indexRemoved"].(string); ok {
				delete(indexes, field)
			}
		default:
			corruptItems++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	if totalItems > 0 {
		rate := float64(corruptItems) / float64(totalItems)
		if rate > p.threshold {
			return nil, nil, &CorruptionError{
				CorruptItems: corruptItems,
				TotalItems:   totalItems,
				Threshold:    p.threshold,
			}
		}
		if corruptItems > 0 {
			p.logger.Warn("dropped corrupt datafile lines",
				zap.String("filename", p.filename),
				zap.Int("corrupt", corruptItems),
				zap.Int("total", totalItems))
		}
	}

	docs := make([]document.D, 0, len(byID))
	for _, id := range order {
		if doc, ok := byID[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, indexes, nil
}

func decodeMarker(src any, def *IndexDef) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: def})
	if err != nil {
		return err
	}
	if d, ok := src.(document.D); ok {
		return dec.Decode(map[string]any(d))
	}
	return dec.Decode(src)
}

// DropDatabase deletes the datafile, if any.
func (p *Persistence) DropDatabase(context.Context) error {
	if p.inMemoryOnly {
		return nil
	}
	exists, err := fileExists(p.filename)
	if err != nil || !exists {
		return err
	}
	return os.Remove(p.filename)
}

// WaitCompaction blocks until the next successful compaction or context
// expiry.
func (p *Persistence) WaitCompaction(ctx context.Context) error {
	p.mu.Lock()
	ch := p.compacted
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Persistence) broadcastCompaction() {
	p.mu.Lock()
	close(p.compacted)
	p.compacted = make(chan struct{})
	p.mu.Unlock()
}
