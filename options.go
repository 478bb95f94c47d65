package nidus

import (
	"os"

	"go.uber.org/zap"
)

type config struct {
	filename              string
	inMemoryOnly          bool
	timestampData         bool
	autoload              bool
	corruptAlertThreshold *float64
	compareStrings        func(a, b string) int
	afterSerialization    func(string) string
	beforeDeserialization func(string) string
	logger                *zap.Logger
	fileMode              os.FileMode
	dirMode               os.FileMode
}

// Option configures a Datastore.
type Option func(*config)

// WithFilename sets the datafile path. An empty filename makes the store
// in-memory only. The name must not end in "~", which is reserved for the
// crash safe backup file written during compaction.
func WithFilename(filename string) Option {
	return func(c *config) { c.filename = filename }
}

// WithInMemoryOnly disables the datafile entirely, even when a filename is
// set.
func WithInMemoryOnly(inMemoryOnly bool) Option {
	return func(c *config) { c.inMemoryOnly = inMemoryOnly }
}

// WithTimestampData adds createdAt and updatedAt timestamps to every
// document, unless the caller set them explicitly.
func WithTimestampData(timestampData bool) Option {
	return func(c *config) { c.timestampData = timestampData }
}

// WithAutoload starts loading the datafile in the background as soon as the
// store is created. Operations submitted before the load finishes are
// buffered and run afterwards, in order.
func WithAutoload(autoload bool) Option {
	return func(c *config) { c.autoload = autoload }
}

// WithCorruptAlertThreshold sets the tolerated ratio of corrupt datafile
// lines before LoadDatabase refuses to proceed, between 0 (no corruption
// tolerated) and 1. The default is 0.1.
func WithCorruptAlertThreshold(threshold float64) Option {
	return func(c *config) { c.corruptAlertThreshold = &threshold }
}

// WithCompareStrings overrides the default lexicographic string ordering used
// by indexes and sorts.
func WithCompareStrings(compare func(a, b string) int) Option {
	return func(c *config) { c.compareStrings = compare }
}

// WithSerializationHooks transforms every datafile line after serialization
// and before deserialization, e.g. for encryption. The two functions must be
// mutual inverses; New verifies this and fails otherwise.
func WithSerializationHooks(after, before func(string) string) Option {
	return func(c *config) {
		c.afterSerialization = after
		c.beforeDeserialization = before
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithFileMode sets the mode for the datafile. The default is 0644.
func WithFileMode(mode os.FileMode) Option {
	return func(c *config) { c.fileMode = mode }
}

// WithDirMode sets the mode for created parent directories. The default is
// 0755.
func WithDirMode(mode os.FileMode) Option {
	return func(c *config) { c.dirMode = mode }
}
