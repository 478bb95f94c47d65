package persist

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/nidusdb/nidus/document"
)

var ctx = context.Background()

type PersistenceTestSuite struct {
	suite.Suite
	dbFile string
}

func (s *PersistenceTestSuite) SetupTest() {
	s.dbFile = filepath.Join(s.T().TempDir(), "test.db")
}

func (s *PersistenceTestSuite) SetupSubTest() {
	s.SetupTest()
}

func threshold(v float64) *float64 {
	return &v
}

func (s *PersistenceTestSuite) open(opts Options) *Persistence {
	if opts.Filename == "" {
		opts.Filename = s.dbFile
	}
	p, err := New(opts)
	s.Require().NoError(err)
	return p
}

func (s *PersistenceTestSuite) TestConstruction() {
	// The datafile name must not collide with the crash safe temp file
	s.Run("TildeRejected", func() {
		_, err := New(Options{Filename: "data.db~"})
		s.Error(err)
	})

	s.Run("ThresholdOutOfRange", func() {
		_, err := New(Options{Filename: "data.db", CorruptAlertThreshold: threshold(-0.1)})
		s.Error(err)
		_, err = New(Options{Filename: "data.db", CorruptAlertThreshold: threshold(1.5)})
		s.Error(err)
	})

	s.Run("HooksMustComeTogether", func() {
		_, err := New(Options{Filename: "data.db", AfterSerialization: func(x string) string { return x }})
		s.Error(err)
	})

	// A hook pair that is not mutually inverse is refused before any I/O
	s.Run("HooksMustRoundTrip", func() {
		_, err := New(Options{
			Filename:              "data.db",
			AfterSerialization:    func(x string) string { return "x" + x },
			BeforeDeserialization: func(x string) string { return x },
		})
		s.Error(err)

		_, err = New(Options{
			Filename:              "data.db",
			AfterSerialization:    func(x string) string { return "x" + x },
			BeforeDeserialization: func(x string) string { return strings.TrimPrefix(x, "x") },
		})
		s.NoError(err)
	})
}

func (s *PersistenceTestSuite) TestAppendAndLoad() {
	p := s.open(Options{})

	s.NoError(p.PersistNewState(ctx,
		document.D{"_id": "1", "a": 1.0},
		document.D{"_id": "2", "a": 2.0},
	))
	// later entries overwrite earlier ones for the same _id
	s.NoError(p.PersistNewState(ctx, document.D{"_id": "1", "a": 3.0}))
	// tombstones delete
	s.NoError(p.PersistNewState(ctx, document.D{"$$deleted": true, "_id": "2"}))

	docs, defs, err := p.LoadDatabase(ctx)
	s.NoError(err)
	s.Empty(defs)
	s.Require().Len(docs, 1)
	s.Equal(document.D{"_id": "1", "a": 3.0}, docs[0])
}

func (s *PersistenceTestSuite) TestIndexMarkers() {
	p := s.open(Options{})

	s.NoError(p.PersistNewState(ctx, IndexDef{FieldName: "a", Unique: true}.Marker()))
	// a later marker for the same field overrides the earlier one
	s.NoError(p.PersistNewState(ctx, IndexDef{FieldName: "a", Sparse: true}.Marker()))
	s.NoError(p.PersistNewState(ctx, IndexDef{FieldName: "b", ExpireAfter: 3}.Marker()))
	s.NoError(p.PersistNewState(ctx, document.D{"$$indexRemoved": "b"}))

	_, defs, err := p.LoadDatabase(ctx)
	s.NoError(err)
	s.Require().Len(defs, 1)
	s.False(defs["a"].Unique)
	s.True(defs["a"].Sparse)
}

func (s *PersistenceTestSuite) TestCompaction() {
	p := s.open(Options{})

	docs := []document.D{
		{"_id": "1", "a": 1.0},
		{"_id": "2", "when": time.UnixMilli(1700000000000)},
	}
	defs := []IndexDef{
		{FieldName: "a", Unique: true},
		{FieldName: "_id"}, // implicit, never persisted
	}
	s.NoError(p.PersistCachedDatabase(ctx, docs, defs))

	content, err := os.ReadFile(s.dbFile)
	s.NoError(err)
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	s.Len(lines, 3)
	s.NotContains(string(content), `"_id":"_id"`)

	// loading the compacted file reproduces the dataset exactly,
	// and a second compaction is idempotent
	got, gotDefs, err := p.LoadDatabase(ctx)
	s.NoError(err)
	s.Equal(docs, got)
	s.Require().Len(gotDefs, 1)
	s.True(gotDefs["a"].Unique)

	s.NoError(p.PersistCachedDatabase(ctx, got, defs))
	again, err := os.ReadFile(s.dbFile)
	s.NoError(err)
	s.Equal(string(content), string(again))
}

func (s *PersistenceTestSuite) TestCorruption() {
	write := func(lines ...string) {
		s.NoError(os.WriteFile(s.dbFile, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	}

	// below the threshold corrupt lines are dropped
	s.Run("BelowThreshold", func() {
		write(
			`{"_id":"1","a":1}`,
			"garbage",
			`{"_id":"2","a":2}`,
			`{"_id":"3","a":3}`,
			`{"_id":"4","a":4}`,
			`{"_id":"5","a":5}`,
			`{"_id":"6","a":6}`,
			`{"_id":"7","a":7}`,
			`{"_id":"8","a":8}`,
			`{"_id":"9","a":9}`,
		)
		p := s.open(Options{})
		docs, _, err := p.LoadDatabase(ctx)
		s.NoError(err)
		s.Len(docs, 9)
	})

	// above the threshold the load fails outright
	s.Run("AboveThreshold", func() {
		write(`{"_id":"1","a":1}`, "garbage", "more garbage")
		p := s.open(Options{})
		_, _, err := p.LoadDatabase(ctx)
		var cerr *CorruptionError
		s.Require().ErrorAs(err, &cerr)
		s.Equal(2, cerr.CorruptItems)
		s.Equal(3, cerr.TotalItems)
	})

	s.Run("ThresholdConfigurable", func() {
		write(`{"_id":"1","a":1}`, "garbage")
		p := s.open(Options{CorruptAlertThreshold: threshold(0.9)})
		docs, _, err := p.LoadDatabase(ctx)
		s.NoError(err)
		s.Len(docs, 1)
	})

	// a zero threshold really means zero: one corrupt line fails the load
	s.Run("ZeroTolerance", func() {
		write(
			`{"_id":"1","a":1}`,
			`{"_id":"2","a":2}`,
			`{"_id":"3","a":3}`,
			"garbage",
		)
		p := s.open(Options{CorruptAlertThreshold: threshold(0)})
		_, _, err := p.LoadDatabase(ctx)
		var cerr *CorruptionError
		s.Require().ErrorAs(err, &cerr)
		s.Equal(1, cerr.CorruptItems)
		s.Equal(4, cerr.TotalItems)
	})

	// and a clean file loads under it
	s.Run("ZeroToleranceCleanFile", func() {
		write(`{"_id":"1","a":1}`)
		p := s.open(Options{CorruptAlertThreshold: threshold(0)})
		docs, _, err := p.LoadDatabase(ctx)
		s.NoError(err)
		s.Len(docs, 1)
	})
}

func (s *PersistenceTestSuite) TestSerializationHooks() {
	rot := func(shift int) func(string) string {
		return func(in string) string {
			out := []byte(in)
			for i := range out {
				out[i] = byte((int(out[i]) + shift + 256) % 256)
			}
			return string(out)
		}
	}
	p := s.open(Options{AfterSerialization: rot(13), BeforeDeserialization: rot(-13)})

	s.NoError(p.PersistNewState(ctx, document.D{"_id": "1", "a": 1.0}))

	// the file does not contain cleartext
	content, err := os.ReadFile(s.dbFile)
	s.NoError(err)
	s.NotContains(string(content), `"_id"`)

	docs, _, err := p.LoadDatabase(ctx)
	s.NoError(err)
	s.Require().Len(docs, 1)
	s.Equal(document.D{"_id": "1", "a": 1.0}, docs[0])
}

func (s *PersistenceTestSuite) TestCrashRecovery() {
	// a leftover temp file from an interrupted compaction is promoted
	// when no datafile exists
	s.NoError(os.WriteFile(s.dbFile+tempSuffix, []byte(`{"_id":"1","a":1}`+"\n"), 0o644))
	p := s.open(Options{})
	docs, _, err := p.LoadDatabase(ctx)
	s.NoError(err)
	s.Require().Len(docs, 1)
	s.Equal("1", docs[0].ID())

	_, err = os.Stat(s.dbFile + tempSuffix)
	s.True(os.IsNotExist(err))
}

func (s *PersistenceTestSuite) TestInMemory() {
	p, err := New(Options{})
	s.NoError(err)
	s.NoError(p.PersistNewState(ctx, document.D{"_id": "1"}))
	docs, defs, err := p.LoadDatabase(ctx)
	s.NoError(err)
	s.Nil(docs)
	s.Nil(defs)
}

func (s *PersistenceTestSuite) TestDrop() {
	p := s.open(Options{})
	s.NoError(p.PersistNewState(ctx, document.D{"_id": "1"}))
	s.NoError(p.DropDatabase(ctx))
	_, err := os.Stat(s.dbFile)
	s.True(os.IsNotExist(err))

	// dropping an absent datafile is a no-op
	s.NoError(p.DropDatabase(ctx))
}

func (s *PersistenceTestSuite) TestWaitCompaction() {
	p := s.open(Options{})

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	s.ErrorIs(p.WaitCompaction(short), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- p.WaitCompaction(ctx) }()
	time.Sleep(10 * time.Millisecond)
	s.NoError(p.PersistCachedDatabase(ctx, nil, nil))
	s.NoError(<-done)
}

func TestPersistenceTestSuite(t *testing.T) {
	suite.Run(t, new(PersistenceTestSuite))
}
