package persist

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dolmen-go/contextio"
)

// tempSuffix marks the file compaction writes before renaming over the log.
// A leftover temp file means the previous rewrite crashed midway.
const tempSuffix = "~"

func appendFile(ctx context.Context, filename string, mode os.FileMode, data []byte) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = contextio.NewWriter(ctx, f).Write(data)
	return err
}

// crashSafeWriteLines rewrites filename atomically: the lines go to a temp
// file which is fsynced and renamed over the target, then the directory is
// fsynced. A crash at any point leaves either the old or the new file visible,
// never a half-written one.
func crashSafeWriteLines(ctx context.Context, filename string, lines [][]byte, dirMode, fileMode os.FileMode) error {
	tempFilename := filename + tempSuffix

	if err := flush(filepath.Dir(filename), true); err != nil {
		return err
	}
	exists, err := fileExists(filename)
	if err != nil {
		return err
	}
	if exists {
		if err := flush(filename, false); err != nil {
			return err
		}
	}
	if err := writeFileLines(ctx, tempFilename, lines, fileMode); err != nil {
		return err
	}
	if err := flush(tempFilename, false); err != nil {
		return err
	}
	if err := os.Rename(tempFilename, filename); err != nil {
		return err
	}
	return flush(filepath.Dir(filename), true)
}

func writeFileLines(ctx context.Context, filename string, lines [][]byte, mode os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	w := contextio.NewWriter(ctx, f)
	for _, line := range lines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func flush(name string, isDir bool) error {
	flags := os.O_RDWR
	if isDir {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(name, flags, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ensureDatafileIntegrity repairs the aftermath of a crash during compaction:
// when only the temp file exists, the rename never happened and the temp file
// holds the last complete state, so it is promoted. A brand new database gets
// an empty log.
func ensureDatafileIntegrity(filename string, mode os.FileMode) error {
	exists, err := fileExists(filename)
	if err != nil || exists {
		return err
	}
	tempExists, err := fileExists(filename + tempSuffix)
	if err != nil {
		return err
	}
	if !tempExists {
		return os.WriteFile(filename, nil, mode)
	}
	return os.Rename(filename+tempSuffix, filename)
}

func ensureParentDirectory(filename string, mode os.FileMode) error {
	dir, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, mode)
}

func fileExists(filename string) (bool, error) {
	if _, err := os.Stat(filename); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
