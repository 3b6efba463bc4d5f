package cpra

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/carbocation/pfx"
)

// partSuffix marks files that are still being written. They live beside
// their destination so that the final rename never crosses a volume.
const partSuffix = ".part"

// atomicFile buffers writes into a part file and only exposes them under the
// final path once Commit has flushed and synced everything.
type atomicFile struct {
	path string
	part string
	f    *os.File
	bw   *bufio.Writer
	done bool
}

func createAtomic(path string) (*atomicFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, pfx.Err(err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*"+partSuffix)
	if err != nil {
		return nil, pfx.Err(err)
	}

	return &atomicFile{
		path: path,
		part: f.Name(),
		f:    f,
		bw:   bufio.NewWriterSize(f, 1<<16),
	}, nil
}

func (a *atomicFile) Write(p []byte) (int, error) {
	return a.bw.Write(p)
}

// Commit flushes, fsyncs and renames the part file into place, then syncs
// the directory so the rename itself is durable.
func (a *atomicFile) Commit() error {
	if a.done {
		return nil
	}
	a.done = true

	if err := a.bw.Flush(); err != nil {
		a.discard()
		return pfx.Err(err)
	}
	if err := a.f.Sync(); err != nil {
		a.discard()
		return pfx.Err(err)
	}
	if err := a.f.Close(); err != nil {
		os.Remove(a.part)
		return pfx.Err(err)
	}
	if err := os.Rename(a.part, a.path); err != nil {
		os.Remove(a.part)
		return pfx.Err(err)
	}
	return syncDir(filepath.Dir(a.path))
}

// Abort discards everything written so far. It is a no-op after Commit.
func (a *atomicFile) Abort() error {
	if a.done {
		return nil
	}
	a.done = true
	return a.discard()
}

func (a *atomicFile) discard() error {
	a.f.Close()
	if err := os.Remove(a.part); err != nil && !os.IsNotExist(err) {
		return pfx.Err(err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return pfx.Err(err)
	}
	defer d.Close()

	// Some filesystems refuse to fsync a directory; the rename has already
	// happened, so that is not an error worth failing a run over.
	_ = d.Sync()
	return nil
}

// renameDurable renames oldpath to newpath and syncs the destination
// directory.
func renameDurable(oldpath, newpath string) error {
	if err := os.MkdirAll(filepath.Dir(newpath), 0755); err != nil {
		return pfx.Err(err)
	}
	if err := os.Rename(oldpath, newpath); err != nil {
		return pfx.Err(err)
	}
	return syncDir(filepath.Dir(newpath))
}

// removeStaleParts deletes part files left in dir by a crashed writer. When
// base is set, only the part files of dir/base are removed.
func removeStaleParts(dir, base string) (int, error) {
	pattern := ".*" + partSuffix
	if base != "" {
		pattern = "." + base + ".*" + partSuffix
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0, pfx.Err(err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return 0, pfx.Err(err)
		}
	}
	return len(matches), nil
}

// WriteJSONAtomic encodes v as JSON to path. Nothing is visible under path
// unless the whole document was written and synced.
func WriteJSONAtomic(path string, v interface{}) error {
	a, err := createAtomic(path)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(a).Encode(v); err != nil {
		a.Abort()
		return pfx.Err(err)
	}
	return a.Commit()
}
