// Package fsatomic writes files so that readers observe either the old or the
// new content, never a torn write.
package fsatomic

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// TmpSuffix marks in-flight writes. Anything carrying it is a crash artifact.
const TmpSuffix = ".tmp"

// LockSuffix names the companion file WithLock holds.
const LockSuffix = ".lock"

// WriteFile atomically replaces path with data. The bytes go to path+".tmp",
// are fsynced, and the temp file is renamed into place; the parent directory is
// synced around the rename. Missing parents are created. perm 0 means 0644.
func WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if perm == 0 {
		perm = 0o644
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + TmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return fsyncDir(dir)
}

// rename moves tmp over path. Windows refuses to replace a file that another
// handle still has open, so it retries a few times there.
func rename(tmp, path string) error {
	if runtime.GOOS != "windows" {
		return os.Rename(tmp, path)
	}
	var err error
	for i := 0; i < 5; i++ {
		if err = os.Rename(tmp, path); err == nil {
			return nil
		}
		_ = os.Remove(path)
		time.Sleep(time.Duration(10*(i+1)) * time.Millisecond)
	}
	return errors.Join(errors.New("rename failed after retries"), err)
}

// SaveJSON writes v as indented JSON with a trailing newline. perm 0 means 0600.
func SaveJSON(ctx context.Context, path string, v any, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o600
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFile(ctx, path, append(b, '\n'), perm)
}

// LoadJSON decodes path into v. A missing file reports exists=false with no
// error; a stale temp file from an interrupted write is removed first.
func LoadJSON(path string, v any) (bool, error) {
	_ = os.Remove(path + TmpSuffix)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// WithLock runs fn while holding an exclusive advisory lock on path+LockSuffix.
func WithLock(path string, fn func() error) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	unlock, err := flockExclusive(path + LockSuffix)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func fsyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
