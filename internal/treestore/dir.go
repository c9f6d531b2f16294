package treestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/unixabg/dosi/internal/fsatomic"
)

// Dir stores keys as files and directories below Root.
type Dir struct {
	Root string
}

// OpenDir creates root if needed.
func OpenDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Dir{Root: root}, nil
}

func (d *Dir) path(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.Root, filepath.FromSlash(k)), nil
}

func wrapNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotExist, err)
	}
	return err
}

func (d *Dir) Stat(key string) (Entry, error) {
	p, err := d.path(key)
	if err != nil {
		return Entry{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return Entry{}, wrapNotExist(err)
	}
	return entryFromInfo(fi), nil
}

func entryFromInfo(fi fs.FileInfo) Entry {
	e := Entry{Name: fi.Name(), Dir: fi.IsDir(), ModTime: fi.ModTime()}
	if !e.Dir {
		e.Size = fi.Size()
	}
	return e
}

func (d *Dir) List(key string) ([]Entry, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(p)
	if err != nil {
		return nil, wrapNotExist(err)
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		// in-flight or crashed atomic writes and lock files are not keys
		if !de.IsDir() && isArtifact(de.Name()) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		out = append(out, entryFromInfo(fi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Dir) ReadFile(key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	return b, wrapNotExist(err)
}

func (d *Dir) WriteFile(key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	return fsatomic.WriteFile(context.Background(), p, data, 0o644)
}

func (d *Dir) Touch(key string, t time.Time) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Chtimes(p, t, t); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(p, t, t)
}

func (d *Dir) MkdirAll(key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

func (d *Dir) Rename(from, to string) error {
	src, err := d.path(from)
	if err != nil {
		return err
	}
	dst, err := d.path(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return wrapNotExist(err)
	}
	// os.Rename silently replaces files and empty directories on unix
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrExist, to)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return wrapNotExist(os.Rename(src, dst))
}

func (d *Dir) Remove(key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return wrapNotExist(err)
	}
	if fi.IsDir() {
		des, err := os.ReadDir(p)
		if err != nil {
			return err
		}
		if len(des) > 0 {
			return fmt.Errorf("%w: %s", ErrNotEmpty, key)
		}
	}
	return wrapNotExist(os.Remove(p))
}

func (d *Dir) RemoveAll(key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (d *Dir) Close() error { return nil }

func isArtifact(name string) bool {
	return strings.HasSuffix(name, fsatomic.TmpSuffix) || strings.HasSuffix(name, fsatomic.LockSuffix)
}
