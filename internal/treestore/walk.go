package treestore

import "fmt"

// WalkFunc is called for every key below the walk root, parents before
// children.
type WalkFunc func(key string, e Entry) error

// Walk visits the subtree rooted at key in name order. A missing root is not
// an error.
func Walk(s Store, key string, fn WalkFunc) error {
	ents, err := s.List(key)
	if err != nil {
		if IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range ents {
		k := Join(key, e.Name)
		if err := fn(k, e); err != nil {
			return err
		}
		if e.Dir {
			if err := Walk(s, k, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Copy replicates the subtree at key from src into dst, keeping modification
// times. progress, if set, is called after each leaf. It returns the number
// of leaves copied.
func Copy(dst, src Store, key string, progress func(key string)) (int, error) {
	if err := dst.MkdirAll(key); err != nil {
		return 0, fmt.Errorf("copy %s: %w", key, err)
	}
	n := 0
	err := Walk(src, key, func(k string, e Entry) error {
		if e.Dir {
			return dst.MkdirAll(k)
		}
		data, err := src.ReadFile(k)
		if err != nil {
			return fmt.Errorf("copy %s: %w", k, err)
		}
		if err := dst.WriteFile(k, data); err != nil {
			return fmt.Errorf("copy %s: %w", k, err)
		}
		if err := dst.Touch(k, e.ModTime); err != nil {
			return fmt.Errorf("copy %s: %w", k, err)
		}
		n++
		if progress != nil {
			progress(k)
		}
		return nil
	})
	return n, err
}

// CountLeaves returns the number of leaves below key.
func CountLeaves(s Store, key string) (int, error) {
	n := 0
	err := Walk(s, key, func(_ string, e Entry) error {
		if !e.Dir {
			n++
		}
		return nil
	})
	return n, err
}
