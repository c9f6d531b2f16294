//go:build windows

package fsatomic

import (
	"errors"
	"os"
	"time"
)

// flockExclusive emulates an advisory lock with an O_EXCL lock file that is
// removed on release.
func flockExclusive(lockPath string) (func(), error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			released := false
			return func() {
				if released {
					return
				}
				released = true
				_ = f.Close()
				_ = os.Remove(lockPath)
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, errors.New("lock timeout")
		}
		time.Sleep(25 * time.Millisecond)
	}
}
