package connection

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultLockMarkers are the exclusive-lock files a crashed session can
// leave behind: the Chromium profile singletons and our own bot lock.
var DefaultLockMarkers = []string{"SingletonLock", "SingletonCookie", "SingletonSocket", "session.lock"}

// RecoverSessionLocks walks dir and removes every file or symlink whose
// name is one of markers. A missing dir is already clean.
func RecoverSessionLocks(dir string, markers []string) ([]string, error) {
	if dir == "" || len(markers) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		want[m] = struct{}{}
	}

	var (
		removed []string
		errs    []error
	)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			errs = append(errs, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := want[d.Name()]; !ok {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			return nil
		}
		removed = append(removed, path)
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return removed, errors.Join(errs...)
}
