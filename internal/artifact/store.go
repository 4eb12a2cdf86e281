// Package artifact manages the on-disk documents waiting for delivery.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxSize is the largest artifact Save accepts.
const MaxSize = 100 << 20

var (
	ErrTooLarge = errors.New("artifact exceeds size limit")
	ErrOutside  = errors.New("artifact path outside store directory")
)

// Info describes one stored artifact.
type Info struct {
	Name     string    `json:"name"`
	Original string    `json:"original"` // upload name without the stored prefix
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// Store is a flat directory of artifacts.
type Store struct {
	dir     string
	maxSize int64
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artifact dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: abs, maxSize: MaxSize}, nil
}

func (s *Store) Dir() string { return s.dir }

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// SanitizeName maps an uploaded file name to the name stored on disk.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		name = ""
	}
	name = unsafeChars.ReplaceAllString(name, "_")
	if strings.Trim(name, "._") == "" {
		return "document"
	}
	return name
}

// OriginalName strips the random prefix Save adds to stored names.
func OriginalName(stored string) string {
	const n = 36 // canonical uuid length
	if len(stored) > n+1 && stored[n] == '-' {
		if _, err := uuid.Parse(stored[:n]); err == nil {
			return stored[n+1:]
		}
	}
	return stored
}

// Save copies r into the store and returns the artifact path. Stored names
// are "<uuid>-<sanitized name>", so uploads with the same name never share
// a file and stored names cannot be guessed from the upload name.
func (s *Store) Save(name string, r io.Reader) (string, error) {
	dst := filepath.Join(s.dir, uuid.NewString()+"-"+SanitizeName(name))
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	if n > s.maxSize {
		return "", ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return dst, nil
}

// Exists reports whether path names a regular file.
func (s *Store) Exists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Delete removes path. A missing file is not an error.
func (s *Store) Delete(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if !s.contains(path) {
		return fmt.Errorf("%w: %s", ErrOutside, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.dir, abs)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// List returns the stored artifacts, newest first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:     e.Name(),
			Original: OriginalName(e.Name()),
			Path:     filepath.Join(s.dir, e.Name()),
			Size:     fi.Size(),
			ModTime:  fi.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// FindByLabel returns the newest artifact whose normalized name contains
// the normalized label. Matching is best-effort: overlapping labels can
// resolve to another customer's file.
func (s *Store) FindByLabel(label string) (string, bool) {
	want := normalize(label)
	if want == "" {
		return "", false
	}
	items, err := s.List()
	if err != nil {
		return "", false
	}
	for _, it := range items {
		stem := strings.TrimSuffix(it.Original, filepath.Ext(it.Original))
		if strings.Contains(normalize(stem), want) {
			return it.Path, true
		}
	}
	return "", false
}

// normalize lowercases s and drops everything except letters and digits.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
