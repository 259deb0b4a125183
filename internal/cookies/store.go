package cookies

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"hlsgrab/internal/httputil"
	"hlsgrab/internal/media"
)

const (
	// maxUploadSize caps an uploaded jar.
	maxUploadSize = 1 << 20

	maxSaveAttempts = 16
)

// StoredJar describes a jar file kept in the cookie directory.
type StoredJar struct {
	ID       string    `json:"id"`
	Path     string    `json:"path,omitempty"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Store manages uploaded jars in the cookie directory.
type Store struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewStore returns a Store rooted at dir.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir, now: time.Now}
}

// Save writes an uploaded jar as cookies_<unixnano>_<originalName>. An
// existing file is never overwritten.
func (s *Store) Save(originalName string, r io.Reader) (StoredJar, error) {
	if strings.TrimSpace(originalName) == "" {
		return StoredJar{}, &media.InvalidInputError{Field: "cookies_file", Reason: "no file selected"}
	}
	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return StoredJar{}, fmt.Errorf("creating cookie dir: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(r, maxUploadSize+1))
	if err != nil {
		return StoredJar{}, fmt.Errorf("reading upload: %w", err)
	}
	if len(data) > maxUploadSize {
		return StoredJar{}, &media.InvalidInputError{Field: "cookies_file", Reason: "file exceeds 1MB"}
	}

	name := httputil.SanitizeFilename(originalName)
	stamp := s.now().UnixNano()
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		path, err := httputil.SafePath(s.dir, fmt.Sprintf("cookies_%d_%s", stamp+int64(attempt), name))
		if err != nil {
			return StoredJar{}, err
		}
		err = s.create(path, data)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return StoredJar{}, fmt.Errorf("writing cookies file: %w", err)
		}
		return StoredJar{ID: filepath.Base(path), Path: path, Size: int64(len(data)), Modified: s.now()}, nil
	}
	return StoredJar{}, fmt.Errorf("writing cookies file: no free name for %q", name)
}

// create writes data to a file that must not exist yet.
func (s *Store) create(path string, data []byte) error {
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// List returns every uploaded .txt jar in the directory, newest first.
// Request-scoped artifacts are left out.
func (s *Store) List() ([]StoredJar, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing cookie dir: %w", err)
	}

	var jars []StoredJar
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".txt") || isArtifact(fi.Name()) {
			continue
		}
		jars = append(jars, StoredJar{ID: fi.Name(), Size: fi.Size(), Modified: fi.ModTime()})
	}
	sort.Slice(jars, func(i, j int) bool { return jars[i].Modified.After(jars[j].Modified) })
	return jars, nil
}

// Delete removes a jar by id.
func (s *Store) Delete(id string) error {
	path, err := s.pathFor(id)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cookies file %q: %w", id, media.ErrNotFound)
		}
		return fmt.Errorf("deleting cookies file: %w", err)
	}
	return nil
}

// Resolve maps a jar id, or a path naming a file in the cookie directory, to
// an existing file path. Anything outside the directory is refused.
func (s *Store) Resolve(ref string) (string, error) {
	path, err := s.pathFor(ref)
	if err != nil {
		return "", err
	}
	if ok, _ := afero.Exists(s.fs, path); !ok {
		return "", fmt.Errorf("cookies file %q: %w", ref, media.ErrNotFound)
	}
	return path, nil
}

func (s *Store) pathFor(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", &media.InvalidInputError{Field: "cookies_id", Reason: "empty"}
	}
	if filepath.IsAbs(ref) {
		absDir, err := filepath.Abs(s.dir)
		if err != nil {
			return "", fmt.Errorf("resolving cookie dir: %w", err)
		}
		if filepath.Dir(filepath.Clean(ref)) != absDir {
			return "", &media.InvalidInputError{Field: "cookies_file", Reason: "must reference a file in the cookie directory"}
		}
	}
	if isArtifact(filepath.Base(ref)) {
		return "", &media.InvalidInputError{Field: "cookies_id", Reason: "not an uploaded cookies file"}
	}
	return httputil.SafePath(s.dir, filepath.Base(ref))
}
