package cookies

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Name prefixes of request-scoped artifacts. The Store never exposes them.
const (
	tempPrefix     = "temp_cookies"
	uploadedPrefix = "uploaded_cookies"
)

// Materializer writes request-scoped cookie-jar artifacts into the cookie directory.
type Materializer struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewMaterializer returns a Materializer writing into dir on fs.
func NewMaterializer(fs afero.Fs, dir string) *Materializer {
	return &Materializer{fs: fs, dir: dir, now: time.Now}
}

// Artifact is a jar file owned by a single request.
type Artifact struct {
	Path string

	fs   afero.Fs
	once sync.Once
	err  error
}

// Release deletes the artifact. It is safe to call more than once and on a nil Artifact.
func (a *Artifact) Release() error {
	if a == nil {
		return nil
	}
	a.once.Do(func() {
		if err := a.fs.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			a.err = fmt.Errorf("removing cookie artifact %s: %w", a.Path, err)
			return
		}
		log.WithField("path", a.Path).Debug("released cookie artifact")
	})
	return a.err
}

// ToJar converts a name/value map into a jar artifact scoped to PlaceholderDomain.
func (m *Materializer) ToJar(cookieMap map[string]string) (*Artifact, error) {
	return m.write(tempPrefix, FormatJar(cookieMap))
}

// FromUploadedContent writes caller-supplied jar text verbatim.
func (m *Materializer) FromUploadedContent(rawText string) (*Artifact, error) {
	return m.write(uploadedPrefix, rawText)
}

func (m *Materializer) write(prefix, content string) (*Artifact, error) {
	if err := m.fs.MkdirAll(m.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cookie dir: %w", err)
	}

	name := fmt.Sprintf("%s_%d_%s.txt", prefix, m.now().UnixNano(), uuid.NewString()[:8])
	path := filepath.Join(m.dir, name)

	if err := afero.WriteFile(m.fs, path, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("writing cookie artifact: %w", err)
	}

	log.WithField("path", path).Debug("materialized cookie artifact")
	return &Artifact{Path: path, fs: m.fs}, nil
}

// isArtifact reports whether name was written by a Materializer.
func isArtifact(name string) bool {
	return strings.HasPrefix(name, tempPrefix+"_") || strings.HasPrefix(name, uploadedPrefix+"_")
}
