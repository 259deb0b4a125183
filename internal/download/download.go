// Package download saves media through the generic backend into the
// configured downloads directory. Output names are derived from the title by
// the backend and validated against directory traversal afterwards.
package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"hlsgrab/internal/ytdlp"
)

// Backend performs the actual transfer.
type Backend interface {
	Download(ctx context.Context, url, formatID, outputDir string, opts ytdlp.Options) (*ytdlp.DownloadResult, error)
}

// Result describes a saved file.
type Result struct {
	Title    string `json:"title"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Service downloads into a single directory.
type Service struct {
	backend Backend
	dir     string
}

// New returns a Service writing into dir.
func New(backend Backend, dir string) *Service {
	return &Service{backend: backend, dir: dir}
}

// Download fetches url in formatID ("best" when empty).
func (s *Service) Download(ctx context.Context, url, formatID string, opts ytdlp.Options) (*Result, error) {
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, fmt.Errorf("resolving output directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	res, err := s.backend.Download(ctx, url, formatID, absDir, opts)
	if err != nil {
		return nil, err
	}

	path := res.Path
	if path == "" {
		path = filepath.Join(absDir, res.Filename)
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving output path: %w", err)
	}
	if !strings.HasPrefix(path, absDir+string(filepath.Separator)) {
		// Clean up whatever landed outside the directory.
		os.Remove(path)
		return nil, fmt.Errorf("path traversal detected: %q escapes %q", path, absDir)
	}

	log.WithFields(log.Fields{"url": url, "path": path}).Info("download finished")
	return &Result{Title: res.Title, Filename: filepath.Base(path), Path: path}, nil
}
