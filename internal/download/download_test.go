package download

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"hlsgrab/internal/ytdlp"
)

type fakeBackend struct {
	res     *ytdlp.DownloadResult
	err     error
	gotDir  string
	gotFmt  string
	gotOpts ytdlp.Options
}

func (f *fakeBackend) Download(_ context.Context, _, formatID, outputDir string, opts ytdlp.Options) (*ytdlp.DownloadResult, error) {
	f.gotDir, f.gotFmt, f.gotOpts = outputDir, formatID, opts
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func TestDownload(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		res      *ytdlp.DownloadResult
		err      error
		wantErr  bool
		wantFile string
	}{
		{"inside dir", &ytdlp.DownloadResult{Title: "Clip", Path: filepath.Join(dir, "Clip.mp4")}, nil, false, "Clip.mp4"},
		{"filename only", &ytdlp.DownloadResult{Title: "Clip", Filename: "Clip.webm"}, nil, false, "Clip.webm"},
		{"escapes dir", &ytdlp.DownloadResult{Path: filepath.Join(dir, "..", "evil.mp4")}, nil, true, ""},
		{"backend failure", nil, errors.New("boom"), true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{res: tt.res, err: tt.err}
			svc := New(backend, dir)

			got, err := svc.Download(context.Background(), "https://example.com/v", "22", ytdlp.Options{CookieJar: "/j.txt"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Download() error = %v, wantErr %v", err, tt.wantErr)
			}
			if backend.gotDir != dir || backend.gotFmt != "22" || backend.gotOpts.CookieJar != "/j.txt" {
				t.Errorf("backend called with dir=%q fmt=%q opts=%+v", backend.gotDir, backend.gotFmt, backend.gotOpts)
			}
			if err == nil && got.Filename != tt.wantFile {
				t.Errorf("Filename = %q, want %q", got.Filename, tt.wantFile)
			}
		})
	}
}
