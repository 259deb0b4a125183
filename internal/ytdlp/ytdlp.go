// Package ytdlp drives the yt-dlp executable as the generic extraction backend.
// Arguments are always passed as explicit slices and the target URL follows a
// "--" separator, so caller input can never be read as a flag.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"hlsgrab/internal/media"
)

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

// Options are the backend options recognised per request.
type Options struct {
	CookieJar   string            // path of a Netscape cookie jar
	Headers     map[string]string // extra request headers
	ExtractFlat bool              // list playlist entries without resolving them
}

func (o Options) args() []string {
	var args []string
	if o.CookieJar != "" {
		args = append(args, "--cookies", o.CookieJar)
	}

	keys := make([]string, 0, len(o.Headers))
	for k := range o.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--add-header", k+": "+o.Headers[k])
	}

	if o.ExtractFlat {
		args = append(args, "--flat-playlist")
	}
	return args
}

// OptionsFor builds backend options from an extraction context.
func OptionsFor(ectx media.ExtractionContext) Options {
	headers := make(map[string]string, len(ectx.Headers)+1)
	for k, v := range ectx.Headers {
		headers[k] = v
	}
	if ectx.UserAgent != "" {
		if _, ok := headers["User-Agent"]; !ok {
			headers["User-Agent"] = ectx.UserAgent
		}
	}
	return Options{CookieJar: ectx.CookieJarPath, Headers: headers}
}

// Client invokes yt-dlp.
type Client struct {
	path    string
	timeout time.Duration
	runner  Runner
}

// New returns a Client running the binary at path.
func New(path string, timeout time.Duration) *Client {
	return NewWithRunner(path, timeout, execRunner{})
}

// NewWithRunner returns a Client using a custom Runner.
func NewWithRunner(path string, timeout time.Duration, runner Runner) *Client {
	return &Client{path: path, timeout: timeout, runner: runner}
}

// Extract returns the backend metadata record for url. Every failure is
// reported as an ExtractionFailure with the backend-error cause.
func (c *Client) Extract(ctx context.Context, url string, opts Options) (*media.BackendInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{"-J", "--no-warnings", "--skip-download", "--no-playlist"}
	args = append(args, opts.args()...)
	args = append(args, "--", url)

	log.WithFields(log.Fields{"url": url, "cookies": opts.CookieJar != "", "headers": len(opts.Headers)}).Debug("invoking yt-dlp")

	out, err := c.runner.Run(ctx, c.path, args...)
	if err != nil {
		return nil, &media.ExtractionFailure{Cause: media.CauseBackend, Err: err}
	}

	var info media.BackendInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, &media.ExtractionFailure{Cause: media.CauseBackend, Err: fmt.Errorf("decoding yt-dlp output: %w", err)}
	}
	return &info, nil
}

// ListExtractors returns the extractor names the backend knows about.
func (c *Client) ListExtractors(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.runner.Run(ctx, c.path, "--list-extractors")
	if err != nil {
		return nil, &media.ExtractionFailure{Cause: media.CauseBackend, Err: err}
	}

	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// DownloadResult describes a finished backend download.
type DownloadResult struct {
	Title    string
	Filename string
	Path     string
}

type downloadInfo struct {
	media.BackendInfo
	Filename           string `json:"_filename"`
	RequestedDownloads []struct {
		Filepath string `json:"filepath"`
	} `json:"requested_downloads"`
}

// Download fetches url in formatID into outputDir, named after the title.
// It is bounded only by ctx.
func (c *Client) Download(ctx context.Context, url, formatID, outputDir string, opts Options) (*DownloadResult, error) {
	if formatID == "" {
		formatID = "best"
	}

	args := []string{
		"-f", formatID,
		"-o", filepath.Join(outputDir, "%(title)s.%(ext)s"),
		"--restrict-filenames",
		"--no-warnings", "--no-playlist", "--no-simulate", "-J",
	}
	args = append(args, opts.args()...)
	args = append(args, "--", url)

	log.WithFields(log.Fields{"url": url, "format": formatID, "dir": outputDir}).Info("starting backend download")

	out, err := c.runner.Run(ctx, c.path, args...)
	if err != nil {
		return nil, &media.ExtractionFailure{Cause: media.CauseBackend, Err: err}
	}

	var info downloadInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, &media.ExtractionFailure{Cause: media.CauseBackend, Err: fmt.Errorf("decoding yt-dlp output: %w", err)}
	}

	path := info.Filename
	if len(info.RequestedDownloads) > 0 && info.RequestedDownloads[0].Filepath != "" {
		path = info.RequestedDownloads[0].Filepath
	}

	return &DownloadResult{Title: info.Title, Filename: filepath.Base(path), Path: path}, nil
}
