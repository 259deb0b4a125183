package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsgrab/internal/cookies"
	"hlsgrab/internal/download"
	"hlsgrab/internal/extract"
	"hlsgrab/internal/media"
	"hlsgrab/internal/resolve"
	"hlsgrab/internal/ytdlp"
)

const (
	pcloudLink     = "https://u.pcloud.link/publink/show?code=ABC"
	restrictedHTML = `<html><body><p>This link was generated for another IP address.</p></body></html>`
	badCodeJSON    = `{"result":7001,"error":"Invalid link 'code'."}`
)

type stubBackend struct {
	info *media.BackendInfo
}

func (b *stubBackend) Extract(context.Context, string, ytdlp.Options) (*media.BackendInfo, error) {
	return b.info, nil
}

func (b *stubBackend) ListExtractors(context.Context) ([]string, error) {
	return []string{"youtube", "vimeo"}, nil
}

type stubDownloader struct{}

func (stubDownloader) Download(context.Context, string, string, ytdlp.Options) (*download.Result, error) {
	return &download.Result{Title: "Clip", Filename: "Clip.mp4"}, nil
}

// rewriteTransport sends every request to target, whatever its original host.
type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = ""
	return t.base.RoundTrip(r)
}

// upstream fakes the pCloud page and API hosts.
type upstream struct {
	srv       *httptest.Server
	pageHits  atomic.Int32
	showJSON  string
	fileJSON  string
	pageHTML  string
	regenJSON string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{pageHTML: restrictedHTML, showJSON: badCodeJSON, regenJSON: badCodeJSON, fileJSON: badCodeJSON}

	mux := http.NewServeMux()
	mux.HandleFunc("/publink/show", func(w http.ResponseWriter, r *http.Request) {
		u.pageHits.Add(1)
		fmt.Fprint(w, u.pageHTML)
	})
	mux.HandleFunc("/showpublink", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, u.showJSON)
	})
	mux.HandleFunc("/getpublinkdownload", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fileid") != "" {
			fmt.Fprint(w, u.fileJSON)
			return
		}
		fmt.Fprint(w, u.regenJSON)
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

type testEnv struct {
	handler  http.Handler
	fs       afero.Fs
	upstream *upstream
	backend  *stubBackend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	up := newUpstream(t)
	target, err := url.Parse(up.srv.URL)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/cookies", 0o700))
	store := cookies.NewStore(fs, "/cookies")

	backend := &stubBackend{info: &media.BackendInfo{
		Title: "Generic clip",
		Formats: []media.BackendFormat{
			{FormatID: "hls-720", URL: "https://cdn.example.com/720.m3u8", Protocol: "m3u8_native"},
			{FormatID: "mp4", URL: "https://cdn.example.com/v.mp4", Protocol: "https"},
		},
	}}

	scraper := extract.NewPCloud(extract.Options{
		Transport:   rewriteTransport{target: target, base: http.DefaultTransport},
		APIBase:     "https://api.pcloud.com",
		PageTimeout: 2 * time.Second,
		APITimeout:  2 * time.Second,
	})

	svc := resolve.New(resolve.Deps{
		Backend:      backend,
		Scraper:      scraper,
		Downloader:   stubDownloader{},
		Materializer: cookies.NewMaterializer(fs, "/cookies"),
		Store:        store,
		Fs:           fs,
	})

	return &testEnv{handler: New(svc, store).Handler(), fs: fs, upstream: up, backend: backend}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestExtractGenericURL(t *testing.T) {
	env := newTestEnv(t)

	payload, _ := json.Marshal(map[string]any{"url": "https://example.com/watch/1", "headers": map[string]string{"Referer": "https://example.com"}})
	req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader(payload))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec, out := env.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])
	assert.Equal(t, false, out["is_pcloud"])
	assert.Equal(t, "Generic clip", out["title"])
	assert.Equal(t, "generic", out["source"])
	assert.EqualValues(t, 1, out["hls_formats_count"])
	assert.Equal(t, "203.0.113.7", out["client_ip"])
	assert.Equal(t, true, out["used_headers"])
	assert.Equal(t, false, out["used_cookies"])
	assert.Equal(t, int32(0), env.upstream.pageHits.Load())
}

func TestExtractPCloudIPRestricted(t *testing.T) {
	env := newTestEnv(t)

	rec, out := env.post(t, "/extract", map[string]any{"url": pcloudLink, "best_only": true})

	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	assert.Equal(t, false, out["success"])
	assert.Equal(t, media.CauseIPRestricted, out["cause"])
	assert.Equal(t, extract.RestrictedHint, out["suggestion"])
	assert.NotEmpty(t, out["attempts"])
	assert.NotContains(t, out, "hls_formats")
	// direct, caller-ip, four user agents and four spoofed addresses
	assert.Equal(t, int32(10), env.upstream.pageHits.Load())
}

func TestExtractPCloudAutoFallsBackToDirect(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.showJSON = `{"result":0,"metadata":{"name":"movie.mp4","isfolder":false,"fileid":77,"contenttype":"video/mp4","category":2,"height":720}}`
	env.upstream.fileJSON = `{"result":0,"path":"/dl/movie.mp4","hosts":["p-def1.pcloud.com"],"expires":"Sat, 17 Oct 2026 12:00:00 +0000"}`

	rec, out := env.post(t, "/extract-pcloud", map[string]any{"url": pcloudLink, "method": "auto"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "direct", out["chosen_method"])
	methods, ok := out["methods"].([]any)
	require.True(t, ok)
	require.Len(t, methods, 2)
	assert.Equal(t, false, methods[0].(map[string]any)["success"])
	assert.Equal(t, media.CauseIPRestricted, methods[0].(map[string]any)["cause"])
	assert.Equal(t, true, methods[1].(map[string]any)["success"])

	best, ok := out["best_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://p-def1.pcloud.com/dl/movie.mp4", best["url"])
}

func TestExtractPCloudAllMethodsFail(t *testing.T) {
	env := newTestEnv(t)

	rec, out := env.post(t, "/extract-pcloud", map[string]any{"url": pcloudLink})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	methods, ok := out["methods"].([]any)
	require.True(t, ok)
	assert.Len(t, methods, 2)
	assert.Equal(t, media.CauseAPI, out["cause"])
}

func TestBadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing url", "/extract", `{}`, http.StatusBadRequest},
		{"malformed json", "/extract", `{"url":`, http.StatusBadRequest},
		{"non http url", "/formats", `{"url":"file:///etc/passwd"}`, http.StatusBadRequest},
		{"unknown method", "/extract-pcloud", `{"url":"` + pcloudLink + `","method":"torrent"}`, http.StatusBadRequest},
		{"pcloud download", "/download", `{"url":"` + pcloudLink + `"}`, http.StatusBadRequest},
		{"stored jar outside dir", "/extract", `{"url":"https://example.com/v","cookies_file":"/etc/passwd"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			rec, out := env.do(t, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestFormatsAndInfo(t *testing.T) {
	env := newTestEnv(t)

	rec, out := env.post(t, "/formats", map[string]any{"url": "https://example.com/v", "protocol": "adaptive-hls"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["total_formats"])

	rec, out = env.post(t, "/info", map[string]any{"url": "https://example.com/v"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Generic clip", out["title"])
	assert.EqualValues(t, 2, out["formats_count"])
	assert.Equal(t, map[string]any{"m3u8_native": float64(1), "https": float64(1)}, out["protocols_available"])
}

func TestDownloadGeneric(t *testing.T) {
	env := newTestEnv(t)

	rec, out := env.post(t, "/download", map[string]any{"url": "https://example.com/v", "format_id": "best"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Clip.mp4", out["filename"])
}

func TestCookieLifecycle(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("cookies_file", "site.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("# Netscape HTTP Cookie File\n.example.com\tTRUE\t/\tFALSE\t0\tsid\t1\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-cookies", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec, out := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id, _ := out["cookie_id"].(string)
	require.True(t, strings.HasPrefix(id, "cookies_"), id)
	assert.True(t, strings.HasSuffix(id, "_site.txt"), id)

	rec, out = env.do(t, httptest.NewRequest(http.MethodGet, "/cookies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])

	rec, _ = env.post(t, "/extract", map[string]any{"url": "https://example.com/v", "cookies_file": id})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, httptest.NewRequest(http.MethodDelete, "/cookies/"+id, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, httptest.NewRequest(http.MethodDelete, "/cookies/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadWithoutFile(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-cookies", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec, out := env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no cookies_file in request", out["error"])
}

func TestMiddleware(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, httptest.NewRequest(http.MethodOptions, "/extract", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, out := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "fixed-id")
	rec, out = env.do(t, req)
	assert.Equal(t, "fixed-id", rec.Header().Get(RequestIDHeader))
	assert.Contains(t, out, "endpoints")
}

func TestSupportedSites(t *testing.T) {
	env := newTestEnv(t)

	rec, out := env.do(t, httptest.NewRequest(http.MethodGet, "/supported-sites", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, out["count"])
	assert.Equal(t, []any{"pcloud", "youtube", "vimeo"}, out["sites"])
}
