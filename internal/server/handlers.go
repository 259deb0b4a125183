package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"hlsgrab/internal/cookies"
	"hlsgrab/internal/extract"
	"hlsgrab/internal/httputil"
	"hlsgrab/internal/media"
	"hlsgrab/internal/resolve"
)

// maxUploadMemory bounds the in-memory part of a multipart upload.
const maxUploadMemory = 2 << 20

// authBody holds the cookie and header options shared by the resolving endpoints.
type authBody struct {
	CookiesFile    string            `json:"cookies_file"`
	Cookies        map[string]string `json:"cookies"`
	CookiesContent string            `json:"cookies_content"`
	Headers        map[string]string `json:"headers"`
	UserAgent      string            `json:"user_agent"`
}

func (a authBody) auth(r *http.Request) resolve.Auth {
	return resolve.Auth{
		CookiesFile:    a.CookiesFile,
		Cookies:        a.Cookies,
		CookiesContent: a.CookiesContent,
		Headers:        a.Headers,
		CallerIP:       httputil.ClientIP(r),
		UserAgent:      a.UserAgent,
	}
}

type extractRequest struct {
	URL      string `json:"url"`
	BestOnly bool   `json:"best_only"`
	Verify   bool   `json:"verify"`
	authBody
}

type extractResponse struct {
	Success      bool                     `json:"success"`
	URL          string                   `json:"url"`
	Title        string                   `json:"title"`
	Duration     *float64                 `json:"duration"`
	Uploader     string                   `json:"uploader"`
	Thumbnail    string                   `json:"thumbnail"`
	Source       media.SourceProvider     `json:"source"`
	Formats      []media.StreamDescriptor `json:"hls_formats"`
	FormatsCount int                      `json:"hls_formats_count"`
	IsPCloud     bool                     `json:"is_pcloud"`
	ClientIP     string                   `json:"client_ip"`
	UsedCookies  bool                     `json:"used_cookies"`
	UsedHeaders  bool                     `json:"used_headers"`
	Strategy     string                   `json:"strategy,omitempty"`
	Attempts     []extract.Attempt        `json:"attempts,omitempty"`
	Notes        []string                 `json:"notes,omitempty"`
}

// Extract handles POST /extract.
func (s *Server) Extract(w http.ResponseWriter, r *http.Request) {
	var body extractRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeFailure(w, r, err)
		return
	}

	auth := body.auth(r)
	out, err := s.svc.Extract(r.Context(), resolve.Request{
		URL:      body.URL,
		BestOnly: body.BestOnly,
		Verify:   body.Verify,
		Auth:     auth,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, extractResponse{
		Success:      true,
		URL:          out.URL,
		Title:        out.Title,
		Duration:     out.DurationSeconds,
		Uploader:     out.Uploader,
		Thumbnail:    out.ThumbnailURL,
		Source:       out.SourceProvider,
		Formats:      nonNil(out.Streams),
		FormatsCount: len(out.Streams),
		IsPCloud:     out.IsPCloud,
		ClientIP:     auth.CallerIP,
		UsedCookies:  out.UsedCookies,
		UsedHeaders:  out.UsedHeaders,
		Strategy:     out.Strategy,
		Attempts:     out.Attempts,
		Notes:        out.Notes,
	})
}

type pcloudRequest struct {
	URL      string `json:"url"`
	Method   string `json:"method"`
	BestOnly bool   `json:"best_only"`
	Verify   bool   `json:"verify"`
	authBody
}

type pcloudResponse struct {
	Success      bool                     `json:"success"`
	URL          string                   `json:"url"`
	Method       string                   `json:"method"`
	ChosenMethod string                   `json:"chosen_method"`
	Methods      []resolve.MethodResult   `json:"methods"`
	Title        string                   `json:"title"`
	Duration     *float64                 `json:"duration"`
	Thumbnail    string                   `json:"thumbnail"`
	Source       media.SourceProvider     `json:"source"`
	Formats      []media.StreamDescriptor `json:"formats"`
	FormatsCount int                      `json:"formats_count"`
	Best         *media.StreamDescriptor  `json:"best_format"`
	Strategy     string                   `json:"strategy"`
	Attempts     []extract.Attempt        `json:"attempts,omitempty"`
	ClientIP     string                   `json:"client_ip"`
	Notes        []string                 `json:"notes,omitempty"`
}

// ExtractPCloud handles POST /extract-pcloud.
func (s *Server) ExtractPCloud(w http.ResponseWriter, r *http.Request) {
	var body pcloudRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeFailure(w, r, err)
		return
	}

	auth := body.auth(r)
	out, err := s.svc.ExtractPCloud(r.Context(), resolve.PCloudRequest{
		URL:      body.URL,
		Method:   body.Method,
		BestOnly: body.BestOnly,
		Verify:   body.Verify,
		Auth:     auth,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	res := out.Result
	writeJSON(w, http.StatusOK, pcloudResponse{
		Success:      true,
		URL:          out.URL,
		Method:       out.Method,
		ChosenMethod: out.Chosen,
		Methods:      out.Methods,
		Title:        res.Title,
		Duration:     res.DurationSeconds,
		Thumbnail:    res.ThumbnailURL,
		Source:       res.SourceProvider,
		Formats:      nonNil(res.Streams),
		FormatsCount: len(res.Streams),
		Best:         out.Best,
		Strategy:     res.Strategy,
		Attempts:     res.Attempts,
		ClientIP:     auth.CallerIP,
		Notes:        res.Notes,
	})
}

type formatsRequest struct {
	URL      string `json:"url"`
	Protocol string `json:"protocol"`
	authBody
}

// Formats handles POST /formats.
func (s *Server) Formats(w http.ResponseWriter, r *http.Request) {
	var body formatsRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeFailure(w, r, err)
		return
	}

	out, err := s.svc.Formats(r.Context(), resolve.FormatsRequest{
		URL:      body.URL,
		Protocol: body.Protocol,
		Auth:     body.auth(r),
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"url":             out.URL,
		"title":           out.Title,
		"is_pcloud":       out.IsPCloud,
		"protocol_filter": body.Protocol,
		"formats":         nonNil(out.Formats),
		"total_formats":   len(out.Formats),
	})
}

type infoResponse struct {
	Success bool `json:"success"`
	*resolve.Info
	ProtocolsAvailable map[string]int `json:"protocols_available"`
	IsPCloud           bool           `json:"is_pcloud"`
	UsedCookies        bool           `json:"used_cookies"`
	UsedHeaders        bool           `json:"used_headers"`
}

// Info handles POST /info.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	var body extractRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeFailure(w, r, err)
		return
	}

	info, err := s.svc.Info(r.Context(), resolve.Request{URL: body.URL, Auth: body.auth(r)})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, infoResponse{
		Success:            true,
		Info:               info,
		ProtocolsAvailable: info.Protocols,
		IsPCloud:           info.IsPCloud,
		UsedCookies:        info.UsedCookies,
		UsedHeaders:        info.UsedHeaders,
	})
}

type downloadRequest struct {
	URL      string `json:"url"`
	FormatID string `json:"format_id"`
	authBody
}

// Download handles POST /download.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	var body downloadRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeFailure(w, r, err)
		return
	}

	res, err := s.svc.Download(r.Context(), resolve.DownloadRequest{
		URL:      body.URL,
		FormatID: body.FormatID,
		Auth:     body.auth(r),
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "download completed",
		"title":    res.Title,
		"filename": res.Filename,
	})
}

// SupportedSites handles GET /supported-sites.
func (s *Server) SupportedSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.svc.SupportedSites(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   sites.Count,
		"sites":   sites.Sites,
		"note":    fmt.Sprintf("showing %d of %d extractors", len(sites.Sites), sites.Count),
	})
}

// UploadCookies handles POST /upload-cookies with a multipart cookies_file field.
func (s *Server) UploadCookies(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid upload: %w", err))
		return
	}
	file, header, err := r.FormFile("cookies_file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, errors.New("no cookies_file in request"))
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	jar, err := s.store.Save(header.Filename, file)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	requestLogger(r).WithField("cookie_id", jar.ID).Info("cookies uploaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "cookies uploaded",
		"cookie_id": jar.ID,
		"size":      jar.Size,
	})
}

// ListCookies handles GET /cookies.
func (s *Server) ListCookies(w http.ResponseWriter, r *http.Request) {
	jars, err := s.store.List()
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	for i := range jars {
		jars[i].Path = ""
	}
	if jars == nil {
		jars = []cookies.StoredJar{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cookies": jars,
		"count":   len(jars),
	})
}

// DeleteCookies handles DELETE /cookies/{id}.
func (s *Server) DeleteCookies(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.Delete(id); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("deleted %s", id),
	})
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Home handles GET / with a short endpoint index.
func (s *Server) Home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "hlsgrab",
		"endpoints": map[string]string{
			"POST /extract":        "HLS formats of a URL {url, best_only?, verify?, cookies?, cookies_file?, cookies_content?, headers?}",
			"POST /extract-pcloud": "pCloud link by method {url, method: auto|hls|direct}",
			"POST /formats":        "every format {url, protocol?}",
			"POST /info":           "metadata summary {url}",
			"POST /download":       "download via the backend {url, format_id?}",
			"POST /upload-cookies": "multipart cookies_file, Netscape format",
			"GET /cookies":         "list uploaded cookie files",
			"DELETE /cookies/{id}": "delete an uploaded cookie file",
			"GET /supported-sites": "backend extractors",
			"GET /health":          "liveness",
		},
		"cookie_options": map[string]string{
			"cookies_file":    "id returned by /upload-cookies",
			"cookies":         "name/value object",
			"cookies_content": "raw Netscape cookie file text",
			"headers":         "extra request headers",
		},
	})
}

func nonNil(ds []media.StreamDescriptor) []media.StreamDescriptor {
	if ds == nil {
		return []media.StreamDescriptor{}
	}
	return ds
}
