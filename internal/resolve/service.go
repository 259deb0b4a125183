// Package resolve orchestrates a resolution: it scopes cookie artifacts to
// the request, routes the URL to the generic backend or the provider scraper,
// and optionally verifies and ranks the resulting descriptors.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"hlsgrab/internal/cookies"
	"hlsgrab/internal/download"
	"hlsgrab/internal/extract"
	"hlsgrab/internal/httputil"
	"hlsgrab/internal/media"
	"hlsgrab/internal/provider"
	"hlsgrab/internal/stream"
	"hlsgrab/internal/ytdlp"
)

// maxListedSites caps the supported-sites listing.
const maxListedSites = 50

// Backend is the generic extraction backend.
type Backend interface {
	Extract(ctx context.Context, url string, opts ytdlp.Options) (*media.BackendInfo, error)
	ListExtractors(ctx context.Context) ([]string, error)
}

// Downloader saves media through the backend.
type Downloader interface {
	Download(ctx context.Context, url, formatID string, opts ytdlp.Options) (*download.Result, error)
}

// Verifier probes descriptors.
type Verifier interface {
	Verify(ctx context.Context, ds []media.StreamDescriptor) []media.StreamDescriptor
}

// Deps are the collaborators of a Service.
type Deps struct {
	Backend       Backend
	Scraper       extract.Scraper
	Verifier      Verifier
	Downloader    Downloader
	Materializer  *cookies.Materializer
	Store         *cookies.Store
	Fs            afero.Fs
	VerifyStreams bool // verify every result, not only when asked
}

// Service resolves media URLs.
type Service struct {
	backend      Backend
	scraper      extract.Scraper
	verifier     Verifier
	downloader   Downloader
	materializer *cookies.Materializer
	store        *cookies.Store
	fs           afero.Fs
	verifyAll    bool
}

// New returns a Service.
func New(d Deps) *Service {
	return &Service{
		backend:      d.Backend,
		scraper:      d.Scraper,
		verifier:     d.Verifier,
		downloader:   d.Downloader,
		materializer: d.Materializer,
		store:        d.Store,
		fs:           d.Fs,
		verifyAll:    d.VerifyStreams,
	}
}

// Request asks for the streams of a URL.
type Request struct {
	URL      string
	BestOnly bool
	Verify   bool
	Auth
}

// Extraction is the outcome of Extract.
type Extraction struct {
	media.ExtractionResult
	URL         string
	IsPCloud    bool
	UsedCookies bool
	UsedHeaders bool
	Strategy    string
	Attempts    []extract.Attempt
}

// Extract resolves the adaptive streams of req.URL. Generic results are
// limited to HLS descriptors.
func (s *Service) Extract(ctx context.Context, req Request) (*Extraction, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}

	sc, err := s.open(req.Auth)
	if err != nil {
		return nil, err
	}
	defer sc.release()

	out := &Extraction{
		URL:         req.URL,
		UsedCookies: req.UsedCookies(),
		UsedHeaders: req.UsedHeaders(),
	}

	if provider.Classify(req.URL) == provider.PCloud {
		res, err := s.scraper.Resolve(ctx, req.URL, sc.ectx)
		if err != nil {
			return nil, err
		}
		out.ExtractionResult = res.ExtractionResult
		out.IsPCloud = true
		out.Strategy = res.Strategy
		out.Attempts = res.Attempts
	} else {
		info, err := s.backend.Extract(ctx, req.URL, ytdlp.OptionsFor(sc.ectx))
		if err != nil {
			return nil, err
		}
		out.ExtractionResult = fromBackend(info, stream.HLSOnly(stream.FromFormats(info.Formats)))
	}

	out.Streams = s.finish(ctx, out.Streams, req.Verify, req.BestOnly)

	log.WithFields(log.Fields{
		"url":      req.URL,
		"pcloud":   out.IsPCloud,
		"streams":  len(out.Streams),
		"strategy": out.Strategy,
	}).Info("extraction finished")
	return out, nil
}

// Method names accepted by ExtractPCloud.
const (
	MethodAuto   = "auto"
	MethodHLS    = "hls"
	MethodDirect = "direct"
)

// PCloudRequest selects the pCloud methods to run.
type PCloudRequest struct {
	URL      string
	Method   string
	BestOnly bool
	Verify   bool
	Auth
}

// MethodResult reports one method run by ExtractPCloud.
type MethodResult struct {
	Method   string `json:"method"`
	Success  bool   `json:"success"`
	Formats  int    `json:"formats_count"`
	Strategy string `json:"strategy,omitempty"`
	Cause    string `json:"cause,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PCloudExtraction is the outcome of ExtractPCloud.
type PCloudExtraction struct {
	URL     string
	Method  string
	Methods []MethodResult
	Chosen  string
	Result  *extract.Result
	Best    *media.StreamDescriptor
}

// MethodsError is returned when every selected method failed.
type MethodsError struct {
	Methods []MethodResult
	Last    error
}

func (e *MethodsError) Error() string {
	parts := lo.Map(e.Methods, func(m MethodResult, _ int) string { return m.Method + ": " + m.Error })
	return "all pcloud methods failed: " + strings.Join(parts, "; ")
}

func (e *MethodsError) Unwrap() error { return e.Last }

// ExtractPCloud runs the HLS pipeline, the direct-download path, or both in
// that order (auto), and reports each method's outcome.
func (s *Service) ExtractPCloud(ctx context.Context, req PCloudRequest) (*PCloudExtraction, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	if provider.Classify(req.URL) != provider.PCloud {
		return nil, &media.InvalidInputError{Field: "url", Reason: "not a pCloud public link"}
	}

	method := strings.ToLower(strings.TrimSpace(req.Method))
	if method == "" {
		method = MethodAuto
	}
	var methods []string
	switch method {
	case MethodAuto:
		methods = []string{MethodHLS, MethodDirect}
	case MethodHLS, MethodDirect:
		methods = []string{method}
	default:
		return nil, &media.InvalidInputError{Field: "method", Reason: fmt.Sprintf("unknown method %q (valid: auto, hls, direct)", req.Method)}
	}

	sc, err := s.open(req.Auth)
	if err != nil {
		return nil, err
	}
	defer sc.release()

	out := &PCloudExtraction{URL: req.URL, Method: method}
	var lastErr error
	for _, m := range methods {
		var res *extract.Result
		if m == MethodHLS {
			res, err = s.scraper.ExtractHLS(ctx, req.URL, sc.ectx)
		} else {
			res, err = s.scraper.ExtractDirect(ctx, req.URL, sc.ectx)
		}

		if err != nil {
			out.Methods = append(out.Methods, MethodResult{Method: m, Cause: media.CauseOf(err), Error: err.Error()})
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		out.Methods = append(out.Methods, MethodResult{Method: m, Success: true, Formats: len(res.Streams), Strategy: res.Strategy})
		res.Streams = s.finish(ctx, res.Streams, req.Verify, req.BestOnly)
		out.Chosen = m
		out.Result = res
		if best, ok := stream.SelectBest(res.Streams).Get(); ok {
			out.Best = &best
		}
		return out, nil
	}

	return nil, &MethodsError{Methods: out.Methods, Last: lastErr}
}

// FormatsRequest asks for every format of a URL.
type FormatsRequest struct {
	URL      string
	Protocol string
	Auth
}

// FormatList is the outcome of Formats.
type FormatList struct {
	URL      string
	Title    string
	IsPCloud bool
	Formats  []media.StreamDescriptor
}

// Formats returns every normalized format, optionally filtered by protocol.
func (s *Service) Formats(ctx context.Context, req FormatsRequest) (*FormatList, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}

	sc, err := s.open(req.Auth)
	if err != nil {
		return nil, err
	}
	defer sc.release()

	out := &FormatList{URL: req.URL}
	var all []media.StreamDescriptor
	if provider.Classify(req.URL) == provider.PCloud {
		res, err := s.scraper.Resolve(ctx, req.URL, sc.ectx)
		if err != nil {
			return nil, err
		}
		out.Title = res.Title
		out.IsPCloud = true
		all = res.Streams
	} else {
		info, err := s.backend.Extract(ctx, req.URL, ytdlp.OptionsFor(sc.ectx))
		if err != nil {
			return nil, err
		}
		out.Title = info.Title
		all = stream.FromFormats(info.Formats)
	}

	out.Formats = stream.FilterProtocol(all, req.Protocol)
	return out, nil
}

// Info is a metadata summary of a URL.
type Info struct {
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Duration     *float64       `json:"duration"`
	Uploader     string         `json:"uploader"`
	UploadDate   string         `json:"upload_date"`
	ViewCount    *int64         `json:"view_count"`
	LikeCount    *int64         `json:"like_count"`
	Thumbnail    string         `json:"thumbnail"`
	WebpageURL   string         `json:"webpage_url"`
	FormatsCount int            `json:"formats_count"`
	Protocols    map[string]int `json:"-"`
	IsPCloud     bool           `json:"-"`
	UsedCookies  bool           `json:"-"`
	UsedHeaders  bool           `json:"-"`
}

// Info returns the metadata summary and a per-protocol format histogram.
func (s *Service) Info(ctx context.Context, req Request) (*Info, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}

	sc, err := s.open(req.Auth)
	if err != nil {
		return nil, err
	}
	defer sc.release()

	out := &Info{UsedCookies: req.UsedCookies(), UsedHeaders: req.UsedHeaders()}
	if provider.Classify(req.URL) == provider.PCloud {
		res, err := s.scraper.Resolve(ctx, req.URL, sc.ectx)
		if err != nil {
			return nil, err
		}
		out.Title = res.Title
		out.Duration = res.DurationSeconds
		out.Thumbnail = res.ThumbnailURL
		out.WebpageURL = req.URL
		out.FormatsCount = len(res.Streams)
		out.Protocols = stream.ProtocolHistogram(res.Streams)
		out.IsPCloud = true
		return out, nil
	}

	info, err := s.backend.Extract(ctx, req.URL, ytdlp.OptionsFor(sc.ectx))
	if err != nil {
		return nil, err
	}
	out.Title = info.Title
	out.Description = info.Description
	out.Duration = info.Duration
	out.Uploader = info.Uploader
	out.UploadDate = info.UploadDate
	out.ViewCount = info.ViewCount
	out.LikeCount = info.LikeCount
	out.Thumbnail = info.Thumbnail
	out.WebpageURL = info.WebpageURL
	out.FormatsCount = len(info.Formats)
	out.Protocols = lo.CountValuesBy(info.Formats, func(f media.BackendFormat) string {
		return lo.Ternary(f.Protocol == "", "unknown", f.Protocol)
	})
	return out, nil
}

// DownloadRequest asks for a backend download.
type DownloadRequest struct {
	URL      string
	FormatID string
	Auth
}

// Download saves req.URL through the backend. pCloud links are refused.
func (s *Service) Download(ctx context.Context, req DownloadRequest) (*download.Result, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	if provider.Classify(req.URL) == provider.PCloud {
		return nil, &media.UnsupportedOperationError{Operation: "download", Provider: "pcloud"}
	}

	sc, err := s.open(req.Auth)
	if err != nil {
		return nil, err
	}
	defer sc.release()

	return s.downloader.Download(ctx, req.URL, req.FormatID, ytdlp.OptionsFor(sc.ectx))
}

// Sites is the supported-sites listing.
type Sites struct {
	Count int
	Sites []string
}

// SupportedSites lists the bespoke providers followed by the backend's
// extractors, truncated to the first 50.
func (s *Service) SupportedSites(ctx context.Context) (*Sites, error) {
	names, err := s.backend.ListExtractors(ctx)
	if err != nil {
		return nil, err
	}
	all := append([]string{"pcloud"}, names...)
	return &Sites{Count: len(all), Sites: lo.Slice(all, 0, maxListedSites)}, nil
}

// finish verifies and trims a descriptor list.
func (s *Service) finish(ctx context.Context, ds []media.StreamDescriptor, verify, bestOnly bool) []media.StreamDescriptor {
	if (verify || s.verifyAll) && s.verifier != nil && len(ds) > 0 {
		ds = s.verifier.Verify(ctx, ds)
	}
	if !bestOnly {
		return ds
	}
	if best, ok := stream.SelectBest(ds).Get(); ok {
		return []media.StreamDescriptor{best}
	}
	return []media.StreamDescriptor{}
}

func fromBackend(info *media.BackendInfo, streams []media.StreamDescriptor) media.ExtractionResult {
	return media.ExtractionResult{
		Title:           lo.Ternary(info.Title == "", "Unknown", info.Title),
		DurationSeconds: info.Duration,
		ThumbnailURL:    info.Thumbnail,
		Uploader:        info.Uploader,
		SourceProvider:  media.SourceGeneric,
		Streams:         streams,
	}
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &media.InvalidInputError{Field: "url", Reason: "URL is required"}
	}
	if err := httputil.ValidateURL(raw); err != nil {
		return &media.InvalidInputError{Field: "url", Reason: err.Error()}
	}
	return nil
}

// IsClientError reports whether err should be answered with a 4xx status.
func IsClientError(err error) bool {
	var invalid *media.InvalidInputError
	var unsupported *media.UnsupportedOperationError
	return errors.As(err, &invalid) || errors.As(err, &unsupported)
}
