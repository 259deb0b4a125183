package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"hlsgrab/internal/cookies"
	"hlsgrab/internal/httputil"
	"hlsgrab/internal/media"
	"hlsgrab/internal/stream"
)

// RestrictionMarker appears in pages whose links were generated for another address.
const RestrictionMarker = "generated for another IP address"

const maxPageSize = 5 * 1024 * 1024

// Strategy names, in chain order.
const (
	StrategyDirect         = "direct"
	StrategyCallerIP       = "caller-ip"
	StrategyUserAgents     = "user-agent-rotation"
	StrategySpoofHeaders   = "header-spoofing"
	StrategyRegenerate     = "link-regeneration"
	StrategyDirectDownload = "direct-download"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
}

var spoofIPs = []string{"8.8.8.8", "1.1.1.1", "9.9.9.9", "208.67.222.222"}

var spoofHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
	"X-Originating-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
}

var callerIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

var (
	errRestricted   = errors.New("link restricted to another IP address")
	errNoCallerIP   = errors.New("no caller IP")
	errNoVideoEntry = errors.New("public link contains no video file")
)

// Options configures a PCloud scraper.
type Options struct {
	Transport         http.RoundTripper // shared by every session; nil uses a hardened default
	APIBase           string
	PageTimeout       time.Duration
	APITimeout        time.Duration
	RequestsPerSecond int // pacing of rotation sub-attempts within one resolution; 0 disables pacing
}

// PCloud scrapes pCloud public links.
type PCloud struct {
	rt          http.RoundTripper
	pageTimeout time.Duration
	api         *API
	rps         int
}

var _ Scraper = (*PCloud)(nil)

// NewPCloud returns a PCloud scraper.
func NewPCloud(opts Options) *PCloud {
	rt := opts.Transport
	if rt == nil {
		rt = httputil.NewTransport()
	}
	return &PCloud{
		rt:          rt,
		pageTimeout: opts.PageTimeout,
		api:         NewAPI(opts.APIBase, rt, opts.APITimeout),
		rps:         opts.RequestsPerSecond,
	}
}

// chain carries the state of one resolution.
type chain struct {
	pageURL  string
	ectx     media.ExtractionContext
	attempts []Attempt
	limiter  ratelimit.Limiter
}

// newChain starts a resolution with its own pacing, so concurrent requests
// never queue behind each other.
func (p *PCloud) newChain(pageURL string, ectx media.ExtractionContext) *chain {
	limiter := ratelimit.NewUnlimited()
	if p.rps > 0 {
		limiter = ratelimit.New(p.rps)
	}
	log.WithFields(log.Fields{"url": pageURL, "auth": ectx.HasAuth()}).Debug("pcloud resolution started")
	return &chain{pageURL: pageURL, ectx: ectx, limiter: limiter}
}

// pace waits for the next rotation slot and reports whether ctx ended meanwhile.
func (c *chain) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.limiter.Take()
	return ctx.Err()
}

func (c *chain) record(strategy, detail string, err error) {
	a := Attempt{Strategy: strategy, Detail: detail}
	if err != nil {
		a.Error = err.Error()
	}
	c.attempts = append(c.attempts, a)

	log.WithFields(log.Fields{
		"strategy": strategy,
		"detail":   detail,
		"ok":       err == nil,
		"error":    a.Error,
	}).Debug("pcloud strategy attempt")
}

// headers builds the request header set. A non-empty userAgent replaces any
// caller-supplied one.
func (c *chain) headers(userAgent string) http.Header {
	h := httputil.BrowserHeaders(c.ectx.UserAgent)
	for k, v := range c.ectx.Headers {
		h.Set(k, v)
	}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	if len(c.ectx.CookieMap) > 0 {
		h.Set("Cookie", cookies.HeaderValue(c.ectx.CookieMap))
	}
	return h
}

type pageStrategy struct {
	name string
	run  func(ctx context.Context, c *chain) (string, error)
}

func (p *PCloud) pageStrategies() []pageStrategy {
	return []pageStrategy{
		{StrategyDirect, p.tryDirect},
		{StrategyCallerIP, p.tryCallerIP},
		{StrategyUserAgents, p.tryUserAgents},
		{StrategySpoofHeaders, p.trySpoofedIPs},
		{StrategyRegenerate, p.tryRegenerate},
	}
}

// Resolve implements Scraper.
func (p *PCloud) Resolve(ctx context.Context, pageURL string, ectx media.ExtractionContext) (*Result, error) {
	c := p.newChain(pageURL, ectx)

	body, strategy, err := p.fetchUnrestricted(ctx, c)
	if err == nil {
		return p.fromPage(body, strategy, c)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res, derr := p.direct(ctx, c)
	if derr != nil {
		log.WithField("url", pageURL).Warn("every pcloud strategy failed")
		return nil, restrictedFailure(c)
	}
	res.Notes = append(res.Notes, "page strategies were restricted; returned a direct download URL instead of HLS")
	return res, nil
}

// ExtractHLS implements Scraper.
func (p *PCloud) ExtractHLS(ctx context.Context, pageURL string, ectx media.ExtractionContext) (*Result, error) {
	c := p.newChain(pageURL, ectx)

	body, strategy, err := p.fetchUnrestricted(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, restrictedFailure(c)
	}
	return p.fromPage(body, strategy, c)
}

// ExtractDirect implements Scraper.
func (p *PCloud) ExtractDirect(ctx context.Context, pageURL string, ectx media.ExtractionContext) (*Result, error) {
	return p.direct(ctx, p.newChain(pageURL, ectx))
}

// fetchUnrestricted runs the page strategies in order and returns the first
// body free of the restriction marker.
func (p *PCloud) fetchUnrestricted(ctx context.Context, c *chain) (string, string, error) {
	for _, s := range p.pageStrategies() {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		body, err := s.run(ctx, c)
		if err == nil {
			log.WithFields(log.Fields{"url": c.pageURL, "strategy": s.name}).Info("pcloud page fetched")
			return body, s.name, nil
		}
	}
	return "", "", &ChainError{Attempts: c.attempts}
}

func (p *PCloud) fromPage(body, strategy string, c *chain) (*Result, error) {
	state, err := parseState(body)
	if err != nil {
		return nil, &media.ExtractionFailure{Cause: media.CauseUnparseableState, Err: err}
	}

	streams := stream.FromPublink(state)
	if len(streams) == 0 {
		return nil, &media.ExtractionFailure{
			Cause: media.CauseNoHLSVariants,
			Hint:  "the file has no HLS renditions; request method=direct for a download URL",
			Err:   fmt.Errorf("page state lists %d variants, none of them HLS", len(state.Variants)),
		}
	}

	res := &Result{
		ExtractionResult: media.ExtractionResult{
			Title:           state.Name,
			DurationSeconds: state.DurationSeconds.Ptr(),
			ThumbnailURL:    state.ThumbnailURL,
			SourceProvider:  media.SourcePCloudHLS,
			Streams:         streams,
		},
		Strategy: strategy,
		Attempts: c.attempts,
	}
	if strategy != StrategyDirect {
		res.Notes = append(res.Notes, "page fetched via "+strategy+" strategy")
	}
	return res, nil
}

func (p *PCloud) tryDirect(ctx context.Context, c *chain) (string, error) {
	body, err := p.fetchPage(ctx, c.pageURL, c.headers(""))
	c.record(StrategyDirect, "", err)
	return body, err
}

func (p *PCloud) tryCallerIP(ctx context.Context, c *chain) (string, error) {
	ip := c.ectx.CallerIP
	if ip == "" {
		c.record(StrategyCallerIP, "", errNoCallerIP)
		return "", errNoCallerIP
	}

	h := c.headers("")
	for _, name := range callerIPHeaders {
		h.Set(name, ip)
	}
	body, err := p.fetchPage(ctx, c.pageURL, h)
	c.record(StrategyCallerIP, ip, err)
	return body, err
}

func (p *PCloud) tryUserAgents(ctx context.Context, c *chain) (string, error) {
	var lastErr error
	for i, ua := range userAgents {
		if err := c.pace(ctx); err != nil {
			return "", err
		}

		body, err := p.fetchPage(ctx, c.pageURL, c.headers(ua))
		c.record(StrategyUserAgents, fmt.Sprintf("%d/%d", i+1, len(userAgents)), err)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (p *PCloud) trySpoofedIPs(ctx context.Context, c *chain) (string, error) {
	var lastErr error
	for _, ip := range spoofIPs {
		if err := c.pace(ctx); err != nil {
			return "", err
		}

		h := c.headers("")
		for _, name := range spoofHeaders {
			h.Set(name, ip)
		}
		body, err := p.fetchPage(ctx, c.pageURL, h)
		c.record(StrategySpoofHeaders, ip, err)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (p *PCloud) tryRegenerate(ctx context.Context, c *chain) (string, error) {
	code, err := publinkCode(c.pageURL)
	if err != nil {
		c.record(StrategyRegenerate, "", err)
		return "", err
	}

	link, err := p.api.PublinkDownload(ctx, code, 0)
	if err != nil {
		c.record(StrategyRegenerate, "api", err)
		return "", err
	}
	regenerated, err := link.URL()
	if err != nil {
		c.record(StrategyRegenerate, "api", err)
		return "", err
	}

	body, err := p.fetchPage(ctx, regenerated, c.headers(""))
	c.record(StrategyRegenerate, link.Hosts[0], err)
	return body, err
}

// direct resolves the first video in the link through the download API.
func (p *PCloud) direct(ctx context.Context, c *chain) (*Result, error) {
	fail := func(cause string, err error) (*Result, error) {
		c.record(StrategyDirectDownload, "", err)
		return nil, &media.ExtractionFailure{Cause: cause, Err: err}
	}

	code, err := publinkCode(c.pageURL)
	if err != nil {
		return fail(media.CauseAPI, err)
	}
	meta, err := p.api.ShowPublink(ctx, code)
	if err != nil {
		return fail(media.CauseAPI, err)
	}
	entry := meta.FirstVideo()
	if entry == nil {
		return fail(media.CauseNoVideoEntry, errNoVideoEntry)
	}
	link, err := p.api.PublinkDownload(ctx, code, entry.FileID)
	if err != nil {
		return fail(media.CauseAPI, err)
	}
	u, err := link.URL()
	if err != nil {
		return fail(media.CauseAPI, err)
	}
	c.record(StrategyDirectDownload, entry.Name, nil)

	d := stream.FromDirect(media.DirectFile{
		FileID:      entry.FileID,
		Name:        entry.Name,
		ContentType: entry.ContentType,
		SizeBytes:   entry.Size,
		Height:      entry.Height,
		Width:       entry.Width,
		URL:         u,
		Host:        link.Hosts[0],
		Expires:     link.Expires,
	})

	return &Result{
		ExtractionResult: media.ExtractionResult{
			Title:           entry.Name,
			DurationSeconds: entry.Duration.Ptr(),
			SourceProvider:  media.SourcePCloudDirect,
			Streams:         []media.StreamDescriptor{d},
			Notes:           []string{"direct download: single quality, not adaptive"},
		},
		Strategy: StrategyDirectDownload,
		Attempts: c.attempts,
	}, nil
}

// fetchPage GETs pageURL in a fresh session. A non-2xx status, a transport
// error or the restriction marker all count as failure.
func (p *PCloud) fetchPage(ctx context.Context, pageURL string, header http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header = header

	resp, err := httputil.NewSession(p.rt, p.pageTimeout).Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := httputil.ReadLimited(resp, maxPageSize)
	if err != nil {
		return "", err
	}
	page := string(body)
	if strings.Contains(page, RestrictionMarker) {
		return "", errRestricted
	}
	return page, nil
}

func restrictedFailure(c *chain) error {
	return &media.ExtractionFailure{
		Cause: media.CauseIPRestricted,
		Hint:  RestrictedHint,
		Err:   &ChainError{Attempts: c.attempts},
	}
}
