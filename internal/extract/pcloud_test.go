package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hlsgrab/internal/media"
)

const (
	validPage = `<html><head><script>var publinkData = {"name":"clip.mp4","duration":"61.5","thumb":"https://t/x.jpg",
"variants":[
 {"transcodetype":"hls","path":"/hls/720.m3u8","hosts":["c1.pcloud.com"],"height":720,"videobitrate":2000,"id":"a"},
 {"transcodetype":"hls","path":"/hls/1080.m3u8","hosts":["c1.pcloud.com"],"height":1080,"videobitrate":4000,"id":"b"},
 {"transcodetype":"mp4","path":"/v.mp4","hosts":["c1.pcloud.com"],"height":1080,"id":"c"}
]};</script></head><body></body></html>`

	restrictedPage = `<html><body><h1>Error</h1><p>This link was generated for another IP address.</p></body></html>`

	mp4OnlyPage = `<html><script>var publinkData = {"name":"x","variants":[{"transcodetype":"mp4","path":"/v.mp4","hosts":["h"]}]};</script></html>`

	badCodeJSON = `{"result":7001,"error":"Invalid link 'code'."}`
)

// fakePCloud serves the page, regenerated page and API endpoints over TLS.
type fakePCloud struct {
	srv *httptest.Server

	page        func(r *http.Request) string
	regenPage   string
	regenJSON   string
	showJSON    string
	fileDLJSON  string
	mu          sync.Mutex
	pageHits    int
	showHits    int
	regenerates int
}

func newFakePCloud(t *testing.T) *fakePCloud {
	t.Helper()
	f := &fakePCloud{
		page:      func(*http.Request) string { return restrictedPage },
		regenJSON: badCodeJSON,
		showJSON:  badCodeJSON,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/publink/show", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.pageHits++
		f.mu.Unlock()
		fmt.Fprint(w, f.page(r))
	})
	mux.HandleFunc("/regen", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, f.regenPage)
	})
	mux.HandleFunc("/getpublinkdownload", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fileid") != "" {
			fmt.Fprint(w, f.fileDLJSON)
			return
		}
		f.mu.Lock()
		f.regenerates++
		f.mu.Unlock()
		fmt.Fprint(w, f.regenJSON)
	})
	mux.HandleFunc("/showpublink", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.showHits++
		f.mu.Unlock()
		fmt.Fprint(w, f.showJSON)
	})

	f.srv = httptest.NewTLSServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePCloud) host() string { return f.srv.Listener.Addr().String() }

func (f *fakePCloud) pageURL() string { return f.srv.URL + "/publink/show?code=ABC" }

func (f *fakePCloud) scraper() *PCloud {
	return NewPCloud(Options{
		Transport:   f.srv.Client().Transport,
		APIBase:     f.srv.URL,
		PageTimeout: 2 * time.Second,
		APITimeout:  2 * time.Second,
	})
}

func strategiesOf(attempts []Attempt) []string {
	var names []string
	for _, a := range attempts {
		if len(names) == 0 || names[len(names)-1] != a.Strategy {
			names = append(names, a.Strategy)
		}
	}
	return names
}

func TestDirectStrategySucceeds(t *testing.T) {
	f := newFakePCloud(t)
	f.page = func(*http.Request) string { return validPage }

	res, err := f.scraper().Resolve(context.Background(), f.pageURL(), media.ExtractionContext{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Strategy != StrategyDirect || len(res.Attempts) != 1 {
		t.Errorf("strategy = %s, attempts = %v", res.Strategy, res.Attempts)
	}
	if len(res.Streams) != 2 || res.SourceProvider != media.SourcePCloudHLS {
		t.Fatalf("streams = %+v", res.Streams)
	}
	if res.Title != "clip.mp4" || res.DurationSeconds == nil || *res.DurationSeconds != 61.5 {
		t.Errorf("metadata = %q %v", res.Title, res.DurationSeconds)
	}
	if f.pageHits != 1 {
		t.Errorf("page fetched %d times, want 1", f.pageHits)
	}
}

func TestStrategyChainStopsAtFirstSuccess(t *testing.T) {
	tests := []struct {
		name         string
		ectx         media.ExtractionContext
		page         func(r *http.Request) string
		wantStrategy string
		wantHits     int
	}{
		{
			name: "caller ip forwarding",
			ectx: media.ExtractionContext{CallerIP: "203.0.113.9"},
			page: func(r *http.Request) string {
				if r.Header.Get("X-Real-IP") == "203.0.113.9" && r.Header.Get("X-Forwarded-For") == "203.0.113.9" {
					return validPage
				}
				return restrictedPage
			},
			wantStrategy: StrategyCallerIP,
			wantHits:     2,
		},
		{
			name: "user agent rotation",
			page: func(r *http.Request) string {
				if strings.Contains(r.Header.Get("User-Agent"), "Firefox") {
					return validPage
				}
				return restrictedPage
			},
			wantStrategy: StrategyUserAgents,
			wantHits:     4, // direct + three agents; caller-ip makes no request
		},
		{
			name: "header spoofing",
			page: func(r *http.Request) string {
				if r.Header.Get("True-Client-IP") == "9.9.9.9" && r.Header.Get("CF-Connecting-IP") == "9.9.9.9" {
					return validPage
				}
				return restrictedPage
			},
			wantStrategy: StrategySpoofHeaders,
			wantHits:     1 + len(userAgents) + 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakePCloud(t)
			f.page = tt.page

			res, err := f.scraper().ExtractHLS(context.Background(), f.pageURL(), tt.ectx)
			if err != nil {
				t.Fatalf("ExtractHLS() error = %v", err)
			}
			if res.Strategy != tt.wantStrategy {
				t.Errorf("strategy = %s, want %s", res.Strategy, tt.wantStrategy)
			}
			if f.pageHits != tt.wantHits {
				t.Errorf("page fetched %d times, want %d", f.pageHits, tt.wantHits)
			}
			if f.regenerates != 0 {
				t.Error("link regeneration ran after an earlier success")
			}
			if last := res.Attempts[len(res.Attempts)-1]; !last.OK() {
				t.Errorf("last attempt = %v, want ok", last)
			}
		})
	}
}

func TestLinkRegeneration(t *testing.T) {
	f := newFakePCloud(t)
	f.regenPage = validPage
	f.regenJSON = fmt.Sprintf(`{"result":0,"path":"/regen","hosts":[%q],"expires":"Sat, 17 Oct 2026 12:00:00 +0000"}`, f.host())

	res, err := f.scraper().Resolve(context.Background(), f.pageURL(), media.ExtractionContext{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Strategy != StrategyRegenerate {
		t.Errorf("strategy = %s, want %s", res.Strategy, StrategyRegenerate)
	}
	if len(res.Notes) == 0 {
		t.Error("expected a note naming the strategy")
	}
	if f.showHits != 0 {
		t.Error("direct-download fallback ran after the page was fetched")
	}
}

func TestAllStrategiesRestricted(t *testing.T) {
	f := newFakePCloud(t)
	f.regenJSON = fmt.Sprintf(`{"result":0,"path":"/publink/show","hosts":[%q]}`, f.host())

	_, err := f.scraper().Resolve(context.Background(), f.pageURL(), media.ExtractionContext{CallerIP: "203.0.113.9"})

	var failure *media.ExtractionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Resolve() error = %v, want ExtractionFailure", err)
	}
	if failure.Cause != media.CauseIPRestricted || failure.Hint == "" {
		t.Errorf("failure = %+v", failure)
	}

	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("failure does not carry the attempt list: %v", err)
	}
	want := []string{StrategyDirect, StrategyCallerIP, StrategyUserAgents, StrategySpoofHeaders, StrategyRegenerate, StrategyDirectDownload}
	got := strategiesOf(chainErr.Attempts)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("strategies attempted = %v, want %v", got, want)
	}
	for _, a := range chainErr.Attempts {
		if a.OK() {
			t.Errorf("attempt %v unexpectedly succeeded", a)
		}
	}
	if f.showHits != 1 {
		t.Errorf("showpublink called %d times, want 1", f.showHits)
	}
}

func TestExtractHLSDoesNotFallBack(t *testing.T) {
	f := newFakePCloud(t)

	_, err := f.scraper().ExtractHLS(context.Background(), f.pageURL(), media.ExtractionContext{})
	if media.CauseOf(err) != media.CauseIPRestricted {
		t.Errorf("ExtractHLS() error = %v, want ip-restricted", err)
	}
	if f.showHits != 0 {
		t.Error("ExtractHLS must not call the direct-download API")
	}
}

func TestResolveFallsBackToDirectDownload(t *testing.T) {
	f := newFakePCloud(t)
	f.showJSON = `{"result":0,"metadata":{"name":"Folder","isfolder":true,"contents":[
		{"name":"notes.txt","isfolder":false,"fileid":1,"contenttype":"text/plain","category":4},
		{"name":"Sub","isfolder":true,"contents":[
			{"name":"movie.mp4","isfolder":false,"fileid":77,"contenttype":"video/mp4","category":2,"size":1000,"height":720,"width":1280,"duration":"90.0"}
		]}
	]}}`
	f.fileDLJSON = `{"result":0,"path":"/dl/movie.mp4","hosts":["p-def1.pcloud.com"],"expires":"Sat, 17 Oct 2026 12:00:00 +0000"}`

	res, err := f.scraper().Resolve(context.Background(), f.pageURL(), media.ExtractionContext{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Strategy != StrategyDirectDownload || res.SourceProvider != media.SourcePCloudDirect {
		t.Errorf("result = %s / %s", res.Strategy, res.SourceProvider)
	}
	if len(res.Streams) != 1 {
		t.Fatalf("streams = %+v", res.Streams)
	}
	d := res.Streams[0]
	if d.URL != "https://p-def1.pcloud.com/dl/movie.mp4" || d.Transport != media.TransportProgressive || d.FormatID != "pcloud-direct-77" {
		t.Errorf("descriptor = %+v", d)
	}
	if res.Title != "movie.mp4" || *res.DurationSeconds != 90 {
		t.Errorf("metadata = %q %v", res.Title, res.DurationSeconds)
	}
}

func TestTerminalPageFailures(t *testing.T) {
	tests := []struct {
		name      string
		page      string
		wantCause string
	}{
		{"no hls variants", mp4OnlyPage, media.CauseNoHLSVariants},
		{"unparseable state", `<html><body>new layout</body></html>`, media.CauseUnparseableState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakePCloud(t)
			f.page = func(*http.Request) string { return tt.page }

			_, err := f.scraper().Resolve(context.Background(), f.pageURL(), media.ExtractionContext{})
			if media.CauseOf(err) != tt.wantCause {
				t.Errorf("Resolve() error = %v, want cause %s", err, tt.wantCause)
			}
			if f.pageHits != 1 {
				t.Errorf("page fetched %d times, want 1", f.pageHits)
			}
			if f.showHits != 0 {
				t.Error("direct-download fallback must not run after an unrestricted page")
			}
		})
	}
}

func TestExtractDirectNoVideo(t *testing.T) {
	f := newFakePCloud(t)
	f.showJSON = `{"result":0,"metadata":{"name":"Docs","isfolder":true,"contents":[{"name":"a.pdf","fileid":3,"contenttype":"application/pdf"}]}}`

	_, err := f.scraper().ExtractDirect(context.Background(), f.pageURL(), media.ExtractionContext{})
	if media.CauseOf(err) != media.CauseNoVideoEntry {
		t.Errorf("ExtractDirect() error = %v, want no-video-entry", err)
	}
}

func TestRequestHeadersCarryAuth(t *testing.T) {
	f := newFakePCloud(t)
	var got http.Header
	f.page = func(r *http.Request) string {
		got = r.Header.Clone()
		return validPage
	}

	ectx := media.ExtractionContext{
		CookieMap: map[string]string{"pcauth": "tok", "locale": "en"},
		Headers:   map[string]string{"Referer": "https://my.pcloud.com/"},
		UserAgent: "custom/1.0",
	}
	if _, err := f.scraper().Resolve(context.Background(), f.pageURL(), ectx); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Get("Cookie") != "locale=en; pcauth=tok" {
		t.Errorf("Cookie = %q", got.Get("Cookie"))
	}
	if got.Get("Referer") != "https://my.pcloud.com/" || got.Get("User-Agent") != "custom/1.0" {
		t.Errorf("headers = %v", got)
	}
}

func TestResolveCancelled(t *testing.T) {
	f := newFakePCloud(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.scraper().Resolve(ctx, f.pageURL(), media.ExtractionContext{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve() error = %v, want context.Canceled", err)
	}
}

// cancelOnTake cancels a context the moment a rotation slot is granted.
type cancelOnTake struct{ cancel context.CancelFunc }

func (l cancelOnTake) Take() time.Time {
	l.cancel()
	return time.Now()
}

func TestChainPaceHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &chain{limiter: cancelOnTake{cancel: cancel}}

	if err := c.pace(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("pace() error = %v, want context.Canceled after the wait", err)
	}
	if err := c.pace(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("pace() on a done context = %v, want context.Canceled", err)
	}
}

func TestResolutionsPaceIndependently(t *testing.T) {
	p := NewPCloud(Options{RequestsPerSecond: 1})

	a := p.newChain("https://u.pcloud.link/publink/show?code=A", media.ExtractionContext{})
	b := p.newChain("https://u.pcloud.link/publink/show?code=B", media.ExtractionContext{})
	if a.limiter == b.limiter {
		t.Fatal("two resolutions share one limiter")
	}

	// a fresh 1 rps limiter grants its first slot at once
	a.limiter.Take()
	start := time.Now()
	if err := b.pace(context.Background()); err != nil {
		t.Fatalf("pace() error = %v", err)
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Errorf("second resolution waited %v behind the first", waited)
	}
}

func TestEntryFirstVideo(t *testing.T) {
	root := &Entry{IsFolder: true, Contents: []Entry{
		{Name: "a.jpg", Category: 1},
		{Name: "clip", ContentType: "video/quicktime"},
		{Name: "b.mp4", Category: categoryVideo},
	}}
	if v := root.FirstVideo(); v == nil || v.Name != "clip" {
		t.Errorf("FirstVideo() = %+v, want clip", v)
	}

	single := &Entry{Name: "solo.mkv", Category: categoryVideo}
	if single.FirstVideo() != single {
		t.Error("a video link should resolve to itself")
	}

	if (&Entry{IsFolder: true}).FirstVideo() != nil {
		t.Error("empty folder should have no video")
	}
}
