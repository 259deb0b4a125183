package resolve

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"hlsgrab/internal/cookies"
	"hlsgrab/internal/media"
)

// Auth is the caller-supplied authentication material of one request.
type Auth struct {
	CookiesFile    string            // id or path of a stored jar
	Cookies        map[string]string // name/value pairs
	CookiesContent string            // raw jar text
	Headers        map[string]string
	CallerIP       string
	UserAgent      string
}

// UsedCookies reports whether any cookie material was supplied.
func (a Auth) UsedCookies() bool {
	return a.CookiesFile != "" || len(a.Cookies) > 0 || a.CookiesContent != ""
}

// UsedHeaders reports whether custom headers were supplied.
func (a Auth) UsedHeaders() bool { return len(a.Headers) > 0 }

// scope owns the cookie artifacts created for one request.
type scope struct {
	ectx      media.ExtractionContext
	artifacts []*cookies.Artifact
}

func (sc *scope) release() {
	for _, a := range sc.artifacts {
		if err := a.Release(); err != nil {
			log.WithError(err).Warn("releasing cookie artifact")
		}
	}
	sc.artifacts = nil
}

// open builds the extraction context for a. Later sources take precedence
// for the jar handed to the backend: stored file, then uploaded content,
// then the name/value map. All cookies are merged for provider requests.
// The caller must release the scope on every path.
func (s *Service) open(a Auth) (*scope, error) {
	sc := &scope{ectx: media.ExtractionContext{
		Headers:   a.Headers,
		CallerIP:  a.CallerIP,
		UserAgent: a.UserAgent,
	}}
	merged := make(map[string]string)

	if a.CookiesFile != "" {
		path, err := s.store.Resolve(a.CookiesFile)
		switch {
		case err == nil:
			sc.ectx.CookieJarPath = path
			mergeJar(merged, s.readJar(path))
		case errors.Is(err, media.ErrNotFound):
			log.WithField("cookies_file", a.CookiesFile).Debug("cookies file not found, ignoring")
		default:
			return nil, err
		}
	}

	if a.CookiesContent != "" {
		art, err := s.materializer.FromUploadedContent(a.CookiesContent)
		if err != nil {
			sc.release()
			return nil, err
		}
		sc.artifacts = append(sc.artifacts, art)
		sc.ectx.CookieJarPath = art.Path
		mergeJar(merged, a.CookiesContent)
	}

	if len(a.Cookies) > 0 {
		art, err := s.materializer.ToJar(a.Cookies)
		if err != nil {
			sc.release()
			return nil, err
		}
		sc.artifacts = append(sc.artifacts, art)
		sc.ectx.CookieJarPath = art.Path
		for k, v := range a.Cookies {
			merged[k] = v
		}
	}

	if len(merged) > 0 {
		sc.ectx.CookieMap = merged
	}
	return sc, nil
}

func (s *Service) readJar(path string) string {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("reading cookies file")
		return ""
	}
	return string(data)
}

func mergeJar(dst map[string]string, text string) {
	entries, err := cookies.ParseJar(text)
	if err != nil {
		return
	}
	for k, v := range cookies.ToMap(entries) {
		dst[k] = v
	}
}
