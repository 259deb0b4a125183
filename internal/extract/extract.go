// Package extract resolves pCloud public links into stream descriptors.
//
// pCloud binds the links it embeds in a public-link page to the address that
// requested the page. When that address is not the caller's, the page carries
// a restriction notice instead of playable links. The scraper therefore runs
// an ordered list of page strategies, stopping at the first page without the
// notice, and falls back to the public download API when all of them fail.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"hlsgrab/internal/media"
)

// Scraper resolves provider URLs.
type Scraper interface {
	// Resolve runs the page strategies, then the direct-download fallback.
	Resolve(ctx context.Context, pageURL string, ectx media.ExtractionContext) (*Result, error)
	// ExtractHLS runs the page strategies only.
	ExtractHLS(ctx context.Context, pageURL string, ectx media.ExtractionContext) (*Result, error)
	// ExtractDirect runs the direct-download API path only.
	ExtractDirect(ctx context.Context, pageURL string, ectx media.ExtractionContext) (*Result, error)
}

// Result is a successful scrape.
type Result struct {
	media.ExtractionResult
	Strategy string    // name of the strategy that produced the result
	Attempts []Attempt // every attempt made, in order
}

// Attempt records one strategy or sub-attempt.
type Attempt struct {
	Strategy string `json:"strategy"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OK reports whether the attempt succeeded.
func (a Attempt) OK() bool { return a.Error == "" }

func (a Attempt) String() string {
	s := a.Strategy
	if a.Detail != "" {
		s += "(" + a.Detail + ")"
	}
	if a.OK() {
		return s + ": ok"
	}
	return s + ": " + a.Error
}

// ChainError lists the attempts of an exhausted strategy chain.
type ChainError struct {
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.String()
	}
	return "all strategies failed: " + strings.Join(parts, "; ")
}

// RestrictedHint is returned with ip-restricted failures.
const RestrictedHint = "pCloud bound this link to the address that opened it. " +
	"Open the link from the network this service runs on and retry, or request method=direct for a single-quality download URL."

// publinkCode returns the code query parameter of a public link.
func publinkCode(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parsing link: %w", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("link has no code parameter")
	}
	return code, nil
}
