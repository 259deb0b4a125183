package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"hlsgrab/internal/media"
)

// statePatterns locate the assignment that precedes the embedded page state.
// The provider has renamed the variable over time; patterns are tried in
// order and the first match is used. New variants go at the end.
var statePatterns = []*regexp.Regexp{
	regexp.MustCompile(`var\s+publinkData\s*=\s*`),
	regexp.MustCompile(`window\.publinkData\s*=\s*`),
	regexp.MustCompile(`(?:let|const)\s+publinkData\s*=\s*`),
}

// errNoState means no known assignment pattern occurs in the page.
var errNoState = errors.New("no embedded state assignment found")

// parseState extracts the embedded PublinkState from a page body.
func parseState(html string) (*media.PublinkState, error) {
	scripts := scriptTexts(html)

	for i, pat := range statePatterns {
		for _, text := range scripts {
			loc := pat.FindStringIndex(text)
			if loc == nil {
				continue
			}

			var state media.PublinkState
			dec := json.NewDecoder(strings.NewReader(text[loc[1]:]))
			if err := dec.Decode(&state); err != nil {
				return nil, fmt.Errorf("pattern %d matched but state is not valid JSON: %w", i, err)
			}
			return &state, nil
		}
	}
	return nil, errNoState
}

// scriptTexts returns the bodies of all <script> elements, or the whole
// document when there are none.
func scriptTexts(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return []string{html}
	}

	var texts []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if t := s.Text(); strings.TrimSpace(t) != "" {
			texts = append(texts, t)
		}
	})
	if len(texts) == 0 {
		return []string{html}
	}
	return texts
}
