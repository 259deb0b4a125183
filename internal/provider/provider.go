// Package provider classifies media URLs into the pipeline that can resolve them.
package provider

import (
	"net/url"
	"strings"
)

// Tag names the resolution pipeline for a URL.
type Tag string

const (
	Generic Tag = "generic"
	PCloud  Tag = "provider:pcloud"
)

// rule matches one provider URL shape. Both host and path must match when set.
type rule struct {
	tag          Tag
	hostSuffixes []string
	pathContains string
}

// rules are mutually exclusive, so evaluation order does not change the result.
var rules = []rule{
	{
		tag:          PCloud,
		hostSuffixes: []string{"pcloud.link", "pcloud.com"},
		pathContains: "/publink/",
	},
}

// Classify returns the provider tag for rawURL. It never fails: unparseable
// or unknown URLs are Generic.
func Classify(rawURL string) Tag {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return Generic
	}

	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)

	for _, r := range rules {
		if r.matches(host, path) {
			return r.tag
		}
	}
	return Generic
}

func (r rule) matches(host, path string) bool {
	hostOK := len(r.hostSuffixes) == 0
	for _, s := range r.hostSuffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			hostOK = true
			break
		}
	}
	if !hostOK {
		return false
	}
	return r.pathContains == "" || strings.Contains(path, r.pathContains)
}
