// Package media defines shared types for the hlsgrab application.
package media

import "time"

// Transport is the delivery mechanism of a stream.
type Transport string

const (
	TransportHLS         Transport = "adaptive-hls"
	TransportProgressive Transport = "progressive-http"
	TransportUnknown     Transport = "unknown"
)

// SourceProvider identifies which pipeline produced a descriptor.
type SourceProvider string

const (
	SourceGeneric      SourceProvider = "generic"
	SourcePCloudHLS    SourceProvider = "pcloud-hls"
	SourcePCloudDirect SourceProvider = "pcloud-direct"
)

// StreamDescriptor is one playable or downloadable candidate.
// Optional numeric fields are nil when the provider did not report them.
type StreamDescriptor struct {
	FormatID        string         `json:"format_id"`
	URL             string         `json:"url"`
	Container       string         `json:"ext"`
	Protocol        string         `json:"protocol,omitempty"` // raw protocol as reported upstream
	Transport       Transport      `json:"transport"`
	Height          *int           `json:"height"`
	Width           *int           `json:"width"`
	FPS             *float64       `json:"fps"`
	Bitrate         *float64       `json:"tbr"` // total bitrate, kbps
	Quality         *float64       `json:"quality,omitempty"`
	Note            string         `json:"format_note,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	SourceProvider  SourceProvider `json:"source_provider"`
	Verified        bool           `json:"verified"`
	Warning         string         `json:"warning,omitempty"`
	Detected        string         `json:"detected,omitempty"`
	HostHint        string         `json:"host_hint,omitempty"`
	RefererRequired bool           `json:"referer_required,omitempty"`
}

// ExtractionContext is the per-request auth and identity bundle.
type ExtractionContext struct {
	CookieJarPath string            // owned by the request, released when it ends
	CookieMap     map[string]string // raw name/value cookies, also sent as a Cookie header to providers
	Headers       map[string]string
	CallerIP      string
	UserAgent     string
}

// HasAuth reports whether any cookie material is present.
func (c ExtractionContext) HasAuth() bool {
	return c.CookieJarPath != "" || len(c.CookieMap) > 0
}

// ExtractionResult is the output of one resolution.
type ExtractionResult struct {
	Title           string
	DurationSeconds *float64
	ThumbnailURL    string
	Uploader        string
	SourceProvider  SourceProvider
	Streams         []StreamDescriptor
	Notes           []string
}

// PublinkState is the state object pCloud embeds in a public link page.
type PublinkState struct {
	Name            string           `json:"name"`
	DurationSeconds FlexFloat        `json:"duration"`
	SizeBytes       int64            `json:"size"`
	ThumbnailURL    string           `json:"thumb"`
	Variants        []PublinkVariant `json:"variants"`
}

// PublinkVariant is one transcoded rendition inside a PublinkState.
type PublinkVariant struct {
	TranscodeType string    `json:"transcodetype"`
	Path          string    `json:"path"`
	Hosts         []string  `json:"hosts"`
	Height        *int      `json:"height"`
	Width         *int      `json:"width"`
	FPS           FlexFloat `json:"fps"`
	BitrateKbps   FlexFloat `json:"videobitrate"`
	ID            string    `json:"id"`
	Expires       string    `json:"expires"`
}

// BackendInfo is the metadata record returned by the generic extraction backend.
type BackendInfo struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Duration    *float64        `json:"duration"`
	Uploader    string          `json:"uploader"`
	UploadDate  string          `json:"upload_date"`
	ViewCount   *int64          `json:"view_count"`
	LikeCount   *int64          `json:"like_count"`
	Thumbnail   string          `json:"thumbnail"`
	WebpageURL  string          `json:"webpage_url"`
	Formats     []BackendFormat `json:"formats"`
}

// BackendFormat is a single format entry of a BackendInfo.
type BackendFormat struct {
	FormatID   string   `json:"format_id"`
	URL        string   `json:"url"`
	Ext        string   `json:"ext"`
	Protocol   string   `json:"protocol"`
	Quality    *float64 `json:"quality"`
	Height     *int     `json:"height"`
	Width      *int     `json:"width"`
	FPS        *float64 `json:"fps"`
	TBR        *float64 `json:"tbr"`
	ABR        *float64 `json:"abr"`
	VBR        *float64 `json:"vbr"`
	FormatNote string   `json:"format_note"`
	Filesize   *int64   `json:"filesize"`
	Language   string   `json:"language"`
}

// DirectFile is a single file resolved through the provider's download API.
type DirectFile struct {
	FileID      int64
	Name        string
	ContentType string
	SizeBytes   int64
	Height      *int
	Width       *int
	URL         string
	Host        string
	Expires     string
}
