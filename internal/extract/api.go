package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"hlsgrab/internal/httputil"
	"hlsgrab/internal/media"
)

const maxAPIResponse = 4 * 1024 * 1024

// API is a client for the pCloud public-link API.
type API struct {
	base   string
	client *http.Client
}

// NewAPI returns an API client rooted at base (e.g. https://api.pcloud.com).
func NewAPI(base string, rt http.RoundTripper, timeout time.Duration) *API {
	return &API{
		base:   strings.TrimRight(base, "/"),
		client: httputil.NewClient(rt, timeout),
	}
}

type apiStatus struct {
	Result int    `json:"result"`
	Error  string `json:"error"`
}

// APIError is a non-zero result code reported by the API.
type APIError struct {
	Method string
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pcloud %s: result %d: %s", e.Method, e.Code, e.Msg)
}

// DownloadLink is a host/path pair returned by getpublinkdownload.
type DownloadLink struct {
	Path    string   `json:"path"`
	Hosts   []string `json:"hosts"`
	Expires string   `json:"expires"`
}

// URL builds the absolute link on the first host.
func (l DownloadLink) URL() (string, error) {
	if len(l.Hosts) == 0 || l.Path == "" {
		return "", errors.New("download link has no host or path")
	}
	return "https://" + l.Hosts[0] + l.Path, nil
}

// Entry is a file or folder in public-link metadata.
type Entry struct {
	Name        string          `json:"name"`
	IsFolder    bool            `json:"isfolder"`
	FileID      int64           `json:"fileid"`
	ContentType string          `json:"contenttype"`
	Category    int             `json:"category"`
	Size        int64           `json:"size"`
	Height      *int            `json:"height"`
	Width       *int            `json:"width"`
	Duration    media.FlexFloat `json:"duration"`
	Contents    []Entry         `json:"contents"`
}

// categoryVideo is the API's category code for video files.
const categoryVideo = 2

// IsVideo reports whether the entry is a video file.
func (e Entry) IsVideo() bool {
	return !e.IsFolder && (e.Category == categoryVideo || strings.HasPrefix(e.ContentType, "video/"))
}

// FirstVideo walks the tree depth-first and returns the first video file.
func (e *Entry) FirstVideo() *Entry {
	if e.IsVideo() {
		return e
	}
	for i := range e.Contents {
		if v := e.Contents[i].FirstVideo(); v != nil {
			return v
		}
	}
	return nil
}

// ShowPublink lists the metadata behind a public-link code.
func (a *API) ShowPublink(ctx context.Context, code string) (*Entry, error) {
	var resp struct {
		apiStatus
		Metadata Entry `json:"metadata"`
	}
	if err := a.call(ctx, "showpublink", url.Values{"code": {code}}, &resp, &resp.apiStatus); err != nil {
		return nil, err
	}
	return &resp.Metadata, nil
}

// PublinkDownload asks for a fresh download link. fileID 0 addresses the
// link's own file.
func (a *API) PublinkDownload(ctx context.Context, code string, fileID int64) (*DownloadLink, error) {
	params := url.Values{"code": {code}}
	if fileID != 0 {
		params.Set("fileid", strconv.FormatInt(fileID, 10))
	}

	var resp struct {
		apiStatus
		DownloadLink
	}
	if err := a.call(ctx, "getpublinkdownload", params, &resp, &resp.apiStatus); err != nil {
		return nil, err
	}
	return &resp.DownloadLink, nil
}

// call issues GET base/method?params. Transport errors and 5xx responses are
// retried; API result codes are not.
func (a *API) call(ctx context.Context, method string, params url.Values, out any, status *apiStatus) error {
	endpoint := a.base + "/" + method + "?" + params.Encode()

	err := retry.Do(
		func() error {
			return a.fetch(ctx, endpoint, out)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithFields(log.Fields{"method": method, "attempt": n + 1, "error": err}).Debug("retrying pcloud api call")
		}),
	)
	if err != nil {
		return fmt.Errorf("pcloud %s: %w", method, err)
	}

	if status.Result != 0 {
		return &APIError{Method: method, Code: status.Result, Msg: status.Error}
	}
	return nil
}

func (a *API) fetch(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", httputil.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return retry.Unrecoverable(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := httputil.ReadLimited(resp, maxAPIResponse)
	if errors.Is(err, httputil.ErrTooLarge) {
		return retry.Unrecoverable(err)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("decoding response: %w", err))
	}
	return nil
}
