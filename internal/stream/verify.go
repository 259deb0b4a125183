package stream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/grafov/m3u8"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"hlsgrab/internal/httputil"
	"hlsgrab/internal/media"
)

const (
	maxProbes        = 4
	maxPlaylistBytes = 2 * 1024 * 1024
)

// Verifier issues cheap existence probes against candidate URLs.
type Verifier struct {
	client *http.Client
}

// NewVerifier returns a Verifier whose probes each time out after timeout.
func NewVerifier(rt http.RoundTripper, timeout time.Duration) *Verifier {
	return &Verifier{client: httputil.NewClient(rt, timeout)}
}

// Verify probes every descriptor concurrently and returns copies marked
// verified, or carrying a warning when the probe failed. No candidate is
// ever removed: the provider may bind a link to the caller's address, which
// this process cannot reproduce.
func (v *Verifier) Verify(ctx context.Context, ds []media.StreamDescriptor) []media.StreamDescriptor {
	out := make([]media.StreamDescriptor, len(ds))
	copy(out, ds)

	p := pool.New().WithMaxGoroutines(maxProbes)
	for i := range out {
		d := &out[i]
		p.Go(func() {
			if err := v.probe(ctx, d); err != nil {
				d.Verified = false
				d.Warning = fmt.Sprintf("verification failed: %v", err)
				log.WithFields(log.Fields{"format_id": d.FormatID, "error": err}).Debug("stream probe failed")
				return
			}
			d.Verified = true
			d.Warning = ""
		})
	}
	p.Wait()

	return out
}

func (v *Verifier) probe(ctx context.Context, d *media.StreamDescriptor) error {
	status, err := v.do(ctx, http.MethodHead, d.URL, nil)
	if err != nil {
		return err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		var body []byte
		status, err = v.do(ctx, http.MethodGet, d.URL, &body)
		if err != nil {
			return err
		}
		if status < 400 && d.Transport == media.TransportHLS {
			if _, _, err := m3u8.DecodeFrom(bytes.NewReader(body), false); err != nil {
				return fmt.Errorf("not a playlist: %w", err)
			}
		}
	}
	if status >= 400 {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

func (v *Verifier) do(ctx context.Context, method, url string, body *[]byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", httputil.DefaultUserAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if body != nil {
		b, err := httputil.ReadLimited(resp, maxPlaylistBytes)
		if err != nil {
			return 0, err
		}
		*body = b
	}
	return resp.StatusCode, nil
}
