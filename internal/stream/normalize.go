// Package stream normalizes raw provider output into StreamDescriptors,
// probes their reachability and ranks them.
package stream

import (
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/samber/lo"

	"hlsgrab/internal/media"
)

// DetectedByURL tags generic formats recognised as HLS only by their URL.
const DetectedByURL = "url_contains_m3u8"

var hlsProtocols = map[string]bool{"m3u8": true, "m3u8_native": true}

// FromFormats maps generic backend formats onto descriptors. Formats without
// a URL are dropped; missing numeric fields stay nil.
func FromFormats(formats []media.BackendFormat) []media.StreamDescriptor {
	out := make([]media.StreamDescriptor, 0, len(formats))
	for i, f := range formats {
		if f.URL == "" {
			continue
		}

		d := media.StreamDescriptor{
			FormatID:       f.FormatID,
			URL:            f.URL,
			Container:      f.Ext,
			Protocol:       f.Protocol,
			Height:         f.Height,
			Width:          f.Width,
			FPS:            f.FPS,
			Bitrate:        f.TBR,
			Quality:        f.Quality,
			Note:           f.FormatNote,
			SourceProvider: media.SourceGeneric,
		}
		if d.FormatID == "" {
			d.FormatID = fmt.Sprintf("format-%d", i)
		}

		switch {
		case hlsProtocols[f.Protocol]:
			d.Transport = media.TransportHLS
		case strings.Contains(f.URL, ".m3u8"):
			d.Transport = media.TransportHLS
			d.Detected = DetectedByURL
			if d.Protocol == "" {
				d.Protocol = "http"
			}
		case f.Protocol == "http" || f.Protocol == "https":
			d.Transport = media.TransportProgressive
		default:
			d.Transport = media.TransportUnknown
		}

		out = append(out, d)
	}
	return uniqueIDs(out)
}

// FromPublink converts the HLS variants of a pCloud page state. Variants of
// any other transcode type, or without a host or path, are skipped.
func FromPublink(state *media.PublinkState) []media.StreamDescriptor {
	if state == nil {
		return nil
	}

	var out []media.StreamDescriptor
	for i, v := range state.Variants {
		if !strings.EqualFold(v.TranscodeType, "hls") || v.Path == "" || len(v.Hosts) == 0 {
			continue
		}

		id := v.ID
		if id == "" {
			id = fmt.Sprintf("%d", i)
		}

		out = append(out, media.StreamDescriptor{
			FormatID:        "pcloud-hls-" + id,
			URL:             "https://" + v.Hosts[0] + v.Path,
			Container:       "m3u8",
			Protocol:        "m3u8_native",
			Transport:       media.TransportHLS,
			Height:          v.Height,
			Width:           v.Width,
			FPS:             v.FPS.Ptr(),
			Bitrate:         v.BitrateKbps.Ptr(),
			Note:            variantNote(v),
			ExpiresAt:       parseExpiry(v.Expires),
			SourceProvider:  media.SourcePCloudHLS,
			HostHint:        v.Hosts[0],
			RefererRequired: true,
		})
	}
	return uniqueIDs(out)
}

// FromDirect builds the single progressive descriptor of a direct download.
func FromDirect(f media.DirectFile) media.StreamDescriptor {
	return media.StreamDescriptor{
		FormatID:       fmt.Sprintf("pcloud-direct-%d", f.FileID),
		URL:            f.URL,
		Container:      containerOf(f.Name, f.ContentType),
		Protocol:       "https",
		Transport:      media.TransportProgressive,
		Height:         f.Height,
		Width:          f.Width,
		Note:           "direct download, single quality, not adaptive",
		ExpiresAt:      parseExpiry(f.Expires),
		SourceProvider: media.SourcePCloudDirect,
		HostHint:       f.Host,
	}
}

// HLSOnly keeps adaptive-streaming descriptors.
func HLSOnly(ds []media.StreamDescriptor) []media.StreamDescriptor {
	return lo.Filter(ds, func(d media.StreamDescriptor, _ int) bool {
		return d.Transport == media.TransportHLS
	})
}

// FilterProtocol keeps descriptors whose raw protocol or transport equals
// protocol. An empty protocol keeps everything.
func FilterProtocol(ds []media.StreamDescriptor, protocol string) []media.StreamDescriptor {
	if protocol == "" {
		return ds
	}
	return lo.Filter(ds, func(d media.StreamDescriptor, _ int) bool {
		return strings.EqualFold(d.Protocol, protocol) || strings.EqualFold(string(d.Transport), protocol)
	})
}

// ProtocolHistogram counts descriptors per raw protocol.
func ProtocolHistogram(ds []media.StreamDescriptor) map[string]int {
	return lo.CountValuesBy(ds, func(d media.StreamDescriptor) string {
		if d.Protocol == "" {
			return "unknown"
		}
		return d.Protocol
	})
}

func variantNote(v media.PublinkVariant) string {
	if v.Height != nil {
		return fmt.Sprintf("%dp HLS", *v.Height)
	}
	return "HLS"
}

// uniqueIDs suffixes repeated format ids so that each id occurs once.
func uniqueIDs(ds []media.StreamDescriptor) []media.StreamDescriptor {
	original := make(map[string]bool, len(ds))
	for _, d := range ds {
		original[d.FormatID] = true
	}

	assigned := make(map[string]bool, len(ds))
	for i := range ds {
		id := ds[i].FormatID
		if assigned[id] {
			// skip suffixes that another upstream format already carries
			for n := 2; ; n++ {
				candidate := fmt.Sprintf("%s-%d", id, n)
				if !original[candidate] && !assigned[candidate] {
					id = candidate
					break
				}
			}
		}
		ds[i].FormatID = id
		assigned[id] = true
	}
	return ds
}

func containerOf(name, contentType string) string {
	if ext := strings.TrimPrefix(path.Ext(name), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if _, sub, ok := strings.Cut(mediaType, "/"); ok {
			return sub
		}
	}
	return "unknown"
}

var expiryLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC3339}

func parseExpiry(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
