package extractor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Info is the subset of the engine's single-JSON dump the pipeline consumes.
type Info struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Ext          string            `json:"ext"`
	Duration     float64           `json:"duration"`
	Protocol     string            `json:"protocol"`
	ExtractorKey string            `json:"extractor_key"`
	URL          string            `json:"url"`
	Filesize     int64             `json:"filesize"`
	HTTPHeaders  map[string]string `json:"http_headers"`
	// RequestedFormats is populated when the selection resolves to separate
	// video and audio streams that must be merged locally.
	RequestedFormats []Format `json:"requested_formats"`
	Formats          []Format `json:"formats"`
}

// Format is one entry of the dump's formats list.
type Format struct {
	FormatID       string  `json:"format_id"`
	Height         int     `json:"height"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	Ext            string  `json:"ext"`
	URL            string  `json:"url"`
	Protocol       string  `json:"protocol"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
	TBR            float64 `json:"tbr"`
}

func parseInfo(raw string) (*Info, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty extraction output")
	}
	// The dump is the last line of stdout; warnings may precede it.
	if idx := strings.LastIndexByte(raw, '\n'); idx >= 0 {
		raw = raw[idx+1:]
	}
	var info Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("parse extraction output: %w", err)
	}
	return &info, nil
}

// KnownSize returns the selection's exact total byte size, or 0 when any
// part of it is unreported. Estimates never count; a size only blocks a
// download when the engine stated it outright.
func (i *Info) KnownSize() int64 {
	if len(i.RequestedFormats) > 0 {
		var total int64
		for _, f := range i.RequestedFormats {
			if f.Filesize <= 0 {
				return 0
			}
			total += f.Filesize
		}
		return total
	}
	if i.Filesize > 0 {
		return i.Filesize
	}
	return 0
}

// HeaderList flattens the dump's request headers into "Name: value" strings
// for the segmented download engine.
func (i *Info) HeaderList() []string {
	if len(i.HTTPHeaders) == 0 {
		return nil
	}
	out := make([]string, 0, len(i.HTTPHeaders))
	for k, v := range i.HTTPHeaders {
		out = append(out, k+": "+v)
	}
	return out
}
