package extractor

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FormatOption is one user-selectable quality choice for a page.
type FormatOption struct {
	ID         string `json:"format_id"`
	Resolution string `json:"resolution"`
	Ext        string `json:"ext"`
	Filesize   int64  `json:"filesize"`

	url string
}

// BuildOptions condenses the raw formats list into one option per resolution.
// Later entries for the same height win; the engine orders formats worst to
// best. Video-only streams get the best audio stream's size added so the
// number shown matches what the merged file will weigh.
func BuildOptions(info *Info) []FormatOption {
	if info == nil {
		return nil
	}

	var bestAudio int64
	for _, f := range info.Formats {
		if f.VCodec == "none" && f.ACodec != "none" {
			if size := estimateSize(f, info.Duration); size > bestAudio {
				bestAudio = size
			}
		}
	}

	byHeight := make(map[int]FormatOption)
	for _, f := range info.Formats {
		if f.VCodec == "none" {
			continue
		}
		height := f.Height
		if height == 0 {
			// Some extractors label qualities instead of reporting heights.
			switch strings.ToLower(f.FormatID) {
			case "hd":
				height = 720
			case "sd":
				height = 360
			default:
				continue
			}
		}
		size := estimateSize(f, info.Duration)
		if size > 0 && f.ACodec == "none" {
			size += bestAudio
		}
		byHeight[height] = FormatOption{
			ID:         f.FormatID,
			Resolution: strconv.Itoa(height) + "p",
			Ext:        f.Ext,
			Filesize:   size,
			url:        f.URL,
		}
	}

	heights := make([]int, 0, len(byHeight))
	for h := range byHeight {
		heights = append(heights, h)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(heights)))

	opts := make([]FormatOption, 0, len(heights))
	for _, h := range heights {
		opts = append(opts, byHeight[h])
	}
	return opts
}

func estimateSize(f Format, duration float64) int64 {
	if f.Filesize > 0 {
		return f.Filesize
	}
	if f.FilesizeApprox > 0 {
		return f.FilesizeApprox
	}
	if f.TBR > 0 && duration > 0 {
		return int64(f.TBR * 1024 / 8 * duration)
	}
	return 0
}

// fillSizes probes direct stream URLs for entries the dump left sizeless.
func fillSizes(ctx context.Context, client *http.Client, opts []FormatOption) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	for i := range opts {
		if opts[i].Filesize > 0 || opts[i].url == "" || !strings.HasPrefix(opts[i].url, "http") {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, opts[i].url, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
			opts[i].Filesize = resp.ContentLength
		}
		_ = resp.Body.Close()
	}
}
