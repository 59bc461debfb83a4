package classify

import (
	"net/url"
	"path"
	"strings"
	"sync"
)

// Kind tags the acquisition strategy chosen for a URL. It is derived exactly
// once per request; downstream code switches on the tag and never re-derives
// it.
type Kind int

const (
	// KindGeneric is a plain range-capable HTTP resource.
	KindGeneric Kind = iota
	// KindExtractor routes through the media-extraction engine.
	KindExtractor
	// KindStreaming is an HLS/DASH/TS manifest remuxed by ffmpeg.
	KindStreaming
	// KindFallbackOnly is served exclusively by the secondary extraction
	// service; the primary extractor is deliberately skipped for these hosts.
	KindFallbackOnly
)

func (k Kind) String() string {
	switch k {
	case KindExtractor:
		return "extractor"
	case KindStreaming:
		return "streaming"
	case KindFallbackOnly:
		return "fallback-only"
	default:
		return "generic"
	}
}

// streamingExtensions maps manifest/segment extensions to the container
// extension the output file must carry.
var streamingExtensions = map[string]string{
	".m3u8": ".mp4",
	".m3u":  ".mp4",
	".mpd":  ".mp4",
	".ts":   ".mp4",
}

var hlsMimeTypes = map[string]struct{}{
	"application/vnd.apple.mpegurl": {},
	"application/x-mpegurl":         {},
	"application/dash+xml":          {},
	"audio/mpegurl":                 {},
	"audio/x-mpegurl":               {},
	"video/mp2t":                    {},
}

// extractorDomains is the static allow-list of platforms the extraction
// engine handles. Additions here bypass the dynamic probes.
var extractorDomains = map[string]struct{}{
	"instagram.com": {},
	"twitter.com":   {}, "x.com": {}, "t.co": {},
	"tiktok.com": {}, "vm.tiktok.com": {},
	"facebook.com": {}, "fb.watch": {}, "fb.com": {},
	"reddit.com": {}, "v.redd.it": {}, "redd.it": {},
	"dailymotion.com": {}, "dai.ly": {},
	"vimeo.com": {},
	"twitch.tv": {}, "clips.twitch.tv": {},
	"soundcloud.com": {},
	"bilibili.com":   {}, "b23.tv": {},
	"pinterest.com": {}, "pin.it": {},
	"streamable.com": {},
	"rumble.com":     {},
	"odysee.com":     {},
	"bitchute.com":   {},
	"mixcloud.com":   {},
}

// fallbackOnlyDomains are excluded from the primary extractor and served by
// the secondary resolution service alone.
var fallbackOnlyDomains = map[string]struct{}{
	"youtube.com": {}, "youtu.be": {}, "youtube-nocookie.com": {},
}

// fallbackDomains may retry through the secondary service after a primary
// extractor failure.
var fallbackDomains = map[string]struct{}{
	"youtube.com": {}, "youtu.be": {},
	"reddit.com": {}, "v.redd.it": {}, "redd.it": {},
}

// Probe is a per-platform suitability test contributed by an extractor
// module; the dynamic set is unioned with the static allow-list.
type Probe func(rawURL string) bool

var (
	probeMu sync.RWMutex
	probes  []Probe
)

// RegisterProbe adds a dynamic extractor-capability test.
func RegisterProbe(p Probe) {
	probeMu.Lock()
	probes = append(probes, p)
	probeMu.Unlock()
}

func anyProbeMatches(rawURL string) bool {
	probeMu.RLock()
	defer probeMu.RUnlock()
	for _, p := range probes {
		if p(rawURL) {
			return true
		}
	}
	return false
}

func host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func hostIn(h string, domains map[string]struct{}) bool {
	if h == "" {
		return false
	}
	if _, ok := domains[h]; ok {
		return true
	}
	for d := range domains {
		if strings.HasSuffix(h, "."+d) {
			return true
		}
	}
	return false
}

// Classify decides the acquisition strategy from the URL and an optionally
// probed content type (empty when unknown).
func Classify(rawURL, mime string) Kind {
	h := host(rawURL)
	switch {
	case hostIn(h, fallbackOnlyDomains):
		return KindFallbackOnly
	case hostIn(h, extractorDomains) || anyProbeMatches(rawURL):
		return KindExtractor
	case IsStreaming(rawURL, mime):
		return KindStreaming
	default:
		return KindGeneric
	}
}

// IsStreaming reports whether the URL points at a manifest/segment stream
// that must go through the remux fetcher instead of a byte-range download.
func IsStreaming(rawURL, mime string) bool {
	u, err := url.Parse(rawURL)
	if err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if _, ok := streamingExtensions[ext]; ok {
			return true
		}
	}
	_, ok := hlsMimeTypes[strings.ToLower(strings.TrimSpace(mime))]
	return ok
}

// FallbackEligible reports whether the secondary extraction service may be
// tried for this URL after a primary failure.
func FallbackEligible(rawURL string) bool {
	return hostIn(host(rawURL), fallbackDomains)
}

// SmartOutputName remaps manifest extensions to the container extension the
// remux produces ("stream.m3u8" → "stream.mp4"). Idempotent; applied at every
// point a filename is finalized.
func SmartOutputName(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	mapped, ok := streamingExtensions[ext]
	if !ok {
		return filename
	}
	return filename[:len(filename)-len(ext)] + mapped
}
