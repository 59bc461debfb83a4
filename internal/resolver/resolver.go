package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	resolveAttempts = 2
	retryDelay      = time.Second
)

var statusIDPattern = regexp.MustCompile(`(?i)(?:twitter\.com|x\.com)/(?:[^/]+/status/|status/)([0-9]+)`)

// Resolver normalizes an input URL before classification: it follows known
// redirect shorteners and substitutes direct media URLs for supported social
// posts. Every failure degrades to returning the best URL known so far; this
// stage never fails a request.
type Resolver struct {
	client    *http.Client
	lookupAPI string
	userAgent string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupAPI overrides the social-post media lookup endpoint; the post id
// is appended to the base URL.
func WithLookupAPI(base string) Option {
	return func(r *Resolver) { r.lookupAPI = strings.TrimRight(base, "/") }
}

func New(client *http.Client, opts ...Option) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	r := &Resolver{
		client:    client,
		lookupAPI: "https://api.vxtwitter.com/x/status",
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve rewrites the URL when a shortener or social post is recognized.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) string {
	if isShortener(rawURL) {
		rawURL = r.followRedirects(ctx, rawURL)
	}
	if id := postID(rawURL); id != "" {
		if direct := r.lookupMedia(ctx, id); direct != "" {
			return direct
		}
	}
	return rawURL
}

func isShortener(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.Contains(lower, "redd.it") ||
		strings.Contains(lower, "t.co/") ||
		strings.Contains(lower, "/s/")
}

func postID(rawURL string) string {
	m := statusIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// followRedirects resolves the final location with a bounded-retry HEAD.
func (r *Resolver) followRedirects(ctx context.Context, rawURL string) string {
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
		if err != nil {
			return rawURL
		}
		req.Header.Set("User-Agent", r.userAgent)
		resp, err := r.client.Do(req)
		if err != nil {
			select {
			case <-ctx.Done():
				return rawURL
			case <-time.After(retryDelay):
			}
			continue
		}
		final := resp.Request.URL.String()
		_ = resp.Body.Close()
		return final
	}
	log.Debug().Str("url", rawURL).Msg("redirect resolution exhausted retries")
	return rawURL
}

// lookupMedia asks the secondary API for the post's direct media URL.
func (r *Resolver) lookupMedia(ctx context.Context, id string) string {
	endpoint := r.lookupAPI + "/" + id
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return ""
		}
		resp, err := r.client.Do(req)
		if err != nil {
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(retryDelay):
			}
			continue
		}
		var payload struct {
			MediaURLs []string `json:"mediaURLs"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK || decodeErr != nil {
			return ""
		}
		if len(payload.MediaURLs) > 0 {
			return payload.MediaURLs[0]
		}
		return ""
	}
	return ""
}

// BestFilename derives an output filename for a direct URL: the server's
// Content-Disposition name when present, else the URL path basename with a
// mime-guessed extension appended when it has none. The result always goes
// through the streaming-extension remap by the caller.
func BestFilename(rawURL, fallback string, contentDisposition, mime string) string {
	if name := dispositionFilename(contentDisposition); name != "" {
		return name
	}
	name := URLFilename(rawURL)
	if name == "" {
		name = fallback
	}
	if !strings.Contains(name, ".") {
		if ext := extForMime(mime); ext != "" {
			name += ext
		}
	}
	return name
}

var dispositionPattern = regexp.MustCompile(`filename="?([^";]+)"?`)

func dispositionFilename(cd string) string {
	m := dispositionPattern.FindStringSubmatch(cd)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// URLFilename extracts the (unescaped) basename of the URL path.
func URLFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	idx := strings.LastIndex(p, "/")
	name := p[idx+1:]
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

func extForMime(mime string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0])) {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/x-matroska":
		return ".mkv"
	case "video/quicktime":
		return ".mov"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "application/pdf":
		return ".pdf"
	case "application/zip":
		return ".zip"
	default:
		return ""
	}
}
