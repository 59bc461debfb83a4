// Package cobalt resolves social-media posts through a cobalt instance.
// The instance only resolves; the returned URL is fetched by the segmented
// download engine.
package cobalt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no instance URL is set.
var ErrNotConfigured = errors.New("no fallback resolver configured")

// Resolution is a resolved direct download.
type Resolution struct {
	URL      string
	Filename string
}

type Client struct {
	apiURL string
	httpc  *http.Client
}

func NewClient(apiURL string) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		httpc:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether an instance URL is set.
func (c *Client) Configured() bool { return c.apiURL != "" }

type response struct {
	Status   string `json:"status"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Error    struct {
		Code string `json:"code"`
	} `json:"error"`
	Picker []struct {
		URL string `json:"url"`
	} `json:"picker"`
}

// Resolve asks the instance for a direct media URL. A picker response yields
// its first item.
func (c *Client) Resolve(ctx context.Context, mediaURL string) (Resolution, error) {
	if !c.Configured() {
		return Resolution{}, ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]string{
		"url":           mediaURL,
		"downloadMode":  "auto",
		"videoQuality":  "1080",
		"filenameStyle": "basic",
	})
	if err != nil {
		return Resolution{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/", bytes.NewReader(payload))
	if err != nil {
		return Resolution{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolver request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return Resolution{}, fmt.Errorf("resolver returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Resolution{}, fmt.Errorf("decode resolver response: %w", err)
	}

	switch r.Status {
	case "error":
		return Resolution{}, fmt.Errorf("resolver error: %s", r.Error.Code)
	case "tunnel", "redirect":
		if r.URL == "" {
			return Resolution{}, errors.New("resolver returned no media URL")
		}
		return Resolution{URL: r.URL, Filename: r.Filename}, nil
	case "picker":
		if len(r.Picker) == 0 || r.Picker[0].URL == "" {
			return Resolution{}, errors.New("no media found to extract")
		}
		return Resolution{URL: r.Picker[0].URL}, nil
	default:
		return Resolution{}, fmt.Errorf("resolver returned unexpected status %q", r.Status)
	}
}
