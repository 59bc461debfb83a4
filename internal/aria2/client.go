package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrDaemonUnreachable wraps transport failures talking to the aria2 RPC
// endpoint. The daemon is started once per process lifetime; there is no
// reconnect policy, callers fail the strategy and let the orchestrator
// decide.
var ErrDaemonUnreachable = errors.New("aria2 daemon unreachable")

// Client speaks JSON-RPC 2.0 to a long-lived aria2 daemon.
type Client struct {
	rpcURL string
	secret string
	httpc  *http.Client
}

func NewClient(rpcURL, secret string) *Client {
	return &Client{
		rpcURL: rpcURL,
		secret: secret,
		httpc:  &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	// The secret, when set, must be the first parameter as "token:secret".
	finalParams := make([]any, 0, len(params)+1)
	if c.secret != "" {
		finalParams = append(finalParams, "token:"+c.secret)
	}
	finalParams = append(finalParams, params...)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      uuid.NewString(),
		Params:  finalParams,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrDaemonUnreachable, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// AddURI submits a download to the daemon and returns its GID.
func (c *Client) AddURI(ctx context.Context, uri, dir, filename string, headers []string) (string, error) {
	opts := map[string]any{
		"dir":                       dir,
		"out":                       filename,
		"max-connection-per-server": "16",
		"split":                     "16",
		"min-split-size":            "1M",
		"file-allocation":           "none",
	}
	if len(headers) > 0 {
		opts["header"] = headers
	}

	res, err := c.call(ctx, "aria2.addUri", []string{uri}, opts)
	if err != nil {
		return "", err
	}
	var gid string
	if err := json.Unmarshal(res, &gid); err != nil {
		return "", fmt.Errorf("invalid response type for gid: %w", err)
	}
	return gid, nil
}

// Status is the subset of aria2.tellStatus the polling loop consumes.
// aria2 serializes all numbers as strings.
type Status struct {
	GID             string
	State           string
	CompletedLength int64
	TotalLength     int64
	DownloadSpeed   int64
	ErrorMessage    string
}

type rawStatus struct {
	GID             string `json:"gid"`
	Status          string `json:"status"`
	CompletedLength string `json:"completedLength"`
	TotalLength     string `json:"totalLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorMessage    string `json:"errorMessage"`
}

// TellStatus fetches the live state of a download.
func (c *Client) TellStatus(ctx context.Context, gid string) (Status, error) {
	res, err := c.call(ctx, "aria2.tellStatus", gid,
		[]string{"gid", "status", "completedLength", "totalLength", "downloadSpeed", "errorMessage"})
	if err != nil {
		return Status{}, err
	}
	var raw rawStatus
	if err := json.Unmarshal(res, &raw); err != nil {
		return Status{}, fmt.Errorf("invalid tellStatus response: %w", err)
	}
	return Status{
		GID:             raw.GID,
		State:           raw.Status,
		CompletedLength: parseInt(raw.CompletedLength),
		TotalLength:     parseInt(raw.TotalLength),
		DownloadSpeed:   parseInt(raw.DownloadSpeed),
		ErrorMessage:    raw.ErrorMessage,
	}, nil
}

// ForceRemove aborts an in-flight download without waiting for cleanup.
func (c *Client) ForceRemove(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.forceRemove", gid)
	return err
}

// RemoveDownloadResult drops a finished/errored entry from daemon memory.
// Errors are ignored by callers; the GID may already be gone.
func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.removeDownloadResult", gid)
	return err
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
