package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/inconshreveable/log15"
)

const clientTimeout = 3 * time.Second

// Client issues peer RPCs. Every method treats an unreachable peer or a
// non-2xx response as an abstention (ok=false) rather than a hard error —
// callers must never let one unreachable peer block a consensus decision.
type Client struct {
	HTTP   *http.Client
	Logger log15.Logger
}

// NewClient returns a Client with the 3-second per-request timeout the
// consensus and resync paths depend on.
func NewClient(logger log15.Logger) *Client {
	return &Client{
		HTTP:   &http.Client{Timeout: clientTimeout},
		Logger: logger.New("component", "api-client"),
	}
}

func (c *Client) get(ctx context.Context, hostname, port, path string, out interface{}) bool {
	addr := net.JoinHostPort(hostname, port)
	url := fmt.Sprintf("http://%s%s", addr, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.Logger.Debug("building request failed", "url", url, "err", err)
		return false
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Logger.Debug("peer unreachable", "url", url, "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.Logger.Debug("peer returned non-2xx", "url", url, "status", resp.StatusCode)
		return false
	}

	if out == nil {
		return true
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.Logger.Debug("decoding peer response failed", "url", url, "err", err)
		return false
	}
	return true
}

// Health probes a peer's /health endpoint. Used for both peer reachability
// checks and the self-reachability check during founder election.
func (c *Client) Health(ctx context.Context, hostname, port string) bool {
	return c.get(ctx, hostname, port, "/health", nil)
}

// Primary queries a peer's opinion of who the replica set's primary is.
func (c *Client) Primary(ctx context.Context, hostname, port string) (PrimaryResponse, bool) {
	var resp PrimaryResponse
	ok := c.get(ctx, hostname, port, "/primary", &resp)
	return resp, ok
}

// Oplog queries a peer's latest oplog timestamp.
func (c *Client) Oplog(ctx context.Context, hostname, port string) (OplogResponse, bool) {
	var resp OplogResponse
	ok := c.get(ctx, hostname, port, "/oplog", &resp)
	return resp, ok
}

// Status queries a peer's full engine status, used by discovery-before-init.
func (c *Client) Status(ctx context.Context, hostname, port string) (StatusResponse, bool) {
	var resp StatusResponse
	ok := c.get(ctx, hostname, port, "/status", &resp)
	return resp, ok
}
