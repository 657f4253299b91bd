// Package registry fetches the authoritative list of cluster member
// addresses from the external registry service.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
)

const (
	connectTimeout = 10 * time.Second
	totalTimeout   = 30 * time.Second
)

// Client queries a registry endpoint shaped {status, data: [{ip}, ...]}
// and returns a deduplicated, sorted list of addresses.
type Client struct {
	BaseURL  string
	AppName  string
	HTTP     *http.Client
	Logger   log15.Logger
}

type response struct {
	Status string `json:"status"`
	Data   []struct {
		IP string `json:"ip"`
	} `json:"data"`
}

// New returns a Client with the connect/total timeout split described in
// the component design: a 10s connect timeout on the transport's dialer,
// a 30s ceiling on the whole request via http.Client.Timeout.
func New(baseURL, appName string, logger log15.Logger) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{DialContext: dialer.DialContext}
	return &Client{
		BaseURL: baseURL,
		AppName: appName,
		HTTP:    &http.Client{Timeout: totalTimeout, Transport: transport},
		Logger:  logger.New("component", "registry"),
	}
}

// FetchMembers returns the deduplicated, ascending-sorted list of member
// addresses known to the registry. Failures are transient: callers should
// treat an error as "keep last known state", never as fatal.
func (c *Client) FetchMembers(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/apps/location/%s", strings.TrimRight(c.BaseURL, "/"), c.AppName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: building request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Logger.Warn("registry unreachable", "err", err)
		return nil, fmt.Errorf("registry: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.Logger.Warn("registry returned non-200", "status", resp.StatusCode)
		return nil, fmt.Errorf("registry: unexpected status %d", resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.Logger.Warn("registry response decode failed", "err", err)
		return nil, fmt.Errorf("registry: decoding response: %w", err)
	}
	if body.Status != "success" {
		c.Logger.Warn("registry returned non-success status", "status", body.Status)
		return nil, fmt.Errorf("registry: status %q", body.Status)
	}

	seen := make(map[string]struct{}, len(body.Data))
	members := make([]string, 0, len(body.Data))
	for _, d := range body.Data {
		addr := stripPort(d.IP)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		members = append(members, addr)
	}

	// Plain lexicographic sort, not numeric-octet sort: every node must
	// agree on the same order for the founder election in §4.6 to work,
	// and a byte-wise string compare is what the original shell
	// implementation produced. Correctness of the election depends only
	// on the order being total and identical everywhere, not on it
	// matching numeric address magnitude.
	sort.Strings(members)
	return members, nil
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
