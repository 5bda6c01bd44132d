package peers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var ErrPeerCleanupFailed = errors.New("peer cleanup failed")

const (
	cleanupAllPath    = "/guests/cleanup-all"
	cleanupBeforePath = "/guests/cleanup"
	maxBodyBytes      = 1 << 20
)

// countPaths are the places peer services report how many records they
// removed, in order of preference.
var countPaths = []string{
	"data.deletedCount",
	"data.removedUsers",
	"data.count",
	"deletedCount",
	"removedUsers",
	"count",
}

// HTTPCleanupClient calls the guest cleanup endpoints of one peer service.
type HTTPCleanupClient struct {
	name    string
	baseURL string
	http    *http.Client
}

func NewHTTPCleanupClient(baseURL string, timeout time.Duration) (*HTTPCleanupClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse peer url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("peer url %q must be absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPCleanupClient{
		name:    u.Host,
		baseURL: u.String(),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// NewHTTPCleanupClients builds one client per base URL.
func NewHTTPCleanupClients(baseURLs []string, timeout time.Duration) ([]*HTTPCleanupClient, error) {
	out := make([]*HTTPCleanupClient, 0, len(baseURLs))
	for _, raw := range baseURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c, err := NewHTTPCleanupClient(raw, timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (c *HTTPCleanupClient) Name() string {
	return c.name
}

// CleanupAll removes every guest record the peer holds.
func (c *HTTPCleanupClient) CleanupAll(ctx context.Context) (int, error) {
	return c.do(ctx, c.baseURL+cleanupAllPath)
}

// CleanupBefore removes guest records created before the cutoff.
func (c *HTTPCleanupClient) CleanupBefore(ctx context.Context, before time.Time) (int, error) {
	q := url.Values{}
	q.Set("before", before.UTC().Format(time.RFC3339))
	return c.do(ctx, c.baseURL+cleanupBeforePath+"?"+q.Encode())
}

func (c *HTTPCleanupClient) do(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrPeerCleanupFailed, c.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrPeerCleanupFailed, c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: read body: %w", ErrPeerCleanupFailed, c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: %s: status %d", ErrPeerCleanupFailed, c.name, resp.StatusCode)
	}

	return parseCount(body)
}

func parseCount(body []byte) (int, error) {
	if len(body) == 0 {
		return 0, nil
	}
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("%w: invalid response body", ErrPeerCleanupFailed)
	}
	for _, path := range countPaths {
		if v := gjson.GetBytes(body, path); v.Exists() {
			return int(v.Int()), nil
		}
	}
	return 0, nil
}
