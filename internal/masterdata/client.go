// Package masterdata provides a read-through, versioned cache over the
// master data service. Readers take a snapshot reference; the cache swaps
// snapshots atomically.
package masterdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/httpretry"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/logger"
)

// Client fetches master data over HTTP and caches the snapshot for the
// configured TTL. Within the TTL the remote version is still checked so a
// republished snapshot is picked up promptly.
type Client struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	http    httpretry.HTTPDoer

	mu     sync.RWMutex
	snap   *domain.MasterDataSnapshot
	expiry time.Time
}

// NewClient creates a master data client. A nil doer gets a retrying HTTP
// client with a 30s timeout.
func NewClient(baseURL, apiKey string, ttl time.Duration, doer httpretry.HTTPDoer) *Client {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 3)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		ttl:     ttl,
		http:    doer,
	}
}

// Snapshot returns the current master data snapshot, fetching from the
// service on cache miss, expiry, or remote version change.
func (c *Client) Snapshot(ctx context.Context) (*domain.MasterDataSnapshot, error) {
	c.mu.RLock()
	snap, expiry := c.snap, c.expiry
	c.mu.RUnlock()

	if snap != nil && time.Now().Before(expiry) {
		version, err := c.fetchVersion(ctx)
		if err == nil && version == snap.Version {
			return snap, nil
		}
		if err != nil {
			logger.Warn("masterdata: version check failed, serving cached snapshot",
				"version", fmt.Sprintf("%d", snap.Version), "error", err.Error())
			return snap, nil
		}
		// Version moved, fall through to refetch
	}

	fresh, err := c.fetchAll(ctx)
	if err != nil {
		if snap != nil {
			logger.Warn("masterdata: refresh failed, serving stale snapshot", "error", err.Error())
			return snap, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.snap = fresh
	c.expiry = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return fresh, nil
}

// Invalidate drops the cached snapshot.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}

func (c *Client) fetchAll(ctx context.Context) (*domain.MasterDataSnapshot, error) {
	body, err := c.get(ctx, "/v1/masterdata/all")
	if err != nil {
		return nil, err
	}
	snap := &domain.MasterDataSnapshot{}
	if err := json.Unmarshal(body, snap); err != nil {
		return nil, fmt.Errorf("masterdata: decode snapshot: %w", err)
	}
	snap.BuildIndexes()
	return snap, nil
}

func (c *Client) fetchVersion(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/v1/masterdata/version")
	if err != nil {
		return 0, err
	}
	var out struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("masterdata: decode version: %w", err)
	}
	return out.Version, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("masterdata: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("masterdata: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("masterdata: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("masterdata: %s returned %d", path, resp.StatusCode)
	}
	return body, nil
}
