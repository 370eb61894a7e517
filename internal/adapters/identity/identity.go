// Package identity resolves participant photos from an external identity
// provider. Lookups are best-effort: the leaderboard degrades to an empty
// photo when the provider is unreachable.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nazfar/meishi/pkg/metrics"
)

const defaultTimeout = 3 * time.Second

// Provider looks up the photo reference for a user.
type Provider interface {
	PhotoURL(ctx context.Context, userID string) (string, error)
}

// StaticProvider serves photo references from a fixed map. Used in tests
// and single-node runs without an external identity service.
type StaticProvider struct {
	mu     sync.RWMutex
	photos map[string]string
}

// NewStaticProvider creates a provider over the given map.
func NewStaticProvider(photos map[string]string) *StaticProvider {
	cp := make(map[string]string, len(photos))
	for k, v := range photos {
		cp[k] = v
	}
	return &StaticProvider{photos: cp}
}

// Set registers a photo reference for a user.
func (p *StaticProvider) Set(userID, photoURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.photos[userID] = photoURL
}

func (p *StaticProvider) PhotoURL(ctx context.Context, userID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	metrics.RecordPhotoLookup()
	photo, ok := p.photos[userID]
	if !ok {
		return "", fmt.Errorf("no photo for user %s", userID)
	}
	return photo, nil
}

// HTTPProvider queries a remote identity service:
// GET {base}/users/{id}/photo -> {"photo_url": "..."}.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// HTTPOption applies a configuration option to the HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient overrides the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// NewHTTPProvider creates a provider against baseURL.
func NewHTTPProvider(baseURL string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type photoResponse struct {
	PhotoURL string `json:"photo_url"`
}

func (p *HTTPProvider) PhotoURL(ctx context.Context, userID string) (string, error) {
	metrics.RecordPhotoLookup()

	u := fmt.Sprintf("%s/users/%s/photo", p.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		metrics.RecordPhotoLookupError()
		return "", fmt.Errorf("build photo request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		metrics.RecordPhotoLookupError()
		return "", fmt.Errorf("photo lookup user=%s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordPhotoLookupError()
		return "", fmt.Errorf("photo lookup user=%s: status %d", userID, resp.StatusCode)
	}
	var body photoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.RecordPhotoLookupError()
		return "", fmt.Errorf("decode photo response user=%s: %w", userID, err)
	}
	return body.PhotoURL, nil
}
