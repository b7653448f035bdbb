package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultWorkersTTL is how long an architecture listing is trusted
const DefaultWorkersTTL = 10 * time.Second

const workersKey = "archs"

// WorkerDirectory answers whether any remote worker serves an architecture
type WorkerDirectory interface {
	Available(ctx context.Context, arch string) (bool, error)
}

// HTTPWorkers fetches a JSON array of architectures from a directory endpoint
// and caches the listing for a short TTL
type HTTPWorkers struct {
	url    string
	client *http.Client
	cache  *ttlcache.Cache[string, []string]
}

func NewHTTPWorkers(url string, client *http.Client, ttl time.Duration) *HTTPWorkers {
	if client == nil {
		client = http.DefaultClient
	}

	if ttl <= 0 {
		ttl = DefaultWorkersTTL
	}

	return &HTTPWorkers{
		url:    url,
		client: client,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []string](ttl),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		),
	}
}

func (w *HTTPWorkers) Available(ctx context.Context, arch string) (bool, error) {
	if item := w.cache.Get(workersKey); item != nil && !item.IsExpired() {
		return slices.Contains(item.Value(), arch), nil
	}

	archs, err := w.fetch(ctx)
	if err != nil {
		return false, err
	}

	w.cache.Set(workersKey, archs, ttlcache.DefaultTTL)

	return slices.Contains(archs, arch), nil
}

func (w *HTTPWorkers) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build worker directory request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker directory returned %s", resp.Status)
	}

	var archs []string
	if err := json.NewDecoder(resp.Body).Decode(&archs); err != nil {
		return nil, fmt.Errorf("failed to decode worker directory: %w", err)
	}

	return archs, nil
}

// StaticWorkers is a fixed architecture list, used when no directory is configured
type StaticWorkers []string

func (s StaticWorkers) Available(_ context.Context, arch string) (bool, error) {
	return slices.Contains(s, arch), nil
}
