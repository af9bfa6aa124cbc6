package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

// HealthFeed supplies live health samples for a deployment tier.
type HealthFeed interface {
	Sample(ctx context.Context, deploymentID string, percent int) (contracts.HealthSnapshot, error)
}

// StaticFeed replays a fixed sequence of samples, repeating the last one
// once the sequence is exhausted. Set replaces what is returned next.
type StaticFeed struct {
	mu      sync.Mutex
	samples []contracts.HealthSnapshot
	next    int
	calls   int
}

// NewStaticFeed creates a feed over samples. With none it reports a
// perfectly healthy zero sample.
func NewStaticFeed(samples ...contracts.HealthSnapshot) *StaticFeed {
	return &StaticFeed{samples: samples}
}

func (f *StaticFeed) Sample(context.Context, string, int) (contracts.HealthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.samples) == 0 {
		return contracts.HealthSnapshot{QualityScore: 1, SampledAt: time.Now().UTC()}, nil
	}
	s := f.samples[f.next]
	if f.next < len(f.samples)-1 {
		f.next++
	}
	if s.SampledAt.IsZero() {
		s.SampledAt = time.Now().UTC()
	}
	return s, nil
}

// Set makes s the only sample from now on.
func (f *StaticFeed) Set(s contracts.HealthSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = []contracts.HealthSnapshot{s}
	f.next = 0
}

// Calls returns how many samples have been taken.
func (f *StaticFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const defaultFeedTimeout = 2 * time.Second

// HTTPFeed polls a JSON endpoint returning a HealthSnapshot. The deployment
// ID and tier percentage are passed as the deployment and percent query
// parameters. Any transport, status or decoding failure is an error, which
// the orchestrator treats as unhealthy.
type HTTPFeed struct {
	url    string
	client *http.Client
}

// NewHTTPFeed creates a feed for endpoint. A zero timeout means 2s.
func NewHTTPFeed(endpoint string, timeout time.Duration) *HTTPFeed {
	if timeout <= 0 {
		timeout = defaultFeedTimeout
	}
	return &HTTPFeed{url: endpoint, client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFeed) Sample(ctx context.Context, deploymentID string, percent int) (contracts.HealthSnapshot, error) {
	u, err := url.Parse(f.url)
	if err != nil {
		return contracts.HealthSnapshot{}, fmt.Errorf("health feed url: %w", err)
	}
	q := u.Query()
	q.Set("deployment", deploymentID)
	q.Set("percent", strconv.Itoa(percent))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return contracts.HealthSnapshot{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return contracts.HealthSnapshot{}, fmt.Errorf("health feed unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return contracts.HealthSnapshot{}, fmt.Errorf("health feed returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return contracts.HealthSnapshot{}, fmt.Errorf("read health feed: %w", err)
	}
	var snap contracts.HealthSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return contracts.HealthSnapshot{}, fmt.Errorf("decode health feed: %w", err)
	}
	if snap.SampledAt.IsZero() {
		snap.SampledAt = time.Now().UTC()
	}
	return snap, nil
}
