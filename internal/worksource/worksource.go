// Package worksource fetches candidate work items for the heartbeat
// scheduler from an external endpoint.
package worksource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WorkItem is one candidate for automated analysis. Key is stable across
// fetches; ChangeMarker is an opaque version string that moves whenever
// the item's content changes.
type WorkItem struct {
	Key          string `json:"key"`
	ChangeMarker string `json:"changeMarker"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	ProjectPath  string `json:"projectPath"`
}

// Source yields candidate items. Implemented over HTTP in production and
// by fakes in scheduler tests.
type Source interface {
	FetchCandidates(ctx context.Context) ([]WorkItem, error)
}

// FetchError is the typed failure for an unreachable or misbehaving
// source. It feeds the scheduler's circuit breaker.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("worksource: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPSource fetches items as a JSON array from a single endpoint.
type HTTPSource struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPSource creates a source with a request timeout and a client-side
// rate limit of ratePerMinute fetches.
func NewHTTPSource(url string, ratePerMinute int) *HTTPSource {
	if ratePerMinute <= 0 {
		ratePerMinute = 6
	}
	return &HTTPSource{
		url:     url,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMinute)), 1),
	}
}

// FetchCandidates performs one rate-limited fetch.
func (s *HTTPSource) FetchCandidates(ctx context.Context) ([]WorkItem, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{URL: s.url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &FetchError{URL: s.url, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: s.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: s.url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var items []WorkItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, &FetchError{URL: s.url, Err: fmt.Errorf("decode: %w", err)}
	}
	return items, nil
}
