// Package subscription downloads remote link feeds and funnels every entry
// through the link codec into the server registry. Subscriptions are fetched
// concurrently with isolated error handling: one dead feed never aborts the
// others.
package subscription

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/corelink-dev/corelink/internal/events"
	"github.com/corelink-dev/corelink/internal/metrics"
	"github.com/corelink-dev/corelink/internal/registry"
	"github.com/corelink-dev/corelink/internal/settings"
)

const (
	fetchTimeout = 20 * time.Second
	fetchRetries = 2
	workerCount  = 3
	bodyCacheTTL = 2 * time.Minute
	userAgent    = "corelink/1.0"
)

// Result is one subscription's outcome.
type Result struct {
	Name  string
	Added int
	Err   error
}

// Fetcher updates the registry from remote subscriptions.
type Fetcher struct {
	reg    *registry.Registry
	sink   events.Sink
	logger *slog.Logger
	client *http.Client

	// cache keeps recently fetched bodies so back-to-back updates don't
	// re-download unchanged feeds.
	cache *gocache.Cache

	workers   int
	cancelled atomic.Bool
}

// New creates a fetcher feeding into reg.
func New(reg *registry.Registry, sink events.Sink, logger *slog.Logger) *Fetcher {
	if sink == nil {
		sink = events.NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		reg:     reg,
		sink:    sink,
		logger:  logger,
		client:  &http.Client{Timeout: fetchTimeout},
		cache:   gocache.New(bodyCacheTTL, bodyCacheTTL),
		workers: workerCount,
	}
}

// SetWorkerLimit overrides the fetch pool width, usually from the
// worker_pool_size setting. Values below one keep the current limit.
func (f *Fetcher) SetWorkerLimit(n int) {
	if n > 0 {
		f.workers = n
	}
}

// Cancel requests cooperative cancellation. Already-issued HTTP requests are
// not preempted; the processing loops stop at their next boundary.
func (f *Fetcher) Cancel() {
	f.cancelled.Store(true)
}

// Update fetches every enabled subscription on a small worker pool, adds the
// parsed servers under the subscription's name, persists once at the end and
// emits one aggregate completion event.
func (f *Fetcher) Update(ctx context.Context, subs []settings.Subscription) []Result {
	f.cancelled.Store(false)
	f.sink.OnUpdateStart()

	enabled := make([]settings.Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.Enabled {
			enabled = append(enabled, sub)
		}
	}

	results := make([]Result, len(enabled))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for i, sub := range enabled {
		i, sub := i, sub
		g.Go(func() error {
			if f.cancelled.Load() {
				results[i] = Result{Name: sub.Name}
				return nil
			}
			added, err := f.updateOne(ctx, sub)
			results[i] = Result{Name: sub.Name, Added: added, Err: err}

			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metrics.SubscriptionUpdates.WithLabelValues(outcome).Inc()
			return nil
		})
	}
	g.Wait()

	f.reg.Save()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	f.sink.OnUpdateFinish(errs)
	return results
}

func (f *Fetcher) updateOne(ctx context.Context, sub settings.Subscription) (int, error) {
	body, err := f.fetch(ctx, sub.URL)
	if err != nil {
		f.logger.Warn("subscription fetch failed", "name", sub.Name, "error", err)
		return 0, err
	}

	lines := decodeBody(body)
	if len(lines) == 0 {
		return 0, fmt.Errorf("empty or unrecognized subscription body")
	}

	added := 0
	for _, line := range lines {
		if f.cancelled.Load() {
			break
		}
		if f.reg.AddManualServer(line, sub.Name) {
			added++
		}
	}

	f.logger.Info("subscription updated", "name", sub.Name, "added", added)
	return added, nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) (string, error) {
	if cached, ok := f.cache.Get(url); ok {
		return cached.(string), nil
	}

	var body string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = string(data)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), fetchRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}

	f.cache.Set(url, body, gocache.DefaultExpiration)
	return body, nil
}

// decodeBody turns a subscription body into share-link lines: clash YAML
// documents are converted to links, base64 bodies are decoded, anything else
// is treated as plain text, one link per line.
func decodeBody(body string) []string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil
	}

	if looksLikeClash(trimmed) {
		return clashToLinks(trimmed)
	}

	text := trimmed
	if decoded, err := base64.StdEncoding.DecodeString(padBase64(compact(trimmed))); err == nil {
		text = string(decoded)
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func compact(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
}

func padBase64(s string) string {
	if rem := len(s) % 4; rem != 0 {
		return s + strings.Repeat("=", 4-rem)
	}
	return s
}
