// Package crawl polls the upstream procurement catalogs and feeds
// every mapped tender to the ingest API over HTTP, the same door an
// external publisher would use. Each source gets its own poller with
// a shared Colly fetcher underneath.
package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gocolly/colly/v2"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// maxCatalogBody bounds a single catalog page. The upstream APIs page
// their results, so anything larger is a broken response.
const maxCatalogBody = 10 << 20

// maxErrorReply bounds how much of an ingest error body lands in logs.
const maxErrorReply = 512

// ErrBackpressure reports that the ingest API answered 429. The
// current catalog pass stops and the poller retries a full interval
// later instead of hammering a saturated queue.
var ErrBackpressure = errors.New("ingest backpressure")

// fetcher wraps a base Colly collector that every catalog request
// clones. The limit rule and timeout live on the base so all pollers
// sharing a fetcher pace themselves the same way.
type fetcher struct {
	base *colly.Collector
}

func newFetcher(cfg config.CrawlConfig) (*fetcher, error) {
	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(maxCatalogBody),
		colly.IgnoreRobotsTxt(),
	)
	c.SetRequestTimeout(cfg.Timeout())
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.Delay(),
	}); err != nil {
		return nil, fmt.Errorf("configure collector limit: %w", err)
	}
	return &fetcher{base: c}, nil
}

// getJSON fetches one catalog page and decodes it into dst. Status
// and byte size come back even on failure so the caller can still
// observe the page.
func (f *fetcher) getJSON(ctx context.Context, rawURL string, dst any) (int, int, error) {
	var (
		status   int
		body     []byte
		fetchErr error
	)

	collector := f.base.Clone()
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		err := collector.Visit(rawURL)
		collector.Wait()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return status, len(body), fmt.Errorf("catalog fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return status, len(body), fmt.Errorf("catalog fetch failed: %w", fetchErr)
		}
		if err != nil {
			return status, len(body), fmt.Errorf("catalog visit failed: %w", err)
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return status, len(body), fmt.Errorf("decode catalog page: %w", err)
	}
	return status, len(body), nil
}

// IngestClient posts mapped tenders to the core API.
type IngestClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewIngestClient builds a client for the configured API base URL.
func NewIngestClient(cfg config.CrawlConfig) *IngestClient {
	return &IngestClient{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout()},
	}
}

// Ingest submits one tender. A 429 maps to ErrBackpressure, any other
// non-2xx status becomes a plain error carrying the reply snippet.
func (c *IngestClient) Ingest(ctx context.Context, in pipeline.TenderInput) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode tender: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ingest/tender", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post tender: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrBackpressure
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		reply, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorReply))
		return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, strings.TrimSpace(string(reply)))
	}
	return nil
}

// str reads a string field out of a decoded JSON object, tolerating
// absent keys. Numeric ids arrive as float64 and are formatted back
// without an exponent.
func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// child reads a nested JSON object, or nil when absent.
func child(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	c, _ := m[key].(map[string]any)
	return c
}
