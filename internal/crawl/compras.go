package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/pipeline"
	"github.com/opentenders/tender-radar/internal/worker"
)

// Compras polls the legacy Comprasnet open-data API. The list endpoint
// pages through HAL links and every row is enriched with a per-tender
// detail lookup before it goes to the ingest API.
type Compras struct {
	cfg     config.CrawlConfig
	host    string
	fetch   *fetcher
	ingest  *IngestClient
	metrics pipeline.Metrics
	clock   pipeline.Clock
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCompras constructs the poller. The detail and portal links hang
// off the list URL's origin, so the base URL must parse.
func NewCompras(cfg config.CrawlConfig, ingest *IngestClient, m pipeline.Metrics, clock pipeline.Clock, logger *zap.Logger) (*Compras, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(cfg.Compras.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse compras base url %q: %w", cfg.Compras.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("compras base url %q has no host", cfg.Compras.BaseURL)
	}
	f, err := newFetcher(cfg)
	if err != nil {
		return nil, err
	}
	return &Compras{
		cfg:     cfg,
		host:    u.Scheme + "://" + u.Host,
		fetch:   f,
		ingest:  ingest,
		metrics: m,
		clock:   clock,
		logger:  logger.With(zap.String("worker", "compras_fetch")),
		sleep:   worker.Sleep,
	}, nil
}

// Run blocks, crawling until the context finishes.
func (c *Compras) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	c.logger.Info("compras catalog loop started",
		zap.String("base_url", c.cfg.Compras.BaseURL),
		zap.Int("interval_seconds", c.cfg.IntervalSeconds))
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := c.runOnce(ctx)
		if err != nil {
			c.logger.Warn("compras pass aborted", zap.Int("items", n), zap.Error(err))
			c.count(ctx, "worker.compras_fetch.batch_error_total", 1)
		} else {
			c.logger.Info("compras pass done", zap.Int("items", n))
			c.count(ctx, "worker.compras_fetch.batch_ok_total", 1)
		}
		c.count(ctx, "worker.compras_fetch.items_total", int64(n))
		if c.sleep(ctx, c.cfg.Interval()) != nil {
			return
		}
	}
}

// runOnce follows the HAL pagination until the next link runs out or
// a cap is hit. The returned count includes failed submissions, which
// matches how the item budget is spent upstream.
func (c *Compras) runOnce(ctx context.Context) (int, error) {
	day := c.clock.Now().UTC().Format("2006-01-02")
	pageURL := c.listURL(day)
	total := 0
	for pages := 0; pageURL != "" && pages < c.cfg.Compras.MaxPages; pages++ {
		var body map[string]any
		status, size, err := c.fetch.getJSON(ctx, pageURL, &body)
		metrics.ObserveCatalogPage("compras", status, size)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			c.logger.Warn("compras page fetch failed",
				zap.Int("page", pages+1),
				zap.Int("status", status),
				zap.Error(err))
			c.count(ctx, "worker.compras_fetch.page_error_total", 1)
			return total, err
		}
		items := comprasItems(body)
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			ident := comprasIdent(item)
			if ident == "" {
				continue
			}
			detail := c.detail(ctx, ident)
			err := c.ingest.Ingest(ctx, c.mapTender(detail, item, ident))
			if errors.Is(err, ErrBackpressure) {
				return total, err
			}
			if err != nil {
				c.logger.Warn("compras ingest failed", zap.String("ident", ident), zap.Error(err))
				c.count(ctx, "worker.compras_fetch.ingest_error_total", 1)
			} else {
				c.count(ctx, "worker.compras_fetch.ingest_ok_total", 1)
			}
			total++
			if c.cfg.MaxItems > 0 && total >= c.cfg.MaxItems {
				c.logger.Info("compras item cap reached", zap.Int("items", total))
				return total, nil
			}
		}
		pageURL = c.nextURL(body)
	}
	return total, nil
}

// listURL filters the list endpoint to a single day. An empty date
// field falls back to the unfiltered endpoint.
func (c *Compras) listURL(day string) string {
	field := c.cfg.Compras.DateField
	if field == "" {
		return c.cfg.Compras.BaseURL
	}
	q := url.Values{}
	q.Set(field+"_min", day)
	q.Set(field+"_max", day)
	return c.cfg.Compras.BaseURL + "?" + q.Encode()
}

// detail fetches the full tender record; list rows only carry a stub.
// A failed lookup degrades to the stub alone.
func (c *Compras) detail(ctx context.Context, ident string) map[string]any {
	var body map[string]any
	status, size, err := c.fetch.getJSON(ctx, c.host+"/licitacoes/id/licitacao/"+ident+".json", &body)
	metrics.ObserveCatalogPage("compras", status, size)
	if err != nil {
		c.logger.Debug("compras detail fetch failed", zap.String("ident", ident), zap.Error(err))
		return map[string]any{}
	}
	return body
}

// nextURL resolves the HAL next link, absolutizing root-relative
// hrefs against the list origin.
func (c *Compras) nextURL(body map[string]any) string {
	links := child(body, "_links")
	if links == nil {
		links = child(body, "links")
	}
	next := ""
	for _, key := range []string{"next", "proximo"} {
		switch v := links[key].(type) {
		case map[string]any:
			next = str(v, "href")
		case string:
			next = v
		}
		if next != "" {
			break
		}
	}
	if next != "" && next[0] == '/' {
		next = c.host + next
	}
	return next
}

func (c *Compras) count(ctx context.Context, name string, n int64) {
	if c.metrics != nil && n > 0 {
		c.metrics.Incr(ctx, name, n)
	}
}

// comprasIdent picks the first usable identifier off a list row. The
// API has shipped several shapes over time.
func comprasIdent(item map[string]any) string {
	for _, key := range []string{"identificador", "id", "numero_processo", "numero_aviso"} {
		if v := str(item, key); v != "" {
			return v
		}
	}
	return ""
}

// comprasItems digs the row list out of the HAL envelope, trying the
// embedded collection first and the top level second.
func comprasItems(body map[string]any) []map[string]any {
	for _, container := range []map[string]any{child(body, "_embedded"), body} {
		if container == nil {
			continue
		}
		for _, key := range []string{"licitacoes", "licitacao", "items"} {
			raw, ok := container[key].([]any)
			if !ok {
				continue
			}
			out := make([]map[string]any, 0, len(raw))
			for _, entry := range raw {
				if item, ok := entry.(map[string]any); ok {
					out = append(out, item)
				}
			}
			return out
		}
	}
	return nil
}

// mapTender merges the detail record over the list stub. The id gets
// the compras: prefix so downstream can tell the sources apart.
func (c *Compras) mapTender(detail, item map[string]any, ident string) pipeline.TenderInput {
	pick := func(key string) string {
		if v := str(detail, key); v != "" {
			return v
		}
		return str(item, key)
	}

	htmlURL := c.host + "/licitacoes/id/licitacao/" + ident + ".html"
	in := pipeline.TenderInput{
		IDPNCP:         "compras:" + ident,
		Source:         pipeline.SourceCompras,
		SourceID:       ident,
		Modalidade:     pick("modalidade"),
		Objeto:         pick("objeto"),
		DataPublicacao: pick("data_publicacao"),
		Status:         pick("situacao_aviso"),
		URLs: map[string]string{
			"compras": htmlURL,
			"api":     c.host + "/licitacoes/id/licitacao/" + ident + ".json",
			"url":     htmlURL,
		},
		SourcePayload: map[string]any{"list_item": item, "detail": detail},
	}
	if uasg := pick("uasg"); uasg != "" {
		in.Orgao = "UASG " + uasg
	}
	return in
}
