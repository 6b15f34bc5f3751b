package crawl

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/pipeline"
	"github.com/opentenders/tender-radar/internal/worker"
)

// pncpPortalURL is the human-facing tender page. The consulta host
// only serves the API, so links are built against the portal instead.
const pncpPortalURL = "https://pncp.gov.br/app/contratacoes/"

// pncpPage is the slice of the consulta response the poller needs.
// Items stay as raw maps because the whole record is forwarded as the
// source payload.
type pncpPage struct {
	Data []map[string]any `json:"data"`
}

// PNCP polls the consulta API for publications of the current day,
// one pass per configured modalidade, and posts every mapped item to
// the ingest API.
type PNCP struct {
	cfg     config.CrawlConfig
	fetch   *fetcher
	ingest  *IngestClient
	metrics pipeline.Metrics
	clock   pipeline.Clock
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPNCP constructs the poller with its own collector.
func NewPNCP(cfg config.CrawlConfig, ingest *IngestClient, m pipeline.Metrics, clock pipeline.Clock, logger *zap.Logger) (*PNCP, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := newFetcher(cfg)
	if err != nil {
		return nil, err
	}
	return &PNCP{
		cfg:     cfg,
		fetch:   f,
		ingest:  ingest,
		metrics: m,
		clock:   clock,
		logger:  logger.With(zap.String("worker", "pncp_fetch")),
		sleep:   worker.Sleep,
	}, nil
}

// Run blocks, crawling until the context finishes.
func (p *PNCP) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	p.logger.Info("pncp catalog loop started",
		zap.String("base_url", p.cfg.PNCP.BaseURL),
		zap.Ints("modalidades", p.cfg.PNCP.Modalidades),
		zap.Int("interval_seconds", p.cfg.IntervalSeconds))
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := p.runOnce(ctx)
		if err != nil {
			p.logger.Warn("pncp pass aborted", zap.Int("ingested", n), zap.Error(err))
			p.count(ctx, "worker.pncp_fetch.batch_error_total", 1)
		} else {
			p.logger.Info("pncp pass done", zap.Int("ingested", n))
			p.count(ctx, "worker.pncp_fetch.batch_ok_total", 1)
		}
		p.count(ctx, "worker.pncp_fetch.items_total", int64(n))
		if p.sleep(ctx, p.cfg.Interval()) != nil {
			return
		}
	}
}

// runOnce walks every configured modalidade page by page until a page
// comes back empty. A failed page backs off and skips to the next
// modalidade; ingest backpressure aborts the whole pass.
func (p *PNCP) runOnce(ctx context.Context) (int, error) {
	day := p.clock.Now().UTC().Format("20060102")
	total := 0
	for _, modalidade := range p.cfg.PNCP.Modalidades {
		for page := 1; page <= p.cfg.PNCP.MaxPages; page++ {
			var body pncpPage
			status, size, err := p.fetch.getJSON(ctx, p.pageURL(modalidade, page, day), &body)
			metrics.ObserveCatalogPage("pncp", status, size)
			if err != nil {
				if ctx.Err() != nil {
					return total, ctx.Err()
				}
				p.logger.Warn("pncp page fetch failed",
					zap.Int("modalidade", modalidade),
					zap.Int("page", page),
					zap.Int("status", status),
					zap.Error(err))
				p.count(ctx, "worker.pncp_fetch.page_error_total", 1)
				if p.sleep(ctx, p.cfg.Backoff()) != nil {
					return total, ctx.Err()
				}
				break
			}
			if len(body.Data) == 0 {
				break
			}
			for _, item := range body.Data {
				in, ok := mapPNCPItem(item)
				if !ok {
					continue
				}
				err := p.ingest.Ingest(ctx, in)
				if errors.Is(err, ErrBackpressure) {
					return total, err
				}
				if err != nil {
					p.logger.Warn("pncp ingest failed", zap.String("id_pncp", in.IDPNCP), zap.Error(err))
					p.count(ctx, "worker.pncp_fetch.ingest_error_total", 1)
					continue
				}
				p.count(ctx, "worker.pncp_fetch.ingest_ok_total", 1)
				total++
				if p.cfg.MaxItems > 0 && total >= p.cfg.MaxItems {
					p.logger.Info("pncp item cap reached", zap.Int("items", total))
					return total, nil
				}
			}
		}
	}
	return total, nil
}

// pageURL builds the consulta query for one modalidade page. Both date
// bounds are the same day so every pass only sees fresh publications.
func (p *PNCP) pageURL(modalidade, page int, day string) string {
	q := url.Values{}
	q.Set("dataInicial", day)
	q.Set("dataFinal", day)
	q.Set("codigoModalidadeContratacao", strconv.Itoa(modalidade))
	q.Set("pagina", strconv.Itoa(page))
	q.Set("tamanhoPagina", strconv.Itoa(p.cfg.PNCP.PageSize))
	if p.cfg.PNCP.UF != "" {
		q.Set("uf", p.cfg.PNCP.UF)
	}
	return strings.TrimRight(p.cfg.PNCP.BaseURL, "/") + "/v1/contratacoes/publicacao?" + q.Encode()
}

func (p *PNCP) count(ctx context.Context, name string, n int64) {
	if p.metrics != nil && n > 0 {
		p.metrics.Incr(ctx, name, n)
	}
}

// mapPNCPItem turns one consulta record into a tender submission. The
// control number is the only required field; everything else degrades
// to empty strings.
func mapPNCPItem(item map[string]any) (pipeline.TenderInput, bool) {
	numero := str(item, "numeroControlePNCP")
	if numero == "" {
		return pipeline.TenderInput{}, false
	}

	objeto := str(item, "objetoCompra")
	if info := str(item, "informacaoComplementar"); info != "" {
		if objeto == "" {
			objeto = info
		} else {
			objeto = objeto + " | " + info
		}
	}

	urls := map[string]string{"pncp": pncpPortalURL + numero}
	if link := str(item, "linkSistemaOrigem"); link != "" {
		urls["sistema_origem"] = link
	}
	if link := str(item, "linkProcessoEletronico"); link != "" {
		urls["processo"] = link
	}

	unidade := child(item, "unidadeOrgao")
	return pipeline.TenderInput{
		IDPNCP:         numero,
		Source:         pipeline.SourcePNCP,
		SourceID:       numero,
		Orgao:          str(child(item, "orgaoEntidade"), "razaoSocial"),
		Municipio:      str(unidade, "municipioNome"),
		UF:             str(unidade, "ufSigla"),
		Modalidade:     str(item, "modalidadeNome"),
		Objeto:         objeto,
		DataPublicacao: str(item, "dataPublicacaoPncp"),
		Status:         str(item, "situacaoCompraNome"),
		URLs:           urls,
		SourcePayload:  item,
	}, true
}
