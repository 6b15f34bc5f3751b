package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// maxOracleReply bounds how much of an oracle response is read.
const maxOracleReply = 1 << 20

// HTTPOracle implements pipeline.Oracle against the configured
// classify and embed endpoints.
type HTTPOracle struct {
	client      *http.Client
	classifyURL string
	embedURL    string
	embedModel  string
	embedDim    int
}

// NewHTTPOracle builds the oracle client. embedDim > 0 enables the
// dimension check on returned vectors.
func NewHTTPOracle(cfg config.OracleConfig, embedDim int) *HTTPOracle {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPOracle{
		client:      &http.Client{Timeout: timeout},
		classifyURL: cfg.ClassifyURL,
		embedURL:    cfg.EmbedURL,
		embedModel:  cfg.EmbedModel,
		embedDim:    embedDim,
	}
}

// Classify posts the tender text and normalizes whatever the oracle
// answers into Labels.
func (o *HTTPOracle) Classify(ctx context.Context, in pipeline.ClassifyInput) (pipeline.Labels, error) {
	if o.classifyURL == "" {
		return pipeline.Labels{}, fmt.Errorf("oracle classify url not configured")
	}
	raw, err := o.post(ctx, o.classifyURL, in)
	if err != nil {
		return pipeline.Labels{}, err
	}
	obj, ok := ParseLooseJSON(string(raw))
	if !ok {
		return pipeline.Labels{}, fmt.Errorf("oracle reply is not a JSON object")
	}
	return NormalizeLabels(obj), nil
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed requests a dense vector for text. A dimension mismatch is an
// error so callers drop the vector instead of storing a short one.
func (o *HTTPOracle) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.embedURL == "" {
		return nil, fmt.Errorf("oracle embed url not configured")
	}
	raw, err := o.post(ctx, o.embedURL, embedRequest{Model: o.embedModel, Prompt: text})
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode embed reply: %w", err)
	}
	if o.embedDim > 0 && len(resp.Embedding) != o.embedDim {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(resp.Embedding), o.embedDim)
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (o *HTTPOracle) post(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode oracle request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOracleReply))
	if err != nil {
		return nil, fmt.Errorf("read oracle reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned %d", resp.StatusCode)
	}
	return raw, nil
}
