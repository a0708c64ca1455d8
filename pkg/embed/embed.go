// Package embed provides a plain JSON-over-HTTP client for the embedding
// endpoint, supporting both the batch ("openai"-shaped) and one-by-one
// ("simple"-shaped) protocols.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrEmbedding is the sentinel wrapped by embedding request failures.
var ErrEmbedding = errors.New("embed: request failed")

// APIType selects the wire protocol spoken to the embedding endpoint.
type APIType string

const (
	// APITypeBatch POSTs {model, input:[...]} and expects {data:[{embedding}]}.
	APITypeBatch APIType = "batch"
	// APITypeOneByOne POSTs {model, sentence} once per text and expects {embedding}.
	APITypeOneByOne APIType = "one-by-one"

	// maxBatchSize is the documented upper bound of the batch protocol's
	// single request, regardless of the configured batch size.
	maxBatchSize = 10
)

// Config controls the embedding client's endpoint, credentials, and batching.
type Config struct {
	APIType   APIType
	URL       string
	APIKey    string
	Model     string
	Timeout   time.Duration
	BatchSize int
	MaxChars  int
}

// Client is a plain JSON-over-HTTP embedding client.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a Client from cfg, defaulting BatchSize/MaxChars/Timeout when unset.
func New(cfg Config) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 4000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.APIType == "" {
		cfg.APIType = APITypeBatch
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// EmbeddingError carries the HTTP status and response body of a failed call.
type EmbeddingError struct {
	Status int
	Body   string
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", ErrEmbedding, e.Status, e.Body)
}

func (e *EmbeddingError) Unwrap() error { return ErrEmbedding }

type batchRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type batchResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type singleRequest struct {
	Model    string `json:"model"`
	Sentence string `json:"sentence"`
}

type singleResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns one embedding per text in texts, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = truncate(t, c.cfg.MaxChars)
	}

	if c.cfg.APIType == APITypeOneByOne {
		return c.embedOneByOne(ctx, truncated)
	}
	return c.embedBatch(ctx, truncated)
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	bs := c.cfg.BatchSize
	if bs > maxBatchSize {
		bs = maxBatchSize
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += bs {
		end := i + bs
		if end > len(texts) {
			end = len(texts)
		}
		var resp batchResponse
		if err := c.post(ctx, batchRequest{Model: c.cfg.Model, Input: texts[i:end]}, &resp); err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", i, end, err)
		}
		for _, item := range resp.Data {
			out = append(out, item.Embedding)
		}
	}
	return out, nil
}

func (c *Client) embedOneByOne(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var resp singleResponse
		if err := c.post(ctx, singleRequest{Model: c.cfg.Model, Sentence: t}, &resp); err != nil {
			return nil, fmt.Errorf("embed [%d]: %w", i, err)
		}
		out[i] = resp.Embedding
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &EmbeddingError{Status: resp.StatusCode, Body: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
