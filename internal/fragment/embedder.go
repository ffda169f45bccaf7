package fragment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"conductor/internal/fault"
	"conductor/internal/logging"
	"conductor/internal/token"
)

// Embedding pipeline defaults. The base URL targets a local Ollama
// instance exposing the OpenAI-compatible surface.
const (
	DefaultEmbeddingBaseURL = "http://localhost:11434/v1"
	DefaultEmbeddingModel   = "nomic-embed-text"
	DefaultEmbedTimeout     = 30 * time.Second
	DefaultEmbedMaxRetries  = 3
	DefaultEmbedRetryDelay  = 500 * time.Millisecond
	DefaultEmbedMaxTokens   = 8000
	DefaultEmbedCacheSize   = 512
)

// EmbedderMetrics receives embedding telemetry. The observability
// collector satisfies it; a nil value disables recording.
type EmbedderMetrics interface {
	RecordEmbedding(ctx context.Context, status string)
	RecordEmbeddingCacheHit(ctx context.Context)
}

// EmbedderConfig configures the embedding client. Zero values take the
// defaults above.
type EmbedderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	MaxTokens  int
	CacheSize  int
	Metrics    EmbedderMetrics
}

func (c EmbedderConfig) withDefaults() EmbedderConfig {
	if c.BaseURL == "" {
		c.BaseURL = DefaultEmbeddingBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultEmbeddingModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultEmbedTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultEmbedMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultEmbedRetryDelay
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultEmbedMaxTokens
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultEmbedCacheSize
	}
	return c
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// httpEmbedder calls an OpenAI-compatible /embeddings endpoint with an
// LRU result cache, a token budget on inputs and linear backoff retries.
type httpEmbedder struct {
	cfg    EmbedderConfig
	client *http.Client
	cache  *lru.Cache[string, []float32]
	logger logging.Logger
}

// NewEmbedder builds the HTTP embedding client.
func NewEmbedder(cfg EmbedderConfig, logger logging.Logger) (Embedder, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fault.WithCause(fault.ErrInternal, err, "create embedding cache")
	}
	return &httpEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logging.OrNop(logger),
	}, nil
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fault.InvalidRequest("embedding input is empty")
	}
	bounded := token.Truncate(text, e.cfg.MaxTokens)
	if len(bounded) < len(text) {
		e.logger.Debug("embedder: input truncated to %d tokens", e.cfg.MaxTokens)
	}

	key := e.cfg.Model + "\x00" + bounded
	if vec, ok := e.cache.Get(key); ok {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordEmbeddingCacheHit(ctx)
		}
		return vec, nil
	}

	var vec []float32
	var err error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		vec, err = e.callAPI(ctx, bounded)
		if err == nil {
			break
		}
		if attempt == e.cfg.MaxRetries {
			break
		}
		delay := time.Duration(attempt) * e.cfg.RetryDelay
		e.logger.Warn("embedder: attempt %d/%d failed, retrying in %s: %v", attempt, e.cfg.MaxRetries, delay, err)
		select {
		case <-ctx.Done():
			e.recordEmbedding(ctx, "error")
			return nil, fault.WithCause(fault.ErrTimeout, ctx.Err(), "embedding cancelled")
		case <-time.After(delay):
		}
	}
	if err != nil {
		e.recordEmbedding(ctx, "error")
		if isTimeout(err) {
			return nil, fault.WithCause(fault.ErrTimeout, err, "embedding with %s timed out after %d attempts", e.cfg.Model, e.cfg.MaxRetries)
		}
		return nil, fault.WithCause(fault.ErrInternal, err, "embedding with %s failed after %d attempts", e.cfg.Model, e.cfg.MaxRetries)
	}

	e.recordEmbedding(ctx, "success")
	e.cache.Add(key, vec)
	return vec, nil
}

func (e *httpEmbedder) recordEmbedding(ctx context.Context, status string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordEmbedding(ctx, status)
	}
}

func (e *httpEmbedder) callAPI(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("embeddings API status %d: %s", resp.StatusCode, body)
	}

	var decoded struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) != 1 || len(decoded.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embeddings API returned %d vectors for 1 input", len(decoded.Data))
	}
	return decoded.Data[0].Embedding, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
