package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/resilience"
)

type Provider string

const (
	// ProviderOpenAI speaks the OpenAI-compatible /embeddings protocol.
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

type Options struct {
	Provider   Provider
	BaseURL    string
	Model      string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Executor   *resilience.Executor
}

// Client embeds batches of texts with one HTTP request per batch.
// Vectors are returned as produced by the endpoint, without normalization.
type Client struct {
	provider   Provider
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(opts Options) (*Client, error) {
	provider := Provider(strings.ToLower(strings.TrimSpace(string(opts.Provider))))
	if provider == "" {
		provider = ProviderOpenAI
	}
	if provider != ProviderOpenAI && provider != ProviderOllama {
		return nil, domain.WrapError(domain.ErrConfiguration, "new embedding client", fmt.Errorf("unknown provider %q", opts.Provider))
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "new embedding client", errors.New("embedding model is required"))
	}
	if provider == ProviderOpenAI && strings.TrimSpace(opts.APIKey) == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "new embedding client", errors.New("api key is required for the openai provider"))
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "new embedding client", errors.New("base url is required"))
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		provider:   provider,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		executor:   opts.Executor,
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vectors [][]float32
	call := func(callCtx context.Context) error {
		out, err := c.embedOnce(callCtx, texts)
		if err != nil {
			return err
		}
		vectors = out
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "embedding.embed", call, classifyEmbeddingError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, wrapEmbeddingError(err)
	}

	if len(vectors) != len(texts) {
		return nil, domain.WrapError(
			domain.ErrInvalidInput,
			"embed",
			fmt.Errorf("vectors/inputs mismatch: %d/%d", len(vectors), len(texts)),
		)
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return nil, domain.WrapError(domain.ErrInvalidInput, "embed", fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim))
		}
	}
	return vectors, nil
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	request := map[string]any{
		"model": c.model,
		"input": texts,
	}

	switch c.provider {
	case ProviderOllama:
		var response struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := c.postJSON(ctx, "/api/embed", request, &response, "embed"); err != nil {
			return nil, err
		}
		return response.Embeddings, nil
	default:
		var response struct {
			Data []struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := c.postJSON(ctx, "/embeddings", request, &response, "embed"); err != nil {
			return nil, err
		}
		sort.SliceStable(response.Data, func(i, j int) bool {
			return response.Data[i].Index < response.Data[j].Index
		})
		out := make([][]float32, len(response.Data))
		for i, item := range response.Data {
			if item.Index != i {
				return nil, fmt.Errorf("embedding response index %d out of sequence at position %d", item.Index, i)
			}
			out[i] = item.Embedding
		}
		return out, nil
	}
}
