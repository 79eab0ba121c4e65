package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultOpenAIModel     = "text-embedding-3-small"
	defaultOpenAIMaxTokens = 8191
	openAIEncoding         = "cl100k_base"
)

// OpenAI embeds text with the OpenAI embeddings API or any compatible
// endpoint. Inputs longer than the model's token limit are truncated.
type OpenAI struct {
	client    openai.Client
	model     string
	dim       int
	maxTokens int
	baseURL   string

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// OpenAIOption configures an OpenAI provider.
type OpenAIOption func(*OpenAI)

// WithModel sets the embedding model.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAI) {
		if model != "" {
			o.model = model
		}
	}
}

// WithBaseURL points the provider at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(o *OpenAI) { o.baseURL = baseURL }
}

// WithMaxTokens overrides the input token limit.
func WithMaxTokens(n int) OpenAIOption {
	return func(o *OpenAI) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// NewOpenAI creates an OpenAI provider. If apiKey is empty OPENAI_API_KEY is
// used; it is an error if neither is set.
func NewOpenAI(apiKey string, dim int, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set embedding.api_key or OPENAI_API_KEY)")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}

	o := &OpenAI{
		model:     defaultOpenAIModel,
		dim:       dim,
		maxTokens: defaultOpenAIMaxTokens,
	}
	for _, opt := range opts {
		opt(o)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by the job queue and the breaker.
		option.WithMaxRetries(0),
	}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	o.client = openai.NewClient(reqOpts...)
	return o, nil
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(o.truncate(text))},
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: openai.Int(int64(o.dim)),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, classifyHTTP(o.Name(), apiErr.StatusCode, apiErr.Message)
		}
		return nil, classifyTransport(o.Name(), err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, classifyHTTP(o.Name(), http.StatusBadGateway, "empty embedding data")
	}

	src := resp.Data[0].Embedding
	v := make([]float32, len(src))
	for i, f := range src {
		v[i] = float32(f)
	}
	return fit(v, o.dim), nil
}

// truncate cuts text to maxTokens tokens. Every token covers at least one
// byte, so short inputs skip the tokenizer entirely.
func (o *OpenAI) truncate(text string) string {
	if len(text) <= o.maxTokens {
		return text
	}
	o.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(openAIEncoding)
		if err == nil {
			o.enc = enc
		}
	})
	if o.enc == nil {
		// Rough fallback of four bytes per token.
		limit := o.maxTokens * 4
		if len(text) <= limit {
			return text
		}
		r := []rune(text)
		if len(r) > limit {
			r = r[:limit]
		}
		return string(r)
	}
	tokens := o.enc.Encode(text, nil, nil)
	if len(tokens) <= o.maxTokens {
		return text
	}
	return o.enc.Decode(tokens[:o.maxTokens])
}

func (o *OpenAI) Dimension() int { return o.dim }

func (o *OpenAI) Name() string { return "openai" }
