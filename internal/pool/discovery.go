package pool

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// OpenAIDiscoverer lists models from an OpenAI-compatible endpoint.
type OpenAIDiscoverer struct {
	client *openai.Client
}

// NewOpenAIDiscoverer builds a discoverer against the given endpoint.
// An empty baseURL targets the default OpenAI API.
func NewOpenAIDiscoverer(baseURL, apiKey string) *OpenAIDiscoverer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIDiscoverer{client: openai.NewClientWithConfig(cfg)}
}

// ListModels returns the IDs of all models the endpoint advertises.
func (d *OpenAIDiscoverer) ListModels(ctx context.Context) ([]string, error) {
	list, err := d.client.ListModels(ctx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDiscovery, "model listing failed").WithCause(err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
