package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"traffic-monitor-service/internal/domain/detection"
)

const DefaultModel = "gemini-2.5-flash"

// GeminiGenerator calls the hosted Gemini API.
type GeminiGenerator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiGenerator{client: client, model: model, timeout: timeout}, nil
}

func (g *GeminiGenerator) GenerateText(ctx context.Context, img *detection.Image, prompt string) (string, error) {
	if img.Empty() {
		return "", errors.New("empty image")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(img.Data, img.MimeType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return resp.Text(), nil
}
