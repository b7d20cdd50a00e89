// Package generate provides generation backends behind the canvas.Generator
// interface. The OpenAI backend is the production path; the scripted backend
// serves tests and local development without network access.
package generate

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/easelhq/easel/pkg/canvas"
)

// DefaultModel is the image model used when the config names none.
const DefaultModel = openai.CreateImageModelDallE3

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 10 * time.Minute

// OpenAI generates images through the OpenAI image API. No retry policy:
// failures surface to the caller, which decides whether to resubmit.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAI creates an OpenAI generator. model falls back to DefaultModel
// and timeout to DefaultTimeout when zero-valued.
func NewOpenAI(apiKey, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAI{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
	}
}

// Generate implements canvas.Generator.
func (g *OpenAI) Generate(ctx context.Context, req canvas.GenerationRequest) (*canvas.GenerationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	imageReq := openai.ImageRequest{
		Prompt:         buildPrompt(req),
		Model:          g.model,
		N:              1,
		Size:           mapSize(req.Size),
		ResponseFormat: openai.CreateImageResponseFormatURL,
	}
	if style := mapStyle(req.Style); style != "" {
		imageReq.Style = style
	}

	resp, err := g.client.CreateImage(ctx, imageReq)
	if err != nil {
		return nil, fmt.Errorf("image generation failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("image generation returned no data")
	}

	assets := make([]string, 0, len(resp.Data))
	metadata := map[string]string{"model": g.model}
	for _, item := range resp.Data {
		assets = append(assets, item.URL)
		if item.RevisedPrompt != "" {
			metadata["revised_prompt"] = item.RevisedPrompt
		}
	}

	return &canvas.GenerationResult{Assets: assets, Metadata: metadata}, nil
}

// buildPrompt folds the fields the image API has no parameter for into the
// prompt text.
func buildPrompt(req canvas.GenerationRequest) string {
	prompt := req.Prompt
	if req.ReferenceAsset != "" {
		prompt = fmt.Sprintf("%s (reference image: %s)", prompt, req.ReferenceAsset)
	}
	if req.Style != "" && mapStyle(req.Style) == "" {
		prompt = fmt.Sprintf("%s, rendered in %s style", prompt, req.Style)
	}
	return prompt
}

// mapStyle returns the API style parameter for the two values the API
// understands; anything else is folded into the prompt by buildPrompt.
func mapStyle(style string) string {
	switch style {
	case openai.CreateImageStyleNatural, openai.CreateImageStyleVivid:
		return style
	default:
		return ""
	}
}

// mapSize maps a requested size onto the nearest supported API size.
func mapSize(size string) string {
	switch size {
	case openai.CreateImageSize256x256, openai.CreateImageSize512x512,
		openai.CreateImageSize1024x1024, openai.CreateImageSize1792x1024,
		openai.CreateImageSize1024x1792:
		return size
	default:
		return openai.CreateImageSize1024x1024
	}
}
