package generate

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easelhq/easel/pkg/canvas"
)

func TestScripted(t *testing.T) {
	ctx := context.Background()

	t.Run("produces deterministic assets", func(t *testing.T) {
		g := NewScripted()

		r1, err := g.Generate(ctx, canvas.GenerationRequest{Prompt: "a lighthouse"})
		require.NoError(t, err)
		assert.Equal(t, []string{"scripted://asset-1.png"}, r1.Assets)
		assert.Equal(t, "a lighthouse", r1.Metadata["prompt"])

		r2, err := g.Generate(ctx, canvas.GenerationRequest{Prompt: "a bicycle"})
		require.NoError(t, err)
		assert.Equal(t, []string{"scripted://asset-2.png"}, r2.Assets)
		assert.Equal(t, 2, g.Calls())
	})

	t.Run("scripted failures hit the chosen call", func(t *testing.T) {
		g := NewScripted()
		boom := errors.New("backend down")
		g.FailCall(2, boom)

		_, err := g.Generate(ctx, canvas.GenerationRequest{Prompt: "ok"})
		require.NoError(t, err)

		_, err = g.Generate(ctx, canvas.GenerationRequest{Prompt: "fails"})
		assert.ErrorIs(t, err, boom)

		_, err = g.Generate(ctx, canvas.GenerationRequest{Prompt: "ok again"})
		assert.NoError(t, err)
	})
}

func TestBuildPrompt(t *testing.T) {
	t.Run("plain prompt passes through", func(t *testing.T) {
		got := buildPrompt(canvas.GenerationRequest{Prompt: "a lighthouse"})
		assert.Equal(t, "a lighthouse", got)
	})

	t.Run("reference asset is folded in", func(t *testing.T) {
		got := buildPrompt(canvas.GenerationRequest{
			Prompt:         "repaint the tower red",
			ReferenceAsset: "https://assets.example/v1.png",
		})
		assert.Contains(t, got, "reference image: https://assets.example/v1.png")
	})

	t.Run("api-native styles stay out of the prompt", func(t *testing.T) {
		got := buildPrompt(canvas.GenerationRequest{Prompt: "a lighthouse", Style: "vivid"})
		assert.Equal(t, "a lighthouse", got)
	})

	t.Run("custom styles are folded in", func(t *testing.T) {
		got := buildPrompt(canvas.GenerationRequest{Prompt: "a lighthouse", Style: "watercolor"})
		assert.Contains(t, got, "rendered in watercolor style")
	})
}

func TestMapSize(t *testing.T) {
	assert.Equal(t, openai.CreateImageSize1792x1024, mapSize("1792x1024"))
	assert.Equal(t, openai.CreateImageSize1024x1024, mapSize(""))
	assert.Equal(t, openai.CreateImageSize1024x1024, mapSize("9999x9999"))
}

func TestMapStyle(t *testing.T) {
	assert.Equal(t, "natural", mapStyle("natural"))
	assert.Equal(t, "vivid", mapStyle("vivid"))
	assert.Equal(t, "", mapStyle("watercolor"))
	assert.Equal(t, "", mapStyle(""))
}

func TestNewOpenAIDefaults(t *testing.T) {
	g := NewOpenAI("test-key", "", 0)
	assert.Equal(t, DefaultModel, g.model)
	assert.Equal(t, DefaultTimeout, g.timeout)
}
