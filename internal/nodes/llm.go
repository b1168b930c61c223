package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"piper-nodes/internal/llm"
	"piper-nodes/internal/llm/openrouter"
	"piper-nodes/internal/node"
)

const envOpenRouterKey = "OPENROUTER_API_KEY"

// tokenPrice is USD per million tokens.
type tokenPrice struct{ in, out float64 }

var (
	defaultTokenPrice = tokenPrice{in: 0.064, out: 0.4}
	tokenPrices       = map[string]tokenPrice{
		"qwen/qwen3-vl-8b-instruct":   {in: 0.064, out: 0.4},
		"openai/gpt-4o-mini":          {in: 0.15, out: 0.6},
		"google/gemini-2.5-flash":     {in: 0.3, out: 2.5},
		"anthropic/claude-sonnet-4.5": {in: 3, out: 15},
	}
)

const (
	perMillion            = 1_000_000
	estimatedOutputTokens = 500
)

func estimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}

// llmCosts prices a completion from reported usage, or estimates it from the
// prompt length when the provider reported none.
func llmCosts(env node.Env, inputs node.Inputs, usage *llm.Usage) float64 {
	if env.UserScoped(envOpenRouterKey) {
		return 0
	}
	prices, ok := tokenPrices[inputs.String("model", openrouter.DefaultModel)]
	if !ok {
		prices = defaultTokenPrice
	}
	input := estimateTokens(inputs.String("instructions", "")) + estimateTokens(inputs.String("question", ""))
	output := estimatedOutputTokens
	if usage != nil {
		input, output = usage.PromptTokens, usage.CompletionTokens
	}
	return float64(input)/perMillion*prices.in + float64(output)/perMillion*prices.out
}

func optionalFloat32(inputs node.Inputs, key string) *float32 {
	if !inputs.Has(key) {
		return nil
	}
	v := float32(inputs.Float(key, 0))
	return &v
}

func optionalInt(inputs node.Inputs, key string) *int {
	if !inputs.Has(key) {
		return nil
	}
	v := int(inputs.Float(key, 0))
	return &v
}

func askLLM(r *Registry) Definition {
	run := func(ctx context.Context, env node.Env, inputs node.Inputs, _ *node.State) (node.Signal, error) {
		key := env.Variable(envOpenRouterKey)
		if key == "" {
			return nil, node.ConfigError("Please set your API key for OpenRouter")
		}
		if err := required(inputs, "question"); err != nil {
			return nil, err
		}
		client, err := openrouter.NewClient(openrouter.Config{
			APIKey:  key,
			BaseURL: r.baseURL("openrouter"),
		})
		if err != nil {
			return nil, node.ConfigError(err.Error())
		}

		jsonAnswer := inputs.String("answerFormat", "text") == "json"
		resp, err := client.Generate(ctx, llm.Request{
			Model:        inputs.String("model", ""),
			Instructions: inputs.String("instructions", ""),
			Question:     inputs.String("question", ""),
			ImageURL:     inputs.String("image", ""),
			JSON:         jsonAnswer,
			Temperature:  optionalFloat32(inputs, "temperature"),
			MaxTokens:    optionalInt(inputs, "max_tokens"),
			TopP:         optionalFloat32(inputs, "top_p"),
		})
		if err != nil {
			return nil, node.FatalWrap("", err, fmt.Sprintf("Request failed: %v", err))
		}

		costs := llmCosts(env, inputs, resp.Usage)
		if jsonAnswer {
			var parsed any
			if err := json.Unmarshal([]byte(resp.Answer), &parsed); err != nil {
				return nil, node.FatalWrap("", err, "Can't parse JSON answer from model")
			}
			return node.NextOf(map[string]any{"json": parsed}, costs), nil
		}
		return node.NextOf(map[string]any{"answer": resp.Answer}, costs), nil
	}
	return Definition{
		Name:        "openrouter.ask_llm",
		Provider:    "openrouter",
		Description: "Ask any LLM available on OpenRouter",
		Credentials: []string{envOpenRouterKey},
		Run:         run,
		Costs: func(env node.Env, inputs node.Inputs) float64 {
			return llmCosts(env, inputs, nil)
		},
	}
}
