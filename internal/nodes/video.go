package nodes

import (
	"context"
	"fmt"
	"time"

	"piper-nodes/internal/node"
	"piper-nodes/internal/provider"
	"piper-nodes/internal/provider/fal"
	"piper-nodes/internal/provider/replicate"
)

type modelRoutes struct {
	textToVideo  string
	imageToVideo string
}

func (m modelRoutes) pick(inputs node.Inputs) string {
	if inputs.Has("image") {
		return m.imageToVideo
	}
	return m.textToVideo
}

// duration returns the requested clip length; durations arrive as strings
// from forms and are sent to providers as numbers.
func duration(inputs node.Inputs) any {
	if !inputs.Has("duration") {
		return nil
	}
	return inputs.Float("duration", 0)
}

const (
	klingInterval     = 3 * time.Second
	klingAttempts     = 120
	klingDefaultModel = "2_6"
)

var klingPricePerSecond = map[string]struct{ audioOn, audioOff float64 }{
	"2_1": {0.05, 0.05},
	"2_5": {0.07, 0.07},
	"2_6": {0.14, 0.07},
}

var klingModels = map[string]modelRoutes{
	"2_1": {"fal-ai/kling-video/v2.1/standard/text-to-video", "fal-ai/kling-video/v2.1/standard/image-to-video"},
	"2_5": {"fal-ai/kling-video/v2.5-turbo/pro/text-to-video", "fal-ai/kling-video/v2.5-turbo/pro/image-to-video"},
	"2_6": {"fal-ai/kling-video/v2.6/pro/text-to-video", "fal-ai/kling-video/v2.6/pro/image-to-video"},
}

func klingCosts(env node.Env, inputs node.Inputs) float64 {
	if fal.UserScoped(env) {
		return 0
	}
	prices, ok := klingPricePerSecond[inputs.String("model", klingDefaultModel)]
	if !ok {
		return 0
	}
	price := prices.audioOff
	if inputs.Bool("generate_audio", false) {
		price = prices.audioOn
	}
	return price * inputs.Float("duration", 5)
}

func klingVideo(r *Registry) Definition {
	run := func(ctx context.Context, env node.Env, inputs node.Inputs, state *node.State) (node.Signal, error) {
		cfg, err := fal.ConfigFromEnv(env)
		if err != nil {
			return nil, err
		}
		if base := r.baseURL("fal"); base != "" {
			cfg.BaseURL = base
		}
		client := fal.NewClient(cfg, r.clientOptions("fal", klingInterval, klingAttempts)...)

		if state == nil {
			model := inputs.String("model", klingDefaultModel)
			routes, ok := klingModels[model]
			if !ok {
				return nil, node.Fatal("", fmt.Sprintf("unknown Kling model %q", model))
			}
			if err := required(inputs, "prompt"); err != nil {
				return nil, err
			}
			payload := node.Compact(map[string]any{
				"prompt":          inputs.String("prompt", ""),
				"image_url":       inputs.String("image", ""),
				"duration":        duration(inputs),
				"aspect_ratio":    inputs.String("aspect_ratio", ""),
				"tail_image_url":  inputs.String("tail_image", ""),
				"negative_prompt": inputs.String("negative_prompt", ""),
				"cfg_scale":       inputs["cfg_scale"],
				"generate_audio":  inputs["generate_audio"],
			})
			return submit(ctx, client, routes.pick(inputs), payload)
		}
		return poll(ctx, client, *state, func(outcome provider.Outcome) (node.Next, error) {
			var result struct {
				Video struct {
					URL string `json:"url"`
				} `json:"video"`
			}
			if err := outcome.Decode(&result); err != nil {
				return node.Next{}, err
			}
			return node.NextOf(map[string]any{"video": result.Video.URL}, klingCosts(env, inputs)), nil
		})
	}
	return Definition{
		Name:          "fal.kling_video",
		Provider:      "fal",
		Description:   "Generate a video with Kling on fal.ai",
		Credentials:   []string{fal.EnvKey},
		CheckInterval: klingInterval,
		MaxAttempts:   klingAttempts,
		Run:           run,
		Costs:         klingCosts,
	}
}

const (
	wanInterval = 3 * time.Second
	wanAttempts = 100
)

var wanCostPerSecond = map[string]map[string]float64{
	"standard": {"480p": 0.05, "720p": 0.1, "1080p": 0.15},
	"fast":     {"480p": 0.068, "720p": 0.068, "1080p": 0.102},
}

var wanModels = map[string]modelRoutes{
	"standard": {"wan-video/wan-2.5-t2v", "wan-video/wan-2.5-i2v"},
	"fast":     {"wan-video/wan-2.5-t2v-fast", "wan-video/wan-2.5-i2v-fast"},
}

func wanCosts(env node.Env, inputs node.Inputs) float64 {
	if replicate.UserScoped(env) {
		return 0
	}
	price := wanCostPerSecond[inputs.String("mode", "standard")][inputs.String("resolution", "720p")]
	return price * inputs.Float("duration", 5)
}

func wanVideo(r *Registry) Definition {
	run := func(ctx context.Context, env node.Env, inputs node.Inputs, state *node.State) (node.Signal, error) {
		cfg, err := replicate.ConfigFromEnv(env)
		if err != nil {
			return nil, err
		}
		if base := r.baseURL("replicate"); base != "" {
			cfg.BaseURL = base
		}
		client := replicate.NewClient(cfg, r.clientOptions("replicate", wanInterval, wanAttempts)...)

		if state == nil {
			mode := inputs.String("mode", "standard")
			routes, ok := wanModels[mode]
			if !ok {
				return nil, node.Fatal("", fmt.Sprintf("unknown Wan mode %q", mode))
			}
			if err := required(inputs, "prompt"); err != nil {
				return nil, err
			}
			payload := node.Compact(map[string]any{
				"prompt":                  inputs.String("prompt", ""),
				"image":                   inputs.String("image", ""),
				"duration":                duration(inputs),
				"resolution":              inputs.String("resolution", ""),
				"negative_prompt":         inputs.String("negative_prompt", ""),
				"audio":                   inputs.String("audio", ""),
				"enable_prompt_expansion": inputs["enable_prompt_expansion"],
				"seed":                    inputs["seed"],
			})
			return submit(ctx, client, replicate.ModelEndpoint(routes.pick(inputs)), payload)
		}
		return poll(ctx, client, *state, func(outcome provider.Outcome) (node.Next, error) {
			var video string
			if err := outcome.Decode(&video); err != nil {
				return node.Next{}, err
			}
			return node.NextOf(map[string]any{"video": video}, wanCosts(env, inputs)), nil
		})
	}
	return Definition{
		Name:          "replicate.wan_video",
		Provider:      "replicate",
		Description:   "Generate a video with Wan 2.5 on Replicate",
		Credentials:   []string{replicate.EnvToken},
		CheckInterval: wanInterval,
		MaxAttempts:   wanAttempts,
		Run:           run,
		Costs:         wanCosts,
	}
}
