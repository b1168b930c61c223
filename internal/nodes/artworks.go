package nodes

import (
	"context"
	"strings"
	"time"

	"piper-nodes/internal/node"
	"piper-nodes/internal/provider"
	"piper-nodes/internal/provider/artworks"
)

func artworksClient(r *Registry, env node.Env, checkInterval time.Duration, maxAttempts int) (*provider.Client, error) {
	cfg, err := artworks.ConfigFromEnv(env)
	if err != nil {
		return nil, err
	}
	if base := r.baseURL("artworks"); base != "" {
		cfg.BaseURL = base
	}
	return artworks.NewClient(cfg, r.clientOptions("artworks", checkInterval, maxAttempts)...), nil
}

func artworksUserScoped(env node.Env) bool {
	return env.UserScoped(artworks.EnvUser)
}

const (
	removeBackgroundInterval = 3 * time.Second
	removeBackgroundAttempts = 20
)

func removeBackgroundCosts(env node.Env, _ node.Inputs) float64 {
	if artworksUserScoped(env) {
		return 0
	}
	return 0.005
}

func removeBackground(r *Registry) Definition {
	run := func(ctx context.Context, env node.Env, inputs node.Inputs, state *node.State) (node.Signal, error) {
		client, err := artworksClient(r, env, removeBackgroundInterval, removeBackgroundAttempts)
		if err != nil {
			return nil, err
		}
		if state == nil {
			if err := required(inputs, "image"); err != nil {
				return nil, err
			}
			return submit(ctx, client, "remove-image-background", artworks.TaskPayload{
				Type: "remove-image-background",
				Payload: map[string]any{
					"base64": false,
					"image":  inputs.String("image", ""),
				},
			})
		}
		return poll(ctx, client, *state, func(outcome provider.Outcome) (node.Next, error) {
			var result struct {
				Image struct {
					URL string `json:"url"`
				} `json:"image"`
			}
			if err := outcome.Decode(&result); err != nil {
				return node.Next{}, err
			}
			return node.NextOf(map[string]any{"image": result.Image.URL}, removeBackgroundCosts(env, inputs)), nil
		})
	}
	return Definition{
		Name:          "artworks.remove_background",
		Provider:      "artworks",
		Description:   "Remove the background of an image",
		Credentials:   []string{artworks.EnvUser, artworks.EnvPassword},
		CheckInterval: removeBackgroundInterval,
		MaxAttempts:   removeBackgroundAttempts,
		Run:           run,
		Costs:         removeBackgroundCosts,
	}
}

const (
	generateImageInterval = 3 * time.Second
	generateImageAttempts = 100
)

func generateImageCosts(env node.Env, inputs node.Inputs) float64 {
	if artworksUserScoped(env) {
		return 0
	}
	var price float64
	switch inputs.String("performance", "speed") {
	case "speed":
		price = 0.005
	case "quality":
		price = 0.01
	default:
		price = 0.0025
	}
	return inputs.Float("batchSize", 1) * price
}

func generateImage(r *Registry) Definition {
	run := func(ctx context.Context, env node.Env, inputs node.Inputs, state *node.State) (node.Signal, error) {
		client, err := artworksClient(r, env, generateImageInterval, generateImageAttempts)
		if err != nil {
			return nil, err
		}
		if state == nil {
			if err := required(inputs, "prompt"); err != nil {
				return nil, err
			}
			payload := node.Compact(map[string]any{
				"base64":         false,
				"prompt":         inputs.String("prompt", ""),
				"negativePrompt": inputs.String("negativePrompt", ""),
				"checkpoint":     inputs.String("checkpoint", ""),
				"cfgScale":       inputs["cfgScale"],
				"size":           inputs.String("imageSize", ""),
				"performance":    inputs.String("performance", ""),
				"sharpness":      inputs["sharpness"],
				"seed":           inputs["seed"],
				"batchSize":      inputs["batchSize"],
				"styles":         inputs["styles"],
			})
			return submit(ctx, client, "text-to-image", artworks.TaskPayload{Type: "text-to-image", Payload: payload})
		}
		return poll(ctx, client, *state, func(outcome provider.Outcome) (node.Next, error) {
			var result struct {
				Images []struct {
					URL string `json:"url"`
				} `json:"images"`
			}
			if err := outcome.Decode(&result); err != nil {
				return node.Next{}, err
			}
			if len(result.Images) == 0 {
				return node.Next{}, node.Fatal("", "no images in result")
			}
			images := make([]string, 0, len(result.Images))
			for _, image := range result.Images {
				images = append(images, strings.TrimSpace(image.URL))
			}
			return node.NextOf(map[string]any{"images": images}, generateImageCosts(env, inputs)), nil
		})
	}
	return Definition{
		Name:          "artworks.generate_image",
		Provider:      "artworks",
		Description:   "Generate images from a text prompt",
		Credentials:   []string{artworks.EnvUser, artworks.EnvPassword},
		CheckInterval: generateImageInterval,
		MaxAttempts:   generateImageAttempts,
		Run:           run,
		Costs:         generateImageCosts,
	}
}
