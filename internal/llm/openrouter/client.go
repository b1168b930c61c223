package openrouter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"piper-nodes/internal/llm"
)

const (
	DefaultBaseURL   = "https://openrouter.ai/api/v1"
	DefaultModel     = "qwen/qwen3-vl-8b-instruct"
	defaultTimeout   = 120 * time.Second
	defaultReferer   = "https://piper.my"
	defaultTitle     = "Piper - Ask Any LLM Node"
	maxImageBytes    = 20 << 20
	jsonInstructions = "Respond in JSON format."
)

// Config 描述了调用 OpenRouter Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// Referer 与 Title 用于 OpenRouter 的应用归属统计。
	Referer string
	Title   string
}

// Client 通过 OpenAI 兼容协议调用 OpenRouter。
type Client struct {
	api   *openai.Client
	model string
	// imageClient 下载用户图片，不携带 OpenRouter 的归属请求头。
	imageClient *http.Client
}

// NewClient 根据配置创建 OpenRouter 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenRouter API Key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	referer := cfg.Referer
	if referer == "" {
		referer = defaultReferer
	}
	title := cfg.Title
	if title == "" {
		title = defaultTitle
	}

	apiClient := &http.Client{
		Timeout: timeout,
		Transport: &headerTransport{
			base:    http.DefaultTransport,
			headers: map[string]string{"HTTP-Referer": referer, "X-Title": title},
		},
	}

	apiCfg := openai.DefaultConfig(apiKey)
	apiCfg.BaseURL = baseURL
	apiCfg.HTTPClient = apiClient

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       model,
		imageClient: &http.Client{Timeout: timeout},
	}, nil
}

// Generate 发送一次问答请求。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	chatReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenRouter 失败: %s", errorMessage(err))
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no answer received")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return nil, errors.New("no answer received")
	}

	out := &llm.Response{Model: resp.Model, Answer: answer}
	if out.Model == "" {
		out.Model = chatReq.Model
	}
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		out.Usage = &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func (c *Client) buildRequest(ctx context.Context, req llm.Request) (openai.ChatCompletionRequest, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	var messages []openai.ChatCompletionMessage
	if instructions := strings.TrimSpace(req.Instructions); instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instructions})
	}
	if req.JSON {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: jsonInstructions})
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if req.ImageURL != "" {
		dataURL, err := c.imageDataURL(ctx, req.ImageURL)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		user.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.Question},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
		}
	} else {
		user.Content = req.Question
	}
	messages = append(messages, user)

	chatReq := openai.ChatCompletionRequest{Model: model, Messages: messages}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		chatReq.TopP = *req.TopP
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return chatReq, nil
}

// imageDataURL 下载图片并编码为 data URL。
func (c *Client) imageDataURL(ctx context.Context, url string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("构建图片请求失败: %w", err)
	}
	resp, err := c.imageClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("failed to download image: %s", http.StatusText(resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to download image: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func errorMessage(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Sprintf("%d: %s", reqErr.HTTPStatusCode, http.StatusText(reqErr.HTTPStatusCode))
	}
	return err.Error()
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}

var _ llm.Client = (*Client)(nil)
