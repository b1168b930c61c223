package llm

import "context"

// Request 描述一次单轮问答。
type Request struct {
	Model        string
	Instructions string
	Question     string
	// ImageURL 可选，图片会被下载并以 data URL 形式随问题发送。
	ImageURL string
	// JSON 为 true 时要求模型以 JSON 对象作答。
	JSON        bool
	Temperature *float32
	MaxTokens   *int
	TopP        *float32
}

// Usage 是服务端报告的 token 用量。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response 是模型的回答。
type Response struct {
	Model  string
	Answer string
	// Usage 为空表示服务端未返回用量。
	Usage *Usage
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
