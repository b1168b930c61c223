package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"piper-nodes/internal/auth"
	"piper-nodes/internal/nodes"
	storage "piper-nodes/internal/storage/mysql"
	"piper-nodes/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "PIPER_CONFIG"

// CredentialEnv 列出会从环境变量叠加到 Credentials.Variables 的凭据。
var CredentialEnv = []string{
	"ARTWORKS_USER",
	"ARTWORKS_PASSWORD",
	"ARTWORKS_BASE_URL",
	"FAL_KEY",
	"REPLICATE_TOKEN",
	"OPENROUTER_API_KEY",
}

// Config 描述了 piperd 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     logger.Config     `yaml:"logging"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Alerting    AlertingConfig    `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	// MetricsAddress 非空时在独立端口暴露 /metrics，API 端口上的 /metrics 仍然可用。
	MetricsAddress string     `yaml:"metrics_address"`
	Auth           AuthConfig `yaml:"auth"`
}

// AuthConfig 控制 /api/v1 路由的令牌认证。
type AuthConfig struct {
	Mode   string        `yaml:"mode" validate:"omitempty,oneof=disabled token"`
	Tokens []TokenConfig `yaml:"tokens" validate:"dive"`
}

// TokenConfig 描述一个静态 API 令牌。
type TokenConfig struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token" validate:"required"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// AuthOptions 转换为认证服务所需的配置。
func (a AuthConfig) AuthOptions() auth.Config {
	cfg := auth.Config{Mode: auth.Mode(a.Mode)}
	for _, tok := range a.Tokens {
		perms := tok.Permissions
		if len(perms) == 0 {
			perms = []string{"*"}
		}
		cfg.Tokens = append(cfg.Tokens, auth.Token{
			Name:        tok.Name,
			Value:       tok.Token,
			Permissions: perms,
			Disabled:    tok.Disabled,
		})
	}
	return cfg
}

// JobsConfig 描述作业存储、队列与处理器。
type JobsConfig struct {
	Store         StoreConfig   `yaml:"store"`
	Queue         QueueConfig   `yaml:"queue"`
	Workers       int           `yaml:"workers" validate:"gte=1,lte=256"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0,lte=20"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout" validate:"gte=0"`
	// ResumeOnStart 为 true 时，启动后重新投递上次未完成的作业。
	ResumeOnStart bool `yaml:"resume_on_start"`
}

// StoreConfig 选择作业存储实现。
type StoreConfig struct {
	Driver string         `yaml:"driver" validate:"oneof=memory mysql"`
	MySQL  storage.Config `yaml:"mysql"`
}

// QueueConfig 选择作业队列实现。
type QueueConfig struct {
	Driver   string         `yaml:"driver" validate:"oneof=memory redis rabbitmq"`
	Size     int            `yaml:"size" validate:"gte=0"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address         string        `yaml:"address"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	Queue           string        `yaml:"queue"`
	PromoteInterval time.Duration `yaml:"promote_interval"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// ProvidersConfig 覆盖各服务商的接入参数，键为服务商名称
// （artworks、fal、replicate、openrouter）。
type ProvidersConfig struct {
	BaseURLs    map[string]string    `yaml:"base_urls" validate:"dive,keys,required,endkeys,omitempty,url"`
	RateLimits  map[string]RateLimit `yaml:"rate_limits" validate:"dive"`
	HTTPTimeout time.Duration        `yaml:"http_timeout" validate:"gte=0"`
	// PollScale 缩放所有节点的轮询间隔，测试环境可调小。
	PollScale float64 `yaml:"poll_scale" validate:"gte=0"`
}

// RateLimit 限制单个服务商账号的请求速率。
type RateLimit struct {
	RPS   float64 `yaml:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// NodeOptions 把服务商配置转换为节点注册表参数。
func (p ProvidersConfig) NodeOptions() nodes.Options {
	limits := make(map[string]nodes.RateLimit, len(p.RateLimits))
	for name, limit := range p.RateLimits {
		limits[name] = nodes.RateLimit{RPS: limit.RPS, Burst: limit.Burst}
	}
	return nodes.Options{
		BaseURLs:   p.BaseURLs,
		HTTPClient: &http.Client{Timeout: p.HTTPTimeout},
		RateLimits: limits,
		PollScale:  p.PollScale,
	}
}

// CredentialsConfig 提供节点使用的凭据及其计费归属。
type CredentialsConfig struct {
	Variables map[string]string `yaml:"variables"`
	// Scope 标记凭据归属，值为 "user" 时该凭据产生的费用记为 0。
	Scope map[string]string `yaml:"scope"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	Log     bool   `yaml:"log"`
	Webhook string `yaml:"webhook" validate:"omitempty,url"`
	Slack   struct {
		WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
		Channel    string `yaml:"channel"`
	} `yaml:"slack"`
}

var validate = validator.New()

// Default 返回未加载任何文件时使用的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

// Load 负责解析指定路径的 YAML 配置文件，并叠加环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 读取 PIPER_CONFIG 指向的文件；未设置时使用默认配置。
func LoadFromEnv() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return Load(path)
	}
	cfg := Default()
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置的结构约束以及后端驱动所需的连接信息。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if c.Server.Auth.Mode == "token" && len(c.Server.Auth.Tokens) == 0 {
		return errors.New("配置校验失败: server.auth.tokens 不能为空")
	}
	if c.Jobs.Store.Driver == "mysql" && strings.TrimSpace(c.Jobs.Store.MySQL.DSN) == "" {
		return errors.New("配置校验失败: jobs.store.mysql.dsn 不能为空")
	}
	switch c.Jobs.Queue.Driver {
	case "redis":
		if strings.TrimSpace(c.Jobs.Queue.Redis.Address) == "" {
			return errors.New("配置校验失败: jobs.queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Jobs.Queue.RabbitMQ.URL) == "" {
			return errors.New("配置校验失败: jobs.queue.rabbitmq.url 不能为空")
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = "disabled"
	}

	if c.Jobs.Store.Driver == "" {
		c.Jobs.Store.Driver = "memory"
	}
	if c.Jobs.Queue.Driver == "" {
		c.Jobs.Queue.Driver = "memory"
	}
	if c.Jobs.Queue.Size == 0 {
		c.Jobs.Queue.Size = 1024
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.MaxRetries == 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.Jobs.InvokeTimeout == 0 {
		c.Jobs.InvokeTimeout = 2 * time.Minute
	}

	if c.Providers.HTTPTimeout == 0 {
		c.Providers.HTTPTimeout = 60 * time.Second
	}
	if c.Providers.PollScale == 0 {
		c.Providers.PollScale = 1
	}

	if c.Credentials.Variables == nil {
		c.Credentials.Variables = make(map[string]string)
	}

	if c.Logging.Audit.Path != "" && baseDir != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// applyEnv 用环境变量覆盖凭据与后端地址。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for _, name := range CredentialEnv {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			c.Credentials.Variables[name] = v
		}
	}
	if v, ok := lookup("PIPER_MYSQL_DSN"); ok && v != "" {
		c.Jobs.Store.MySQL.DSN = v
	}
	if v, ok := lookup("PIPER_REDIS_ADDR"); ok && v != "" {
		c.Jobs.Queue.Redis.Address = v
	}
	if v, ok := lookup("PIPER_AMQP_URL"); ok && v != "" {
		c.Jobs.Queue.RabbitMQ.URL = v
	}
	if v, ok := lookup("PIPER_LISTEN_ADDR"); ok && v != "" {
		c.Server.Address = v
	}
	// PIPER_API_TOKEN 追加一个拥有全部权限的令牌并开启认证。
	if v, ok := lookup("PIPER_API_TOKEN"); ok && strings.TrimSpace(v) != "" {
		c.Server.Auth.Mode = "token"
		c.Server.Auth.Tokens = append(c.Server.Auth.Tokens, TokenConfig{Name: "env", Token: strings.TrimSpace(v)})
	}
}
