package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"piper-nodes/internal/api"
	"piper-nodes/internal/auth"
	"piper-nodes/internal/config"
	"piper-nodes/internal/jobs"
	"piper-nodes/internal/node"
	"piper-nodes/internal/nodes"
	"piper-nodes/internal/observability/alerting"
	"piper-nodes/internal/observability/metrics"
	"piper-nodes/pkg/logger"
)

// main 是 piper 作业守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("piperd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("piperd")

	registry := nodes.Default(cfg.Providers.NodeOptions())

	store, err := openStore(ctx, cfg.Jobs.Store)
	if err != nil {
		return err
	}

	queue, err := openQueue(cfg.Jobs.Queue)
	if err != nil {
		_ = store.Close()
		return err
	}

	// Service.Close 负责关闭存储与队列。
	service := jobs.NewService(store, queue, registry, cfg.Jobs.MaxRetries)
	defer func() {
		if err := service.Close(); err != nil {
			lg.Warn("关闭作业服务失败", slog.Any("error", err))
		}
	}()

	dispatcher := buildAlerting(cfg.Alerting)
	processor := jobs.NewProcessor(registry, store, queue, queue,
		jobs.WithWorkerCount(cfg.Jobs.Workers),
		jobs.WithInvokeTimeout(cfg.Jobs.InvokeTimeout),
		jobs.WithEnv(node.Env{Variables: cfg.Credentials.Variables, Scope: cfg.Credentials.Scope}),
		jobs.WithProcessorLogger(logger.Named("processor")),
		jobs.WithAlertDispatcher(dispatcher),
	)

	authService, err := auth.NewService(cfg.Server.Auth.AuthOptions())
	if err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}
	server := api.NewServer(cfg.Server.Address, service, registry).
		WithShutdownTimeout(cfg.Server.ShutdownTimeout).
		WithAuth(authService)

	lg.Info("piperd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("auth", string(authService.Mode())),
		slog.String("store", cfg.Jobs.Store.Driver),
		slog.String("queue", cfg.Jobs.Queue.Driver),
		slog.Int("workers", cfg.Jobs.Workers),
		slog.Int("nodes", len(registry.All())),
		slog.Any("alert_channels", dispatcher.Channels()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddress))
		})
	}
	if cfg.Jobs.ResumeOnStart {
		g.Go(func() error {
			report, err := service.Resume(gctx)
			if err != nil {
				// 恢复失败不影响新作业的处理。
				lg.Error("恢复未完成作业失败", slog.Any("error", err))
				return nil
			}
			lg.Info("已恢复未完成作业",
				slog.Int("pending", report.Pending),
				slog.Int("waiting", report.Waiting),
				slog.Int("released", report.Released),
			)
			return nil
		})
	}

	err = g.Wait()
	lg.Info("piperd 已停止")
	return err
}

func openStore(ctx context.Context, cfg config.StoreConfig) (jobs.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return jobs.NewMemoryStore(), nil
	case "mysql":
		store, err := jobs.NewMySQLStore(ctx, cfg.MySQL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openQueue(cfg config.QueueConfig) (jobs.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return jobs.NewMemoryQueue(cfg.Size), nil
	case "redis":
		queue, err := jobs.NewRedisQueue(jobs.RedisQueueConfig{
			Address:         cfg.Redis.Address,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			Queue:           cfg.Redis.Queue,
			PromoteInterval: cfg.Redis.PromoteInterval,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := jobs.NewRabbitMQQueue(jobs.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildAlerting(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if cfg.Webhook != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Webhook})
	}
	if cfg.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhookSender{URL: cfg.Slack.WebhookURL},
			ChannelID: cfg.Slack.Channel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
