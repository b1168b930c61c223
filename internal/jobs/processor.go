package jobs

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	xerrors "piper-nodes/internal/errors"
	"piper-nodes/internal/node"
	"piper-nodes/internal/observability/alerting"
	"piper-nodes/internal/observability/metrics"
	"piper-nodes/internal/runner"
	"piper-nodes/pkg/logger"
)

const (
	defaultInvokeTimeout = 2 * time.Minute
	maxRetryBackoff      = time.Minute
	// claimGrace 加在调用超时之上，超过该时长仍处于 running 的作业视为认领已失效。
	claimGrace = time.Minute
)

// Processor 从队列消费作业，每条消息只调用一次节点：
// Repeat 信号写回恢复状态后延迟重投，Next 信号写入结果。
type Processor struct {
	catalog       Catalog
	store         Store
	consumer      Consumer
	producer      Producer
	env           node.Env
	workerCount   int
	invokeTimeout time.Duration
	defaultDelay  time.Duration
	now           func() time.Time
	logger        *slog.Logger
	alerter       alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithEnv 设置节点可用的凭据。
func WithEnv(env node.Env) ProcessorOption {
	return func(p *Processor) {
		p.env = env
	}
}

// WithInvokeTimeout 限制单次节点调用的耗时。
func WithInvokeTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.invokeTimeout = d
		}
	}
}

// WithDefaultDelay 设置 Repeat 未携带延迟时使用的等待时间，同时作为重试退避的基数。
func WithDefaultDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.defaultDelay = d
		}
	}
}

// WithClock 替换处理器使用的时钟。
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(catalog Catalog, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		catalog:       catalog,
		store:         store,
		consumer:      consumer,
		producer:      producer,
		workerCount:   1,
		invokeTimeout: defaultInvokeTimeout,
		defaultDelay:  runner.DefaultDelay,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	return p
}

// Start 启动作业处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.catalog == nil || p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		return p.handleClaimError(ctx, jobID, job, err)
	}

	def, ok := p.catalog.Lookup(job.Node)
	if !ok {
		return p.handleExecutionFailure(ctx, job, xerrors.New(CodeJobValidation, fmt.Sprintf("未知节点 %q", job.Node)))
	}

	invokeCtx, cancel := context.WithTimeout(ctx, p.invokeTimeout)
	signal, runErr := def.Run(invokeCtx, p.env, job.Inputs, job.State)
	cancel()
	if runErr == nil {
		signal, runErr = runner.Normalize(signal)
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return p.release(job, runErr)
		}
		if stdErrors.Is(runErr, context.DeadlineExceeded) {
			runErr = xerrors.Wrap(xerrors.CodeTimeout, runErr, "节点调用超时",
				xerrors.WithMetadata("invoke_timeout", p.invokeTimeout.String()))
		}
		return p.handleExecutionFailure(ctx, job, runErr)
	}

	switch s := signal.(type) {
	case node.Repeat:
		return p.handleRepeat(ctx, job, s)
	case node.Next:
		return p.handleNext(ctx, job, s)
	}
	return nil
}

func (p *Processor) handleClaimError(ctx context.Context, jobID string, job *Job, err error) error {
	switch {
	case stdErrors.Is(err, ErrJobConflict) && p.claimExpired(job):
		// 上一次认领的处理者未能写回结果，收回认领后重新投递。
		p.logger.Warn("作业认领已失效，重新投递",
			slog.String("job_id", jobID),
			slog.Int64("updated_at", job.UpdatedAt),
		)
		if relErr := p.store.Release(ctx, jobID); relErr != nil && !stdErrors.Is(relErr, ErrJobConflict) {
			return relErr
		}
		if pubErr := p.producer.Publish(ctx, jobID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 重投失败", jobID))
		}
		return nil
	case stdErrors.Is(err, ErrJobNotFound), stdErrors.Is(err, ErrJobCompleted),
		stdErrors.Is(err, ErrJobFailed), stdErrors.Is(err, ErrJobConflict):
		p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
		return nil
	case stdErrors.Is(err, ErrJobNotDue) && job != nil:
		// 消息早于到期时间到达，按剩余时间重新投递。
		delay := time.Duration(job.NextRunAt-p.now().UnixMilli()) * time.Millisecond
		if pubErr := p.producer.PublishDelayed(ctx, jobID, delay); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 延迟重投失败", jobID))
		}
		return nil
	}
	logger.L().Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
	p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
	return err
}

// claimExpired 判断 running 作业的认领是否已超过调用超时加宽限期。
func (p *Processor) claimExpired(job *Job) bool {
	if job == nil || job.Status != StatusRunning {
		return false
	}
	lease := p.invokeTimeout + claimGrace
	return p.now().Sub(time.Unix(job.UpdatedAt, 0)) > lease
}

// abandon 在状态写回失败后归还认领，使队列的重投能够再次领取作业。
// 返回原始的存储错误。
func (p *Processor) abandon(job *Job, storeErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Release(ctx, job.ID); err != nil {
		logger.L().Error("归还作业失败，等待认领过期后回收",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
		)
	}
	return storeErr
}

// release 在进程退出时归还作业，下次启动由 Resume 重新投递。
func (p *Processor) release(job *Job, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Release(ctx, job.ID); err != nil {
		logger.L().Error("归还作业失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	p.logger.Info("作业被中断，已归还",
		slog.String("job_id", job.ID),
		slog.String("node", job.Node),
		slog.String("cause", cause.Error()),
	)
	return nil
}

func (p *Processor) handleRepeat(ctx context.Context, job *Job, repeat node.Repeat) error {
	if job.Polls+1 >= job.MaxPolls {
		return p.handleExecutionFailure(ctx, job,
			node.ProtocolError(fmt.Sprintf("max attempts exceeded (%d)", job.MaxPolls)))
	}
	delay := repeat.Delay
	if delay <= 0 {
		delay = p.defaultDelay
	}
	nextRunAt := p.now().Add(delay).UnixMilli()
	if err := p.store.MarkWaiting(ctx, job.ID, repeat.State, repeat.Progress, nextRunAt); err != nil {
		logger.L().Error("保存作业恢复状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return p.abandon(job, err)
	}
	metrics.ObserveJobTransition(job.Node, string(StatusWaiting))
	p.logger.Debug("作业等待下一次轮询",
		slog.String("job_id", job.ID),
		slog.String("task_id", repeat.State.Task),
		slog.Int("polls", job.Polls+1),
		slog.Duration("delay", delay),
	)
	if err := p.producer.PublishDelayed(ctx, job.ID, delay); err != nil {
		wrapped := xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 延迟重投失败", job.ID))
		p.emitAlert(ctx, job, CodeJobPublish, wrapped, "requeue")
		return wrapped
	}
	return nil
}

func (p *Processor) handleNext(ctx context.Context, job *Job, next node.Next) error {
	if err := p.store.MarkSucceeded(ctx, job.ID, next.Outputs, next.Costs); err != nil {
		logger.L().Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, CodeJobProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
			return p.abandon(job, storeErr)
		}
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 在标记成功失败后重投失败", job.ID))
		}
		return nil
	}
	metrics.ObserveJobTransition(job.Node, string(StatusSucceeded))
	logger.Audit().Info("作业执行成功",
		slog.String("job_id", job.ID),
		slog.String("node", job.Node),
		slog.Int("polls", job.Polls),
		slog.Any("costs", next.Costs),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error) error {
	code, retryable := classify(job, execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记作业失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return p.abandon(job, storeErr)
	}
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	metrics.ObserveJobTransition(job.Node, string(status))
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.String("node", job.Node),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	if terminal {
		stage := "terminal"
		if !retryable {
			stage = "non_retryable"
		}
		if xerrors.ShouldAlert(execErr) || retryable {
			p.emitAlert(ctx, job, code, execErr, stage)
		}
		return nil
	}

	delay := p.retryBackoff(job.Attempts)
	if pubErr := p.producer.PublishDelayed(ctx, job.ID, delay); pubErr != nil {
		return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 重投失败", job.ID))
	}
	p.logger.Debug("作业已重新排队",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts+1),
		slog.Duration("delay", delay),
	)
	return nil
}

// classify 返回失败对应的错误码及是否可重试。
// 已有远端任务时，轮询请求的网络错误可以安全地重新执行。
func classify(job *Job, err error) (xerrors.Code, bool) {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(err)
	var urlErr *url.Error
	if job.State != nil && stdErrors.As(err, &urlErr) {
		return xerrors.CodeTransportFailure, true
	}
	return code, retryable
}

func (p *Processor) retryBackoff(attempts int) time.Duration {
	delay := p.defaultDelay
	for i := 0; i < attempts && delay < maxRetryBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxRetryBackoff)
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	severity := attrs.Severity
	metadata := map[string]string{
		"stage": stage,
	}
	if job.State != nil && job.State.Task != "" {
		metadata["task_id"] = job.State.Task
	}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
		if _, ok := xerrors.From(cause); ok {
			severity = xerrors.SeverityOf(cause)
		}
		mergeErrorMetadata(metadata, cause)
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   severity,
		JobID:      job.ID,
		Node:       job.Node,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}

// mergeErrorMetadata 把错误链上附带的元数据并入 metadata，已有键不覆盖。
func mergeErrorMetadata(metadata map[string]string, err error) {
	for ; err != nil; err = stdErrors.Unwrap(err) {
		coded, ok := err.(*xerrors.Error)
		if !ok {
			continue
		}
		for k, v := range coded.Metadata() {
			if _, exists := metadata[k]; !exists {
				metadata[k] = v
			}
		}
	}
}
