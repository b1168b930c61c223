package jobs

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	xerrors "piper-nodes/internal/errors"
	"piper-nodes/internal/node"
	"piper-nodes/internal/nodes"
	"piper-nodes/internal/observability/metrics"
	"piper-nodes/pkg/logger"
)

// Catalog 返回作业可引用的节点定义。
type Catalog interface {
	Lookup(name string) (nodes.Definition, bool)
}

// SubmitRequest 描述一次作业提交。
type SubmitRequest struct {
	// ID 可选，用于幂等提交；相同 ID 的重复提交返回已有作业。
	ID       string      `json:"id,omitempty" validate:"omitempty,max=64"`
	Node     string      `json:"node" validate:"required"`
	Inputs   node.Inputs `json:"inputs,omitempty"`
	MaxPolls int         `json:"max_polls,omitempty" validate:"gte=0,lte=10000"`
}

var validate = validator.New()

// Service 负责作业的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	catalog    Catalog
	maxRetries int
}

// NewService 构造作业服务。
func NewService(store Store, producer Producer, catalog Catalog, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, catalog: catalog, maxRetries: maxRetries}
}

// Submit 创建一个新的作业并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Node = strings.TrimSpace(req.Node)
	if err := validate.Struct(req); err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "作业参数不合法")
	}
	if s.store == nil || s.producer == nil || s.catalog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	def, ok := s.catalog.Lookup(req.Node)
	if !ok {
		return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("未知节点 %q", req.Node))
	}

	jobID := req.ID
	if jobID != "" {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	maxPolls := req.MaxPolls
	if maxPolls <= 0 {
		maxPolls = def.PollBudget()
	}
	job := &Job{
		ID:         jobID,
		Node:       req.Node,
		Inputs:     cloneMap(req.Inputs),
		Status:     StatusPending,
		MaxPolls:   maxPolls,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
		if markErr := s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true); markErr != nil {
			logger.L().Error("入队失败后标记作业失败也失败",
				slog.Any("error", markErr),
				slog.String("job_id", jobID),
			)
		}
		return nil, wrapped
	}
	metrics.ObserveJobTransition(job.Node, string(StatusPending))
	logger.Audit().Info("作业入队成功",
		slog.String("job_id", jobID),
		slog.String("node", job.Node),
		slog.Int("max_polls", job.MaxPolls),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的作业统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询作业状态直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
