package jobs

import (
	"context"
	"log/slog"
	"time"

	xerrors "piper-nodes/internal/errors"
	"piper-nodes/pkg/logger"
)

// ResumeReport 汇总一次启动恢复的结果。
type ResumeReport struct {
	Pending  int `json:"pending"`
	Waiting  int `json:"waiting"`
	Released int `json:"released"`
}

// Resume 在进程启动时重新投递所有未结束的作业。
// running 作业视为上一个进程中断遗留，先放回 pending；waiting 作业按剩余等待时间延迟投递。
// 重复投递是安全的：Claim 会拒绝已被领取或尚未到期的作业。
func (s *Service) Resume(ctx context.Context) (ResumeReport, error) {
	var report ResumeReport
	if s.store == nil || s.producer == nil {
		return report, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}

	unfinished, err := s.collectUnfinished(ctx)
	if err != nil {
		return report, err
	}

	now := time.Now()
	for _, job := range unfinished {
		switch job.Status {
		case StatusRunning:
			if err := s.store.Release(ctx, job.ID); err != nil && !IsJobError(err, CodeJobConflict) {
				return report, err
			}
			if err := s.producer.Publish(ctx, job.ID); err != nil {
				return report, xerrors.Wrap(CodeJobPublish, err, "恢复作业入队失败")
			}
			report.Released++
		case StatusWaiting:
			delay := time.Duration(job.NextRunAt-now.UnixMilli()) * time.Millisecond
			if err := s.producer.PublishDelayed(ctx, job.ID, delay); err != nil {
				return report, xerrors.Wrap(CodeJobPublish, err, "恢复作业入队失败")
			}
			report.Waiting++
		default:
			if err := s.producer.Publish(ctx, job.ID); err != nil {
				return report, xerrors.Wrap(CodeJobPublish, err, "恢复作业入队失败")
			}
			report.Pending++
		}
	}
	if total := report.Pending + report.Waiting + report.Released; total > 0 {
		logger.Audit().Info("恢复未完成作业",
			slog.Int("pending", report.Pending),
			slog.Int("waiting", report.Waiting),
			slog.Int("released", report.Released),
		)
	}
	return report, nil
}

// collectUnfinished 先完整读取再处理，避免在翻页过程中修改排序字段。
func (s *Service) collectUnfinished(ctx context.Context) ([]*Job, error) {
	const pageSize = 100
	var all []*Job
	for offset := 0; ; offset += pageSize {
		page, err := s.store.List(ctx, BuildListOptions(
			WithStatuses(StatusPending, StatusRunning, StatusWaiting),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(pageSize),
			WithOffset(offset),
		))
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}
