package jobs

import (
	"context"

	xerrors "piper-nodes/internal/errors"
	"piper-nodes/internal/node"
)

// Store 抽象了作业状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将 pending 或已到期的 waiting 作业置为 running。
	Claim(ctx context.Context, id string) (*Job, error)
	// MarkWaiting 保存节点返回的恢复状态，作业在 nextRunAt（Unix 毫秒）之后才可再次领取。
	MarkWaiting(ctx context.Context, id string, state node.State, progress *node.Progress, nextRunAt int64) error
	MarkSucceeded(ctx context.Context, id string, outputs map[string]any, costs any) error
	// MarkFailed 记录失败；terminal 为 false 时作业回到 pending 并累计 Attempts。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// Release 将 running 作业放回 pending，不计入重试次数。
	Release(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	Close() error
}
