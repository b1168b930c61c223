package jobs

import (
	stdErrors "errors"

	xerrors "piper-nodes/internal/errors"
	"piper-nodes/internal/node"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job 描述一次持久化的节点执行。每次调用节点后，新的恢复状态都会先写回存储再重新入队。
type Job struct {
	ID     string      `json:"id"`
	Node   string      `json:"node"`
	Inputs node.Inputs `json:"inputs,omitempty"`
	// State 为空表示节点尚未被调用过。
	State    *node.State    `json:"state,omitempty"`
	Progress *node.Progress `json:"progress,omitempty"`
	Status   Status         `json:"status"`
	// Polls 是已处理的 Repeat 信号数量，上限为 MaxPolls。
	Polls    int `json:"polls"`
	MaxPolls int `json:"max_polls"`
	// Attempts 是当前步骤因可重试错误而重新执行的次数。
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Costs      any            `json:"costs,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
	// NextRunAt 是 waiting 作业下一次可被领取的 Unix 毫秒时间。
	NextRunAt int64 `json:"next_run_at,omitempty"`
}

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示作业已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobFailed 表示作业已经以失败结束。
	ErrJobFailed = xerrors.New(CodeJobFailed, "job already failed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobNotDue 表示 waiting 作业尚未到达下一次执行时间。
	ErrJobNotDue = xerrors.New(CodeJobNotDue, "job not due yet", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeJobNotFound    xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict    xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted   xerrors.Code = "JOB_COMPLETED"
	CodeJobFailed      xerrors.Code = "JOB_FAILED"
	CodeJobNotDue      xerrors.Code = "JOB_NOT_DUE"
	CodeJobValidation  xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish     xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing  xerrors.Code = "JOB_PROCESSING_FAILED"
	CodeJobInterrupted xerrors.Code = "JOB_INTERRUPTED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:   "job not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:   "job conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:   "job already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobFailed, xerrors.Attributes{
		Message:   "job already failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobNotDue, xerrors.Attributes{
		Message:   "job not due yet",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:   "job validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobInterrupted, xerrors.Attributes{
		Message:   "job interrupted",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

// IsJobError 判断错误是否为指定的作业错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, known := range []*xerrors.Error{ErrJobNotFound, ErrJobConflict, ErrJobCompleted, ErrJobFailed, ErrJobNotDue} {
		if stdErrors.Is(err, known) {
			return known.Code() == target
		}
	}
	return xerrors.HasCode(err, target)
}

// IsValidStatus 检查给定的作业状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusWaiting, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Inputs = cloneMap(job.Inputs)
	clone.Outputs = cloneMap(job.Outputs)
	if job.State != nil {
		state := *job.State
		state.Data = cloneMap(job.State.Data)
		clone.State = &state
	}
	if job.Progress != nil {
		progress := *job.Progress
		clone.Progress = &progress
	}
	return &clone
}

func cloneMap[M ~map[string]any](in M) M {
	if in == nil {
		return nil
	}
	out := make(M, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
