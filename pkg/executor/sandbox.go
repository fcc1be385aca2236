package executor

import (
	"context"

	"github.com/cuemby/lattice/pkg/types"
)

// Sandbox runs job payloads. The fabric treats the payload as opaque;
// the sandbox is an external collaborator wired in at startup. Run must
// honor ctx cancellation, which the executor uses for job deadlines and
// shutdown.
type Sandbox interface {
	Run(ctx context.Context, jobID string, info *types.JobInfo) ([]byte, error)
}

// SandboxFunc adapts a function to the Sandbox interface.
type SandboxFunc func(ctx context.Context, jobID string, info *types.JobInfo) ([]byte, error)

func (f SandboxFunc) Run(ctx context.Context, jobID string, info *types.JobInfo) ([]byte, error) {
	return f(ctx, jobID, info)
}

// EchoSandbox returns the job payload unchanged. Default when no real
// sandbox is configured; useful for smoke tests of the fabric itself.
func EchoSandbox() Sandbox {
	return SandboxFunc(func(ctx context.Context, jobID string, info *types.JobInfo) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if info == nil {
			return nil, nil
		}
		return info.Payload, nil
	})
}

// FailureReporter notifies the owning broker that a job's sandbox run
// failed. The executor calls it off the lock, best-effort.
type FailureReporter interface {
	ReportJobFailed(ctx context.Context, jobID, executorID, reason string) error
}

// ResultReporter forwards an accepted result to the owning broker so
// its job table and the fleet converge on the winner. Best-effort: a
// missed report is repaired by the next metadata sync.
type ResultReporter interface {
	ReportResult(ctx context.Context, jobID, executorID string, result []byte) error
}
