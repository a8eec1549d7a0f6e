package planner

import (
	"context"
	"fmt"

	"conductor/pkg/capability"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Executor runs plan steps through the capability invoker. It does not make
// autonomy decisions; callers gate steps before handing them over.
type Executor struct {
	registry *capability.Registry
	invoker  *capability.Invoker
	logger   *logx.Logger
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *capability.Registry, invoker *capability.Invoker) *Executor {
	return &Executor{
		registry: registry,
		invoker:  invoker,
		logger:   logx.NewLogger("executor"),
	}
}

// RunReads executes every read step and merges the outputs into one result
// map. On key collision the later step wins, except that colliding keys from
// a different domain are stored domain-qualified so dashboards can show both.
func (e *Executor) RunReads(ctx context.Context, sessionID string, plan *Plan) (map[string]any, error) {
	merged := make(map[string]any)
	for _, step := range plan.ReadSteps() {
		out, err := e.RunStep(ctx, sessionID, step)
		if err != nil {
			return nil, fmt.Errorf("read step %s: %w", step.CapabilityID, err)
		}
		for k, v := range out {
			if _, exists := merged[k]; exists {
				merged[step.Domain+"."+k] = v
				continue
			}
			merged[k] = v
		}
	}
	return merged, nil
}

// RunStep executes one read or write step.
func (e *Executor) RunStep(ctx context.Context, sessionID string, step Step) (map[string]any, error) {
	cap, err := e.registry.Get(step.CapabilityID)
	if err != nil {
		return nil, err
	}
	e.logger.DebugSession(sessionID, "running %s step %s", step.Kind, step.CapabilityID)
	return e.invoker.Invoke(ctx, cap, step.Parameters)
}

// RunJob executes one job step, forwarding progress to the callback. The
// caller owns ctx and cancels it to abort the job.
func (e *Executor) RunJob(ctx context.Context, sessionID string, step Step, progress capability.ProgressFunc) (map[string]any, error) {
	if step.Kind != proto.CapabilityJob {
		return nil, fmt.Errorf("step %s is %s, not a job", step.CapabilityID, step.Kind)
	}
	cap, err := e.registry.Get(step.CapabilityID)
	if err != nil {
		return nil, err
	}
	e.logger.InfoSession(sessionID, "starting job %s", step.CapabilityID)
	return e.invoker.InvokeJob(ctx, cap, step.Parameters, progress)
}
