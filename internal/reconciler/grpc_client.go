package reconciler

import (
	"context"

	"google.golang.org/grpc"

	"github.com/swarmguard/taskscheduler/internal/manager"
	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/wire"
)

// GRPCManagerClient implements ManagerAPI over the Manager's gRPC-shaped submission service
// (internal/manager/server.go), the same transport any external client of this system uses —
// the Reconciler is deliberately not special-cased onto an in-process Manager reference.
type GRPCManagerClient struct {
	cc *grpc.ClientConn
}

// NewGRPCManagerClient wraps an already-dialed connection.
func NewGRPCManagerClient(cc *grpc.ClientConn) *GRPCManagerClient {
	return &GRPCManagerClient{cc: cc}
}

func (c *GRPCManagerClient) Submit(ctx context.Context, task model.Task, isAsync bool) (manager.SubmitOutcome, error) {
	args := make([]wire.Any, len(task.Args))
	for i, v := range task.Args {
		a, err := wire.EncodeAny(v)
		if err != nil {
			return manager.SubmitOutcome{}, err
		}
		args[i] = a
	}
	req := &wire.TaskRequest{
		TaskID:         task.ID,
		Method:         task.Method,
		Args:           args,
		Deps:           task.Dependencies,
		IsAsync:        isAsync,
		Priority:       task.Priority,
		TimeoutSeconds: task.TimeoutSeconds,
		PluginSelector: task.PluginSelector,
		Metadata:       task.Metadata,
	}
	resp := new(wire.TaskResponse)
	if err := c.invoke(ctx, "SubmitTask", req, resp); err != nil {
		return manager.SubmitOutcome{}, err
	}
	return manager.SubmitOutcome{TaskID: resp.TaskID, Status: wireToStatus(resp.Status)}, nil
}

func (c *GRPCManagerClient) GetResult(id string) (manager.ResultOutcome, error) {
	req := &wire.ResultRequest{TaskID: id}
	resp := new(wire.ResultResponse)
	if err := c.invoke(context.Background(), "GetResult", req, resp); err != nil {
		return manager.ResultOutcome{}, err
	}
	out := manager.ResultOutcome{Status: wireToStatus(resp.Status), IsReady: resp.IsReady}
	if resp.IsReady {
		out.Result = &model.TaskResult{TaskID: id, Status: out.Status}
		if out.Status == model.StatusSucceeded {
			out.Result.Value = valuePtr(model.StringValue(resp.Result))
		} else {
			out.Result.Error = resp.Result
		}
	}
	return out, nil
}

func (c *GRPCManagerClient) CancelTask(ctx context.Context, id string) (bool, error) {
	req := &wire.ResultRequest{TaskID: id}
	resp := new(wire.CancelResponse)
	if err := c.invoke(ctx, "CancelTask", req, resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (c *GRPCManagerClient) invoke(ctx context.Context, method string, req, resp any) error {
	fullMethod := "/taskscheduler.TaskScheduler/" + method
	return c.cc.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(wire.CodecName))
}

func wireToStatus(s wire.TaskResponseStatus) model.StatusKind {
	switch s {
	case wire.TaskStatusSuccess:
		return model.StatusSucceeded
	case wire.TaskStatusFailed:
		return model.StatusFailed
	case wire.TaskStatusCancelled:
		return model.StatusCancelled
	default:
		return model.StatusPending
	}
}

func valuePtr(v model.Value) *model.Value { return &v }
