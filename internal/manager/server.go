package manager

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/wire"
)

// Server exposes the Manager over the gRPC-shaped submission service spec §6 names:
// SubmitTask/GetResult/CancelTask. The service is hand-wired (no protoc-gen-go output, per the
// spec's Non-goals) via a grpc.ServiceDesc carrying the JSON codec registered in internal/wire.
type Server struct {
	mgr *Manager
}

// NewServer wraps a Manager for gRPC exposure.
func NewServer(mgr *Manager) *Server { return &Server{mgr: mgr} }

// Serve starts a grpc.Server on lis and blocks until ctx is cancelled or Serve returns an error.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	gs.RegisterService(&serviceDesc, s)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) submitTask(ctx context.Context, req *wire.TaskRequest) (*wire.TaskResponse, error) {
	args := make([]model.Value, len(req.Args))
	for i, a := range req.Args {
		v, err := wire.DecodeAny(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	task := model.Task{
		ID:             req.TaskID,
		Method:         req.Method,
		Args:           args,
		Dependencies:   req.Deps,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		PluginSelector: req.PluginSelector,
		Metadata:       req.Metadata,
	}
	out, err := s.mgr.Submit(ctx, task, req.IsAsync)
	if err != nil {
		return nil, err
	}
	resp := &wire.TaskResponse{TaskID: out.TaskID, Status: statusToWire(out.Status)}
	if out.Result != nil && out.Result.Value != nil {
		resp.Result = out.Result.Value.ResultString()
	} else if out.Result != nil {
		resp.Result = out.Result.Error
	}
	return resp, nil
}

func (s *Server) getResult(_ context.Context, req *wire.ResultRequest) (*wire.ResultResponse, error) {
	out, err := s.mgr.GetResult(req.TaskID)
	if err != nil {
		return nil, err
	}
	resp := &wire.ResultResponse{Status: statusToWire(out.Status), IsReady: out.IsReady}
	if out.Result != nil {
		if out.Result.Value != nil {
			resp.Result = out.Result.Value.ResultString()
		} else {
			resp.Result = out.Result.Error
		}
	}
	return resp, nil
}

func (s *Server) cancelTask(ctx context.Context, req *wire.ResultRequest) (*wire.CancelResponse, error) {
	ok, err := s.mgr.CancelTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	return &wire.CancelResponse{Success: ok}, nil
}

func statusToWire(k model.StatusKind) wire.TaskResponseStatus {
	switch k {
	case model.StatusSucceeded:
		return wire.TaskStatusSuccess
	case model.StatusFailed:
		return wire.TaskStatusFailed
	case model.StatusCancelled:
		return wire.TaskStatusCancelled
	default:
		return wire.TaskStatusPending
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "taskscheduler.TaskScheduler",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitTask",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(wire.TaskRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.submitTask(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/taskscheduler.TaskScheduler/SubmitTask"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.submitTask(ctx, req.(*wire.TaskRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "GetResult",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(wire.ResultRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.getResult(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/taskscheduler.TaskScheduler/GetResult"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.getResult(ctx, req.(*wire.ResultRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "CancelTask",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(wire.ResultRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.cancelTask(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/taskscheduler.TaskScheduler/CancelTask"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.cancelTask(ctx, req.(*wire.ResultRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/manager/server.go",
}
