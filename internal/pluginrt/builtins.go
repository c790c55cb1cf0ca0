package pluginrt

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// registerBuiltins installs the built-in tasks spec §4.3 requires: echo, add, multiply, concat,
// uppercase, lowercase, sleep (async), http_get (async), fail, init.
func registerBuiltins(r *Runtime) {
	r.RegisterSync("echo", builtinEcho, "")
	r.RegisterSync("add", builtinAdd, "")
	r.RegisterSync("multiply", builtinMultiply, "")
	r.RegisterSync("concat", builtinConcat, "")
	r.RegisterSync("uppercase", builtinUppercase, "")
	r.RegisterSync("lowercase", builtinLowercase, "")
	r.RegisterSync("fail", builtinFail, "")
	r.RegisterSync("init", builtinInit, "")
	r.RegisterAsync("sleep", builtinSleep, "")
	r.RegisterAsync("http_get", builtinHTTPGet, "")
}

func builtinEcho(_ context.Context, args []model.Value) (model.Value, error) {
	if len(args) == 0 {
		return model.Value{}, model.NewError(model.ErrKindInvalidArguments, "echo requires one argument")
	}
	return args[0], nil
}

func builtinAdd(_ context.Context, args []model.Value) (model.Value, error) {
	var isFloat bool
	var fsum float64
	var isum int64
	for _, a := range args {
		switch a.Kind {
		case model.ValueInt32, model.ValueInt64:
			isum += a.Int
			fsum += float64(a.Int)
		case model.ValueUInt32, model.ValueUInt64:
			isum += int64(a.Uint)
			fsum += float64(a.Uint)
		case model.ValueFloat, model.ValueDouble:
			isFloat = true
			fsum += a.Float
		default:
			return model.Value{}, model.NewError(model.ErrKindInvalidArguments, "add requires numeric arguments")
		}
	}
	if isFloat {
		return model.DoubleValue(fsum), nil
	}
	return model.Int64Value(isum), nil
}

func builtinMultiply(_ context.Context, args []model.Value) (model.Value, error) {
	if len(args) == 0 {
		return model.Int64Value(0), nil
	}
	var isFloat bool
	fprod := 1.0
	iprod := int64(1)
	for _, a := range args {
		switch a.Kind {
		case model.ValueInt32, model.ValueInt64:
			iprod *= a.Int
			fprod *= float64(a.Int)
		case model.ValueUInt32, model.ValueUInt64:
			iprod *= int64(a.Uint)
			fprod *= float64(a.Uint)
		case model.ValueFloat, model.ValueDouble:
			isFloat = true
			fprod *= a.Float
		default:
			return model.Value{}, model.NewError(model.ErrKindInvalidArguments, "multiply requires numeric arguments")
		}
	}
	if isFloat {
		return model.DoubleValue(fprod), nil
	}
	return model.Int64Value(iprod), nil
}

func builtinConcat(_ context.Context, args []model.Value) (model.Value, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(a.ResultString())
	}
	return model.StringValue(sb.String()), nil
}

func builtinUppercase(_ context.Context, args []model.Value) (model.Value, error) {
	if len(args) == 0 || args[0].Kind != model.ValueString {
		return model.Value{}, model.NewError(model.ErrKindInvalidArguments, "uppercase requires one string argument")
	}
	return model.StringValue(strings.ToUpper(args[0].Str)), nil
}

func builtinLowercase(_ context.Context, args []model.Value) (model.Value, error) {
	if len(args) == 0 || args[0].Kind != model.ValueString {
		return model.Value{}, model.NewError(model.ErrKindInvalidArguments, "lowercase requires one string argument")
	}
	return model.StringValue(strings.ToLower(args[0].Str)), nil
}

func builtinFail(_ context.Context, args []model.Value) (model.Value, error) {
	reason := "unspecified"
	if len(args) > 0 {
		reason = args[0].ResultString()
	}
	return model.Value{}, model.NewError(model.ErrKindExecutionFailed, reason)
}

func builtinInit(_ context.Context, args []model.Value) (model.Value, error) {
	return model.BoolValue(true), nil
}

func builtinSleep(ctx context.Context, args []model.Value) (model.Value, error) {
	if len(args) == 0 {
		return model.Value{}, model.NewError(model.ErrKindInvalidArguments, "sleep requires a milliseconds argument")
	}
	ms := args[0].Int
	if args[0].Kind == model.ValueDouble || args[0].Kind == model.ValueFloat {
		ms = int64(args[0].Float)
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return model.BoolValue(true), nil
	case <-ctx.Done():
		return model.Value{}, ctx.Err()
	}
}

// builtinHTTPGet performs a real GET with a 10-second client timeout and net/http's default
// redirect policy, and returns the response status code as an Int64 value.
func builtinHTTPGet(ctx context.Context, args []model.Value) (model.Value, error) {
	if len(args) == 0 || args[0].Kind != model.ValueString {
		return model.Value{}, model.NewError(model.ErrKindInvalidArguments, "http_get requires a url string argument")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args[0].Str, nil)
	if err != nil {
		return model.Value{}, model.WrapError(model.ErrKindExecutionFailed, "build request", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return model.Value{}, model.WrapError(model.ErrKindExecutionFailed, "http_get", err)
	}
	defer resp.Body.Close()
	return model.Int64Value(int64(resp.StatusCode)), nil
}
