package pluginrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/model"
)

func TestBuiltinEcho(t *testing.T) {
	r := New(4)
	v, err := r.Execute(context.Background(), "echo", []model.Value{model.StringValue("hello")}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", v.ResultString())
}

func TestBuiltinAdd(t *testing.T) {
	r := New(4)
	v, err := r.Execute(context.Background(), "add", []model.Value{model.Int64Value(1), model.Int64Value(2), model.Int64Value(3)}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "6", v.ResultString())
}

func TestBuiltinMultiply(t *testing.T) {
	r := New(4)
	v, err := r.Execute(context.Background(), "multiply", []model.Value{model.Int64Value(6), model.Int64Value(2)}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "12", v.ResultString())
}

func TestMethodNotFound(t *testing.T) {
	r := New(4)
	_, err := r.Execute(context.Background(), "nonexistent", nil, time.Second)
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, model.ErrKindMethodNotFound, merr.Kind)
}

func TestSyncPanicConvertsToExecutionFailed(t *testing.T) {
	r := New(4)
	r.RegisterSync("boom", func(ctx context.Context, args []model.Value) (model.Value, error) {
		panic("kaboom")
	}, "")
	_, err := r.Execute(context.Background(), "boom", nil, time.Second)
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, model.ErrKindExecutionFailed, merr.Kind)
}

func TestAsyncTimeout(t *testing.T) {
	r := New(4)
	r.RegisterAsync("slow", func(ctx context.Context, args []model.Value) (model.Value, error) {
		select {
		case <-time.After(time.Second):
			return model.BoolValue(true), nil
		case <-ctx.Done():
			return model.Value{}, ctx.Err()
		}
	}, "")
	_, err := r.Execute(context.Background(), "slow", nil, 20*time.Millisecond)
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, model.ErrKindTimeout, merr.Kind)
}

func TestRegisterDuplicateOverwrites(t *testing.T) {
	r := New(4)
	r.RegisterSync("echo", func(ctx context.Context, args []model.Value) (model.Value, error) {
		return model.StringValue("overridden"), nil
	}, "")
	v, err := r.Execute(context.Background(), "echo", []model.Value{model.StringValue("x")}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "overridden", v.ResultString())
}

func TestSleepBuiltin(t *testing.T) {
	r := New(4)
	start := time.Now()
	v, err := r.Execute(context.Background(), "sleep", []model.Value{model.Int64Value(30)}, time.Second)
	require.NoError(t, err)
	require.True(t, v.Bool)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestBoundedBlockingPoolSerializesBeyondCapacity(t *testing.T) {
	r := New(1)
	release := make(chan struct{})
	r.RegisterSync("hold", func(ctx context.Context, args []model.Value) (model.Value, error) {
		<-release
		return model.BoolValue(true), nil
	}, "")

	done := make(chan struct{})
	go func() {
		_, _ = r.Execute(context.Background(), "hold", nil, time.Second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let it acquire the single slot

	secondDone := make(chan struct{})
	go func() {
		_, _ = r.Execute(context.Background(), "hold", nil, time.Second)
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatal("second call should not complete while the pool's single slot is held")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	<-secondDone
}
