package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/model"
)

func sampleQueuedTask() model.QueuedTask {
	return model.QueuedTask{
		TaskID:   "task-123",
		Method:   "add",
		Args:     []model.Value{model.Int64Value(1), model.Int64Value(2), model.Int64Value(3)},
		Priority: 50,
	}
}

func TestQueuedTaskBinaryRoundTrip(t *testing.T) {
	qt := sampleQueuedTask()
	b, err := EncodeQueuedTaskBinary(qt)
	require.NoError(t, err)

	decoded, err := DecodeQueuedTaskBinary(b)
	require.NoError(t, err)
	require.Equal(t, qt.TaskID, decoded.TaskID)
	require.Equal(t, qt.Method, decoded.Method)
	require.Equal(t, qt.Priority, decoded.Priority)
	require.Equal(t, qt.Args, decoded.Args)
}

func TestQueuedTaskJSONRoundTrip(t *testing.T) {
	qt := sampleQueuedTask()
	b, err := EncodeQueuedTaskJSON(qt)
	require.NoError(t, err)

	decoded, err := DecodeQueuedTaskJSON(b)
	require.NoError(t, err)
	require.Equal(t, qt, decoded)
}
