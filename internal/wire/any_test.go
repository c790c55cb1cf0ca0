package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/model"
)

func roundTrip(t *testing.T, v model.Value) model.Value {
	t.Helper()
	a, err := EncodeAny(v)
	require.NoError(t, err)
	decoded, err := DecodeAny(a)
	require.NoError(t, err)
	return decoded
}

func TestScalarRoundTrip(t *testing.T) {
	require.Equal(t, model.Int32Value(42), roundTrip(t, model.Int32Value(42)))
	require.Equal(t, model.Int64Value(-7), roundTrip(t, model.Int64Value(-7)))
	require.Equal(t, model.UInt32Value(9), roundTrip(t, model.UInt32Value(9)))
	require.Equal(t, model.UInt64Value(9), roundTrip(t, model.UInt64Value(9)))
	require.Equal(t, model.BoolValue(true), roundTrip(t, model.BoolValue(true)))
	require.Equal(t, model.StringValue("hello"), roundTrip(t, model.StringValue("hello")))
	require.Equal(t, model.BytesValue([]byte{1, 2, 3}), roundTrip(t, model.BytesValue([]byte{1, 2, 3})))

	require.InDelta(t, 3.5, roundTrip(t, model.FloatValue(3.5)).Float, 0.0001)
	require.InDelta(t, 3.14159, roundTrip(t, model.DoubleValue(3.14159)).Float, 0.00001)
}

func TestNestedListAndMapRoundTrip(t *testing.T) {
	deep := model.ListValue([]model.Value{
		model.StringValue("a"),
		model.MapValue(map[string]model.Value{
			"nested": model.ListValue([]model.Value{
				model.Int64Value(1),
				model.Int64Value(2),
				model.MapValue(map[string]model.Value{
					"leaf": model.BoolValue(false),
				}),
			}),
		}),
	})

	decoded := roundTrip(t, deep)
	require.Equal(t, model.ValueList, decoded.Kind)
	require.Len(t, decoded.List, 2)
	require.Equal(t, "a", decoded.List[0].Str)

	inner := decoded.List[1].Map["nested"]
	require.Equal(t, model.ValueList, inner.Kind)
	require.Len(t, inner.List, 3)
	require.Equal(t, int64(1), inner.List[0].Int)

	leaf := inner.List[2].Map["leaf"]
	require.Equal(t, model.ValueBool, leaf.Kind)
	require.False(t, leaf.Bool)
}

func TestUnknownTypeURLReturnsInvalidArguments(t *testing.T) {
	_, err := DecodeAny(Any{TypeURL: "type.googleapis.com/bogus.Type", Value: []byte{}})
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, model.ErrKindInvalidArguments, merr.Kind)
}
