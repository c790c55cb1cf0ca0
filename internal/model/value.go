package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind tags the decoded shape of an Any-encoded argument (spec §6).
type ValueKind string

const (
	ValueInt32  ValueKind = "int32"
	ValueInt64  ValueKind = "int64"
	ValueUInt32 ValueKind = "uint32"
	ValueUInt64 ValueKind = "uint64"
	ValueFloat  ValueKind = "float"
	ValueDouble ValueKind = "double"
	ValueBool   ValueKind = "bool"
	ValueString ValueKind = "string"
	ValueBytes  ValueKind = "bytes"
	ValueList   ValueKind = "list"
	ValueMap    ValueKind = "map"
)

// Value is the JSON-shaped typed value every Any-encoded argument decodes to (spec §6: "Arguments
// serialize to JSON-shaped typed values before being handed to a plugin"). It round-trips through
// wire.EncodeAny/DecodeAny to arbitrary List/Map nesting depth.
type Value struct {
	Kind ValueKind

	Int    int64
	Uint   uint64
	Float  float64 // used for both Float and Double kinds
	Bool   bool
	Str    string
	Bytes  []byte
	List   []Value
	Map    map[string]Value
}

func Int32Value(v int32) Value  { return Value{Kind: ValueInt32, Int: int64(v)} }
func Int64Value(v int64) Value  { return Value{Kind: ValueInt64, Int: v} }
func UInt32Value(v uint32) Value { return Value{Kind: ValueUInt32, Uint: uint64(v)} }
func UInt64Value(v uint64) Value { return Value{Kind: ValueUInt64, Uint: v} }
func FloatValue(v float32) Value { return Value{Kind: ValueFloat, Float: float64(v)} }
func DoubleValue(v float64) Value { return Value{Kind: ValueDouble, Float: v} }
func BoolValue(v bool) Value    { return Value{Kind: ValueBool, Bool: v} }
func StringValue(v string) Value { return Value{Kind: ValueString, Str: v} }
func BytesValue(v []byte) Value  { return Value{Kind: ValueBytes, Bytes: v} }
func ListValue(v []Value) Value  { return Value{Kind: ValueList, List: v} }
func MapValue(v map[string]Value) Value { return Value{Kind: ValueMap, Map: v} }

// Native converts a Value into a plain Go value (int64, uint64, float64, string, bool, []byte, []any,
// map[string]any)
// suitable for handing to a plugin function or JSON-marshaling as a task result.
func (v Value) Native() any {
	switch v.Kind {
	case ValueInt32, ValueInt64:
		return v.Int
	case ValueUInt32, ValueUInt64:
		return v.Uint
	case ValueFloat, ValueDouble:
		return v.Float
	case ValueBool:
		return v.Bool
	case ValueString:
		return v.Str
	case ValueBytes:
		return v.Bytes
	case ValueList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			out[i] = e.Native()
		}
		return out
	case ValueMap:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.Native()
		}
		return out
	default:
		return nil
	}
}

// ResultString renders a Value the way TaskResponse.result / ResultResponse.result (spec §6,
// both plain strings) expect: scalars print their natural textual form, lists/maps render as JSON.
func (v Value) ResultString() string {
	switch v.Kind {
	case ValueInt32, ValueInt64:
		return strconv.FormatInt(v.Int, 10)
	case ValueUInt32, ValueUInt64:
		return strconv.FormatUint(v.Uint, 10)
	case ValueFloat, ValueDouble:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueString:
		return v.Str
	case ValueBytes:
		return string(v.Bytes)
	default:
		b, err := json.Marshal(v.Native())
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// FromNative builds a Value from a plain Go value of the shapes encoding/json produces when
// unmarshaling into `any` (float64, string, bool, nil, []any, map[string]any). This is the
// external task-resource format's argument shape (spec §6 "args: [JSON value]"), distinct from
// the Any-encoded RPC argument path in internal/wire — the reconciler and job mode both consume
// plain JSON, never the Any wire format.
func FromNative(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{Kind: ValueString, Str: ""}
	case float64:
		if t == float64(int64(t)) {
			return Int64Value(int64(t))
		}
		return DoubleValue(t)
	case float32:
		return FromNative(float64(t))
	case int:
		return Int64Value(int64(t))
	case int32:
		return Int32Value(t)
	case int64:
		return Int64Value(t)
	case uint:
		return UInt64Value(uint64(t))
	case uint32:
		return UInt32Value(t)
	case uint64:
		return UInt64Value(t)
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromNative(e)
		}
		return ListValue(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromNative(e)
		}
		return MapValue(out)
	default:
		return StringValue(fmt.Sprintf("%v", t))
	}
}
