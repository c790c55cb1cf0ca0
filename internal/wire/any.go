// Package wire implements the external wire formats from spec §6: the Any argument encoding,
// the QueuedTask bus payload encoding, and the gRPC-shaped request/response types.
package wire

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// type_url constants for the Any encoding (spec §6). The wrapper types decode per the standard
// protobuf wrapper schema via google.golang.org/protobuf/types/known/wrapperspb — these are the
// real well-known types, not a hand-rolled analog. ListValue/MapValue are this system's own
// extension (taskscheduler.*), encoded with a small custom recursive scheme below.
const (
	TypeURLInt32     = "type.googleapis.com/google.protobuf.Int32Value"
	TypeURLInt64     = "type.googleapis.com/google.protobuf.Int64Value"
	TypeURLUInt32    = "type.googleapis.com/google.protobuf.UInt32Value"
	TypeURLUInt64    = "type.googleapis.com/google.protobuf.UInt64Value"
	TypeURLFloat     = "type.googleapis.com/google.protobuf.FloatValue"
	TypeURLDouble    = "type.googleapis.com/google.protobuf.DoubleValue"
	TypeURLBool      = "type.googleapis.com/google.protobuf.BoolValue"
	TypeURLString    = "type.googleapis.com/google.protobuf.StringValue"
	TypeURLBytes     = "type.googleapis.com/google.protobuf.BytesValue"
	TypeURLListValue = "type.googleapis.com/taskscheduler.ListValue"
	TypeURLMapValue  = "type.googleapis.com/taskscheduler.MapValue"
)

// Any is the wire shape of a single argument: a type_url plus an opaque value byte string.
type Any struct {
	TypeURL string
	Value   []byte
}

// EncodeAny serializes a model.Value into its Any wire form.
func EncodeAny(v model.Value) (Any, error) {
	switch v.Kind {
	case model.ValueInt32:
		b, err := proto.Marshal(wrapperspb.Int32(int32(v.Int)))
		return Any{TypeURLInt32, b}, err
	case model.ValueInt64:
		b, err := proto.Marshal(wrapperspb.Int64(v.Int))
		return Any{TypeURLInt64, b}, err
	case model.ValueUInt32:
		b, err := proto.Marshal(wrapperspb.UInt32(uint32(v.Uint)))
		return Any{TypeURLUInt32, b}, err
	case model.ValueUInt64:
		b, err := proto.Marshal(wrapperspb.UInt64(v.Uint))
		return Any{TypeURLUInt64, b}, err
	case model.ValueFloat:
		b, err := proto.Marshal(wrapperspb.Float(float32(v.Float)))
		return Any{TypeURLFloat, b}, err
	case model.ValueDouble:
		b, err := proto.Marshal(wrapperspb.Double(v.Float))
		return Any{TypeURLDouble, b}, err
	case model.ValueBool:
		b, err := proto.Marshal(wrapperspb.Bool(v.Bool))
		return Any{TypeURLBool, b}, err
	case model.ValueString:
		b, err := proto.Marshal(wrapperspb.String(v.Str))
		return Any{TypeURLString, b}, err
	case model.ValueBytes:
		b, err := proto.Marshal(wrapperspb.Bytes(v.Bytes))
		return Any{TypeURLBytes, b}, err
	case model.ValueList:
		b, err := encodeListValue(v.List)
		return Any{TypeURLListValue, b}, err
	case model.ValueMap:
		b, err := encodeMapValue(v.Map)
		return Any{TypeURLMapValue, b}, err
	default:
		return Any{}, fmt.Errorf("wire: unsupported value kind %q", v.Kind)
	}
}

// DecodeAny parses an Any's type_url and decodes its value into a model.Value. An unknown
// type_url is reported via model.ErrInvalidArguments (spec §6: "A worker that encounters an
// unknown type_url returns InvalidArguments").
func DecodeAny(a Any) (model.Value, error) {
	switch a.TypeURL {
	case TypeURLInt32:
		var w wrapperspb.Int32Value
		if err := proto.Unmarshal(a.Value, &w); err != nil {
			return model.Value{}, err
		}
		return model.Int32Value(w.GetValue()), nil
	case TypeURLInt64:
		var w wrapperspb.Int64Value
		if err := proto.Unmarshal(a.Value, &w); err != nil {
			return model.Value{}, err
		}
		return model.Int64Value(w.GetValue()), nil
	case TypeURLUInt32:
		var w wrapperspb.UInt32Value
		if err := proto.Unmarshal(a.Value, &w); err != nil {
			return model.Value{}, err
		}
		return model.UInt32Value(w.GetValue()), nil
	case TypeURLUInt64:
		var w wrapperspb.UInt64Value
		if err := proto.Unmarshal(a.Value, &w); err != nil {
			return model.Value{}, err
		}
		return model.UInt64Value(w.GetValue()), nil
	case TypeURLFloat:
		var w wrapperspb.FloatValue
		if err := proto.Unmarshal(a.Value, &w); err != nil {
			return model.Value{}, err
		}
		return model.FloatValue(w.GetValue()), nil
	case TypeURLDouble:
		var w wrapperspb.DoubleValue
		if err := proto.Unmarshal(a.Value, &w); err != nil {
			return model.Value{}, err
		}
		return model.DoubleValue(w.GetValue()), nil
	case TypeURLBool:
		var w wrapperspb.BoolValue
		if err := proto.Unmarshal(a.Value, &w); err != nil {
			return model.Value{}, err
		}
		return model.BoolValue(w.GetValue()), nil
	case TypeURLString:
		var w wrapperspb.StringValue
		if err := proto.Unmarshal(a.Value, &w); err != nil {
			return model.Value{}, err
		}
		return model.StringValue(w.GetValue()), nil
	case TypeURLBytes:
		var w wrapperspb.BytesValue
		if err := proto.Unmarshal(a.Value, &w); err != nil {
			return model.Value{}, err
		}
		return model.BytesValue(w.GetValue()), nil
	case TypeURLListValue:
		list, err := decodeListValue(a.Value)
		if err != nil {
			return model.Value{}, err
		}
		return model.ListValue(list), nil
	case TypeURLMapValue:
		m, err := decodeMapValue(a.Value)
		if err != nil {
			return model.Value{}, err
		}
		return model.MapValue(m), nil
	default:
		return model.Value{}, model.NewError(model.ErrKindInvalidArguments, fmt.Sprintf("unknown type_url %q", a.TypeURL))
	}
}

// encodeAnyFrame serializes an Any as a length-prefixed frame: [u32 type_url len][type_url]
// [u32 value len][value]. This is the recursive building block for ListValue/MapValue.
func encodeAnyFrame(a Any) []byte {
	buf := make([]byte, 0, 8+len(a.TypeURL)+len(a.Value))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(a.TypeURL)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, a.TypeURL...)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(a.Value)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, a.Value...)
	return buf
}

func decodeAnyFrame(b []byte) (Any, int, error) {
	if len(b) < 4 {
		return Any{}, 0, fmt.Errorf("wire: truncated any frame")
	}
	tlen := int(binary.LittleEndian.Uint32(b))
	off := 4
	if len(b) < off+tlen+4 {
		return Any{}, 0, fmt.Errorf("wire: truncated any frame type_url")
	}
	typeURL := string(b[off : off+tlen])
	off += tlen
	vlen := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if len(b) < off+vlen {
		return Any{}, 0, fmt.Errorf("wire: truncated any frame value")
	}
	value := append([]byte(nil), b[off:off+vlen]...)
	off += vlen
	return Any{TypeURL: typeURL, Value: value}, off, nil
}

func encodeListValue(list []model.Value) ([]byte, error) {
	var buf []byte
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(list)))
	buf = append(buf, countBuf[:]...)
	for _, v := range list {
		a, err := EncodeAny(v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, encodeAnyFrame(a)...)
	}
	return buf, nil
}

func decodeListValue(b []byte) ([]model.Value, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: truncated list value")
	}
	count := int(binary.LittleEndian.Uint32(b))
	off := 4
	out := make([]model.Value, 0, count)
	for i := 0; i < count; i++ {
		a, n, err := decodeAnyFrame(b[off:])
		if err != nil {
			return nil, err
		}
		off += n
		v, err := DecodeAny(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func encodeMapValue(m map[string]model.Value) ([]byte, error) {
	var buf []byte
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(m)))
	buf = append(buf, countBuf[:]...)
	for k, v := range m {
		var klen [4]byte
		binary.LittleEndian.PutUint32(klen[:], uint32(len(k)))
		buf = append(buf, klen[:]...)
		buf = append(buf, k...)
		a, err := EncodeAny(v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, encodeAnyFrame(a)...)
	}
	return buf, nil
}

func decodeMapValue(b []byte) (map[string]model.Value, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: truncated map value")
	}
	count := int(binary.LittleEndian.Uint32(b))
	off := 4
	out := make(map[string]model.Value, count)
	for i := 0; i < count; i++ {
		if len(b) < off+4 {
			return nil, fmt.Errorf("wire: truncated map key length")
		}
		klen := int(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if len(b) < off+klen {
			return nil, fmt.Errorf("wire: truncated map key")
		}
		key := string(b[off : off+klen])
		off += klen
		a, n, err := decodeAnyFrame(b[off:])
		if err != nil {
			return nil, err
		}
		off += n
		v, err := DecodeAny(a)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}
