package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// EncodeQueuedTaskBinary serializes a QueuedTask to the compact, length-prefixed little-endian
// format spec §6 recommends for throughput: [u32 id len][id][u32 method len][method]
// [i32 priority][u32 args len][args...] where args is the ListValue encoding of the Args slice.
func EncodeQueuedTaskBinary(t model.QueuedTask) ([]byte, error) {
	var buf []byte
	buf = appendLenPrefixed(buf, []byte(t.TaskID))
	buf = appendLenPrefixed(buf, []byte(t.Method))

	var prio [4]byte
	binary.LittleEndian.PutUint32(prio[:], uint32(int32(t.Priority)))
	buf = append(buf, prio[:]...)

	argsBytes, err := encodeListValue(t.Args)
	if err != nil {
		return nil, fmt.Errorf("wire: encode queued task args: %w", err)
	}
	buf = appendLenPrefixed(buf, argsBytes)
	return buf, nil
}

// DecodeQueuedTaskBinary parses the binary format produced by EncodeQueuedTaskBinary.
func DecodeQueuedTaskBinary(b []byte) (model.QueuedTask, error) {
	id, rest, err := readLenPrefixed(b)
	if err != nil {
		return model.QueuedTask{}, err
	}
	method, rest, err := readLenPrefixed(rest)
	if err != nil {
		return model.QueuedTask{}, err
	}
	if len(rest) < 4 {
		return model.QueuedTask{}, fmt.Errorf("wire: truncated queued task priority")
	}
	priority := int32(binary.LittleEndian.Uint32(rest))
	rest = rest[4:]

	argsBytes, _, err := readLenPrefixed(rest)
	if err != nil {
		return model.QueuedTask{}, err
	}
	args, err := decodeListValue(argsBytes)
	if err != nil {
		return model.QueuedTask{}, err
	}
	return model.QueuedTask{
		TaskID:   string(id),
		Method:   string(method),
		Args:     args,
		Priority: int(priority),
	}, nil
}

// jsonQueuedTask is the debug-friendly JSON variant permitted by spec §6.
type jsonQueuedTask struct {
	TaskID   string       `json:"id"`
	Method   string       `json:"method"`
	Args     []Any        `json:"args"`
	Priority int          `json:"priority"`
}

// EncodeQueuedTaskJSON serializes a QueuedTask as JSON (debug variant, spec §6).
func EncodeQueuedTaskJSON(t model.QueuedTask) ([]byte, error) {
	args := make([]Any, len(t.Args))
	for i, v := range t.Args {
		a, err := EncodeAny(v)
		if err != nil {
			return nil, err
		}
		args[i] = a
	}
	return json.Marshal(jsonQueuedTask{TaskID: t.TaskID, Method: t.Method, Args: args, Priority: t.Priority})
}

// DecodeQueuedTaskJSON parses the JSON variant.
func DecodeQueuedTaskJSON(b []byte) (model.QueuedTask, error) {
	var jt jsonQueuedTask
	if err := json.Unmarshal(b, &jt); err != nil {
		return model.QueuedTask{}, err
	}
	args := make([]model.Value, len(jt.Args))
	for i, a := range jt.Args {
		v, err := DecodeAny(a)
		if err != nil {
			return model.QueuedTask{}, err
		}
		args[i] = v
	}
	return model.QueuedTask{TaskID: jt.TaskID, Method: jt.Method, Args: args, Priority: jt.Priority}, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func readLenPrefixed(b []byte) (data, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint32(b))
	if len(b) < 4+n {
		return nil, nil, fmt.Errorf("wire: truncated length-prefixed field")
	}
	return b[4 : 4+n], b[4+n:], nil
}
