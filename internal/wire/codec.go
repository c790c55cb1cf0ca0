package wire

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec implements grpc's encoding.Codec over plain Go structs with JSON, since the
// TaskRequest/TaskResponse/ResultRequest/ResultResponse types here are hand-written (spec §6
// explicitly puts generated protobuf stubs for this RPC surface out of scope) rather than
// protoc-gen-go messages. Registering it under Name() makes any grpc.Server/ClientConn built
// with grpc.CallContentSubtype("json") use it transparently.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return "json" }

// CodecName is the content-subtype every taskscheduler gRPC client/server must request.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
