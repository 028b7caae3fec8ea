package rpc

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which the JSON codec is
// registered. The health service keeps using the stock proto codec; only
// Isolate and Agent calls opt in to this one.
const CodecName = "json"

// MaxMessageSize lifts the default 4MB gRPC cap. Serialized user objects
// can be arbitrarily large.
const MaxMessageSize = math.MaxInt32

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}

// DefaultDialOptions returns the dial options every insulate client needs:
// the JSON content subtype and lifted message-size limits.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
}

// DefaultServerOptions mirrors DefaultDialOptions for the server side.
func DefaultServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}
