package firehose

import (
	"fmt"

	"google.golang.org/grpc"
)

// rawCodec moves message bytes through untouched. It registers as "proto"
// so the content-type on the wire stays application/grpc+proto.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *EventsStreamRequest:
		return nil, nil
	case *Record:
		return *m, nil
	case Record:
		return m, nil
	default:
		return nil, fmt.Errorf("firehose codec: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Record:
		*m = append(Record(nil), data...)
		return nil
	case *EventsStreamRequest:
		return nil
	default:
		return fmt.Errorf("firehose codec: cannot unmarshal into %T", v)
	}
}

func (rawCodec) Name() string {
	return "proto"
}

// WithRawCodec forces the pass-through codec on a call.
func WithRawCodec() grpc.CallOption {
	return grpc.ForceCodec(rawCodec{})
}

// WithRawServerCodec forces the pass-through codec on a server.
func WithRawServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(rawCodec{})
}
