// Package firehose is the client stub for the events stream. The record
// schema belongs to the remote service, so records travel as opaque bytes.
package firehose

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
)

// EventsStreamRequest starts the events stream. It has no fields.
type EventsStreamRequest struct{}

// Record is one event record exactly as it arrived on the wire.
type Record []byte

// EventStream is the receiving side of an open events stream.
type EventStream interface {
	Recv() (Record, error)
	grpc.ClientStream
}

var getEventsStreamDesc = grpc.StreamDesc{
	StreamName:    "GetEvents",
	ServerStreams: true,
}

type Client struct {
	cc     grpc.ClientConnInterface
	method string
}

// NewClient returns a stub calling method, a full path such as
// "/proto.Firehose/GetEvents".
func NewClient(cc grpc.ClientConnInterface, method string) *Client {
	return &Client{cc: cc, method: method}
}

// GetEvents sends the request and half-closes the send side. Records, and any
// status the server ends the call with, come back through Recv.
func (c *Client) GetEvents(ctx context.Context, in *EventsStreamRequest, opts ...grpc.CallOption) (EventStream, error) {
	opts = append([]grpc.CallOption{WithRawCodec()}, opts...)
	stream, err := c.cc.NewStream(ctx, &getEventsStreamDesc, c.method, opts...)
	if err != nil {
		return nil, err
	}
	x := &eventStream{stream}
	// io.EOF means the server already ended the call; Recv reports why.
	if err := x.ClientStream.SendMsg(in); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type eventStream struct {
	grpc.ClientStream
}

func (x *eventStream) Recv() (Record, error) {
	var m Record
	if err := x.ClientStream.RecvMsg(&m); err != nil {
		return nil, err
	}
	return m, nil
}
