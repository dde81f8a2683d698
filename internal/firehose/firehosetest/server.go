// Package firehosetest runs an in-process firehose endpoint for tests.
package firehosetest

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/JohnnyGlynn/firehose/internal/firehose"
)

const bufSize = 1 << 20

// InMemoryTarget is the dial target paired with DialOption.
const InMemoryTarget = "passthrough:///bufnet"

// Call is one stream request as the server saw it.
type Call struct {
	Method  string
	Header  metadata.MD
	Request []byte
}

// Handler serves one call. Records passed to send reach the client in order.
// The returned error becomes the call status; nil ends the stream cleanly.
type Handler func(ctx context.Context, call Call, send func(firehose.Record) error) error

type Server struct {
	grpcServer *grpc.Server
	handler    Handler
	listener   *bufconn.Listener
	dials      atomic.Int32

	mu    sync.Mutex
	calls []Call
}

// NewServer answers every method with handler.
func NewServer(handler Handler, opts ...grpc.ServerOption) *Server {
	s := &Server{handler: handler}
	opts = append(opts, firehose.WithRawServerCodec(), grpc.UnknownServiceHandler(s.handleRPC))
	s.grpcServer = grpc.NewServer(opts...)
	return s
}

// Serve accepts connections on lis in the background.
func (s *Server) Serve(lis net.Listener) {
	go s.grpcServer.Serve(lis)
}

// ServeInMemory serves on an in-memory listener reachable through
// DialOption and InMemoryTarget.
func (s *Server) ServeInMemory() {
	s.listener = bufconn.Listen(bufSize)
	s.Serve(s.listener)
}

// DialOption routes dials to the in-memory listener and counts them.
func (s *Server) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		s.dials.Add(1)
		return s.listener.DialContext(ctx)
	})
}

// Dials reports how many connections clients opened through DialOption.
func (s *Server) Dials() int {
	return int(s.dials.Load())
}

// Calls returns the calls received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Server) Stop() {
	s.grpcServer.Stop()
}

func (s *Server) handleRPC(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)

	var request firehose.Record
	if err := stream.RecvMsg(&request); err != nil {
		return err
	}
	header, _ := metadata.FromIncomingContext(stream.Context())

	call := Call{Method: method, Header: header.Copy(), Request: request}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	return s.handler(stream.Context(), call, func(record firehose.Record) error {
		return stream.SendMsg(&record)
	})
}

// Replay sends records in order, then ends the call with err.
func Replay(records []firehose.Record, err error) Handler {
	return func(_ context.Context, _ Call, send func(firehose.Record) error) error {
		for _, record := range records {
			if sendErr := send(record); sendErr != nil {
				return sendErr
			}
		}
		return err
	}
}

// Sequence serves the i-th call with handlers[i]. Calls past the end reuse
// the last handler.
func Sequence(handlers ...Handler) Handler {
	var next atomic.Int32
	return func(ctx context.Context, call Call, send func(firehose.Record) error) error {
		i := int(next.Add(1)) - 1
		if i >= len(handlers) {
			i = len(handlers) - 1
		}
		return handlers[i](ctx, call, send)
	}
}
