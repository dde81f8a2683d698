package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	grpc_logging "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/JohnnyGlynn/firehose/internal/config"
	"github.com/JohnnyGlynn/firehose/internal/logging"
)

var clientKeepAliveParameters = keepalive.ClientParameters{
	Time:    time.Minute,      // ping after a minute without activity
	Timeout: 20 * time.Second, // wait for the ping ack before declaring the connection dead
}

type Options struct {
	Endpoint        string
	Security        config.SecurityMode
	TrustAnchorPath string
	ServerName      string

	// Appended after the defaults.
	DialOptions []grpc.DialOption
}

// Channel owns one client connection. Close shuts it down once; later calls
// return the first result.
type Channel struct {
	conn *grpc.ClientConn

	once     sync.Once
	closeErr error
}

// Open loads the transport credentials and builds the channel. Credential
// problems fail here, before anything touches the network: the connection
// itself is established lazily by the first call.
func Open(opts Options, logger *slog.Logger) (*Channel, error) {
	creds, err := Credentials(opts, logger)
	if err != nil {
		return nil, err
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(clientKeepAliveParameters),
		grpc.WithChainStreamInterceptor(
			grpc_logging.StreamClientInterceptor(
				logging.InterceptorLogger(logger),
				grpc_logging.WithLogOnEvents(grpc_logging.StartCall, grpc_logging.FinishCall),
			),
		),
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("fail to dial %s: %w", opts.Endpoint, err)
	}
	logger.Info("channel created", "endpoint", opts.Endpoint, "security", opts.Security)

	return &Channel{conn: conn}, nil
}

// Credentials returns the transport credentials for the configured mode.
// TLS never degrades to insecure: a trust anchor that cannot be loaded is an
// error.
func Credentials(opts Options, logger *slog.Logger) (credentials.TransportCredentials, error) {
	switch opts.Security {
	case config.SecurityInsecure:
		logger.Warn("using insecure transport, the API key is sent in plaintext; do not use in production")
		return insecure.NewCredentials(), nil
	case config.SecurityTLS:
		if opts.TrustAnchorPath == "" {
			logger.Info("verifying server with system roots", "server_name", opts.ServerName)
			return credentials.NewTLS(&tls.Config{
				ServerName: opts.ServerName,
				MinVersion: tls.VersionTLS12,
			}), nil
		}
		creds, err := credentials.NewClientTLSFromFile(opts.TrustAnchorPath, opts.ServerName)
		if err != nil {
			return nil, fmt.Errorf("failed to load trust anchor %s: %w", opts.TrustAnchorPath, err)
		}
		logger.Info("verifying server with trust anchor", "path", opts.TrustAnchorPath, "server_name", opts.ServerName)
		return creds, nil
	default:
		return nil, fmt.Errorf("unknown transport security mode %q", opts.Security)
	}
}

func (c *Channel) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	return c.conn.Invoke(ctx, method, args, reply, opts...)
}

func (c *Channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return c.conn.NewStream(ctx, desc, method, opts...)
}

func (c *Channel) Target() string {
	return c.conn.Target()
}

// Close tears down the connection and every stream on it. It blocks until
// the transport is shut down.
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
