// Package runner drives one firehose session: read the credential, open the
// channel, consume the stream and release the channel on the way out.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/JohnnyGlynn/firehose/internal/auth"
	"github.com/JohnnyGlynn/firehose/internal/console"
	"github.com/JohnnyGlynn/firehose/internal/firehose"
	"github.com/JohnnyGlynn/firehose/internal/render"
)

type Options struct {
	Method string
	Header string

	// APIKey skips the prompt when set.
	APIKey string

	// MaxRetries bounds transport retries over the whole run. Zero disables
	// them. A retry starts a fresh call, so records a service replays are
	// rendered again.
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// Channel is an open client connection that the runner releases when done.
type Channel interface {
	grpc.ClientConnInterface
	Close() error
}

// OpenFunc builds the channel. It must not touch the network.
type OpenFunc func() (Channel, error)

type Runner struct {
	opts     Options
	console  console.IO
	open     OpenFunc
	renderer render.Renderer
	logger   *slog.Logger
}

func New(opts Options, cio console.IO, open OpenFunc, renderer render.Renderer, logger *slog.Logger) *Runner {
	return &Runner{
		opts:     opts,
		console:  cio,
		open:     open,
		renderer: renderer,
		logger:   logger,
	}
}

// Run executes the session. A nil result means the stream ended cleanly.
// Any other result is an *Error, already reported on the console.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.logger.With("session", uuid.NewString())

	credential, failure := r.credential(ctx, logger)
	if failure != nil {
		r.report(logger, failure)
		return failure
	}

	r.console.WriteLine("Creating channel...")
	ch, err := r.open()
	if err != nil {
		tagged := setupError("open channel", err)
		r.report(logger, tagged)
		return tagged
	}
	defer r.release(ch, logger)

	if err := r.consume(ctx, ch, credential, logger); err != nil {
		r.report(logger, err)
		return err
	}

	r.console.WriteLine("Stream completed.")
	logger.Info("stream completed")
	return nil
}

func (r *Runner) credential(ctx context.Context, logger *slog.Logger) (string, *Error) {
	if r.opts.APIKey != "" {
		logger.Info("using configured API key", "fingerprint", auth.Fingerprint(r.opts.APIKey))
		return r.opts.APIKey, nil
	}

	r.console.WriteLine("Enter API Key:")

	type result struct {
		line string
		err  error
	}
	// ReadLine cannot be cancelled, so it runs on its own and is abandoned
	// on interrupt.
	read := make(chan result, 1)
	go func() {
		line, err := r.console.ReadLine()
		read <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", &Error{Kind: KindInterrupted, Op: "read credential", Err: ctx.Err()}
	case res := <-read:
		if errors.Is(res.err, io.EOF) {
			return "", setupError("read credential", errors.New("input closed before an API key was entered"))
		}
		if res.err != nil {
			return "", setupError("read credential", res.err)
		}
		logger.Info("API key read", "fingerprint", auth.Fingerprint(res.line))
		return res.line, nil
	}
}

// consume streams records, retrying transport failures within the budget.
func (r *Runner) consume(ctx context.Context, ch Channel, credential string, logger *slog.Logger) *Error {
	callCtx, err := auth.Attach(ctx, r.opts.Header, credential)
	if err != nil {
		return setupError("attach credential", err)
	}
	client := firehose.NewClient(ch, r.opts.Method)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.RetryInitialInterval
	policy.MaxInterval = r.opts.RetryMaxInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		err := r.stream(callCtx, client, logger)
		if err == nil {
			return nil
		}
		if !err.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("stream failed, retrying", "error", err, "wait", wait)
		r.console.WriteLine(fmt.Sprintf("Stream interrupted (%v), retrying in %s...", err, wait))
	}

	err = backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.opts.MaxRetries)), ctx),
		notify,
	)
	if err == nil {
		return nil
	}
	return classify(ctx, "consume stream", err)
}

// stream runs one call to completion.
func (r *Runner) stream(ctx context.Context, client *firehose.Client, logger *slog.Logger) *Error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.console.WriteLine("Requesting records...")
	stream, err := client.GetEvents(ctx, &firehose.EventsStreamRequest{})
	if err != nil {
		return classify(ctx, "call "+r.opts.Method, err)
	}

	received := 0
	for {
		record, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			logger.Debug("end of stream", "records", received)
			return nil
		}
		if err != nil {
			logger.Debug("stream broken", "records", received, "error", err)
			return classify(ctx, "receive record", err)
		}
		received++
		r.console.WriteLine("Record received: " + r.render(record, logger))
	}
}

func (r *Runner) render(record firehose.Record, logger *slog.Logger) string {
	out, err := r.renderer.Render(record)
	if err != nil {
		logger.Warn("failed to render record, printing hex", "error", err, "size", len(record))
		return render.Hex(record)
	}
	return out
}

func (r *Runner) report(logger *slog.Logger, err *Error) {
	r.console.WriteLine("Error: " + err.Error())

	attrs := []any{"kind", err.Kind.String(), "op", err.Op, "error", err.Err}
	if err.Kind == KindInterrupted {
		logger.Warn("run interrupted", attrs...)
		return
	}
	logger.Error("run failed", attrs...)
}

func (r *Runner) release(ch Channel, logger *slog.Logger) {
	r.console.WriteLine("Shutting down channel.")
	if err := ch.Close(); err != nil {
		logger.Warn("failed to close channel", "error", err)
	}
}
