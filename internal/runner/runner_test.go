package runner_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JohnnyGlynn/firehose/internal/config"
	"github.com/JohnnyGlynn/firehose/internal/console"
	"github.com/JohnnyGlynn/firehose/internal/firehose"
	"github.com/JohnnyGlynn/firehose/internal/firehose/firehosetest"
	"github.com/JohnnyGlynn/firehose/internal/logging"
	"github.com/JohnnyGlynn/firehose/internal/render"
	"github.com/JohnnyGlynn/firehose/internal/runner"
	"github.com/JohnnyGlynn/firehose/internal/transport"
)

const method = "/proto.Firehose/GetEvents"

var (
	r1 = firehose.Record{0x08, 0x01}
	r2 = firehose.Record{0x08, 0x02}
	r3 = firehose.Record{0x08, 0x03}
)

// lines is a console whose output is captured line by line.
type lines struct {
	mu      sync.Mutex
	written []string
	onWrite func(string)
}

func (l *lines) console(input io.Reader) console.IO {
	c := console.New(input, io.Discard)
	c.WriteLine = func(line string) {
		l.mu.Lock()
		l.written = append(l.written, line)
		l.mu.Unlock()
		if l.onWrite != nil {
			l.onWrite(line)
		}
	}
	return c
}

func (l *lines) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.written...)
}

// countingChannel records how often the runner releases it.
type countingChannel struct {
	runner.Channel
	closes *atomic.Int32
}

func (c countingChannel) Close() error {
	c.closes.Add(1)
	return c.Channel.Close()
}

type harness struct {
	server *firehosetest.Server
	out    *lines
	opens  atomic.Int32
	closes atomic.Int32
}

func newHarness(t *testing.T, handler firehosetest.Handler) *harness {
	t.Helper()
	server := firehosetest.NewServer(handler)
	server.ServeInMemory()
	t.Cleanup(server.Stop)
	return &harness{server: server, out: &lines{}}
}

func (h *harness) open(security config.SecurityMode, trustAnchor string) runner.OpenFunc {
	return func() (runner.Channel, error) {
		h.opens.Add(1)
		ch, err := transport.Open(transport.Options{
			Endpoint:        firehosetest.InMemoryTarget,
			Security:        security,
			TrustAnchorPath: trustAnchor,
			DialOptions:     []grpc.DialOption{h.server.DialOption()},
		}, logging.Discard())
		if err != nil {
			return nil, err
		}
		return countingChannel{Channel: ch, closes: &h.closes}, nil
	}
}

func (h *harness) run(ctx context.Context, opts runner.Options, input io.Reader) error {
	if opts.Method == "" {
		opts.Method = method
	}
	if opts.Header == "" {
		opts.Header = config.DefaultAPIKeyHeader
	}
	if opts.RetryInitialInterval == 0 {
		opts.RetryInitialInterval = time.Millisecond
		opts.RetryMaxInterval = 5 * time.Millisecond
	}
	renderer, err := render.New(render.FormatRaw, "", "")
	if err != nil {
		return err
	}
	r := runner.New(opts, h.out.console(input), h.open(config.SecurityInsecure, ""), renderer, logging.Discard())
	return r.Run(ctx)
}

func TestRunCompletes(t *testing.T) {
	h := newHarness(t, firehosetest.Replay([]firehose.Record{r1, r2, r3}, nil))

	err := h.run(context.Background(), runner.Options{}, strings.NewReader("secret\n"))
	require.NoError(t, err)
	require.Equal(t, runner.ExitOK, runner.ExitCode(err))

	require.Equal(t, []string{
		"Enter API Key:",
		"Creating channel...",
		"Requesting records...",
		"Record received: 1:1",
		"Record received: 1:2",
		"Record received: 1:3",
		"Stream completed.",
		"Shutting down channel.",
	}, h.out.get())
	require.EqualValues(t, 1, h.closes.Load())

	calls := h.server.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, method, calls[0].Method)
	require.Empty(t, calls[0].Request)
}

func TestRunTransportFailure(t *testing.T) {
	h := newHarness(t, firehosetest.Replay([]firehose.Record{r1}, status.Error(codes.Unavailable, "backend gone")))

	err := h.run(context.Background(), runner.Options{}, strings.NewReader("secret\n"))
	require.Error(t, err)
	require.Equal(t, runner.ExitTransport, runner.ExitCode(err))

	var runErr *runner.Error
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, runner.KindTransport, runErr.Kind)
	require.Equal(t, codes.Unavailable, status.Code(runErr.Err))

	out := h.out.get()
	require.Len(t, out, 6)
	require.Equal(t, "Record received: 1:1", out[3])
	require.True(t, strings.HasPrefix(out[4], "Error: transport error: receive record:"), out[4])
	require.Contains(t, out[4], "backend gone")
	require.Equal(t, "Shutting down channel.", out[5])
	require.EqualValues(t, 1, h.closes.Load())
}

func TestRunUnreadableTrustAnchor(t *testing.T) {
	h := newHarness(t, firehosetest.Replay(nil, nil))
	renderer, err := render.New(render.FormatRaw, "", "")
	require.NoError(t, err)

	open := h.open(config.SecurityTLS, filepath.Join(t.TempDir(), "absent.pem"))
	r := runner.New(runner.Options{Method: method, Header: "x-api-key"}, h.out.console(strings.NewReader("secret\n")), open, renderer, logging.Discard())

	err = r.Run(context.Background())
	require.Equal(t, runner.ExitSetup, runner.ExitCode(err))
	require.ErrorContains(t, err, "failed to load trust anchor")

	require.Zero(t, h.server.Dials())
	require.Zero(t, h.closes.Load())
	require.NotContains(t, h.out.get(), "Shutting down channel.")
}

func TestRunForwardsCredential(t *testing.T) {
	cases := map[string]struct {
		input string
		want  string
	}{
		"plain":        {input: "secret\n", want: "secret"},
		"empty":        {input: "\n", want: ""},
		"spaces":       {input: "  padded key \n", want: "  padded key "},
		"crlf":         {input: "abc\r\n", want: "abc"},
		"unterminated": {input: "last-line", want: "last-line"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, firehosetest.Replay(nil, nil))
			require.NoError(t, h.run(context.Background(), runner.Options{}, strings.NewReader(tc.input)))

			calls := h.server.Calls()
			require.Len(t, calls, 1)
			require.Equal(t, []string{tc.want}, calls[0].Header.Get(config.DefaultAPIKeyHeader))
		})
	}
}

func TestRunConfiguredCredential(t *testing.T) {
	h := newHarness(t, firehosetest.Replay(nil, nil))

	opts := runner.Options{APIKey: "from-env", Header: "X-Partner-Key"}
	require.NoError(t, h.run(context.Background(), opts, strings.NewReader("")))

	require.NotContains(t, h.out.get(), "Enter API Key:")
	require.Equal(t, []string{"from-env"}, h.server.Calls()[0].Header.Get("x-partner-key"))
}

func TestRunRetriesTransportFailure(t *testing.T) {
	h := newHarness(t, firehosetest.Sequence(
		firehosetest.Replay([]firehose.Record{r1}, status.Error(codes.Unavailable, "restarting")),
		firehosetest.Replay([]firehose.Record{r2}, nil),
	))

	err := h.run(context.Background(), runner.Options{MaxRetries: 2}, strings.NewReader("secret\n"))
	require.NoError(t, err)

	out := h.out.get()
	require.Contains(t, out, "Record received: 1:1")
	require.Contains(t, out, "Record received: 1:2")
	require.Equal(t, "Stream completed.", out[len(out)-2])
	require.Equal(t, "Shutting down channel.", out[len(out)-1])
	require.Len(t, h.server.Calls(), 2)
	require.EqualValues(t, 1, h.closes.Load())
}

func TestRunRetryRendersReplayedRecords(t *testing.T) {
	h := newHarness(t, firehosetest.Sequence(
		firehosetest.Replay([]firehose.Record{r1}, status.Error(codes.Unavailable, "restarting")),
		firehosetest.Replay([]firehose.Record{r1, r2}, nil),
	))

	require.NoError(t, h.run(context.Background(), runner.Options{MaxRetries: 1}, strings.NewReader("secret\n")))

	seen := 0
	for _, line := range h.out.get() {
		if line == "Record received: 1:1" {
			seen++
		}
	}
	require.Equal(t, 2, seen)
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, firehosetest.Replay(nil, status.Error(codes.ResourceExhausted, "slow down")))

	err := h.run(context.Background(), runner.Options{MaxRetries: 2}, strings.NewReader("secret\n"))
	require.Equal(t, runner.ExitTransport, runner.ExitCode(err))
	require.Len(t, h.server.Calls(), 3)
	require.EqualValues(t, 1, h.closes.Load())
}

func TestRunAuthFailureNotRetried(t *testing.T) {
	for name, code := range map[string]codes.Code{
		"unauthenticated":   codes.Unauthenticated,
		"permission-denied": codes.PermissionDenied,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, firehosetest.Replay(nil, status.Error(code, "bad key")))

			err := h.run(context.Background(), runner.Options{MaxRetries: 3}, strings.NewReader("wrong\n"))
			require.Equal(t, runner.ExitAuth, runner.ExitCode(err))
			require.Len(t, h.server.Calls(), 1)
			require.EqualValues(t, 1, h.closes.Load())
		})
	}
}

func TestRunUnexpectedStatus(t *testing.T) {
	h := newHarness(t, firehosetest.Replay(nil, status.Error(codes.InvalidArgument, "no")))

	err := h.run(context.Background(), runner.Options{MaxRetries: 3}, strings.NewReader("secret\n"))
	require.Equal(t, runner.ExitUnexpected, runner.ExitCode(err))
	require.Len(t, h.server.Calls(), 1)
}

func TestRunInterruptedMidStream(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ firehosetest.Call, send func(firehose.Record) error) error {
		if err := send(r1); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.out.onWrite = func(line string) {
		if strings.HasPrefix(line, "Record received:") {
			cancel()
		}
	}

	err := h.run(ctx, runner.Options{MaxRetries: 3}, strings.NewReader("secret\n"))
	require.Equal(t, runner.ExitInterrupted, runner.ExitCode(err))

	out := h.out.get()
	require.Equal(t, "Shutting down channel.", out[len(out)-1])
	require.EqualValues(t, 1, h.closes.Load())
	require.Len(t, h.server.Calls(), 1)
}

func TestRunInterruptedDuringPrompt(t *testing.T) {
	h := newHarness(t, firehosetest.Replay(nil, nil))

	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	h.out.onWrite = func(line string) {
		if line == "Enter API Key:" {
			cancel()
		}
	}

	err := h.run(ctx, runner.Options{}, pr)
	require.Equal(t, runner.ExitInterrupted, runner.ExitCode(err))
	require.Zero(t, h.opens.Load())
	require.Zero(t, h.closes.Load())
}

func TestRunClosedInput(t *testing.T) {
	h := newHarness(t, firehosetest.Replay(nil, nil))

	err := h.run(context.Background(), runner.Options{}, strings.NewReader(""))
	require.Equal(t, runner.ExitSetup, runner.ExitCode(err))
	require.ErrorContains(t, err, "input closed")
	require.Zero(t, h.opens.Load())
}

func TestRunReservedHeader(t *testing.T) {
	h := newHarness(t, firehosetest.Replay(nil, nil))

	err := h.run(context.Background(), runner.Options{Header: "grpc-timeout"}, strings.NewReader("secret\n"))
	require.Equal(t, runner.ExitSetup, runner.ExitCode(err))
	require.Empty(t, h.server.Calls())
	require.EqualValues(t, 1, h.closes.Load())
}

type failingRenderer struct{}

func (failingRenderer) Render(firehose.Record) (string, error) {
	return "", errors.New("cannot render")
}

func TestRunRenderFallsBackToHex(t *testing.T) {
	h := newHarness(t, firehosetest.Replay([]firehose.Record{r1}, nil))

	r := runner.New(
		runner.Options{Method: method, Header: "x-api-key"},
		h.out.console(strings.NewReader("secret\n")),
		h.open(config.SecurityInsecure, ""),
		failingRenderer{},
		logging.Discard(),
	)
	require.NoError(t, r.Run(context.Background()))
	require.Contains(t, h.out.get(), "Record received: 0x0801")
}
