package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// IO is the console as seen by the runner: one function to read a line and
// one to write a line.
type IO struct {
	ReadLine  func() (string, error)
	WriteLine func(line string)
}

// New reads lines from r and writes lines to w. The line terminator is
// stripped from input and nothing else is altered.
func New(r io.Reader, w io.Writer) IO {
	reader := bufio.NewReader(r)

	return IO{
		ReadLine: func() (string, error) {
			return readLine(reader)
		},
		WriteLine: lineWriter(w),
	}
}

// NewTerminal is New over the process terminal. When in is a terminal the
// line is read without echo so the API key does not land on screen.
func NewTerminal(in *os.File, out io.Writer) IO {
	c := New(in, out)
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return c
	}

	c.ReadLine = func() (string, error) {
		line, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("error reading input: %w", err)
		}
		return string(line), nil
	}
	return c
}

func readLine(reader *bufio.Reader) (string, error) {
	input, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && input != "" {
			return trimEOL(input), nil
		}
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", fmt.Errorf("error reading input: %w", err)
	}
	return trimEOL(input), nil
}

func trimEOL(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

func lineWriter(w io.Writer) func(string) {
	var mu sync.Mutex
	return func(line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, line)
	}
}

// SaveTerminal records the terminal state of f. The returned func puts it
// back, which re-enables echo if the process is interrupted mid-prompt. It is
// a no-op when f is not a terminal.
func SaveTerminal(f *os.File) (restore func()) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.GetState(fd)
	if err != nil {
		return func() {}
	}
	return func() { _ = term.Restore(fd, state) }
}
