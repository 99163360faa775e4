// Package toolexec runs the external tools convoy treats as opaque collaborators
// (build procedure, version/plan/publish tooling) and captures their output.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// maxOutputSize is the maximum number of bytes kept from stdout and stderr (10MB)
const maxOutputSize = 10 * 1024 * 1024

// Command describes one invocation.
type Command struct {
	Args  []string // Args[0] is the program
	Dir   string
	Env   []string // Appended to the current process environment
	Stdin io.Reader
	// Stream, when set, additionally receives combined output as it is produced.
	Stream io.Writer
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExitError reports a non-zero exit.
type ExitError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Args[0], e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + Truncate(s, 500)
	}
	return msg
}

// Run executes the command and waits for it. Cancelling ctx kills the process.
// A non-zero exit returns the Result together with an *ExitError.
func Run(ctx context.Context, c Command) (Result, error) {
	if len(c.Args) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("command array is empty")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = c.Stdin

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	var stdout, stderr io.Writer = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}, &limitedWriter{w: stderrBuf, limit: maxOutputSize}
	if c.Stream != nil {
		stream := &syncWriter{w: c.Stream}
		stdout = io.MultiWriter(stdout, stream)
		stderr = io.MultiWriter(stderr, stream)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Args: c.Args, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		res.ExitCode = -1
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s interrupted: %w", c.Args[0], context.Cause(ctx))
		}
		return res, fmt.Errorf("failed to run %s: %w", c.Args[0], err)
	}

	return res, nil
}

// Expand substitutes {name} placeholders in every argument.
func Expand(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// syncWriter serializes writes; os/exec copies stdout and stderr on
// separate goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// limitedWriter wraps a writer and enforces a size limit.
// Writes beyond the limit are discarded silently.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err // Return len(p) to satisfy the writer interface
}

// Truncate limits a string to maxLen characters, appending "..." if truncated
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
