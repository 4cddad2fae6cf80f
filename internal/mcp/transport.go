package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Transport carries newline-delimited JSON-RPC messages.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

var errTransportClosed = errors.New("transport closed")

// StreamTransport speaks over an arbitrary reader/writer pair.
type StreamTransport struct {
	mu      sync.Mutex
	w       io.WriteCloser
	r       *bufio.Reader
	closed  bool
	onClose func() error
}

func NewStreamTransport(r io.Reader, w io.WriteCloser) *StreamTransport {
	return &StreamTransport{w: w, r: bufio.NewReader(r)}
}

func (t *StreamTransport) Send(_ context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	line := append(append([]byte{}, msg...), '\n')
	if _, err := t.w.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Receive blocks for the next line. A cancelled ctx abandons the read; the
// reader goroutine ends when the peer closes the stream.
func (t *StreamTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.r.ReadBytes('\n')
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return json.RawMessage(res.msg), nil
	}
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	err := t.w.Close()
	if t.onClose != nil {
		if cerr := t.onClose(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// NewStdioTransport starts command and talks to it over its stdio.
func NewStdioTransport(ctx context.Context, command string, args []string, env []string) (*StreamTransport, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command %q: %w", command, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Debug("mcp stderr", "server", command, "msg", scanner.Text())
		}
	}()

	t := NewStreamTransport(stdout, stdin)
	t.onClose = func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		return nil
	}
	return t, nil
}
