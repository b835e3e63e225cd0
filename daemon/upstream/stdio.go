package upstream

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"mcpr.dev/internal/jsonrpc"
)

// stdioTransport owns one long-lived child process speaking line-delimited
// JSON on its standard streams. Line framing cannot be demultiplexed, so
// requests are strictly serialized by the driver mutex: write one line,
// read one line. A dead or wedged child is discarded and respawned on the
// next call.
type stdioTransport struct {
	command string
	args    []string

	mu    sync.Mutex
	child *child
}

type child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	done   chan struct{}
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (t *stdioTransport) Call(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.ensureChild()
	if err != nil {
		return jsonrpc.Response{}, err
	}

	payload, err := jsonrpc.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, errors.Wrap(err, "encode request")
	}
	if _, err := c.stdin.Write(append(payload, '\n')); err != nil {
		t.discard()
		return jsonrpc.Response{}, errors.Wrap(err, "write to upstream")
	}

	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := c.stdout.ReadBytes('\n')
		ch <- readResult{line, err}
	}()

	select {
	case <-ctx.Done():
		// The response, if any, would land mid-stream for the next
		// caller; treat the child as broken and respawn next call.
		t.discard()
		return jsonrpc.Response{}, ctx.Err()
	case res := <-ch:
		if res.err != nil || len(res.line) == 0 {
			t.discard()
			if res.err == nil || errors.Is(res.err, io.EOF) {
				return jsonrpc.Response{}, errors.New("upstream closed stream")
			}
			return jsonrpc.Response{}, errors.Wrap(res.err, "read from upstream")
		}
		var resp jsonrpc.Response
		if err := jsonrpc.Unmarshal(res.line, &resp); err != nil {
			return jsonrpc.Response{}, errors.Wrap(err, "decode response")
		}
		return resp, nil
	}
}

// ensureChild returns a live child, spawning one if there is none or the
// previous child has exited. Callers hold the driver mutex.
func (t *stdioTransport) ensureChild() (*child, error) {
	if t.child != nil && !t.child.exited() {
		return t.child, nil
	}
	if t.child != nil {
		log.Warn().Str("command", t.command).Msg("stdio upstream exited unexpectedly; respawning")
		t.discard()
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Stderr = os.Stderr // stderr is the operator's problem, never parsed
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "spawn %s", t.command)
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	t.child = &child{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout), done: done}
	return t.child, nil
}

// discard drops the current child. Callers hold the driver mutex.
func (t *stdioTransport) discard() {
	if t.child == nil {
		return
	}
	t.child.stdin.Close()
	if !t.child.exited() && t.child.cmd.Process != nil {
		t.child.cmd.Process.Kill()
	}
	t.child = nil
}
