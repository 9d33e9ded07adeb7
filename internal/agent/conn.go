// ABOUTME: Newline-delimited JSON-RPC transport over an agent process's stdio.
// ABOUTME: Routes replies to pending callers by id and inbound messages to a dispatcher.

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/2389/coven-sidecar/internal/rpc"
)

// maxLineSize bounds a single protocol line from the agent.
const maxLineSize = 4 << 20

// wireMessage is any line the agent can write: a reply or an inbound call.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.Error      `json:"error,omitempty"`
}

type processConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	inbound *rpc.Dispatcher
	logger  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *wireMessage
	err     error

	done     chan struct{}
	failOnce sync.Once
}

func newProcessConn(cmd *exec.Cmd, stdin io.WriteCloser, inbound *rpc.Dispatcher, logger *slog.Logger) *processConn {
	return &processConn{
		cmd:     cmd,
		stdin:   stdin,
		inbound: inbound,
		logger:  logger,
		pending: make(map[int64]chan *wireMessage),
		done:    make(chan struct{}),
	}
}

func (c *processConn) isDead() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fail marks the connection dead and releases every pending caller.
func (c *processConn) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		if err == nil {
			c.err = ErrAgentExited
		} else {
			c.err = fmt.Errorf("%w: %v", ErrAgentExited, err)
		}
		c.pending = make(map[int64]chan *wireMessage)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *processConn) exitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrAgentExited
	}
	return c.err
}

func (c *processConn) kill() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

func (c *processConn) write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to agent: %w", err)
	}
	return nil
}

// call sends a request and waits for its reply. out may be nil.
func (c *processConn) call(ctx context.Context, method string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		raw = b
	}

	c.mu.Lock()
	if c.isDead() {
		c.mu.Unlock()
		return c.exitErr()
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *wireMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := rpc.Request{
		JSONRPC: rpc.Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}
	if err := c.write(req); err != nil {
		return err
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return c.exitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop consumes stdout until EOF and returns the read error, if any. A
// line longer than maxLineSize is a read error. Inbound messages are
// dispatched in order, so events sent before a reply reach their sink before
// the caller sees that reply.
func (c *processConn) readLoop(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("ignoring malformed line from agent", "error", err)
			continue
		}

		if msg.Method != "" {
			resp := c.inbound.Dispatch(context.Background(), line)
			if resp != nil {
				if err := c.write(resp); err != nil {
					c.logger.Warn("failed to answer agent request", "method", msg.Method, "error", err)
				}
			}
			continue
		}

		c.deliver(&msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading agent stdout: %w", err)
	}
	return nil
}

func (c *processConn) deliver(msg *wireMessage) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		c.logger.Warn("reply with unexpected id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("reply for unknown request", "id", id)
		return
	}
	select {
	case ch <- msg:
	default:
		c.logger.Warn("duplicate reply for request", "id", id)
	}
}

// logStderr forwards the agent's stderr to the sidecar log.
func (c *processConn) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		c.logger.Debug("agent stderr", "line", scanner.Text())
	}
}
