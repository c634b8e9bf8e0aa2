// Package signalrpc implements the Signal backend by driving a
// signal-cli subprocess in jsonRpc mode: line-delimited JSON-RPC 2.0
// over stdin/stdout. The Process type owns the subprocess lifecycle
// and request correlation; Adapter (adapter.go) translates the unified
// chat contract onto it.
package signalrpc

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
	"sync/atomic"
	"syscall"
	"time"
)

// Process lifecycle errors.
var (
	// ErrAlreadyStarted is returned by Start when the subprocess is
	// already running.
	ErrAlreadyStarted = errors.New("signal-cli already started")

	// ErrNotRunning is returned by Request before Start or after the
	// subprocess exited.
	ErrNotRunning = errors.New("signal-cli not running")

	// ErrTerminated rejects pending requests when the subprocess
	// exits underneath them.
	ErrTerminated = errors.New("signal-cli terminated")

	// ErrRequestTimeout is returned when a request receives no
	// response within the configured budget.
	ErrRequestTimeout = errors.New("signal-cli request timeout")
)

// RPCError is a JSON-RPC 2.0 error object returned by signal-cli.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

// rpcResponse pairs a raw JSON result with an optional error for
// delivery through the pending channel.
type rpcResponse struct {
	Result json.RawMessage
	Error  error
}

// rpcRequest is a JSON-RPC 2.0 request written to signal-cli's stdin.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcRaw is used to inspect incoming JSON lines from signal-cli to
// determine whether they are responses (have an id) or notifications
// (have a method).
type rpcRaw struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"` // nil for notifications
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// EnvelopeFunc receives unsolicited receive notifications.
type EnvelopeFunc func(*Envelope)

// ErrorFunc receives background process failures (read errors,
// unexpected exit).
type ErrorFunc func(error)

// ProcessConfig configures the subprocess manager.
type ProcessConfig struct {
	// Command is the signal-cli binary. Default "signal-cli".
	Command string
	// Args are passed verbatim; the caller supplies the account and
	// jsonRpc subcommand.
	Args []string
	// RequestTimeout bounds each Request. Default 30s.
	RequestTimeout time.Duration
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Process manages a signal-cli subprocess: request/response
// correlation via a pending map keyed by monotonically increasing ids,
// and dispatch of unsolicited envelopes to a callback. Non-JSON lines
// on stdout are discarded.
type Process struct {
	command        string
	args           []string
	requestTimeout time.Duration
	logger         *slog.Logger

	onEnvelope EnvelopeFunc
	onError    ErrorFunc

	nextID  atomic.Int64
	mu      sync.Mutex // protects pending, started, stdin writes
	started bool
	pending map[int64]chan rpcResponse

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	reader  *bufio.Reader
	done    chan struct{} // closed when the read loop exits
	waitErr chan error    // receives cmd.Wait result (exactly once)
}

// NewProcess creates a process manager. Callbacks may be nil.
func NewProcess(cfg ProcessConfig, onEnvelope EnvelopeFunc, onError ErrorFunc) *Process {
	if cfg.Command == "" {
		cfg.Command = "signal-cli"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Process{
		command:        cfg.Command,
		args:           cfg.Args,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
		onEnvelope:     onEnvelope,
		onError:        onError,
		pending:        make(map[int64]chan rpcResponse),
		done:           make(chan struct{}),
		waitErr:        make(chan error, 1),
	}
}

// Start launches the subprocess and begins reading notifications.
// Fails with ErrAlreadyStarted on a second call.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("starting signal-cli subprocess",
		"command", p.command,
		"args", p.args,
	)

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return fmt.Errorf("start signal-cli: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.reader = bufio.NewReaderSize(stdout, 1<<20) // 1 MiB

	go p.drainStderr(stderrPipe)
	go p.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			p.logger.Error("signal-cli subprocess exited with error", "error", err)
		} else {
			p.logger.Info("signal-cli subprocess exited")
		}
		p.waitErr <- err
	}()

	p.logger.Info("signal-cli subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// Running reports whether the subprocess is live.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Request sends a JSON-RPC request and waits for its response, the
// per-request timeout, ctx cancellation, or process exit — whichever
// comes first.
func (p *Process) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := p.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	p.mu.Lock()
	if !p.started || p.stdin == nil {
		p.mu.Unlock()
		return nil, ErrNotRunning
	}
	p.pending[id] = ch

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("write to signal-cli stdin: %w", err)
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		p.removePending(id)
		return nil, ctx.Err()
	case <-timer.C:
		p.removePending(id)
		return nil, fmt.Errorf("%s after %s: %w", method, p.requestTimeout, ErrRequestTimeout)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Stop shuts down the subprocess gracefully: SIGTERM, then a kill
// after a grace period. Resolves when the child has exited. Safe to
// call when never started.
func (p *Process) Stop() error {
	p.mu.Lock()
	started := p.started
	p.started = false
	p.mu.Unlock()

	if !started || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	p.logger.Info("stopping signal-cli subprocess", "pid", p.cmd.Process.Pid)

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("signal-cli SIGTERM failed", "error", err)
	}
	if p.stdin != nil {
		p.stdin.Close()
	}

	select {
	case err := <-p.waitErr:
		return err
	case <-time.After(5 * time.Second):
		p.logger.Warn("signal-cli did not exit gracefully, killing",
			"pid", p.cmd.Process.Pid,
		)
		_ = p.cmd.Process.Kill()
		<-p.waitErr
		return nil
	}
}

func (p *Process) removePending(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// readLoop reads newline-delimited JSON from the subprocess stdout,
// routing responses to their pending channels and receive
// notifications to the envelope callback. On EOF or a read error, all
// pending requests are rejected with ErrTerminated and the error
// callback fires.
func (p *Process) readLoop() {
	defer close(p.done)

	for {
		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				p.logger.Error("signal-cli read error", "error", err)
			}

			p.mu.Lock()
			pending := p.pending
			p.pending = make(map[int64]chan rpcResponse)
			intentional := !p.started
			p.mu.Unlock()

			for _, ch := range pending {
				ch <- rpcResponse{Error: ErrTerminated}
			}
			if !intentional && p.onError != nil {
				p.onError(fmt.Errorf("signal-cli exited: %w", ErrTerminated))
			}
			return
		}

		var raw rpcRaw
		if err := json.Unmarshal(line, &raw); err != nil {
			p.logger.Debug("signal-cli non-JSON line", "line", string(line))
			continue
		}

		// Response (has ID) — route to pending channel.
		if raw.ID != nil {
			p.mu.Lock()
			ch, ok := p.pending[*raw.ID]
			if ok {
				delete(p.pending, *raw.ID)
			}
			p.mu.Unlock()

			if ok {
				resp := rpcResponse{Result: raw.Result}
				if raw.Error != nil {
					resp.Error = raw.Error
				}
				ch <- resp
			} else {
				p.logger.Debug("signal-cli response for unknown ID", "id", *raw.ID)
			}
			continue
		}

		// Notification — parse and dispatch.
		if raw.Method == "receive" {
			var notif receiveNotification
			if err := json.Unmarshal(raw.Params, &notif); err != nil {
				p.logger.Warn("signal-cli malformed receive notification",
					"error", err,
					"params", string(raw.Params),
				)
				continue
			}
			if p.onEnvelope != nil {
				p.onEnvelope(&notif.Envelope)
			}
			continue
		}

		p.logger.Debug("signal-cli unknown notification", "method", raw.Method)
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("signal-cli stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("signal-cli stderr scan error", "error", err)
	}
}
