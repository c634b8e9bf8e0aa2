package signalrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// pipeProcess creates a Process wired to in-memory pipes instead of a
// real subprocess. The returned writer feeds the process's reader
// (the subprocess's stdout); the returned reader receives what the
// process writes to the subprocess's stdin.
func pipeProcess(t *testing.T, onEnvelope EnvelopeFunc, onError ErrorFunc) (*Process, io.Writer, io.Reader) {
	t.Helper()

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()

	p := &Process{
		command:        "fake",
		requestTimeout: 5 * time.Second,
		logger:         slog.Default(),
		onEnvelope:     onEnvelope,
		onError:        onError,
		stdin:          inW,
		reader:         bufio.NewReaderSize(outR, 1<<20),
		pending:        make(map[int64]chan rpcResponse),
		done:           make(chan struct{}),
		waitErr:        make(chan error, 1),
		started:        true,
	}

	go p.readLoop()

	t.Cleanup(func() {
		outW.Close()
		inW.Close()
	})

	return p, outW, inR
}

func TestProcess_ReceiveNotification(t *testing.T) {
	envelopes := make(chan *Envelope, 1)
	_, stdout, _ := pipeProcess(t, func(e *Envelope) { envelopes <- e }, nil)

	notif := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"source":"+15551234567","sourceName":"Alice","timestamp":1631458508784,"dataMessage":{"timestamp":1631458508784,"message":"Hello!"}}}}` + "\n"
	if _, err := io.WriteString(stdout, notif); err != nil {
		t.Fatalf("write notification: %v", err)
	}

	select {
	case env := <-envelopes:
		if env.Source != "+15551234567" {
			t.Errorf("source = %q, want +15551234567", env.Source)
		}
		if env.DataMessage == nil || env.DataMessage.Message != "Hello!" {
			t.Errorf("dataMessage = %+v, want Hello!", env.DataMessage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestProcess_RequestResponse(t *testing.T) {
	p, stdout, stdin := pipeProcess(t, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reader := bufio.NewReader(stdin)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if req.Method != "send" {
			t.Errorf("method = %q, want send", req.Method)
		}

		resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"timestamp":1631458509000}}`, req.ID) + "\n"
		if _, err := io.WriteString(stdout, resp); err != nil {
			t.Errorf("write response: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := p.Request(ctx, "send", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var res sendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Timestamp != 1631458509000 {
		t.Errorf("timestamp = %d, want 1631458509000", res.Timestamp)
	}

	wg.Wait()
}

func TestProcess_RPCError(t *testing.T) {
	p, stdout, stdin := pipeProcess(t, nil, nil)

	go func() {
		reader := bufio.NewReader(stdin)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req rpcRequest
		json.Unmarshal(line, &req)
		resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"Invalid params"}}`, req.ID) + "\n"
		io.WriteString(stdout, resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Request(ctx, "send", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32602 {
		t.Errorf("code = %d, want -32602", rpcErr.Code)
	}
}

func TestProcess_NonJSONLinesDiscarded(t *testing.T) {
	envelopes := make(chan *Envelope, 1)
	_, stdout, _ := pipeProcess(t, func(e *Envelope) { envelopes <- e }, nil)

	garbage := "WARN signal-cli something happened\n"
	notif := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"source":"+15550000001","timestamp":1,"dataMessage":{"timestamp":1,"message":"after garbage"}}}}` + "\n"

	if _, err := io.WriteString(stdout, garbage+notif); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case env := <-envelopes:
		if env.DataMessage.Message != "after garbage" {
			t.Errorf("message = %q, want %q", env.DataMessage.Message, "after garbage")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope after garbage line never arrived")
	}
}

func TestProcess_ExitRejectsPending(t *testing.T) {
	errs := make(chan error, 1)
	p, stdout, stdin := pipeProcess(t, nil, func(err error) { errs <- err })

	// Hold the request open, then kill stdout without responding.
	go func() {
		reader := bufio.NewReader(stdin)
		reader.ReadBytes('\n')
		stdout.(io.Closer).Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Request(ctx, "send", nil)
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("err = %v, want ErrTerminated", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrTerminated) {
			t.Errorf("onError got %v, want ErrTerminated", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onError never fired")
	}

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("done not closed after exit")
	}
}

func TestProcess_RequestBeforeStart(t *testing.T) {
	p := NewProcess(ProcessConfig{}, nil, nil)

	_, err := p.Request(context.Background(), "send", nil)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestProcess_RequestTimeout(t *testing.T) {
	p, _, stdin := pipeProcess(t, nil, nil)
	p.requestTimeout = 50 * time.Millisecond

	// Swallow the request and never respond.
	go func() {
		reader := bufio.NewReader(stdin)
		reader.ReadBytes('\n')
	}()

	_, err := p.Request(context.Background(), "send", nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}

	// The pending entry must be cleaned up.
	p.mu.Lock()
	n := len(p.pending)
	p.mu.Unlock()
	if n != 0 {
		t.Errorf("pending map has %d entries after timeout, want 0", n)
	}
}

func TestProcess_ContextCancellation(t *testing.T) {
	p, _, stdin := pipeProcess(t, nil, nil)

	go func() {
		reader := bufio.NewReader(stdin)
		reader.ReadBytes('\n')
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Request(ctx, "send", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestProcess_StopNeverStarted(t *testing.T) {
	p := NewProcess(ProcessConfig{}, nil, nil)
	if err := p.Stop(); err != nil {
		t.Errorf("Stop on never-started process = %v, want nil", err)
	}
}
