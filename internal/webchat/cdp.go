// Package webchat implements the browser-automation backend: a
// DevTools-protocol client over WebSocket, a CSS selector map, a DOM
// scraper for polled message lists, and the adapter that drives a
// logged-in web client like a person at a keyboard.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// CDPError is an error object returned by the DevTools protocol.
type CDPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CDPError) Error() string {
	return fmt.Sprintf("devtools error %d: %s", e.Code, e.Message)
}

// CDPEvent is an unsolicited protocol notification.
type CDPEvent struct {
	Method string
	Params json.RawMessage
}

// cdpMessage is the generic protocol frame. Responses carry an ID,
// events carry a Method.
type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CDPError       `json:"error,omitempty"`
}

type cdpResponse struct {
	Result json.RawMessage
	Err    *CDPError
}

// DevToolsClient speaks the DevTools protocol to a running browser over
// its debugger WebSocket.
type DevToolsClient struct {
	url       string
	proxyAddr string
	conn      *websocket.Conn
	connMu    sync.Mutex
	msgID     atomic.Int64

	// Response channels keyed by message ID
	pending   map[int64]chan cdpResponse
	pendingMu sync.Mutex

	events chan CDPEvent
	logger *slog.Logger
}

// NewDevToolsClient creates a client for the given debugger WebSocket
// URL. proxyAddr, when non-empty, is a SOCKS5 host:port the connection
// is dialed through.
func NewDevToolsClient(wsURL, proxyAddr string, logger *slog.Logger) *DevToolsClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &DevToolsClient{
		url:       wsURL,
		proxyAddr: proxyAddr,
		pending:   make(map[int64]chan cdpResponse),
		events:    make(chan CDPEvent, 100),
		logger:    logger,
	}
}

// Connect dials the debugger socket and starts the read loop.
func (c *DevToolsClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	if c.proxyAddr != "" {
		socks, err := proxy.SOCKS5("tcp", c.proxyAddr, nil, proxy.Direct)
		if err != nil {
			return fmt.Errorf("build socks5 dialer: %w", err)
		}
		if cd, ok := socks.(proxy.ContextDialer); ok {
			dialer.NetDialContext = cd.DialContext
		} else {
			dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return socks.Dial(network, addr)
			}
		}
	}

	c.logger.Info("connecting to browser debugger", "url", c.url)
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial debugger: %w", err)
	}
	// Full-page outerHTML snapshots can be large.
	conn.SetReadLimit(100 * 1024 * 1024)
	c.conn = conn

	go c.readLoop()
	return nil
}

// Close closes the debugger socket.
func (c *DevToolsClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Events returns the channel of unsolicited protocol notifications.
func (c *DevToolsClient) Events() <-chan CDPEvent {
	return c.events
}

// Call invokes a protocol method and decodes its result into out (out
// may be nil to discard).
func (c *DevToolsClient) Call(ctx context.Context, method string, params any, out any) error {
	id := c.msgID.Add(1)

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	respCh := make(chan cdpResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	err := c.conn.WriteJSON(cdpMessage{ID: id, Method: method, Params: raw})
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Err != nil {
			return resp.Err
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for %s response", method)
	}
}

// readLoop continuously reads protocol frames, resolving pending calls
// and fanning out events.
func (c *DevToolsClient) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		var msg cdpMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("debugger socket read error", "error", err)
			}
			c.rejectPending()
			return
		}

		switch {
		case msg.ID != 0:
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- cdpResponse{Result: msg.Result, Err: msg.Error}
			}
			c.pendingMu.Unlock()
		case msg.Method != "":
			select {
			case c.events <- CDPEvent{Method: msg.Method, Params: msg.Params}:
			default:
				c.logger.Warn("event channel full, dropping event", "method", msg.Method)
			}
		}
	}
}

func (c *DevToolsClient) rejectPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- cdpResponse{Err: &CDPError{Message: "connection closed"}}
		delete(c.pending, id)
	}
}

// Navigate loads a URL in the attached page.
func (c *DevToolsClient) Navigate(ctx context.Context, url string) error {
	return c.Call(ctx, "Page.navigate", map[string]any{"url": url}, nil)
}

// evalResult is the Runtime.evaluate response shape.
type evalResult struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

// Eval evaluates a JavaScript expression in the page and decodes its
// by-value result into out (out may be nil).
func (c *DevToolsClient) Eval(ctx context.Context, expr string, out any) error {
	var res evalResult
	params := map[string]any{"expression": expr, "returnByValue": true}
	if err := c.Call(ctx, "Runtime.evaluate", params, &res); err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("evaluate threw: %s", res.ExceptionDetails.Text)
	}
	if out != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, out); err != nil {
			return fmt.Errorf("decode evaluate value: %w", err)
		}
	}
	return nil
}

// InsertText types text into the focused element via the input domain,
// which pages cannot distinguish from keyboard entry.
func (c *DevToolsClient) InsertText(ctx context.Context, text string) error {
	return c.Call(ctx, "Input.insertText", map[string]any{"text": text}, nil)
}
