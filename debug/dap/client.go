package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/go-dap"

	"github.com/xhd2015/coroutine-mcp/log"
)

// DefaultRequestTimeout bounds a request whose context has no deadline
const DefaultRequestTimeout = 10 * time.Second

var errClosed = errors.New("dap client is closed")

// Client represents a DAP client that communicates with a Java debug adapter.
// Responses are matched to requests by sequence number; events go to the
// event handler on the read goroutine.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	mu       sync.Mutex
	seq      int
	pending  map[int]chan dap.ResponseMessage
	isClosed bool
	readErr  error

	onEvent func(dap.EventMessage)
	timeout time.Duration
	logger  log.Logger
	done    chan struct{}
}

// NewClient creates a DAP client over an established connection and starts
// reading from it
func NewClient(conn net.Conn, onEvent func(dap.EventMessage), logger log.Logger, timeout time.Duration) *Client {
	if logger == nil {
		logger = log.Discard()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if onEvent == nil {
		onEvent = func(dap.EventMessage) {}
	}
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		seq:     1,
		pending: make(map[int]chan dap.ResponseMessage),
		onEvent: onEvent,
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.readEvents()
	return c
}

// Connect dials a DAP server
func Connect(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	var d net.Dialer
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.DialContext(timeoutCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DAP server: %w", err)
	}
	return conn, nil
}

// Close closes the connection to the DAP server
func (c *Client) Close() error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return nil
	}
	c.isClosed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

// IsClosed returns whether the client is closed
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}

// Send sends req and waits for its response. A response with success set
// to false is returned as an error.
func (c *Client) Send(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	ch, seq, err := c.register(req)
	if err != nil {
		return nil, err
	}
	defer c.unregister(seq)

	c.writeMu.Lock()
	err = dap.WriteProtocolMessage(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", req.GetRequest().Command, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		r := resp.GetResponse()
		if !r.Success {
			return nil, responseError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s request timed out after %v", req.GetRequest().Command, c.timeout)
	}
}

func (c *Client) register(req dap.RequestMessage) (chan dap.ResponseMessage, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return nil, 0, errClosed
	}
	if c.readErr != nil {
		return nil, 0, c.readErr
	}
	seq := c.seq
	c.seq++
	r := req.GetRequest()
	r.Seq = seq
	r.Type = "request"
	ch := make(chan dap.ResponseMessage, 1)
	c.pending[seq] = ch
	return ch, seq, nil
}

func (c *Client) unregister(seq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, seq)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return errClosed
}

// readEvents reads messages from the DAP server until the connection ends
func (c *Client) readEvents() {
	defer close(c.done)
	for {
		message, err := dap.ReadProtocolMessage(c.reader)
		if err != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) {
				// adapter specific messages are skipped
				c.logger.Debugf("skipping DAP message: %v", err)
				continue
			}
			c.fail(err)
			return
		}

		switch m := message.(type) {
		case dap.ResponseMessage:
			c.deliver(m)
		case dap.EventMessage:
			if out, ok := m.(*dap.OutputEvent); ok {
				c.logger.Debugf("DAP output: %s", out.Body.Output)
			}
			c.onEvent(m)
		default:
			c.logger.Debugf("DAP message received: %T", message)
		}
	}
}

func (c *Client) deliver(resp dap.ResponseMessage) {
	seq := resp.GetResponse().RequestSeq
	c.mu.Lock()
	ch, ok := c.pending[seq]
	c.mu.Unlock()
	if !ok {
		c.logger.Debugf("DAP response to unknown request %d", seq)
		return
	}
	ch <- resp
}

// fail ends every pending request
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = errClosed
	} else {
		c.logger.WithError(err).Warnf("DAP connection failed")
	}
	c.readErr = err
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

func responseError(resp dap.ResponseMessage) error {
	r := resp.GetResponse()
	if e, ok := resp.(*dap.ErrorResponse); ok && e.Body.Error != nil {
		return fmt.Errorf("%s failed: %s", r.Command, e.Body.Error.Format)
	}
	return fmt.Errorf("%s failed: %s", r.Command, r.Message)
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// initialize sends an initialize request to the DAP server
func (c *Client) initialize(ctx context.Context) (*dap.InitializeResponse, error) {
	req := &dap.InitializeRequest{
		Request: newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "coroutine-mcp",
			ClientName:      "coroutine-mcp",
			AdapterID:       "java",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
			PathFormat:      "path",
		},
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return asResponse[*dap.InitializeResponse](resp)
}

// attach sends an attach request with adapter specific arguments
func (c *Client) attach(ctx context.Context, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal attach arguments: %w", err)
	}
	_, err = c.Send(ctx, &dap.AttachRequest{Request: newRequest("attach"), Arguments: raw})
	return err
}

func (c *Client) configurationDone(ctx context.Context) error {
	_, err := c.Send(ctx, &dap.ConfigurationDoneRequest{Request: newRequest("configurationDone")})
	return err
}

func (c *Client) threads(ctx context.Context) ([]dap.Thread, error) {
	resp, err := c.Send(ctx, &dap.ThreadsRequest{Request: newRequest("threads")})
	if err != nil {
		return nil, err
	}
	threads, err := asResponse[*dap.ThreadsResponse](resp)
	if err != nil {
		return nil, err
	}
	return threads.Body.Threads, nil
}

// topFrame returns the id of the innermost frame of a thread
func (c *Client) topFrame(ctx context.Context, threadID int) (int, error) {
	resp, err := c.Send(ctx, &dap.StackTraceRequest{
		Request:   newRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: threadID, Levels: 1},
	})
	if err != nil {
		return 0, err
	}
	st, err := asResponse[*dap.StackTraceResponse](resp)
	if err != nil {
		return 0, err
	}
	if len(st.Body.StackFrames) == 0 {
		return 0, fmt.Errorf("thread %d has no frames", threadID)
	}
	return st.Body.StackFrames[0].Id, nil
}

func (c *Client) evaluate(ctx context.Context, frameID int, expression string, evalContext string) (string, error) {
	resp, err := c.Send(ctx, &dap.EvaluateRequest{
		Request: newRequest("evaluate"),
		Arguments: dap.EvaluateArguments{
			Expression: expression,
			FrameId:    frameID,
			Context:    evalContext,
		},
	})
	if err != nil {
		return "", err
	}
	eval, err := asResponse[*dap.EvaluateResponse](resp)
	if err != nil {
		return "", err
	}
	return eval.Body.Result, nil
}

func (c *Client) disconnect(ctx context.Context) error {
	_, err := c.Send(ctx, &dap.DisconnectRequest{Request: newRequest("disconnect")})
	return err
}

func asResponse[T dap.ResponseMessage](resp dap.ResponseMessage) (T, error) {
	typed, ok := resp.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected %s response type %T", resp.GetResponse().Command, resp)
	}
	return typed, nil
}
