package headless

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

	"github.com/xhd2015/coroutine-mcp/debug/agent"
	"github.com/xhd2015/coroutine-mcp/log"
)

// Simplified request structure for JSON-RPC
type jsonRPCRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	Id     int           `json:"id"`
	// Epoch is the target suspension the call belongs to, 0 for none
	Epoch uint64 `json:"epoch,omitempty"`
}

// Simplified response structure for JSON-RPC
type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *agent.Error    `json:"error,omitempty"`
	Id     int             `json:"id"`
}

// DefaultRequestTimeout bounds a request whose context has no deadline
const DefaultRequestTimeout = 10 * time.Second

// Client talks to the debug agent of a JVM over a line-delimited JSON-RPC
// connection. Requests are serialized: one request is in flight at a time.
type Client struct {
	conn     net.Conn
	reader   *bufio.Reader
	seq      int
	isClosed bool
	addr     string // Store the server address for reconnection
	epoch    uint64
	mutex    sync.Mutex

	timeout time.Duration
	logger  log.Logger
}

var _ agent.Caller = (*Client)(nil)

// NewClient creates a new headless client
func NewClient(logger log.Logger, timeout time.Duration) *Client {
	if logger == nil {
		logger = log.Discard()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		seq:     1,
		timeout: timeout,
		logger:  logger,
	}
}

// Connect connects to the agent listening on addr
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.addr = addr
	if err := c.dialLocked(ctx); err != nil {
		return err
	}
	c.logger.Debugf("connected to debug agent at %s", addr)
	return nil
}

func (c *Client) dialLocked(ctx context.Context) error {
	var d net.Dialer
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := d.DialContext(timeoutCtx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to debug agent: %w", err)
	}
	c.attachLocked(conn)
	return nil
}

func (c *Client) attachLocked(conn net.Conn) {
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.isClosed = false
}

// Close closes the connection to the agent
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.isClosed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsClosed returns whether the client is closed
func (c *Client) IsClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.isClosed
}

// SetEpoch binds later calls to a target suspension. The agent rejects
// them once the target has left it.
func (c *Client) SetEpoch(epoch uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.epoch = epoch
}

// Call sends an agent call and decodes its result into out
func (c *Client) Call(ctx context.Context, method agent.Method, params interface{}, out interface{}) error {
	raw, err := sendRequest[json.RawMessage](ctx, c, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

func sendRequest[T any](ctx context.Context, c *Client, method agent.Method, params interface{}) (T, error) {
	var result T
	if err := ctx.Err(); err != nil {
		return result, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.isClosed {
		return result, fmt.Errorf("client is closed")
	}
	if c.conn == nil {
		return result, fmt.Errorf("connection to debug agent not established")
	}

	seqNum := c.seq
	c.seq++
	req := jsonRPCRequest{
		Method: string(method),
		Params: []interface{}{params},
		Id:     seqNum,
		Epoch:  c.epoch,
	}
	requestBytes, err := json.Marshal(req)
	if err != nil {
		return result, fmt.Errorf("failed to marshal request: %w", err)
	}
	c.logger.Debugf("sending request to agent: %s", requestBytes)
	requestBytes = append(requestBytes, '\n')

	line, err := c.roundTripLocked(ctx, requestBytes)
	if isDisconnect(err) && c.addr != "" {
		// the agent keeps object ids across connections, so one retry
		// on a fresh connection is safe
		c.logger.Warnf("connection to debug agent lost, reconnecting to %s: %v", c.addr, err)
		if reconnErr := c.reconnectLocked(ctx); reconnErr != nil {
			return result, fmt.Errorf("connection failed and reconnect also failed: %w", reconnErr)
		}
		line, err = c.roundTripLocked(ctx, requestBytes)
	}
	if err != nil {
		return result, err
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return result, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Id != seqNum {
		return result, fmt.Errorf("response ID %d does not match request ID %d", resp.Id, seqNum)
	}
	if resp.Error != nil {
		return result, resp.Error
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// roundTripLocked writes one request line and reads one response line
// within the request deadline
func (c *Client) roundTripLocked(ctx context.Context, request []byte) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(request); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return line, nil
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// reconnectLocked attempts to reconnect to the agent
// Caller must hold the mutex lock
func (c *Client) reconnectLocked(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
	return c.dialLocked(ctx)
}
