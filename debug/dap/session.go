package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/go-dap"

	"github.com/xhd2015/coroutine-mcp/debug/agent"
	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/log"
)

// EvaluateContext marks evaluate requests that carry agent calls. The
// adapter extension answers them with a JSON reply instead of evaluating
// the expression as code.
const EvaluateContext = "coroutine-agent"

// evalCall is the expression of an agent evaluate request
type evalCall struct {
	Method agent.Method `json:"method"`
	Params interface{}  `json:"params"`
}

// evalReply is the result of an agent evaluate request
type evalReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *agent.Error    `json:"error,omitempty"`
}

type Options struct {
	// AttachArgs are passed verbatim as the attach request arguments
	AttachArgs map[string]interface{}
	Timeout    time.Duration
	Logger     log.Logger
}

// Session represents a DAP debug session. Stopped events start a new
// suspension; continued, exited and terminated events end it.
type Session struct {
	id     string
	addr   string
	client *Client
	guard  *common.SuspendGuard
	proc   *agent.Process
	logger log.Logger

	mu sync.Mutex
	// thread reported by the last stopped event, 0 when unknown
	stoppedThread int
	// frame used as evaluation context, valid for frameEpoch
	frameID    int
	frameEpoch uint64
}

var (
	_ common.Session = (*Session)(nil)
	_ agent.Caller   = (*Session)(nil)
)

// Dial connects to the adapter at addr and attaches. The target is assumed
// suspended at attach.
func Dial(ctx context.Context, id string, addr string, opts Options) (*Session, error) {
	conn, err := Connect(ctx, addr, opts.Timeout)
	if err != nil {
		return nil, err
	}
	s, err := Attach(ctx, id, addr, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Attach runs the DAP handshake over conn
func Attach(ctx context.Context, id string, addr string, conn net.Conn, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	s := &Session{
		id:     id,
		addr:   addr,
		guard:  common.NewSuspendGuard(),
		logger: logger.WithField("session", id),
	}
	s.client = NewClient(conn, s.handleEvent, s.logger, opts.Timeout)
	s.proc = agent.NewProcess(s, s.guard)

	if _, err := s.client.initialize(ctx); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to initialize debug adapter: %w", err)
	}
	if err := s.client.attach(ctx, opts.AttachArgs); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to attach: %w", err)
	}
	if err := s.client.configurationDone(ctx); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to finish configuration: %w", err)
	}
	s.logger.Debugf("attached to debug adapter at %s", addr)
	return s, nil
}

func (s *Session) handleEvent(event dap.EventMessage) {
	switch e := event.(type) {
	case *dap.StoppedEvent:
		s.logger.Debugf("stopped: reason=%s, threadId=%d", e.Body.Reason, e.Body.ThreadId)
		s.mu.Lock()
		s.stoppedThread = e.Body.ThreadId
		s.mu.Unlock()
		s.guard.Suspended()
	case *dap.ContinuedEvent:
		s.logger.Debugf("continued: threadId=%d", e.Body.ThreadId)
		s.guard.Resumed()
	case *dap.ExitedEvent, *dap.TerminatedEvent:
		s.logger.Debugf("target ended: %T", event)
		s.guard.Resumed()
	}
}

// GetID returns the session ID
func (s *Session) GetID() string {
	return s.id
}

func (s *Session) Addr() string {
	return s.addr
}

func (s *Session) Process() common.Process {
	return s.proc
}

func (s *Session) Guard() *common.SuspendGuard {
	return s.guard
}

// Sync is a no-op: the guard follows adapter events
func (s *Session) Sync(ctx context.Context) error {
	return nil
}

// Call sends an agent call as an evaluate request in the top frame of the
// stopped thread
func (s *Session) Call(ctx context.Context, method agent.Method, params interface{}, out interface{}) error {
	frameID, err := s.evalFrame(ctx)
	if err != nil {
		return err
	}
	expr, err := json.Marshal(evalCall{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal %s call: %w", method, err)
	}
	result, err := s.client.evaluate(ctx, frameID, string(expr), EvaluateContext)
	if err != nil {
		return err
	}
	var reply evalReply
	if err := json.Unmarshal([]byte(result), &reply); err != nil {
		return fmt.Errorf("failed to parse %s reply: %w", method, err)
	}
	if reply.Error != nil {
		return reply.Error
	}
	if out == nil || len(reply.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// evalFrame resolves the evaluation frame once per suspension
func (s *Session) evalFrame(ctx context.Context) (int, error) {
	epoch := s.guard.Current().Epoch
	s.mu.Lock()
	if s.frameEpoch == epoch && s.frameID != 0 {
		id := s.frameID
		s.mu.Unlock()
		return id, nil
	}
	thread := s.stoppedThread
	s.mu.Unlock()

	if thread == 0 {
		threads, err := s.client.threads(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list threads: %w", err)
		}
		if len(threads) == 0 {
			return 0, fmt.Errorf("target has no threads")
		}
		thread = threads[0].Id
	}
	frameID, err := s.client.topFrame(ctx, thread)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve evaluation frame: %w", err)
	}
	s.mu.Lock()
	s.frameID = frameID
	s.frameEpoch = epoch
	s.mu.Unlock()
	return frameID, nil
}

// Close disconnects from the adapter, leaving the target running as it was
func (s *Session) Close() error {
	s.guard.Resumed()
	if !s.client.IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.client.disconnect(ctx); err != nil {
			s.logger.Debugf("disconnect: %v", err)
		}
		cancel()
	}
	return s.client.Close()
}
