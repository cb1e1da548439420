package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/xhd2015/coroutine-mcp/debug/agent"
	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/log"
)

// Session represents a headless debug session: one agent connection and
// the suspension state observed through it
type Session struct {
	id     string
	Client *Client
	addr   string
	guard  *common.SuspendGuard
	proc   *agent.Process
	logger log.Logger
}

var _ common.Session = (*Session)(nil)

// Dial connects to the agent at addr and reads the suspension state of the
// target
func Dial(ctx context.Context, id string, addr string, logger log.Logger, timeout time.Duration) (*Session, error) {
	if logger == nil {
		logger = log.Discard()
	}
	client := NewClient(logger, timeout)
	if err := client.Connect(ctx, addr); err != nil {
		return nil, err
	}
	s := newSession(id, addr, client, logger)
	if err := s.Sync(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read target state: %w", err)
	}
	return s, nil
}

func newSession(id string, addr string, client *Client, logger log.Logger) *Session {
	guard := common.NewSuspendGuard()
	return &Session{
		id:     id,
		Client: client,
		addr:   addr,
		guard:  guard,
		proc:   agent.NewProcess(client, guard),
		logger: logger,
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

// Sync asks the agent whether the target is suspended. A target found
// suspended after it was seen running, or found in a later suspension than
// the last one seen, starts a new suspension.
func (s *Session) Sync(ctx context.Context) error {
	var out agent.StateOut
	if err := s.Client.Call(ctx, agent.MethodState, agent.StateIn{}, &out); err != nil {
		return err
	}
	s.guard.Observe(out.Suspended, out.Epoch)
	s.Client.SetEpoch(out.Epoch)
	s.logger.WithField("session", s.id).Debugf("target suspended: %v, epoch: %d", out.Suspended, out.Epoch)
	return nil
}

// Close closes the agent connection. The target keeps running as it was.
func (s *Session) Close() error {
	s.guard.Resumed()
	return s.Client.Close()
}
