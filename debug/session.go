package debug

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/coroutines"
	"github.com/xhd2015/coroutine-mcp/debug/manager"
	"github.com/xhd2015/coroutine-mcp/log"
)

type Options struct {
	// Transport is used when CreateSession is given none
	Transport     string
	Timeout       time.Duration
	MaxChainDepth int
	Logger        log.Logger
	// Dialer replaces Dial, mainly for tests
	Dialer Dialer
}

// SessionManager manages coroutine debug sessions
type SessionManager struct {
	opts     Options
	sessions map[string]*Session
	mu       sync.Mutex
}

// NewSessionManager creates a new session manager
func NewSessionManager(opts Options) *SessionManager {
	if opts.Transport == "" {
		opts.Transport = TransportHeadless
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Dialer == nil {
		opts.Dialer = Dial
	}
	return &SessionManager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Session is an attached target with its own manager executor and probes
// proxy
type Session struct {
	common.Session
	transport string
	exec      *manager.Executor
	proxy     *coroutines.Proxy
	logger    log.Logger

	mu sync.Mutex
	// last is the most recent successful dump, kept for scope lookups
	last *coroutines.InfoCache
}

// CreateSession attaches to a suspended process reachable at addr
func (sm *SessionManager) CreateSession(ctx context.Context, transport string, addr string, attachArgs map[string]interface{}) (*common.SessionInfo, error) {
	if transport == "" {
		transport = sm.opts.Transport
	}
	if addr == "" {
		return nil, fmt.Errorf("requires addr")
	}
	sessionID := fmt.Sprintf("session-%s", uuid.New().String())
	logger := sm.opts.Logger.WithField("session", sessionID)

	remote, err := sm.opts.Dialer(ctx, transport, sessionID, addr, DialOptions{
		Timeout:    sm.opts.Timeout,
		Logger:     logger,
		AttachArgs: attachArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to %s over %s: %w", addr, transport, err)
	}

	var proxyOpts []coroutines.Option
	if sm.opts.MaxChainDepth > 0 {
		proxyOpts = append(proxyOpts, coroutines.WithMaxChainDepth(sm.opts.MaxChainDepth))
	}
	exec := manager.New()
	proxyOpts = append(proxyOpts, coroutines.WithExecutor(exec))
	session := &Session{
		Session:   remote,
		transport: transport,
		exec:      exec,
		proxy:     coroutines.NewProxy(remote.Process(), logger, proxyOpts...),
		logger:    logger,
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	logger.Infof("attached to %s over %s", addr, transport)
	return session.Info(), nil
}

// TerminateSession detaches from the process and releases the session
func (sm *SessionManager) TerminateSession(sessionID string) error {
	sm.mu.Lock()
	session, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return session.close()
}

// ListSessions returns the active sessions ordered by id
func (sm *SessionManager) ListSessions() []*common.SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	result := make([]*common.SessionInfo, 0, len(sm.sessions))
	for _, session := range sm.sessions {
		result = append(result, session.Info())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return session, nil
}

// Close terminates every session
func (sm *SessionManager) Close() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	for id, session := range sessions {
		if err := session.close(); err != nil {
			sm.opts.Logger.WithField("session", id).WithError(err).Warnf("close session")
		}
	}
}

func (s *Session) Transport() string {
	return s.transport
}

// Info describes the session
func (s *Session) Info() *common.SessionInfo {
	state := "running"
	if s.Guard().Current().Suspended {
		state = "suspended"
	}
	return &common.SessionInfo{
		ID:        s.GetID(),
		Transport: s.transport,
		Addr:      s.Addr(),
		State:     state,
	}
}

// Dump refreshes the suspension state and dumps the coroutines of the
// target on the manager executor. The text is rendered within the same
// suspension.
func (s *Session) Dump(ctx context.Context, frames bool) (*coroutines.InfoCache, string, error) {
	if err := s.Sync(ctx); err != nil {
		// the guard keeps its last known state
		s.logger.WithError(err).Debugf("sync suspension state")
	}
	var cache *coroutines.InfoCache
	var text string
	err := s.exec.Do(ctx, func(ctx context.Context) {
		cache = s.proxy.DumpCoroutines(ctx)
		text = coroutines.Format(ctx, cache, frames)
	})
	if err != nil {
		return nil, "", err
	}
	if cache.IsOk() {
		s.mu.Lock()
		s.last = cache
		s.mu.Unlock()
	}
	return cache, text, nil
}

// LastDump returns the most recent successful dump
func (s *Session) LastDump() (*coroutines.InfoCache, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.last != nil
}

// Scope looks up the scope of a coroutine of the last dump. ok is false
// when the coroutine has no recoverable scope; an error means the
// coroutine is unknown.
func (s *Session) Scope(ctx context.Context, coroutineID int64) (common.ObjectRef, bool, error) {
	last, ok := s.LastDump()
	if !ok {
		return common.ObjectRef{}, false, fmt.Errorf("no coroutine dump yet, dump coroutines first")
	}
	snapshot, ok := last.Find(coroutineID)
	if !ok {
		return common.ObjectRef{}, false, fmt.Errorf("coroutine %d not found in the last dump", coroutineID)
	}
	res, err := manager.Call(ctx, s.exec, func(ctx context.Context) (scopeResult, error) {
		scope, ok := s.proxy.Scope(ctx, snapshot)
		return scopeResult{scope, ok}, nil
	})
	if err != nil {
		return common.ObjectRef{}, false, err
	}
	return res.ref, res.ok, nil
}

type scopeResult struct {
	ref common.ObjectRef
	ok  bool
}

// MarkResumed records that a supervisor resumed the target
func (s *Session) MarkResumed() {
	s.Guard().Resumed()
}

// MarkSuspended records that a supervisor suspended the target again
func (s *Session) MarkSuspended() {
	s.Guard().Suspended()
}

func (s *Session) close() error {
	err := s.Session.Close()
	s.exec.Close()
	return err
}
