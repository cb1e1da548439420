package coroutines

import (
	"context"
	"fmt"
	"sync"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/continuation"
	"github.com/xhd2015/coroutine-mcp/debug/manager"
	"github.com/xhd2015/coroutine-mcp/debug/mirror"
	"github.com/xhd2015/coroutine-mcp/log"
)

// Proxy is the entry point of the engine for one debug session.
//
// The extraction strategy is probed once, on the first dump. A target
// without probes stays unavailable for the rest of the session and later
// dumps fail without touching it.
//
// A Proxy belongs to one manager executor: the one given by WithExecutor,
// or else the one of its first dump.
type Proxy struct {
	resolver *mirror.Resolver
	scopes   *ScopeExtractor
	logger   log.Logger
	maxDepth int

	mu   sync.Mutex
	exec *manager.Executor

	probed   bool
	strategy Strategy
}

type Option func(p *Proxy)

// WithExecutor binds the proxy to the manager executor of its session
func WithExecutor(e *manager.Executor) Option {
	return func(p *Proxy) {
		p.exec = e
	}
}

// WithMaxChainDepth bounds continuation walks
func WithMaxChainDepth(depth int) Option {
	return func(p *Proxy) {
		p.maxDepth = depth
	}
}

func NewProxy(proc common.Process, logger log.Logger, opts ...Option) *Proxy {
	if logger == nil {
		logger = log.Discard()
	}
	resolver := mirror.NewResolver(proc, logger)
	p := &Proxy{
		resolver: resolver,
		scopes:   NewScopeExtractor(resolver, logger),
		logger:   logger,
		maxDepth: continuation.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// assertOwner panics unless ctx belongs to a task of the proxy's executor
func (p *Proxy) assertOwner(ctx context.Context) {
	manager.AssertOnManagerThread(ctx)
	p.mu.Lock()
	if p.exec == nil {
		p.exec = manager.FromContext(ctx)
	}
	exec := p.exec
	p.mu.Unlock()
	manager.AssertOn(ctx, exec)
}

// Strategy returns the probed strategy; ok is false before the first dump
func (p *Proxy) Strategy() (Strategy, bool) {
	return p.strategy, p.probed
}

// DumpCoroutines reconstructs every coroutine of the suspended target.
// It never returns an error: failures yield a failed cache and a log entry.
// It must be called on the manager thread.
func (p *Proxy) DumpCoroutines(ctx context.Context) *InfoCache {
	p.assertOwner(ctx)

	if !p.probed {
		strategy, err := ProbeStrategy(ctx, p.resolver)
		if err != nil {
			p.logger.WithField("strategy", "probe").WithError(err).Warnf("dump coroutines failed")
			return failed(Unavailable, err)
		}
		p.strategy = strategy
		p.probed = true
	}
	kind := p.strategy.Kind
	if kind == Unavailable {
		p.logger.Debugf("coroutine debug probes unavailable")
		return failed(kind, ErrNoInstrumentation)
	}

	d := newDump(ctx, p.resolver, p.logger, p.maxDepth)
	var snapshots []*Snapshot
	var err error
	switch kind {
	case Bulk:
		snapshots, err = d.dumpBulk(ctx, p.strategy.probes)
	case PerObject:
		snapshots, err = d.dumpPerObject(ctx, p.strategy.probes)
	default:
		err = fmt.Errorf("unknown strategy %d", kind)
	}
	if err != nil {
		p.logger.WithField("strategy", kind.String()).WithError(err).Warnf("dump coroutines failed")
		return failed(kind, err)
	}
	return succeeded(kind, snapshots)
}

// Scope returns the coroutine scope of a snapshot, best effort. It must be
// called on the manager thread within the suspension of the dump.
func (p *Proxy) Scope(ctx context.Context, s *Snapshot) (common.ObjectRef, bool) {
	p.assertOwner(ctx)
	if s == nil || s.LastObservedFrame == nil || s.reader.Process() == nil {
		return common.ObjectRef{}, false
	}
	return p.scopes.Scope(ctx, s.reader, *s.LastObservedFrame)
}
