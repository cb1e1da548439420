package coroutines

import (
	"context"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/mirror"
	"github.com/xhd2015/coroutine-mcp/log"
)

// ScopeExtractor recovers the CoroutineScope a continuation runs in.
// It never fails: any problem reads as no scope. It is used on the manager
// thread only.
type ScopeExtractor struct {
	resolver *mirror.Resolver
	logger   log.Logger

	// resolved on first use
	conts    *mirror.Continuations
	contexts *mirror.Contexts
}

func NewScopeExtractor(resolver *mirror.Resolver, logger log.Logger) *ScopeExtractor {
	if logger == nil {
		logger = log.Discard()
	}
	return &ScopeExtractor{resolver: resolver, logger: logger}
}

// Scope returns continuation.getContext()[Job] when it is a CoroutineScope
func (e *ScopeExtractor) Scope(ctx context.Context, reader mirror.Reader, cont common.ObjectRef) (common.ObjectRef, bool) {
	scope, ok, err := e.scope(ctx, reader, cont)
	if err != nil {
		e.logger.WithError(err).Debugf("extract scope of %s", cont)
		return common.ObjectRef{}, false
	}
	return scope, ok
}

func (e *ScopeExtractor) scope(ctx context.Context, reader mirror.Reader, cont common.ObjectRef) (common.ObjectRef, bool, error) {
	if e.conts == nil {
		conts, ok := mirror.ResolveContinuations(ctx, e.resolver)
		if !ok {
			return common.ObjectRef{}, false, nil
		}
		e.conts = conts
	}
	if e.contexts == nil {
		contexts, ok := mirror.ResolveContexts(ctx, e.resolver)
		if !ok {
			return common.ObjectRef{}, false, nil
		}
		e.contexts = contexts
	}
	conts, contexts := e.conts, e.contexts
	isCont, err := conts.IsContinuation(ctx, reader, cont)
	if err != nil || !isCont {
		return common.ObjectRef{}, false, err
	}
	v, ok, err := conts.Context(ctx, reader, cont)
	if err != nil || !ok {
		return common.ObjectRef{}, false, err
	}
	coroutineContext, ok := v.Object()
	if !ok {
		return common.ObjectRef{}, false, nil
	}
	job, ok, err := contexts.Element(ctx, reader, coroutineContext, mirror.JobKey)
	if err != nil || !ok {
		return common.ObjectRef{}, false, err
	}
	isScope, err := contexts.IsScope(ctx, reader, job)
	if err != nil || !isScope {
		return common.ObjectRef{}, false, err
	}
	return job, true, nil
}
