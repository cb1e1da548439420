package coroutines

import (
	"context"
	"fmt"
	"strings"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/continuation"
	"github.com/xhd2015/coroutine-mcp/debug/location"
	"github.com/xhd2015/coroutine-mcp/debug/manager"
	"github.com/xhd2015/coroutine-mcp/debug/mirror"
	"github.com/xhd2015/coroutine-mcp/log"
)

type StrategyKind int

const (
	// Unavailable means the target has no usable debug probes
	Unavailable StrategyKind = iota
	// Bulk dumps every coroutine with one remote call
	Bulk
	// PerObject reads each coroutine info object field by field
	PerObject
)

func (k StrategyKind) String() string {
	switch k {
	case Bulk:
		return "bulk"
	case PerObject:
		return "per-object"
	}
	return "unavailable"
}

// Strategy is the extraction strategy chosen for a session
type Strategy struct {
	Kind   StrategyKind
	probes *mirror.DebugProbes
}

// ProbeStrategy inspects the target for debug probes. An error means the
// probe itself could not complete and may be retried.
func ProbeStrategy(ctx context.Context, resolver *mirror.Resolver) (Strategy, error) {
	resolver.TakeErr()
	probes, ok := mirror.ResolveDebugProbes(ctx, resolver)
	if err := resolver.TakeErr(); err != nil {
		return Strategy{}, fmt.Errorf("probe debug probes: %w", err)
	}
	if !ok {
		return Strategy{Kind: Unavailable}, nil
	}
	reader := mirror.NewReader(resolver.Process())
	instance, err := probes.Instance(ctx, reader)
	if err != nil {
		return Strategy{}, err
	}
	installed, err := probes.Installed(ctx, reader, instance)
	if err != nil {
		return Strategy{}, err
	}
	switch {
	case !installed:
		return Strategy{Kind: Unavailable}, nil
	case probes.HasBulkDump():
		return Strategy{Kind: Bulk, probes: probes}, nil
	case probes.HasInfoDump():
		return Strategy{Kind: PerObject, probes: probes}, nil
	}
	return Strategy{Kind: Unavailable}, nil
}

// creation frames injected by the probes to mark the creation point
const artificialFramePrefix = "_COROUTINE."

// dump holds everything owned by a single dump. Nothing in it outlives the
// dump.
type dump struct {
	resolver    *mirror.Resolver
	reader      mirror.Reader
	locations   *location.Cache
	walker      *continuation.Walker
	collections *mirror.Collections
	elements    *mirror.StackTraceElements
	contexts    *mirror.Contexts
	logger      log.Logger
	// exec runs the dump; its snapshots are only read there
	exec *manager.Executor
}

func newDump(ctx context.Context, resolver *mirror.Resolver, logger log.Logger, maxDepth int) *dump {
	reader := mirror.NewReader(resolver.Process())
	d := &dump{
		resolver:  resolver,
		reader:    reader,
		locations: location.NewCache(reader),
		logger:    logger,
		exec:      manager.FromContext(ctx),
	}
	if conts, ok := mirror.ResolveContinuations(ctx, resolver); ok {
		d.walker = continuation.NewWalker(resolver, conts, reader, d.locations, logger, maxDepth)
	}
	d.collections, _ = mirror.ResolveCollections(ctx, resolver)
	d.elements, _ = mirror.ResolveStackTraceElements(ctx, resolver)
	d.contexts, _ = mirror.ResolveContexts(ctx, resolver)
	return d
}

// frames returns the lazy continuation stack seeded at seed
func (d *dump) frames(seed *common.ObjectRef) *lazyFrames {
	if d.walker == nil {
		return nil
	}
	return newLazyFrames(d.walker, seed)
}

// creationFrames reads the creation stack trace of a coroutine info
func (d *dump) creationFrames(ctx context.Context, info common.ObjectRef) ([]StackFrame, error) {
	if d.collections == nil || d.elements == nil {
		return nil, nil
	}
	m, ok := mirror.CoroutineInfoOf(ctx, d.resolver, info.ClassName)
	if !ok {
		return nil, nil
	}
	list, ok, err := m.CreationStackTrace(ctx, d.reader, info)
	if err != nil || !ok {
		return nil, err
	}
	elems, err := d.collections.ToArray(ctx, d.reader, list)
	if err != nil {
		return nil, err
	}
	frames := make([]StackFrame, 0, len(elems))
	for _, v := range elems {
		element, ok := v.Object()
		if !ok {
			continue
		}
		sym, err := d.elements.Read(ctx, d.reader, element)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(sym.ClassName, artificialFramePrefix) {
			continue
		}
		loc, located, err := d.locations.LocationFor(ctx, sym)
		if err != nil {
			return nil, err
		}
		frames = append(frames, StackFrame{
			Frame:    sym,
			Location: loc,
			Located:  located,
		})
	}
	if len(frames) > 0 {
		frames[0].IsTopOfCreationStack = true
	}
	return frames, nil
}
