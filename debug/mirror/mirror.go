// Package mirror wraps remote classes of the target process with lazily
// resolved, cached field and method handles.
//
// Lookups never fail: an absent class, field or method is reported as
// ok=false so that callers can skip the feature that needs it. Transport
// errors during resolution are logged and also reported as absent, but
// they are not cached, so a later lookup retries.
package mirror

import (
	"context"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/log"
)

// Resolver resolves and caches classes of one process for the lifetime of
// a debug session.
type Resolver struct {
	proc    common.Process
	logger  log.Logger
	classes map[string]*Class
	absent  map[string]bool

	// lastErr is the last resolution error, see TakeErr
	lastErr error
}

func NewResolver(proc common.Process, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.Discard()
	}
	return &Resolver{
		proc:    proc,
		logger:  logger,
		classes: make(map[string]*Class),
		absent:  make(map[string]bool),
	}
}

func (r *Resolver) Process() common.Process {
	return r.proc
}

// Class resolves the class named name
func (r *Resolver) Class(ctx context.Context, name string) (*Class, bool) {
	if c, ok := r.classes[name]; ok {
		return c, true
	}
	if r.absent[name] {
		return nil, false
	}
	ref, ok, err := r.proc.FindClass(ctx, name)
	if err != nil {
		r.logger.WithError(err).Debugf("resolve class %s", name)
		r.lastErr = err
		return nil, false
	}
	if !ok {
		r.absent[name] = true
		return nil, false
	}
	c := &Class{
		resolver: r,
		ref:      ref,
		fields:   make(map[string]lookup[common.FieldRef]),
		methods:  make(map[string]lookup[common.MethodRef]),
	}
	r.classes[name] = c
	return c, true
}

// TakeErr returns and clears the last error that made a lookup report
// absent. Callers that must tell a missing capability from a failed
// lookup check it after resolving.
func (r *Resolver) TakeErr() error {
	err := r.lastErr
	r.lastErr = nil
	return err
}

// FirstClass resolves the first of names that is loaded
func (r *Resolver) FirstClass(ctx context.Context, names ...string) (*Class, bool) {
	for _, name := range names {
		if c, ok := r.Class(ctx, name); ok {
			return c, true
		}
	}
	return nil, false
}

type lookup[T any] struct {
	ref T
	ok  bool
}

// Class is a resolved remote class with its cached members
type Class struct {
	resolver *Resolver
	ref      common.ClassRef
	fields   map[string]lookup[common.FieldRef]
	methods  map[string]lookup[common.MethodRef]
}

func (c *Class) Ref() common.ClassRef {
	return c.ref
}

func (c *Class) Name() string {
	return c.ref.Name
}

// Field resolves a field, including inherited ones
func (c *Class) Field(ctx context.Context, name string) (common.FieldRef, bool) {
	if l, ok := c.fields[name]; ok {
		return l.ref, l.ok
	}
	ref, ok, err := c.resolver.proc.FindField(ctx, c.ref, name)
	if err != nil {
		c.resolver.logger.WithError(err).Debugf("resolve field %s.%s", c.ref.Name, name)
		c.resolver.lastErr = err
		return common.FieldRef{}, false
	}
	c.fields[name] = lookup[common.FieldRef]{ref: ref, ok: ok}
	return ref, ok
}

// FirstField resolves the first present field among names. Library
// versions rename private fields, e.g. state and _state.
func (c *Class) FirstField(ctx context.Context, names ...string) (common.FieldRef, bool) {
	for _, name := range names {
		if f, ok := c.Field(ctx, name); ok {
			return f, true
		}
	}
	return common.FieldRef{}, false
}

func (c *Class) Method(ctx context.Context, name string, signature string) (common.MethodRef, bool) {
	key := name + signature
	if l, ok := c.methods[key]; ok {
		return l.ref, l.ok
	}
	ref, ok, err := c.resolver.proc.FindMethod(ctx, c.ref, name, signature)
	if err != nil {
		c.resolver.logger.WithError(err).Debugf("resolve method %s.%s%s", c.ref.Name, name, signature)
		c.resolver.lastErr = err
		return common.MethodRef{}, false
	}
	c.methods[key] = lookup[common.MethodRef]{ref: ref, ok: ok}
	return ref, ok
}
