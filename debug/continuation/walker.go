// Package continuation rebuilds the logical stack of a suspended coroutine
// from its chain of continuation objects.
package continuation

import (
	"context"
	"errors"
	"fmt"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/location"
	"github.com/xhd2015/coroutine-mcp/debug/mirror"
	"github.com/xhd2015/coroutine-mcp/log"
)

// DefaultMaxDepth bounds a walk even when no cycle is detected
const DefaultMaxDepth = 4096

// StackFrame is one logical frame of a coroutine
type StackFrame struct {
	Frame    common.SymbolicFrame
	Location common.Location
	// Located is false when the target could not map the frame
	Located bool

	// Continuation is the object backing the frame, absent for creation frames
	Continuation *common.ObjectRef

	SpilledVariables []Variable
	// LocalsUnknown is set when the spilled variables could not be read
	LocalsUnknown bool

	IsTopOfCreationStack bool
}

func (f StackFrame) String() string {
	return f.Frame.String()
}

// Variable is a spilled local. Its value is read on demand.
type Variable struct {
	Name  string
	Field string

	reader mirror.Reader
	owner  common.ObjectRef
	field  common.FieldRef
}

// Value reads the variable. It fails once the target resumed.
func (v Variable) Value(ctx context.Context) (common.Value, error) {
	return v.reader.Field(ctx, v.owner, v.field)
}

// Walker walks continuation chains within one dump
type Walker struct {
	resolver  *mirror.Resolver
	conts     *mirror.Continuations
	reader    mirror.Reader
	locations *location.Cache
	logger    log.Logger
	maxDepth  int
}

func NewWalker(resolver *mirror.Resolver, conts *mirror.Continuations, reader mirror.Reader, locations *location.Cache, logger log.Logger, maxDepth int) *Walker {
	if logger == nil {
		logger = log.Discard()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Walker{
		resolver:  resolver,
		conts:     conts,
		reader:    reader,
		locations: locations,
		logger:    logger,
		maxDepth:  maxDepth,
	}
}

// Walk returns the frames of the chain starting at start, most recently
// suspended first. The walk stops at a null completion, at an object that
// is not a continuation, or at an object already visited.
//
// Errors for a single frame degrade that frame. Losing the suspension
// aborts the walk.
func (w *Walker) Walk(ctx context.Context, start common.ObjectRef) ([]StackFrame, error) {
	var frames []StackFrame
	seen := make(map[common.ObjectID]bool)
	cur := start
	for {
		if seen[cur.ID] {
			w.logger.WithField("depth", len(frames)).Debugf("continuation chain revisits %s, stopping", cur)
			return frames, nil
		}
		if len(frames) >= w.maxDepth {
			w.logger.WithField("depth", len(frames)).Debugf("continuation chain exceeds max depth, stopping at %s", cur)
			return frames, nil
		}
		isCont, err := w.conts.IsContinuation(ctx, w.reader, cur)
		if err != nil {
			if fatal(err) {
				return nil, err
			}
			w.logger.WithError(err).Debugf("check continuation %s", cur)
			return frames, nil
		}
		if !isCont {
			return frames, nil
		}
		seen[cur.ID] = true

		frame, err := w.frame(ctx, cur)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)

		next, err := w.conts.Completion(ctx, w.reader, cur)
		if err != nil {
			if fatal(err) {
				return nil, err
			}
			w.logger.WithError(err).Debugf("read completion of %s", cur)
			return frames, nil
		}
		obj, ok := next.Object()
		if !ok {
			return frames, nil
		}
		cur = obj
	}
}

func (w *Walker) frame(ctx context.Context, cont common.ObjectRef) (StackFrame, error) {
	ref := cont
	frame := StackFrame{Continuation: &ref}

	sym, ok, err := w.conts.StackTraceElement(ctx, w.reader, cont)
	if err != nil {
		if fatal(err) {
			return frame, err
		}
		w.logger.WithError(err).Debugf("read debug metadata of %s", cont)
		ok = false
	}
	if !ok {
		sym = common.SymbolicFrame{ClassName: cont.ClassName, MethodName: "invokeSuspend", Line: -1}
	}
	frame.Frame = sym

	loc, located, err := w.locations.LocationFor(ctx, sym)
	if err != nil {
		if fatal(err) {
			return frame, err
		}
		w.logger.WithError(err).Debugf("locate %s", sym)
		loc, located = location.Symbolic(sym), false
	}
	frame.Location = loc
	frame.Located = located

	vars, err := w.spilled(ctx, cont)
	if err != nil {
		if fatal(err) {
			return frame, err
		}
		w.logger.WithError(err).Debugf("read spilled variables of %s", cont)
		frame.LocalsUnknown = true
		return frame, nil
	}
	frame.SpilledVariables = vars
	return frame, nil
}

func (w *Walker) spilled(ctx context.Context, cont common.ObjectRef) ([]Variable, error) {
	mapping, ok, err := w.conts.SpilledVariables(ctx, w.reader, cont)
	if err != nil {
		return nil, err
	}
	if !ok || len(mapping) == 0 {
		return nil, nil
	}
	class, ok := w.resolver.Class(ctx, cont.ClassName)
	if !ok {
		return nil, fmt.Errorf("class %s of continuation not found", cont.ClassName)
	}
	vars := make([]Variable, 0, len(mapping))
	for _, m := range mapping {
		field, ok := class.Field(ctx, m.FieldName)
		if !ok {
			continue
		}
		vars = append(vars, Variable{
			Name:   m.VariableName,
			Field:  m.FieldName,
			reader: w.reader,
			owner:  cont,
			field:  field,
		})
	}
	return vars, nil
}

// fatal reports errors that end the whole walk
func fatal(err error) bool {
	return errors.Is(err, common.ErrNotSuspended) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
