package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/xhd2015/coroutine-mcp/debug/common"
)

// Caller sends one agent call and decodes its result into out.
// Agent failures are returned as *Error.
type Caller interface {
	Call(ctx context.Context, method Method, params interface{}, out interface{}) error
}

// Process is a common.Process whose operations are agent calls.
// The guard is consulted before every call so a resumed target is never
// reached with stale handles.
type Process struct {
	caller Caller
	guard  *common.SuspendGuard
}

var _ common.Process = (*Process)(nil)

func NewProcess(caller Caller, guard *common.SuspendGuard) *Process {
	return &Process{caller: caller, guard: guard}
}

func (p *Process) Suspension() common.Suspension {
	return p.guard.Current()
}

func (p *Process) call(ctx context.Context, method Method, params interface{}, out interface{}) error {
	if !p.guard.Current().Suspended {
		return &common.RemoteAccessError{Op: string(method), Err: common.ErrNotSuspended}
	}
	err := p.caller.Call(ctx, method, params, out)
	if err == nil {
		return nil
	}
	var agentErr *Error
	if !errors.As(err, &agentErr) {
		return &common.RemoteAccessError{Op: string(method), Err: err}
	}
	switch agentErr.Code {
	case CodeException:
		return &common.RemoteInvocationError{Method: string(method), Exception: agentErr.Message}
	case CodeNotSuspended:
		// the agent saw the resume before we did
		p.guard.Resumed()
		return &common.RemoteAccessError{Op: string(method), Err: common.ErrNotSuspended}
	}
	return &common.RemoteAccessError{Op: string(method), Err: agentErr}
}

func (p *Process) FindClass(ctx context.Context, name string) (common.ClassRef, bool, error) {
	var out FindClassOut
	if err := p.call(ctx, MethodFindClass, FindClassIn{Name: name}, &out); err != nil {
		return common.ClassRef{}, false, err
	}
	return out.Class.Ref(), out.Found, nil
}

func (p *Process) FindField(ctx context.Context, class common.ClassRef, name string) (common.FieldRef, bool, error) {
	var out FindMemberOut
	if err := p.call(ctx, MethodFindField, FindFieldIn{Class: EncodeClass(class), Name: name}, &out); err != nil {
		return common.FieldRef{}, false, err
	}
	return out.Member.FieldRef(), out.Found, nil
}

func (p *Process) FindMethod(ctx context.Context, class common.ClassRef, name string, signature string) (common.MethodRef, bool, error) {
	var out FindMemberOut
	in := FindMethodIn{Class: EncodeClass(class), Name: name, Signature: signature}
	if err := p.call(ctx, MethodFindMethod, in, &out); err != nil {
		return common.MethodRef{}, false, err
	}
	return out.Member.MethodRef(), out.Found, nil
}

func (p *Process) GetField(ctx context.Context, obj common.ObjectRef, field common.FieldRef) (common.Value, error) {
	return p.value(ctx, MethodGetField, GetFieldIn{Object: ObjectValue(obj), Field: EncodeField(field)})
}

func (p *Process) GetStaticField(ctx context.Context, field common.FieldRef) (common.Value, error) {
	return p.value(ctx, MethodGetStaticField, GetStaticFieldIn{Field: EncodeField(field)})
}

func (p *Process) Invoke(ctx context.Context, obj *common.ObjectRef, method common.MethodRef, args []common.Value) (common.Value, error) {
	in := InvokeIn{Object: Value{Kind: KindNull}, Method: EncodeMethod(method)}
	if obj != nil {
		in.Object = ObjectValue(*obj)
	}
	in.Args = make([]Value, 0, len(args))
	for _, arg := range args {
		in.Args = append(in.Args, EncodeValue(arg))
	}
	return p.value(ctx, MethodInvoke, in)
}

func (p *Process) value(ctx context.Context, method Method, in interface{}) (common.Value, error) {
	var out ValueOut
	if err := p.call(ctx, method, in, &out); err != nil {
		return common.Null, err
	}
	v, err := DecodeValue(out.Value)
	if err != nil {
		return common.Null, &common.RemoteAccessError{Op: string(method), Err: err}
	}
	return v, nil
}

func (p *Process) ArrayElements(ctx context.Context, array common.ObjectRef) ([]common.Value, error) {
	var out ArrayElementsOut
	in := ArrayElementsIn{Array: Value{Kind: KindArray, ID: uint64(array.ID), Class: array.ClassName}}
	if err := p.call(ctx, MethodArrayElements, in, &out); err != nil {
		return nil, err
	}
	values := make([]common.Value, 0, len(out.Elements))
	for i, e := range out.Elements {
		v, err := DecodeValue(e)
		if err != nil {
			return nil, &common.RemoteAccessError{Op: string(MethodArrayElements), Err: fmt.Errorf("element %d: %w", i, err)}
		}
		values = append(values, v)
	}
	return values, nil
}

func (p *Process) IsInstance(ctx context.Context, obj common.ObjectRef, class common.ClassRef) (bool, error) {
	var out IsInstanceOut
	if err := p.call(ctx, MethodIsInstance, IsInstanceIn{Object: ObjectValue(obj), Class: EncodeClass(class)}, &out); err != nil {
		return false, err
	}
	return out.Result, nil
}

func (p *Process) Locate(ctx context.Context, frame common.SymbolicFrame) (common.Location, bool, error) {
	var out LocateOut
	in := LocateIn{ClassName: frame.ClassName, MethodName: frame.MethodName, FileName: frame.FileName, Line: frame.Line}
	if err := p.call(ctx, MethodLocate, in, &out); err != nil {
		return common.Location{}, false, err
	}
	if !out.Found {
		return common.Location{}, false, nil
	}
	return common.Location{
		ClassName:  out.ClassName,
		MethodName: out.MethodName,
		SourcePath: out.SourcePath,
		Line:       out.Line,
		ID:         out.ID,
	}, true, nil
}
