package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xhd2015/coroutine-mcp/debug/common"
)

// HandleAt serves a call made by a client that last saw the target in
// suspension epoch. Calls from an older suspension fail with
// CodeNotSuspended. An epoch of 0 is not checked.
func HandleAt(ctx context.Context, proc common.Process, epoch uint64, method Method, params json.RawMessage) (interface{}, *Error) {
	if epoch != 0 && method != MethodState {
		cur := proc.Suspension()
		if !cur.Suspended || cur.Epoch != epoch {
			return nil, &Error{Code: CodeNotSuspended, Message: fmt.Sprintf("%s: call from suspension %d, target at %d", method, epoch, cur.Epoch)}
		}
	}
	return Handle(ctx, proc, method, params)
}

// Handle serves one agent call against proc. It is the agent side of the
// protocol, used to put an in-process Process behind a transport.
func Handle(ctx context.Context, proc common.Process, method Method, params json.RawMessage) (interface{}, *Error) {
	decode := func(in interface{}) *Error {
		if len(params) == 0 {
			return nil
		}
		if err := json.Unmarshal(params, in); err != nil {
			return &Error{Code: CodeInternal, Message: fmt.Sprintf("decode %s params: %v", method, err)}
		}
		return nil
	}

	switch method {
	case MethodState:
		cur := proc.Suspension()
		return StateOut{Suspended: cur.Suspended, Epoch: cur.Epoch}, nil
	case MethodFindClass:
		var in FindClassIn
		if e := decode(&in); e != nil {
			return nil, e
		}
		class, ok, err := proc.FindClass(ctx, in.Name)
		if err != nil {
			return nil, toError(err)
		}
		return FindClassOut{Found: ok, Class: EncodeClass(class)}, nil
	case MethodFindField:
		var in FindFieldIn
		if e := decode(&in); e != nil {
			return nil, e
		}
		field, ok, err := proc.FindField(ctx, in.Class.Ref(), in.Name)
		if err != nil {
			return nil, toError(err)
		}
		return FindMemberOut{Found: ok, Member: EncodeField(field)}, nil
	case MethodFindMethod:
		var in FindMethodIn
		if e := decode(&in); e != nil {
			return nil, e
		}
		m, ok, err := proc.FindMethod(ctx, in.Class.Ref(), in.Name, in.Signature)
		if err != nil {
			return nil, toError(err)
		}
		return FindMemberOut{Found: ok, Member: EncodeMethod(m)}, nil
	case MethodGetField:
		var in GetFieldIn
		if e := decode(&in); e != nil {
			return nil, e
		}
		v, err := proc.GetField(ctx, Object(in.Object), in.Field.FieldRef())
		if err != nil {
			return nil, toError(err)
		}
		return ValueOut{Value: EncodeValue(v)}, nil
	case MethodGetStaticField:
		var in GetStaticFieldIn
		if e := decode(&in); e != nil {
			return nil, e
		}
		v, err := proc.GetStaticField(ctx, in.Field.FieldRef())
		if err != nil {
			return nil, toError(err)
		}
		return ValueOut{Value: EncodeValue(v)}, nil
	case MethodInvoke:
		var in InvokeIn
		if e := decode(&in); e != nil {
			return nil, e
		}
		var obj *common.ObjectRef
		if in.Object.Kind == KindObject || in.Object.Kind == KindArray {
			ref := Object(in.Object)
			obj = &ref
		}
		args := make([]common.Value, 0, len(in.Args))
		for _, a := range in.Args {
			v, err := DecodeValue(a)
			if err != nil {
				return nil, &Error{Code: CodeInternal, Message: err.Error()}
			}
			args = append(args, v)
		}
		v, err := proc.Invoke(ctx, obj, in.Method.MethodRef(), args)
		if err != nil {
			return nil, toError(err)
		}
		return ValueOut{Value: EncodeValue(v)}, nil
	case MethodArrayElements:
		var in ArrayElementsIn
		if e := decode(&in); e != nil {
			return nil, e
		}
		values, err := proc.ArrayElements(ctx, Object(in.Array))
		if err != nil {
			return nil, toError(err)
		}
		out := ArrayElementsOut{Elements: make([]Value, 0, len(values))}
		for _, v := range values {
			out.Elements = append(out.Elements, EncodeValue(v))
		}
		return out, nil
	case MethodIsInstance:
		var in IsInstanceIn
		if e := decode(&in); e != nil {
			return nil, e
		}
		ok, err := proc.IsInstance(ctx, Object(in.Object), in.Class.Ref())
		if err != nil {
			return nil, toError(err)
		}
		return IsInstanceOut{Result: ok}, nil
	case MethodLocate:
		var in LocateIn
		if e := decode(&in); e != nil {
			return nil, e
		}
		loc, ok, err := proc.Locate(ctx, common.SymbolicFrame{ClassName: in.ClassName, MethodName: in.MethodName, FileName: in.FileName, Line: in.Line})
		if err != nil {
			return nil, toError(err)
		}
		return LocateOut{
			Found:      ok,
			ClassName:  loc.ClassName,
			MethodName: loc.MethodName,
			SourcePath: loc.SourcePath,
			Line:       loc.Line,
			ID:         loc.ID,
		}, nil
	}
	return nil, &Error{Code: CodeInternal, Message: fmt.Sprintf("unknown method %s", method)}
}

func toError(err error) *Error {
	var invoke *common.RemoteInvocationError
	switch {
	case errors.As(err, &invoke):
		return &Error{Code: CodeException, Message: invoke.Exception}
	case errors.Is(err, common.ErrNotSuspended):
		return &Error{Code: CodeNotSuspended, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
