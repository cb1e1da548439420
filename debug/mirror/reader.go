package mirror

import (
	"context"
	"fmt"

	"github.com/xhd2015/coroutine-mcp/debug/common"
)

// Reader performs remote reads within one suspension of the target.
// Each call first checks that the suspension it was created in is still
// current and fails fast with a RemoteAccessError otherwise.
type Reader struct {
	proc common.Process
	at   common.Suspension
}

// NewReader binds a reader to the current suspension of proc
func NewReader(proc common.Process) Reader {
	return Reader{proc: proc, at: proc.Suspension()}
}

func (r Reader) Process() common.Process {
	return r.proc
}

func (r Reader) Suspension() common.Suspension {
	return r.at
}

// Check verifies the suspension is still current
func (r Reader) Check(op string) error {
	return common.Check(r.proc, r.at, op)
}

func (r Reader) Field(ctx context.Context, obj common.ObjectRef, field common.FieldRef) (common.Value, error) {
	op := fmt.Sprintf("read %s.%s", obj, field.Name)
	if err := r.Check(op); err != nil {
		return common.Null, err
	}
	v, err := r.proc.GetField(ctx, obj, field)
	if err != nil {
		return common.Null, common.AccessError(op, err)
	}
	return v, nil
}

func (r Reader) Static(ctx context.Context, field common.FieldRef) (common.Value, error) {
	op := fmt.Sprintf("read static %s.%s", field.Class.Name, field.Name)
	if err := r.Check(op); err != nil {
		return common.Null, err
	}
	v, err := r.proc.GetStaticField(ctx, field)
	if err != nil {
		return common.Null, common.AccessError(op, err)
	}
	return v, nil
}

func (r Reader) Invoke(ctx context.Context, obj *common.ObjectRef, method common.MethodRef, args ...common.Value) (common.Value, error) {
	op := fmt.Sprintf("invoke %s.%s", method.Class.Name, method.Name)
	if err := r.Check(op); err != nil {
		return common.Null, err
	}
	v, err := r.proc.Invoke(ctx, obj, method, args)
	if err != nil {
		return common.Null, common.AccessError(op, err)
	}
	return v, nil
}

// Elements reads the elements of an array value. A null value yields no
// elements; any other non-array value is an access error.
func (r Reader) Elements(ctx context.Context, v common.Value) ([]common.Value, error) {
	if v.IsNull() {
		return nil, nil
	}
	if v.Kind != common.KindArray {
		return nil, &common.RemoteAccessError{Op: "read array", Err: fmt.Errorf("unexpected %s value", v.Kind)}
	}
	op := fmt.Sprintf("read array %s", v.Ref)
	if err := r.Check(op); err != nil {
		return nil, err
	}
	elems, err := r.proc.ArrayElements(ctx, v.Ref)
	if err != nil {
		return nil, common.AccessError(op, err)
	}
	return elems, nil
}

func (r Reader) IsInstance(ctx context.Context, obj common.ObjectRef, class *Class) (bool, error) {
	op := fmt.Sprintf("instanceof %s %s", obj, class.Name())
	if err := r.Check(op); err != nil {
		return false, err
	}
	ok, err := r.proc.IsInstance(ctx, obj, class.Ref())
	if err != nil {
		return false, common.AccessError(op, err)
	}
	return ok, nil
}

func (r Reader) Locate(ctx context.Context, frame common.SymbolicFrame) (common.Location, bool, error) {
	op := "locate " + frame.String()
	if err := r.Check(op); err != nil {
		return common.Location{}, false, err
	}
	loc, ok, err := r.proc.Locate(ctx, frame)
	if err != nil {
		return common.Location{}, false, common.AccessError(op, err)
	}
	return loc, ok, nil
}

// String reads a value that must be a string or null
func String(v common.Value) (string, bool) {
	if v.Kind != common.KindString {
		return "", false
	}
	return v.Str, true
}
