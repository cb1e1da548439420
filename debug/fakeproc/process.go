// Package fakeproc implements common.Process over an in-memory heap.
//
// The heap is programmed by tests: classes with a superclass chain and
// interfaces, declared fields, static fields, methods implemented in Go and
// arrays. Every remote operation is counted so tests can assert how many
// round trips a dump needed.
package fakeproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/xhd2015/coroutine-mcp/debug/common"
)

// Remote operation names used by Calls
const (
	OpFindClass      = "FindClass"
	OpFindField      = "FindField"
	OpFindMethod     = "FindMethod"
	OpGetField       = "GetField"
	OpGetStaticField = "GetStaticField"
	OpInvoke         = "Invoke"
	OpArrayElements  = "ArrayElements"
	OpIsInstance     = "IsInstance"
	OpLocate         = "Locate"
)

// MethodFunc implements a remote method. this is nil for static methods.
type MethodFunc func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error)

type Process struct {
	mu sync.Mutex

	guard   *common.SuspendGuard
	classes map[string]*Class
	objects map[common.ObjectID]*object

	locations   map[locationKey]common.Location
	fieldErrors map[fieldKey]error
	calls       map[string]int

	nextObject common.ObjectID
	nextRef    uint64
}

type locationKey struct {
	class  string
	method string
	line   int
}

type fieldKey struct {
	obj   common.ObjectID
	field string
}

type object struct {
	ref      common.ObjectRef
	class    *Class
	fields   map[string]common.Value
	array    bool
	elements []common.Value
}

var _ common.Process = (*Process)(nil)

// New returns an empty process that is suspended
func New() *Process {
	return &Process{
		guard:       common.NewSuspendGuard(),
		classes:     make(map[string]*Class),
		objects:     make(map[common.ObjectID]*object),
		locations:   make(map[locationKey]common.Location),
		fieldErrors: make(map[fieldKey]error),
		calls:       make(map[string]int),
	}
}

// Guard returns the suspension guard of the process
func (p *Process) Guard() *common.SuspendGuard {
	return p.guard
}

// Resume resumes the target
func (p *Process) Resume() {
	p.guard.Resumed()
}

// Suspend suspends the target again, starting a new suspension
func (p *Process) Suspend() {
	p.guard.Suspended()
}

// Class returns a defined class, or nil
func (p *Process) Class(name string) *Class {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.classes[name]
}

// DefineClass defines a class. supers names the superclass followed by
// implemented interfaces; each is defined on demand. Defining an existing
// class returns it unchanged.
func (p *Process) DefineClass(name string, supers ...string) *Class {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defineLocked(name, supers...)
}

func (p *Process) defineLocked(name string, supers ...string) *Class {
	if c, ok := p.classes[name]; ok {
		return c
	}
	p.nextRef++
	c := &Class{
		proc:         p,
		ref:          common.ClassRef{Name: name, ID: p.nextRef},
		instance:     make(map[string]common.FieldRef),
		staticFields: make(map[string]common.FieldRef),
		statics:      make(map[string]common.Value),
	}
	for _, s := range supers {
		c.supers = append(c.supers, p.defineLocked(s))
	}
	p.classes[name] = c
	return c
}

// NewObject allocates an instance of class with the given field values.
// The class is defined on demand and every given field is declared on it
// unless a superclass already declares it.
func (p *Process) NewObject(className string, fields map[string]common.Value) common.ObjectRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.defineLocked(className)
	for name := range fields {
		if _, ok := c.findField(name); !ok {
			c.declareLocked(name)
		}
	}
	obj := p.allocLocked(c)
	for name, v := range fields {
		obj.fields[name] = v
	}
	return obj.ref
}

// NewArray allocates an array with the given elements
func (p *Process) NewArray(className string, elems ...common.Value) common.Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj := p.allocLocked(p.defineLocked(className))
	obj.array = true
	obj.elements = append([]common.Value(nil), elems...)
	return common.ArrayValue(obj.ref)
}

// StringArray allocates a java.lang.String[]
func (p *Process) StringArray(elems ...string) common.Value {
	vals := make([]common.Value, 0, len(elems))
	for _, e := range elems {
		vals = append(vals, common.StringValue(e))
	}
	return p.NewArray("java.lang.String[]", vals...)
}

func (p *Process) allocLocked(c *Class) *object {
	p.nextObject++
	obj := &object{
		ref:    common.ObjectRef{ID: p.nextObject, ClassName: c.ref.Name},
		class:  c,
		fields: make(map[string]common.Value),
	}
	p.objects[obj.ref.ID] = obj
	return obj
}

// Set writes a field of obj
func (p *Process) Set(obj common.ObjectRef, field string, v common.Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.objects[obj.ID]
	if !ok {
		panic(fmt.Errorf("fakeproc: no object %s", obj))
	}
	if _, ok := o.class.findField(field); !ok {
		o.class.declareLocked(field)
	}
	o.fields[field] = v
}

// FailField makes reads of field on obj fail with err
func (p *Process) FailField(obj common.ObjectRef, field string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fieldErrors[fieldKey{obj: obj.ID, field: field}] = err
}

// AddLocation registers the location the target maps frame to. A location
// without an ID gets a fresh one.
func (p *Process) AddLocation(frame common.SymbolicFrame, loc common.Location) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if loc.ID == 0 {
		p.nextRef++
		loc.ID = p.nextRef
	}
	p.locations[locationKey{class: frame.ClassName, method: frame.MethodName, line: frame.Line}] = loc
}

// Calls returns how many times op was called
func (p *Process) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// TotalCalls returns the number of remote operations of any kind
func (p *Process) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

func (p *Process) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = make(map[string]int)
}

// begin counts op and fails when the target is running
func (p *Process) begin(op string) error {
	p.calls[op]++
	if !p.guard.Current().Suspended {
		return fmt.Errorf("%s: %w", op, common.ErrNotSuspended)
	}
	return nil
}

func (p *Process) Suspension() common.Suspension {
	return p.guard.Current()
}

func (p *Process) FindClass(ctx context.Context, name string) (common.ClassRef, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpFindClass); err != nil {
		return common.ClassRef{}, false, err
	}
	c, ok := p.classes[name]
	if !ok {
		return common.ClassRef{}, false, nil
	}
	return c.ref, true, nil
}

func (p *Process) FindField(ctx context.Context, class common.ClassRef, name string) (common.FieldRef, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpFindField); err != nil {
		return common.FieldRef{}, false, err
	}
	c, err := p.classLocked(class)
	if err != nil {
		return common.FieldRef{}, false, err
	}
	f, ok := c.findField(name)
	return f, ok, nil
}

func (p *Process) FindMethod(ctx context.Context, class common.ClassRef, name string, signature string) (common.MethodRef, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpFindMethod); err != nil {
		return common.MethodRef{}, false, err
	}
	c, err := p.classLocked(class)
	if err != nil {
		return common.MethodRef{}, false, err
	}
	m, ok := c.findMethod(name, signature)
	if !ok {
		return common.MethodRef{}, false, nil
	}
	return m.ref, true, nil
}

func (p *Process) GetField(ctx context.Context, obj common.ObjectRef, field common.FieldRef) (common.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpGetField); err != nil {
		return common.Null, err
	}
	o, err := p.objectLocked(obj)
	if err != nil {
		return common.Null, err
	}
	if err, ok := p.fieldErrors[fieldKey{obj: obj.ID, field: field.Name}]; ok {
		return common.Null, err
	}
	if field.Static {
		return common.Null, fmt.Errorf("field %s is static", field.Name)
	}
	if !o.class.isSubclassOf(p.classes[field.Class.Name]) {
		return common.Null, fmt.Errorf("%s has no field %s.%s", obj, field.Class.Name, field.Name)
	}
	return o.fields[field.Name], nil
}

func (p *Process) GetStaticField(ctx context.Context, field common.FieldRef) (common.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpGetStaticField); err != nil {
		return common.Null, err
	}
	c, err := p.classLocked(field.Class)
	if err != nil {
		return common.Null, err
	}
	if !field.Static {
		return common.Null, fmt.Errorf("field %s is not static", field.Name)
	}
	return c.statics[field.Name], nil
}

func (p *Process) Invoke(ctx context.Context, obj *common.ObjectRef, method common.MethodRef, args []common.Value) (common.Value, error) {
	p.mu.Lock()
	if err := p.begin(OpInvoke); err != nil {
		p.mu.Unlock()
		return common.Null, err
	}
	impl, err := p.dispatchLocked(obj, method)
	p.mu.Unlock()
	if err != nil {
		return common.Null, err
	}
	// methods may use the process themselves
	return impl(ctx, obj, args)
}

func (p *Process) dispatchLocked(obj *common.ObjectRef, method common.MethodRef) (MethodFunc, error) {
	declaring, err := p.classLocked(method.Class)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		m, ok := declaring.findMethod(method.Name, method.Signature)
		if !ok || !m.ref.Static {
			return nil, fmt.Errorf("no static method %s.%s%s", method.Class.Name, method.Name, method.Signature)
		}
		return m.impl, nil
	}
	o, err := p.objectLocked(*obj)
	if err != nil {
		return nil, err
	}
	if !o.class.isSubclassOf(declaring) {
		return nil, fmt.Errorf("%s is not a %s", obj, declaring.ref.Name)
	}
	// virtual dispatch on the runtime class
	m, ok := o.class.findMethod(method.Name, method.Signature)
	if !ok {
		return nil, fmt.Errorf("no method %s%s on %s", method.Name, method.Signature, obj)
	}
	return m.impl, nil
}

func (p *Process) ArrayElements(ctx context.Context, array common.ObjectRef) ([]common.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpArrayElements); err != nil {
		return nil, err
	}
	o, err := p.objectLocked(array)
	if err != nil {
		return nil, err
	}
	if !o.array {
		return nil, fmt.Errorf("%s is not an array", array)
	}
	return append([]common.Value(nil), o.elements...), nil
}

func (p *Process) IsInstance(ctx context.Context, obj common.ObjectRef, class common.ClassRef) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpIsInstance); err != nil {
		return false, err
	}
	o, err := p.objectLocked(obj)
	if err != nil {
		return false, err
	}
	c, err := p.classLocked(class)
	if err != nil {
		return false, err
	}
	return o.class.isSubclassOf(c), nil
}

func (p *Process) Locate(ctx context.Context, frame common.SymbolicFrame) (common.Location, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpLocate); err != nil {
		return common.Location{}, false, err
	}
	loc, ok := p.locations[locationKey{class: frame.ClassName, method: frame.MethodName, line: frame.Line}]
	return loc, ok, nil
}

func (p *Process) classLocked(ref common.ClassRef) (*Class, error) {
	c, ok := p.classes[ref.Name]
	if !ok || c.ref.ID != ref.ID {
		return nil, fmt.Errorf("invalid class reference %s", ref.Name)
	}
	return c, nil
}

func (p *Process) objectLocked(ref common.ObjectRef) (*object, error) {
	o, ok := p.objects[ref.ID]
	if !ok {
		return nil, fmt.Errorf("invalid object reference %s", ref)
	}
	return o, nil
}
