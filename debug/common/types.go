package common

import (
	"fmt"
	"strconv"
	"sync"
)

// ObjectID is the identity of an object in the target process.
// Two references to the same object carry the same ID.
type ObjectID uint64

// ObjectRef is an opaque handle to a live object in the suspended target.
// It is only valid for the suspension that produced it.
type ObjectRef struct {
	ID        ObjectID
	ClassName string
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%s@%d", r.ClassName, r.ID)
}

// ClassRef identifies a loaded class
type ClassRef struct {
	Name string
	ID   uint64
}

// FieldRef is a resolved field of a class
type FieldRef struct {
	Class  ClassRef
	Name   string
	ID     uint64
	Static bool
}

// MethodRef is a resolved method of a class
type MethodRef struct {
	Class     ClassRef
	Name      string
	Signature string
	ID        uint64
	Static    bool
}

type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindString
	KindObject
	KindArray
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a value read from the target process.
// Strings arrive decoded; arrays and objects carry an ObjectRef.
type Value struct {
	Kind ValueKind
	Bool bool
	Int  int64
	Str  string
	Ref  ObjectRef
}

var Null = Value{Kind: KindNull}

func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func ObjectValue(r ObjectRef) Value {
	return Value{Kind: KindObject, Ref: r}
}
func ArrayValue(r ObjectRef) Value {
	return Value{Kind: KindArray, Ref: r}
}

func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Object returns the referenced object for object and array values
func (v Value) Object() (ObjectRef, bool) {
	if v.Kind != KindObject && v.Kind != KindArray {
		return ObjectRef{}, false
	}
	return v.Ref, true
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindString:
		return strconv.Quote(v.Str)
	default:
		return v.Ref.String()
	}
}

// SymbolicFrame is a stack element as recorded by the target:
// declaring class, method and line, with an optional file name.
type SymbolicFrame struct {
	ClassName  string
	MethodName string
	FileName   string
	Line       int
}

func (f SymbolicFrame) String() string {
	file := f.FileName
	if file == "" {
		file = "Unknown Source"
	}
	return fmt.Sprintf("%s.%s(%s:%d)", f.ClassName, f.MethodName, file, f.Line)
}

// Location is a source location handle resolved by the target
type Location struct {
	ClassName  string
	MethodName string
	SourcePath string
	Line       int
	ID         uint64
}

func (l Location) String() string {
	if l.SourcePath != "" {
		return fmt.Sprintf("%s.%s (%s:%d)", l.ClassName, l.MethodName, l.SourcePath, l.Line)
	}
	return fmt.Sprintf("%s.%s:%d", l.ClassName, l.MethodName, l.Line)
}

// Suspension describes whether the target is suspended. Epoch increases
// every time the target is suspended again, so handles from an older
// suspension can be told apart.
type Suspension struct {
	Epoch     uint64
	Suspended bool
}

// SuspendGuard tracks the suspension state of a target. Transports update
// it from protocol events; supervisors may update it directly.
type SuspendGuard struct {
	mu    sync.Mutex
	state Suspension
	// remote is the last suspension counter reported by the target, 0 before
	// the first report
	remote uint64
}

// NewSuspendGuard returns a guard for a target that is already suspended
func NewSuspendGuard() *SuspendGuard {
	return &SuspendGuard{state: Suspension{Epoch: 1, Suspended: true}}
}

func (g *SuspendGuard) Current() Suspension {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Suspended records a new suspension
func (g *SuspendGuard) Suspended() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Suspended {
		return
	}
	g.state.Epoch++
	g.state.Suspended = true
}

// Observe applies a state reported by the target together with its own
// suspension counter. A changed counter starts a new suspension even when
// the target was never seen running in between.
func (g *SuspendGuard) Observe(suspended bool, remote uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	first := g.remote == 0
	changed := remote != g.remote
	g.remote = remote
	if !suspended {
		g.state.Suspended = false
		return
	}
	if !g.state.Suspended || (changed && !first) {
		g.state.Epoch++
	}
	g.state.Suspended = true
}

// Resumed invalidates every handle of the current suspension
func (g *SuspendGuard) Resumed() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Suspended = false
}

// Check returns a RemoteAccessError unless the target is still in the
// suspension identified by at.
func Check(p Process, at Suspension, op string) error {
	cur := p.Suspension()
	if !cur.Suspended || cur.Epoch != at.Epoch {
		return &RemoteAccessError{Op: op, Err: ErrNotSuspended}
	}
	return nil
}
