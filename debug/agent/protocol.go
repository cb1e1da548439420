// Package agent defines the remote-object protocol spoken by the JVM-side
// debug agent, and a common.Process implemented on top of it.
//
// The protocol is transport neutral: the headless transport sends each call
// as a line-delimited JSON-RPC request, the dap transport tunnels it through
// evaluate requests.
package agent

import (
	"fmt"

	"github.com/xhd2015/coroutine-mcp/debug/common"
)

type Method string

const (
	MethodState          Method = "Agent.State"
	MethodFindClass      Method = "Agent.FindClass"
	MethodFindField      Method = "Agent.FindField"
	MethodFindMethod     Method = "Agent.FindMethod"
	MethodGetField       Method = "Agent.GetField"
	MethodGetStaticField Method = "Agent.GetStaticField"
	MethodInvoke         Method = "Agent.Invoke"
	MethodArrayElements  Method = "Agent.ArrayElements"
	MethodIsInstance     Method = "Agent.IsInstance"
	MethodLocate         Method = "Agent.Locate"
)

// Error codes of agent failures
const (
	// CodeException means an invoked method threw; Message is the exception
	CodeException = 1
	// CodeNotSuspended means the target is running
	CodeNotSuspended = 2
	// CodeInvalidHandle means a class, field, method or object handle is stale
	CodeInvalidHandle = 3
	// CodeInternal is any other agent failure
	CodeInternal = 4
)

// Error is an error reported by the agent
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// Value kinds on the wire
const (
	KindNull   = "null"
	KindBool   = "bool"
	KindInt    = "int"
	KindString = "string"
	KindObject = "object"
	KindArray  = "array"
)

// Value is a value on the wire
type Value struct {
	Kind  string `json:"kind"`
	Bool  bool   `json:"bool,omitempty"`
	Int   int64  `json:"int,omitempty"`
	Str   string `json:"str,omitempty"`
	ID    uint64 `json:"id,omitempty"`
	Class string `json:"class,omitempty"`
}

func EncodeValue(v common.Value) Value {
	switch v.Kind {
	case common.KindBool:
		return Value{Kind: KindBool, Bool: v.Bool}
	case common.KindInt:
		return Value{Kind: KindInt, Int: v.Int}
	case common.KindString:
		return Value{Kind: KindString, Str: v.Str}
	case common.KindObject:
		return Value{Kind: KindObject, ID: uint64(v.Ref.ID), Class: v.Ref.ClassName}
	case common.KindArray:
		return Value{Kind: KindArray, ID: uint64(v.Ref.ID), Class: v.Ref.ClassName}
	}
	return Value{Kind: KindNull}
}

func DecodeValue(v Value) (common.Value, error) {
	switch v.Kind {
	case KindNull, "":
		return common.Null, nil
	case KindBool:
		return common.BoolValue(v.Bool), nil
	case KindInt:
		return common.IntValue(v.Int), nil
	case KindString:
		return common.StringValue(v.Str), nil
	case KindObject:
		return common.ObjectValue(Object(v)), nil
	case KindArray:
		return common.ArrayValue(Object(v)), nil
	}
	return common.Null, fmt.Errorf("unknown value kind %q", v.Kind)
}

// Object returns the object reference carried by v
func Object(v Value) common.ObjectRef {
	return common.ObjectRef{ID: common.ObjectID(v.ID), ClassName: v.Class}
}

func ObjectValue(obj common.ObjectRef) Value {
	return Value{Kind: KindObject, ID: uint64(obj.ID), Class: obj.ClassName}
}

// Class is a class handle on the wire
type Class struct {
	Name string `json:"name"`
	ID   uint64 `json:"id"`
}

// Member is a field or method handle on the wire
type Member struct {
	Class     Class  `json:"class"`
	Name      string `json:"name"`
	Signature string `json:"signature,omitempty"`
	ID        uint64 `json:"id"`
	Static    bool   `json:"static,omitempty"`
}

func EncodeClass(c common.ClassRef) Class {
	return Class{Name: c.Name, ID: c.ID}
}

func (c Class) Ref() common.ClassRef {
	return common.ClassRef{Name: c.Name, ID: c.ID}
}

func EncodeField(f common.FieldRef) Member {
	return Member{Class: EncodeClass(f.Class), Name: f.Name, ID: f.ID, Static: f.Static}
}

func (m Member) FieldRef() common.FieldRef {
	return common.FieldRef{Class: m.Class.Ref(), Name: m.Name, ID: m.ID, Static: m.Static}
}

func EncodeMethod(m common.MethodRef) Member {
	return Member{Class: EncodeClass(m.Class), Name: m.Name, Signature: m.Signature, ID: m.ID, Static: m.Static}
}

func (m Member) MethodRef() common.MethodRef {
	return common.MethodRef{Class: m.Class.Ref(), Name: m.Name, Signature: m.Signature, ID: m.ID, Static: m.Static}
}

type StateIn struct{}

// StateOut reports the suspension state of the target. Epoch counts the
// suspensions of the target, so a client can tell that it was resumed and
// suspended again between two queries.
type StateOut struct {
	Suspended bool   `json:"suspended"`
	Epoch     uint64 `json:"epoch"`
}

type FindClassIn struct {
	Name string `json:"name"`
}

type FindClassOut struct {
	Found bool  `json:"found"`
	Class Class `json:"class"`
}

type FindFieldIn struct {
	Class Class  `json:"class"`
	Name  string `json:"name"`
}

type FindMemberOut struct {
	Found  bool   `json:"found"`
	Member Member `json:"member"`
}

type FindMethodIn struct {
	Class     Class  `json:"class"`
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

type GetFieldIn struct {
	Object Value  `json:"object"`
	Field  Member `json:"field"`
}

type GetStaticFieldIn struct {
	Field Member `json:"field"`
}

type ValueOut struct {
	Value Value `json:"value"`
}

type InvokeIn struct {
	// Object is null for static calls
	Object Value   `json:"object"`
	Method Member  `json:"method"`
	Args   []Value `json:"args"`
}

type ArrayElementsIn struct {
	Array Value `json:"array"`
}

type ArrayElementsOut struct {
	Elements []Value `json:"elements"`
}

type IsInstanceIn struct {
	Object Value `json:"object"`
	Class  Class `json:"class"`
}

type IsInstanceOut struct {
	Result bool `json:"result"`
}

type LocateIn struct {
	ClassName  string `json:"className"`
	MethodName string `json:"methodName"`
	FileName   string `json:"fileName,omitempty"`
	Line       int    `json:"line"`
}

type LocateOut struct {
	Found      bool   `json:"found"`
	ClassName  string `json:"className"`
	MethodName string `json:"methodName"`
	SourcePath string `json:"sourcePath"`
	Line       int    `json:"line"`
	ID         uint64 `json:"id"`
}
