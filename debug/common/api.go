package common

import (
	"context"
)

// Process is the remote-object access capability of a suspended JVM.
// Every method except Suspension may block for one round trip to the target.
type Process interface {
	// Suspension returns the current suspension state without a round trip
	Suspension() Suspension

	// FindClass resolves a loaded class by its fully qualified name.
	// ok is false when the class is not loaded in the target.
	FindClass(ctx context.Context, name string) (class ClassRef, ok bool, err error)

	// FindField resolves a field declared by class or one of its superclasses
	FindField(ctx context.Context, class ClassRef, name string) (field FieldRef, ok bool, err error)

	// FindMethod resolves a method by name and JVM signature.
	// An empty signature matches the first method with the given name.
	FindMethod(ctx context.Context, class ClassRef, name string, signature string) (method MethodRef, ok bool, err error)

	// GetField reads an instance field of obj
	GetField(ctx context.Context, obj ObjectRef, field FieldRef) (Value, error)

	// GetStaticField reads a static field
	GetStaticField(ctx context.Context, field FieldRef) (Value, error)

	// Invoke calls method on obj, or statically when obj is nil
	Invoke(ctx context.Context, obj *ObjectRef, method MethodRef, args []Value) (Value, error)

	// ArrayElements returns the elements of an array object in index order
	ArrayElements(ctx context.Context, array ObjectRef) ([]Value, error)

	// IsInstance reports whether obj is an instance of class
	IsInstance(ctx context.Context, obj ObjectRef, class ClassRef) (bool, error)

	// Locate maps a symbolic frame to a source location handle
	Locate(ctx context.Context, frame SymbolicFrame) (location Location, ok bool, err error)
}

// Session is one attachment to a target process
type Session interface {
	GetID() string

	// Addr is the address the session is attached to
	Addr() string

	// Process returns the remote access capability of the session
	Process() Process

	// Guard returns the suspension guard of the session
	Guard() *SuspendGuard

	// Sync refreshes the guard from the target, for transports that must
	// ask. Event driven transports return nil.
	Sync(ctx context.Context) error

	// Close releases the transport
	Close() error
}

// SessionInfo holds information about a session
type SessionInfo struct {
	ID        string
	Transport string
	Addr      string
	State     string
}
