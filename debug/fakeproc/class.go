package fakeproc

import (
	"github.com/xhd2015/coroutine-mcp/debug/common"
)

// Class is a class of the fake heap
type Class struct {
	proc   *Process
	ref    common.ClassRef
	supers []*Class

	instance     map[string]common.FieldRef
	staticFields map[string]common.FieldRef
	statics      map[string]common.Value
	methods      []*method
}

type method struct {
	ref  common.MethodRef
	impl MethodFunc
}

func (c *Class) Ref() common.ClassRef {
	return c.ref
}

// Declare declares instance fields
func (c *Class) Declare(names ...string) *Class {
	c.proc.mu.Lock()
	defer c.proc.mu.Unlock()
	for _, name := range names {
		c.declareLocked(name)
	}
	return c
}

func (c *Class) declareLocked(name string) common.FieldRef {
	if f, ok := c.instance[name]; ok {
		return f
	}
	c.proc.nextRef++
	f := common.FieldRef{Class: c.ref, Name: name, ID: c.proc.nextRef}
	c.instance[name] = f
	return f
}

// Static declares a static field with its value
func (c *Class) Static(name string, v common.Value) *Class {
	c.proc.mu.Lock()
	defer c.proc.mu.Unlock()
	if _, ok := c.staticFields[name]; !ok {
		c.proc.nextRef++
		c.staticFields[name] = common.FieldRef{Class: c.ref, Name: name, ID: c.proc.nextRef, Static: true}
	}
	c.statics[name] = v
	return c
}

// Method defines an instance method
func (c *Class) Method(name string, signature string, impl MethodFunc) *Class {
	return c.addMethod(name, signature, false, impl)
}

// StaticMethod defines a static method
func (c *Class) StaticMethod(name string, signature string, impl MethodFunc) *Class {
	return c.addMethod(name, signature, true, impl)
}

func (c *Class) addMethod(name string, signature string, static bool, impl MethodFunc) *Class {
	c.proc.mu.Lock()
	defer c.proc.mu.Unlock()
	c.proc.nextRef++
	m := &method{
		ref:  common.MethodRef{Class: c.ref, Name: name, Signature: signature, ID: c.proc.nextRef, Static: static},
		impl: impl,
	}
	for i, old := range c.methods {
		if old.ref.Name == name && old.ref.Signature == signature {
			c.methods[i] = m
			return c
		}
	}
	c.methods = append(c.methods, m)
	return c
}

// findField searches instance fields up the superclass chain, then
// static fields including those of interfaces
func (c *Class) findField(name string) (common.FieldRef, bool) {
	for k := c; k != nil; k = k.superclass() {
		if f, ok := k.instance[name]; ok {
			return f, true
		}
	}
	var found common.FieldRef
	ok := c.walk(func(k *Class) bool {
		f, has := k.staticFields[name]
		if has {
			found = f
		}
		return has
	})
	return found, ok
}

func (c *Class) findMethod(name string, signature string) (*method, bool) {
	var found *method
	ok := c.walk(func(k *Class) bool {
		for _, m := range k.methods {
			if m.ref.Name == name && (signature == "" || m.ref.Signature == signature) {
				found = m
				return true
			}
		}
		return false
	})
	return found, ok
}

func (c *Class) superclass() *Class {
	if len(c.supers) == 0 {
		return nil
	}
	return c.supers[0]
}

// walk visits c and its supertypes depth first until visit returns true
func (c *Class) walk(visit func(k *Class) bool) bool {
	if visit(c) {
		return true
	}
	for _, s := range c.supers {
		if s.walk(visit) {
			return true
		}
	}
	return false
}

func (c *Class) isSubclassOf(other *Class) bool {
	if other == nil {
		return false
	}
	return c.walk(func(k *Class) bool { return k == other })
}
