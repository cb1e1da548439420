package mirror

import (
	"context"
	"fmt"

	"github.com/xhd2015/coroutine-mcp/debug/common"
)

// Classes of the coroutine library and the JDK probed by name
const (
	DebugProbesImplClass      = "kotlinx.coroutines.debug.internal.DebugProbesImpl"
	DebugCoroutineInfoClass   = "kotlinx.coroutines.debug.internal.DebugCoroutineInfo"
	LegacyCoroutineInfoClass  = "kotlinx.coroutines.debug.CoroutineInfo"
	BaseContinuationImplClass = "kotlin.coroutines.jvm.internal.BaseContinuationImpl"
	DebugMetadataClass        = "kotlin.coroutines.jvm.internal.DebugMetadataKt"
	CoroutineContextClass     = "kotlin.coroutines.CoroutineContext"
	ContinuationInterceptor   = "kotlin.coroutines.ContinuationInterceptor"
	JobClass                  = "kotlinx.coroutines.Job"
	CoroutineNameClass        = "kotlinx.coroutines.CoroutineName"
	CoroutineScopeClass       = "kotlinx.coroutines.CoroutineScope"
	StackTraceElementClass    = "java.lang.StackTraceElement"
	CollectionClass           = "java.util.Collection"
	EnumClass                 = "java.lang.Enum"
)

// DebugProbes mirrors the DebugProbesImpl singleton of kotlinx-coroutines-debug
type DebugProbes struct {
	class    *Class
	instance common.FieldRef

	isInstalled    common.MethodRef
	hasIsInstalled bool

	bulkDump    common.MethodRef
	hasBulkDump bool

	infoDump    common.MethodRef
	hasInfoDump bool
}

// ResolveDebugProbes returns ok=false when the debug agent classes are not
// loaded in the target.
func ResolveDebugProbes(ctx context.Context, r *Resolver) (*DebugProbes, bool) {
	c, ok := r.Class(ctx, DebugProbesImplClass)
	if !ok {
		return nil, false
	}
	instance, ok := c.Field(ctx, "INSTANCE")
	if !ok {
		return nil, false
	}
	d := &DebugProbes{class: c, instance: instance}
	// the getter is mangled because isInstalled is internal
	d.isInstalled, d.hasIsInstalled = c.Method(ctx, "isInstalled$kotlinx_coroutines_debug", "()Z")
	if !d.hasIsInstalled {
		d.isInstalled, d.hasIsInstalled = c.Method(ctx, "isInstalled", "()Z")
	}
	d.bulkDump, d.hasBulkDump = c.Method(ctx, "dumpCoroutinesInfoAsJsonAndReferences", "()[Ljava/lang/Object;")
	d.infoDump, d.hasInfoDump = c.Method(ctx, "dumpCoroutinesInfo", "()Ljava/util/List;")
	return d, true
}

func (d *DebugProbes) HasBulkDump() bool {
	return d.hasBulkDump
}

func (d *DebugProbes) HasInfoDump() bool {
	return d.hasInfoDump
}

// Instance reads the singleton
func (d *DebugProbes) Instance(ctx context.Context, rd Reader) (common.ObjectRef, error) {
	v, err := rd.Static(ctx, d.instance)
	if err != nil {
		return common.ObjectRef{}, err
	}
	obj, ok := v.Object()
	if !ok {
		return common.ObjectRef{}, &common.RemoteAccessError{Op: "read DebugProbesImpl.INSTANCE", Err: fmt.Errorf("unexpected %s value", v.Kind)}
	}
	return obj, nil
}

// Installed reports whether the probes are installed. Library versions
// without the getter only load the class once installed.
func (d *DebugProbes) Installed(ctx context.Context, rd Reader, instance common.ObjectRef) (bool, error) {
	if !d.hasIsInstalled {
		return true, nil
	}
	v, err := rd.Invoke(ctx, &instance, d.isInstalled)
	if err != nil {
		return false, err
	}
	return v.Kind == common.KindBool && v.Bool, nil
}

// BulkDump invokes dumpCoroutinesInfoAsJsonAndReferences
func (d *DebugProbes) BulkDump(ctx context.Context, rd Reader, instance common.ObjectRef) (common.Value, error) {
	return rd.Invoke(ctx, &instance, d.bulkDump)
}

// InfoDump invokes dumpCoroutinesInfo, which returns a List of coroutine infos
func (d *DebugProbes) InfoDump(ctx context.Context, rd Reader, instance common.ObjectRef) (common.Value, error) {
	return rd.Invoke(ctx, &instance, d.infoDump)
}

// Collections mirrors java.util.Collection
type Collections struct {
	toArray common.MethodRef
}

func ResolveCollections(ctx context.Context, r *Resolver) (*Collections, bool) {
	c, ok := r.Class(ctx, CollectionClass)
	if !ok {
		return nil, false
	}
	toArray, ok := c.Method(ctx, "toArray", "()[Ljava/lang/Object;")
	if !ok {
		return nil, false
	}
	return &Collections{toArray: toArray}, true
}

// ToArray returns the elements of a collection value; null yields none
func (c *Collections) ToArray(ctx context.Context, rd Reader, collection common.Value) ([]common.Value, error) {
	obj, ok := collection.Object()
	if !ok {
		return nil, nil
	}
	arr, err := rd.Invoke(ctx, &obj, c.toArray)
	if err != nil {
		return nil, err
	}
	return rd.Elements(ctx, arr)
}

// StackTraceElements mirrors java.lang.StackTraceElement
type StackTraceElements struct {
	declaringClass common.FieldRef
	methodName     common.FieldRef

	fileName    common.FieldRef
	hasFileName bool

	lineNumber    common.FieldRef
	hasLineNumber bool
}

func ResolveStackTraceElements(ctx context.Context, r *Resolver) (*StackTraceElements, bool) {
	c, ok := r.Class(ctx, StackTraceElementClass)
	if !ok {
		return nil, false
	}
	s := &StackTraceElements{}
	if s.declaringClass, ok = c.Field(ctx, "declaringClass"); !ok {
		return nil, false
	}
	if s.methodName, ok = c.Field(ctx, "methodName"); !ok {
		return nil, false
	}
	s.fileName, s.hasFileName = c.Field(ctx, "fileName")
	s.lineNumber, s.hasLineNumber = c.Field(ctx, "lineNumber")
	return s, true
}

// Read converts one element. A missing line number reads as -1.
func (s *StackTraceElements) Read(ctx context.Context, rd Reader, element common.ObjectRef) (common.SymbolicFrame, error) {
	frame := common.SymbolicFrame{Line: -1}
	v, err := rd.Field(ctx, element, s.declaringClass)
	if err != nil {
		return frame, err
	}
	frame.ClassName, _ = String(v)

	v, err = rd.Field(ctx, element, s.methodName)
	if err != nil {
		return frame, err
	}
	frame.MethodName, _ = String(v)

	if s.hasFileName {
		v, err = rd.Field(ctx, element, s.fileName)
		if err != nil {
			return frame, err
		}
		frame.FileName, _ = String(v)
	}
	if s.hasLineNumber {
		v, err = rd.Field(ctx, element, s.lineNumber)
		if err != nil {
			return frame, err
		}
		if v.Kind == common.KindInt {
			frame.Line = int(v.Int)
		}
	}
	return frame, nil
}

// CoroutineInfo mirrors one runtime class of coroutine info objects.
// Every field is optional.
type CoroutineInfo struct {
	class *Class

	name, dispatcher, sequenceNumber, state    common.FieldRef
	hasName, hasDispatcher, hasSequence, hasSt bool

	lastThread, lastFrame, context          common.FieldRef
	hasLastThread, hasLastFrame, hasContext bool

	creationStackTrace    common.MethodRef
	hasCreationStackTrace bool

	// older versions keep the state as a State enum constant
	enumName    common.MethodRef
	hasEnumName bool
}

// CoroutineInfoOf resolves the mirror for the runtime class of an info object
func CoroutineInfoOf(ctx context.Context, r *Resolver, className string) (*CoroutineInfo, bool) {
	c, ok := r.Class(ctx, className)
	if !ok {
		c, ok = r.FirstClass(ctx, DebugCoroutineInfoClass, LegacyCoroutineInfoClass)
		if !ok {
			return nil, false
		}
	}
	m := &CoroutineInfo{class: c}
	m.name, m.hasName = c.Field(ctx, "name")
	m.dispatcher, m.hasDispatcher = c.Field(ctx, "dispatcher")
	m.sequenceNumber, m.hasSequence = c.Field(ctx, "sequenceNumber")
	m.state, m.hasSt = c.FirstField(ctx, "_state", "state")
	m.lastThread, m.hasLastThread = c.FirstField(ctx, "lastObservedThread", "_lastObservedThread")
	m.lastFrame, m.hasLastFrame = c.FirstField(ctx, "_lastObservedFrame", "lastObservedFrame")
	m.context, m.hasContext = c.FirstField(ctx, "_context", "context")
	m.creationStackTrace, m.hasCreationStackTrace = c.Method(ctx, "getCreationStackTrace", "()Ljava/util/List;")
	if enum, ok := r.Class(ctx, EnumClass); ok {
		m.enumName, m.hasEnumName = enum.Method(ctx, "name", "()Ljava/lang/String;")
	}
	return m, true
}

// CoroutineInfoRecord is the raw content of one info object
type CoroutineInfoRecord struct {
	Name               *string
	Dispatcher         *string
	SequenceNumber     *int64
	State              string
	LastObservedThread *common.ObjectRef
	LastObservedFrame  *common.ObjectRef
	Context            *common.ObjectRef
}

// Read reads every present field of info. Absent fields stay nil.
func (m *CoroutineInfo) Read(ctx context.Context, rd Reader, info common.ObjectRef) (CoroutineInfoRecord, error) {
	var rec CoroutineInfoRecord
	read := func(has bool, f common.FieldRef) (common.Value, error) {
		if !has {
			return common.Null, nil
		}
		return rd.Field(ctx, info, f)
	}
	v, err := read(m.hasName, m.name)
	if err != nil {
		return rec, err
	}
	if s, ok := String(v); ok {
		rec.Name = &s
	}
	if v, err = read(m.hasDispatcher, m.dispatcher); err != nil {
		return rec, err
	}
	if s, ok := String(v); ok {
		rec.Dispatcher = &s
	}
	if v, err = read(m.hasSequence, m.sequenceNumber); err != nil {
		return rec, err
	}
	if v.Kind == common.KindInt {
		n := v.Int
		rec.SequenceNumber = &n
	}
	if v, err = read(m.hasSt, m.state); err != nil {
		return rec, err
	}
	if rec.State, err = m.stateName(ctx, rd, v); err != nil {
		return rec, err
	}
	if v, err = read(m.hasLastThread, m.lastThread); err != nil {
		return rec, err
	}
	rec.LastObservedThread = objectOrNil(v)
	if v, err = read(m.hasLastFrame, m.lastFrame); err != nil {
		return rec, err
	}
	rec.LastObservedFrame = objectOrNil(v)
	if v, err = read(m.hasContext, m.context); err != nil {
		return rec, err
	}
	rec.Context = objectOrNil(v)
	return rec, nil
}

// CreationStackTrace invokes getCreationStackTrace; ok is false when the
// library version does not record creation stacks.
func (m *CoroutineInfo) CreationStackTrace(ctx context.Context, rd Reader, info common.ObjectRef) (common.Value, bool, error) {
	if !m.hasCreationStackTrace {
		return common.Null, false, nil
	}
	v, err := rd.Invoke(ctx, &info, m.creationStackTrace)
	if err != nil {
		return common.Null, false, err
	}
	return v, true, nil
}

// stateName reads the state field value, a String in newer versions and
// an enum constant in older ones
func (m *CoroutineInfo) stateName(ctx context.Context, rd Reader, v common.Value) (string, error) {
	switch v.Kind {
	case common.KindString:
		return v.Str, nil
	case common.KindObject:
		if !m.hasEnumName {
			return "", nil
		}
		constant := v.Ref
		name, err := rd.Invoke(ctx, &constant, m.enumName)
		if err != nil {
			return "", err
		}
		s, _ := String(name)
		return s, nil
	}
	return "", nil
}

func objectOrNil(v common.Value) *common.ObjectRef {
	obj, ok := v.Object()
	if !ok {
		return nil
	}
	return &obj
}

// Continuations mirrors BaseContinuationImpl and its debug metadata
type Continuations struct {
	base       *Class
	completion common.FieldRef

	stackTraceElement    common.MethodRef
	hasStackTraceElement bool

	spilledMapping    common.MethodRef
	hasSpilledMapping bool

	getContext    common.MethodRef
	hasGetContext bool

	elements *StackTraceElements
}

func ResolveContinuations(ctx context.Context, r *Resolver) (*Continuations, bool) {
	base, ok := r.Class(ctx, BaseContinuationImplClass)
	if !ok {
		return nil, false
	}
	completion, ok := base.Field(ctx, "completion")
	if !ok {
		return nil, false
	}
	c := &Continuations{base: base, completion: completion}
	if meta, ok := r.Class(ctx, DebugMetadataClass); ok {
		c.stackTraceElement, c.hasStackTraceElement = meta.Method(ctx, "getStackTraceElement", "(Lkotlin/coroutines/jvm/internal/BaseContinuationImpl;)Ljava/lang/StackTraceElement;")
		c.spilledMapping, c.hasSpilledMapping = meta.Method(ctx, "getSpilledVariableFieldMapping", "(Lkotlin/coroutines/jvm/internal/BaseContinuationImpl;)[Ljava/lang/String;")
	}
	c.getContext, c.hasGetContext = base.Method(ctx, "getContext", "()Lkotlin/coroutines/CoroutineContext;")
	c.elements, _ = ResolveStackTraceElements(ctx, r)
	return c, true
}

// IsContinuation reports whether obj is a BaseContinuationImpl
func (c *Continuations) IsContinuation(ctx context.Context, rd Reader, obj common.ObjectRef) (bool, error) {
	return rd.IsInstance(ctx, obj, c.base)
}

// Completion reads the next continuation in the chain
func (c *Continuations) Completion(ctx context.Context, rd Reader, obj common.ObjectRef) (common.Value, error) {
	return rd.Field(ctx, obj, c.completion)
}

// StackTraceElement reads the debug metadata location of a continuation.
// ok is false when the metadata is unavailable for it.
func (c *Continuations) StackTraceElement(ctx context.Context, rd Reader, obj common.ObjectRef) (common.SymbolicFrame, bool, error) {
	if !c.hasStackTraceElement || c.elements == nil {
		return common.SymbolicFrame{}, false, nil
	}
	v, err := rd.Invoke(ctx, nil, c.stackTraceElement, common.ObjectValue(obj))
	if err != nil {
		return common.SymbolicFrame{}, false, err
	}
	element, ok := v.Object()
	if !ok {
		return common.SymbolicFrame{}, false, nil
	}
	frame, err := c.elements.Read(ctx, rd, element)
	if err != nil {
		return common.SymbolicFrame{}, false, err
	}
	return frame, true, nil
}

// SpilledVariable maps a continuation field to the local it holds
type SpilledVariable struct {
	FieldName    string
	VariableName string
}

// SpilledVariables reads the spilled variable mapping of a continuation
func (c *Continuations) SpilledVariables(ctx context.Context, rd Reader, obj common.ObjectRef) ([]SpilledVariable, bool, error) {
	if !c.hasSpilledMapping {
		return nil, false, nil
	}
	v, err := rd.Invoke(ctx, nil, c.spilledMapping, common.ObjectValue(obj))
	if err != nil {
		return nil, false, err
	}
	if v.IsNull() {
		return nil, false, nil
	}
	elems, err := rd.Elements(ctx, v)
	if err != nil {
		return nil, false, err
	}
	// pairs of field name, variable name
	vars := make([]SpilledVariable, 0, len(elems)/2)
	for i := 0; i+1 < len(elems); i += 2 {
		field, _ := String(elems[i])
		name, _ := String(elems[i+1])
		if field == "" || name == "" {
			continue
		}
		vars = append(vars, SpilledVariable{FieldName: field, VariableName: name})
	}
	return vars, true, nil
}

// Context invokes getContext on a continuation
func (c *Continuations) Context(ctx context.Context, rd Reader, obj common.ObjectRef) (common.Value, bool, error) {
	if !c.hasGetContext {
		return common.Null, false, nil
	}
	v, err := rd.Invoke(ctx, &obj, c.getContext)
	if err != nil {
		return common.Null, false, err
	}
	return v, true, nil
}

// Contexts mirrors CoroutineContext lookups by key
type Contexts struct {
	get common.MethodRef

	keys map[string]common.FieldRef

	nameGetter    common.MethodRef
	hasNameGetter bool

	toString    common.MethodRef
	hasToString bool

	scope    *Class
	hasScope bool
}

// context keys, each a static Key companion of its element class
const (
	JobKey         = JobClass
	NameKey        = CoroutineNameClass
	InterceptorKey = ContinuationInterceptor
)

func ResolveContexts(ctx context.Context, r *Resolver) (*Contexts, bool) {
	c, ok := r.Class(ctx, CoroutineContextClass)
	if !ok {
		return nil, false
	}
	get, ok := c.Method(ctx, "get", "(Lkotlin/coroutines/CoroutineContext$Key;)Lkotlin/coroutines/CoroutineContext$Element;")
	if !ok {
		return nil, false
	}
	m := &Contexts{get: get, keys: make(map[string]common.FieldRef)}
	for _, owner := range []string{JobKey, NameKey, InterceptorKey} {
		if oc, ok := r.Class(ctx, owner); ok {
			if f, ok := oc.Field(ctx, "Key"); ok {
				m.keys[owner] = f
			}
		}
	}
	if nc, ok := r.Class(ctx, CoroutineNameClass); ok {
		m.nameGetter, m.hasNameGetter = nc.Method(ctx, "getName", "()Ljava/lang/String;")
	}
	if oc, ok := r.Class(ctx, "java.lang.Object"); ok {
		m.toString, m.hasToString = oc.Method(ctx, "toString", "()Ljava/lang/String;")
	}
	m.scope, m.hasScope = r.Class(ctx, CoroutineScopeClass)
	return m, true
}

// Element looks up context[key]; ok is false when the key is unknown or
// the element is absent.
func (m *Contexts) Element(ctx context.Context, rd Reader, coroutineContext common.ObjectRef, key string) (common.ObjectRef, bool, error) {
	keyField, ok := m.keys[key]
	if !ok {
		return common.ObjectRef{}, false, nil
	}
	keyValue, err := rd.Static(ctx, keyField)
	if err != nil {
		return common.ObjectRef{}, false, err
	}
	if keyValue.IsNull() {
		return common.ObjectRef{}, false, nil
	}
	v, err := rd.Invoke(ctx, &coroutineContext, m.get, keyValue)
	if err != nil {
		return common.ObjectRef{}, false, err
	}
	obj, ok := v.Object()
	return obj, ok, nil
}

// Name reads CoroutineName.name of the context
func (m *Contexts) Name(ctx context.Context, rd Reader, coroutineContext common.ObjectRef) (string, bool, error) {
	if !m.hasNameGetter {
		return "", false, nil
	}
	element, ok, err := m.Element(ctx, rd, coroutineContext, NameKey)
	if err != nil || !ok {
		return "", false, err
	}
	v, err := rd.Invoke(ctx, &element, m.nameGetter)
	if err != nil {
		return "", false, err
	}
	s, ok := String(v)
	return s, ok, nil
}

// Dispatcher renders the continuation interceptor of the context
func (m *Contexts) Dispatcher(ctx context.Context, rd Reader, coroutineContext common.ObjectRef) (string, bool, error) {
	if !m.hasToString {
		return "", false, nil
	}
	element, ok, err := m.Element(ctx, rd, coroutineContext, InterceptorKey)
	if err != nil || !ok {
		return "", false, err
	}
	v, err := rd.Invoke(ctx, &element, m.toString)
	if err != nil {
		return "", false, err
	}
	s, ok := String(v)
	return s, ok, nil
}

// IsScope reports whether obj carries the CoroutineScope tag
func (m *Contexts) IsScope(ctx context.Context, rd Reader, obj common.ObjectRef) (bool, error) {
	if !m.hasScope {
		return false, nil
	}
	return rd.IsInstance(ctx, obj, m.scope)
}
