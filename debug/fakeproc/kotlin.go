package fakeproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xhd2015/coroutine-mcp/debug/common"
)

// KotlinOptions selects which parts of the coroutine runtime are loaded
type KotlinOptions struct {
	// Probes loads DebugProbesImpl
	Probes bool
	// NotInstalled makes isInstalled return false
	NotInstalled bool
	// Bulk defines dumpCoroutinesInfoAsJsonAndReferences
	Bulk bool
	// PerObject defines dumpCoroutinesInfo
	PerObject bool
	// LegacyFields uses the older field names state and lastObservedFrame
	LegacyFields bool
	// EnumState stores the state as a State enum constant instead of a String
	EnumState bool
	// NoMetadata leaves DebugMetadataKt unloaded
	NoMetadata bool
}

// BulkParts is the content of one bulk dump before it is returned
type BulkParts struct {
	JSON    string
	Threads []common.Value
	Frames  []common.Value
	Infos   []common.Value
}

// Coroutine describes one coroutine registered with the probes
type Coroutine struct {
	Name           *string
	ID             *int64
	SequenceNumber int64
	State          string
	Dispatcher     *string
	Thread         common.Value
	Frame          common.Value
	Context        common.Value
	Creation       []common.SymbolicFrame
}

// Spill is one spilled local of a continuation
type Spill struct {
	Field    string
	Variable string
	Value    common.Value
}

// Kotlin programs the coroutine runtime classes into a Process
type Kotlin struct {
	P *Process

	// BulkHook may edit a bulk dump before it is returned
	BulkHook func(parts *BulkParts)

	opts KotlinOptions

	mu         sync.Mutex
	frames     map[common.ObjectID]common.SymbolicFrame
	spills     map[common.ObjectID][]Spill
	contexts   map[common.ObjectID]common.Value
	elements   map[common.ObjectID]map[string]common.Value
	lists      map[common.ObjectID][]common.Value
	names      map[common.ObjectID]string
	labels     map[common.ObjectID]string
	creation   map[common.ObjectID][]common.SymbolicFrame
	constants  map[string]common.ObjectRef
	enumNames  map[common.ObjectID]string
	coroutines []registered

	keys map[common.ObjectID]string
}

type registered struct {
	coroutine Coroutine
	info      common.ObjectRef
}

// Class names used by the fake runtime
const (
	ArrayListClass       = "java.util.ArrayList"
	ObjectArrayClass     = "java.lang.Object[]"
	CombinedContextClass = "kotlin.coroutines.CombinedContext"
	StandaloneCoroutine  = "kotlinx.coroutines.StandaloneCoroutine"
	JobImplClass         = "kotlinx.coroutines.JobImpl"
	DefaultScheduler     = "kotlinx.coroutines.scheduling.DefaultScheduler"
	ThreadClass          = "java.lang.Thread"
	StateEnumClass       = "kotlinx.coroutines.debug.State"
)

const (
	objectClass        = "java.lang.Object"
	stringClass        = "java.lang.String"
	enumClass          = "java.lang.Enum"
	collectionClass    = "java.util.Collection"
	steClass           = "java.lang.StackTraceElement"
	baseContClass      = "kotlin.coroutines.jvm.internal.BaseContinuationImpl"
	metadataClass      = "kotlin.coroutines.jvm.internal.DebugMetadataKt"
	contextClass       = "kotlin.coroutines.CoroutineContext"
	interceptorClass   = "kotlin.coroutines.ContinuationInterceptor"
	jobClass           = "kotlinx.coroutines.Job"
	nameClass          = "kotlinx.coroutines.CoroutineName"
	scopeClass         = "kotlinx.coroutines.CoroutineScope"
	probesClass        = "kotlinx.coroutines.debug.internal.DebugProbesImpl"
	coroutineInfoClass = "kotlinx.coroutines.debug.internal.DebugCoroutineInfo"
)

// NewKotlin loads the coroutine runtime into p
func NewKotlin(p *Process, opts KotlinOptions) *Kotlin {
	k := &Kotlin{
		P:        p,
		opts:     opts,
		frames:   make(map[common.ObjectID]common.SymbolicFrame),
		spills:   make(map[common.ObjectID][]Spill),
		contexts: make(map[common.ObjectID]common.Value),
		elements: make(map[common.ObjectID]map[string]common.Value),
		lists:    make(map[common.ObjectID][]common.Value),
		names:    make(map[common.ObjectID]string),
		labels:   make(map[common.ObjectID]string),
		creation: make(map[common.ObjectID][]common.SymbolicFrame),
		keys:     make(map[common.ObjectID]string),

		constants: make(map[string]common.ObjectRef),
		enumNames: make(map[common.ObjectID]string),
	}
	k.loadJDK()
	k.loadContinuations()
	k.loadContexts()
	if opts.Probes {
		k.loadProbes()
	}
	return k
}

func (k *Kotlin) loadJDK() {
	p := k.P
	p.DefineClass(objectClass).Method("toString", "()Ljava/lang/String;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		k.mu.Lock()
		defer k.mu.Unlock()
		if label, ok := k.labels[this.ID]; ok {
			return common.StringValue(label), nil
		}
		return common.StringValue(this.String()), nil
	})
	p.DefineClass(stringClass, objectClass)
	p.DefineClass(enumClass, objectClass).Method("name", "()Ljava/lang/String;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		k.mu.Lock()
		defer k.mu.Unlock()
		name, ok := k.enumNames[this.ID]
		if !ok {
			return common.Null, fmt.Errorf("%s is not an enum constant", this)
		}
		return common.StringValue(name), nil
	})
	p.DefineClass(ThreadClass, objectClass)
	p.DefineClass(collectionClass).Method("toArray", "()[Ljava/lang/Object;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		k.mu.Lock()
		elems := k.lists[this.ID]
		k.mu.Unlock()
		return p.NewArray(ObjectArrayClass, elems...), nil
	})
	p.DefineClass(ArrayListClass, objectClass, collectionClass)
	p.DefineClass(steClass, objectClass).Declare("declaringClass", "methodName", "fileName", "lineNumber")
}

func (k *Kotlin) loadContinuations() {
	p := k.P
	p.DefineClass(baseContClass, objectClass).
		Declare("completion").
		Method("getContext", "()Lkotlin/coroutines/CoroutineContext;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
			k.mu.Lock()
			defer k.mu.Unlock()
			return k.contexts[this.ID], nil
		})
	if k.opts.NoMetadata {
		return
	}
	p.DefineClass(metadataClass, objectClass).
		StaticMethod("getStackTraceElement", "(Lkotlin/coroutines/jvm/internal/BaseContinuationImpl;)Ljava/lang/StackTraceElement;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
			cont, err := objectArg(args)
			if err != nil {
				return common.Null, err
			}
			k.mu.Lock()
			frame, ok := k.frames[cont.ID]
			k.mu.Unlock()
			if !ok {
				return common.Null, nil
			}
			return common.ObjectValue(k.StackTraceElement(frame)), nil
		}).
		StaticMethod("getSpilledVariableFieldMapping", "(Lkotlin/coroutines/jvm/internal/BaseContinuationImpl;)[Ljava/lang/String;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
			cont, err := objectArg(args)
			if err != nil {
				return common.Null, err
			}
			k.mu.Lock()
			spills, ok := k.spills[cont.ID]
			k.mu.Unlock()
			if !ok {
				return common.Null, nil
			}
			pairs := make([]string, 0, 2*len(spills))
			for _, s := range spills {
				pairs = append(pairs, s.Field, s.Variable)
			}
			return p.StringArray(pairs...), nil
		})
}

func (k *Kotlin) loadContexts() {
	p := k.P
	p.DefineClass(contextClass).Method("get", "(Lkotlin/coroutines/CoroutineContext$Key;)Lkotlin/coroutines/CoroutineContext$Element;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		key, err := objectArg(args)
		if err != nil {
			return common.Null, err
		}
		k.mu.Lock()
		defer k.mu.Unlock()
		owner, ok := k.keys[key.ID]
		if !ok {
			return common.Null, &common.RemoteInvocationError{Method: "CoroutineContext.get", Exception: "java.lang.ClassCastException"}
		}
		return k.elements[this.ID][owner], nil
	})
	p.DefineClass(CombinedContextClass, objectClass, contextClass)
	p.DefineClass(nameClass, objectClass)
	for _, owner := range []string{jobClass, nameClass, interceptorClass} {
		key := p.NewObject(owner+"$Key", nil)
		k.keys[key.ID] = owner
		p.DefineClass(owner).Static("Key", common.ObjectValue(key))
	}
	p.DefineClass(nameClass, objectClass).Method("getName", "()Ljava/lang/String;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		k.mu.Lock()
		defer k.mu.Unlock()
		return common.StringValue(k.names[this.ID]), nil
	})
	p.DefineClass(scopeClass)
	p.DefineClass(StandaloneCoroutine, objectClass, jobClass, scopeClass)
	p.DefineClass(JobImplClass, objectClass, jobClass)
	p.DefineClass(DefaultScheduler, objectClass, interceptorClass)
}

func (k *Kotlin) loadProbes() {
	p := k.P
	instance := p.NewObject(probesClass, nil)
	c := p.DefineClass(probesClass).Static("INSTANCE", common.ObjectValue(instance))
	c.Method("isInstalled$kotlinx_coroutines_debug", "()Z", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		return common.BoolValue(!k.opts.NotInstalled), nil
	})
	if k.opts.Bulk {
		c.Method("dumpCoroutinesInfoAsJsonAndReferences", "()[Ljava/lang/Object;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
			parts, err := k.bulkParts()
			if err != nil {
				return common.Null, err
			}
			if k.BulkHook != nil {
				k.BulkHook(&parts)
			}
			return p.NewArray(ObjectArrayClass,
				common.StringValue(parts.JSON),
				p.NewArray(ObjectArrayClass, parts.Threads...),
				p.NewArray(ObjectArrayClass, parts.Frames...),
				p.NewArray(ObjectArrayClass, parts.Infos...),
			), nil
		})
	}
	if k.opts.PerObject {
		c.Method("dumpCoroutinesInfo", "()Ljava/util/List;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
			k.mu.Lock()
			infos := make([]common.Value, 0, len(k.coroutines))
			for _, r := range k.coroutines {
				infos = append(infos, common.ObjectValue(r.info))
			}
			k.mu.Unlock()
			return common.ObjectValue(k.List(infos...)), nil
		})
	}

	p.DefineClass(coroutineInfoClass, objectClass).
		Method("getCreationStackTrace", "()Ljava/util/List;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
			k.mu.Lock()
			frames := k.creation[this.ID]
			k.mu.Unlock()
			elems := make([]common.Value, 0, len(frames))
			for _, f := range frames {
				elems = append(elems, common.ObjectValue(k.StackTraceElement(f)))
			}
			return common.ObjectValue(k.List(elems...)), nil
		})
}

type jsonRecord struct {
	Name           *string `json:"name"`
	ID             *int64  `json:"id,omitempty"`
	Dispatcher     *string `json:"dispatcher,omitempty"`
	SequenceNumber int64   `json:"sequenceNumber"`
	State          string  `json:"state,omitempty"`
}

func (k *Kotlin) bulkParts() (BulkParts, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	parts := BulkParts{}
	records := make([]jsonRecord, 0, len(k.coroutines))
	for _, r := range k.coroutines {
		records = append(records, jsonRecord{
			Name:           r.coroutine.Name,
			ID:             r.coroutine.ID,
			Dispatcher:     r.coroutine.Dispatcher,
			SequenceNumber: r.coroutine.SequenceNumber,
			State:          r.coroutine.State,
		})
		parts.Threads = append(parts.Threads, r.coroutine.Thread)
		parts.Frames = append(parts.Frames, r.coroutine.Frame)
		parts.Infos = append(parts.Infos, common.ObjectValue(r.info))
	}
	data, err := json.Marshal(records)
	if err != nil {
		return parts, err
	}
	parts.JSON = string(data)
	return parts, nil
}

// AddCoroutine registers a coroutine and returns its info object
func (k *Kotlin) AddCoroutine(c Coroutine) common.ObjectRef {
	stateField, frameField := "_state", "_lastObservedFrame"
	if k.opts.LegacyFields {
		stateField, frameField = "state", "lastObservedFrame"
	}
	state := common.StringValue(c.State)
	if k.opts.EnumState {
		state = common.ObjectValue(k.stateConstant(c.State))
	}
	fields := map[string]common.Value{
		"sequenceNumber":     common.IntValue(c.SequenceNumber),
		stateField:           state,
		"lastObservedThread": c.Thread,
		frameField:           c.Frame,
	}
	if !c.Context.IsNull() {
		fields["_context"] = c.Context
	}
	info := k.P.NewObject(coroutineInfoClass, fields)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.creation[info.ID] = c.Creation
	k.coroutines = append(k.coroutines, registered{coroutine: c, info: info})
	return info
}

// stateConstant returns the State enum constant named name
func (k *Kotlin) stateConstant(name string) common.ObjectRef {
	k.mu.Lock()
	constant, ok := k.constants[name]
	k.mu.Unlock()
	if ok {
		return constant
	}
	k.P.DefineClass(StateEnumClass, enumClass)
	constant = k.P.NewObject(StateEnumClass, nil)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.constants[name] = constant
	k.enumNames[constant.ID] = name
	k.labels[constant.ID] = name
	return constant
}

// Thread allocates a thread object
func (k *Kotlin) Thread(name string) common.Value {
	t := k.P.NewObject(ThreadClass, nil)
	k.label(t, fmt.Sprintf("Thread[%s,5,main]", name))
	return common.ObjectValue(t)
}

// StackTraceElement allocates a java.lang.StackTraceElement for frame
func (k *Kotlin) StackTraceElement(frame common.SymbolicFrame) common.ObjectRef {
	file := common.Null
	if frame.FileName != "" {
		file = common.StringValue(frame.FileName)
	}
	return k.P.NewObject(steClass, map[string]common.Value{
		"declaringClass": common.StringValue(frame.ClassName),
		"methodName":     common.StringValue(frame.MethodName),
		"fileName":       file,
		"lineNumber":     common.IntValue(int64(frame.Line)),
	})
}

// List allocates a java.util.ArrayList
func (k *Kotlin) List(elems ...common.Value) common.ObjectRef {
	l := k.P.NewObject(ArrayListClass, nil)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lists[l.ID] = elems
	return l
}

// Continuation allocates a continuation of className, a subclass of
// BaseContinuationImpl. A nil frame leaves debug metadata absent for it.
func (k *Kotlin) Continuation(className string, frame *common.SymbolicFrame, spills ...Spill) common.ObjectRef {
	k.P.DefineClass(className, baseContClass)
	fields := map[string]common.Value{}
	for _, s := range spills {
		fields[s.Field] = s.Value
	}
	cont := k.P.NewObject(className, fields)
	k.mu.Lock()
	defer k.mu.Unlock()
	if frame != nil {
		k.frames[cont.ID] = *frame
	}
	if len(spills) > 0 {
		k.spills[cont.ID] = spills
	}
	return cont
}

// Chain links each continuation to the next through completion
func (k *Kotlin) Chain(conts ...common.ObjectRef) {
	for i := 0; i+1 < len(conts); i++ {
		k.Link(conts[i], common.ObjectValue(conts[i+1]))
	}
}

// Link sets the completion of cont
func (k *Kotlin) Link(cont common.ObjectRef, completion common.Value) {
	k.P.Set(cont, "completion", completion)
}

// SetContext sets the value getContext returns for cont
func (k *Kotlin) SetContext(cont common.ObjectRef, coroutineContext common.Value) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.contexts[cont.ID] = coroutineContext
}

// Job allocates a job; scope selects whether it is also a CoroutineScope
func (k *Kotlin) Job(scope bool) common.ObjectRef {
	if scope {
		return k.P.NewObject(StandaloneCoroutine, nil)
	}
	return k.P.NewObject(JobImplClass, nil)
}

// Context allocates a coroutine context. Zero arguments leave their
// element absent.
func (k *Kotlin) Context(job common.Value, name string, dispatcher string) common.ObjectRef {
	c := k.P.NewObject(CombinedContextClass, nil)
	elems := map[string]common.Value{}
	if !job.IsNull() {
		elems[jobClass] = job
	}
	if name != "" {
		n := k.P.NewObject(nameClass, nil)
		k.mu.Lock()
		k.names[n.ID] = name
		k.mu.Unlock()
		elems[nameClass] = common.ObjectValue(n)
	}
	if dispatcher != "" {
		d := k.P.NewObject(DefaultScheduler, nil)
		k.label(d, dispatcher)
		elems[interceptorClass] = common.ObjectValue(d)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.elements[c.ID] = elems
	return c
}

func (k *Kotlin) label(obj common.ObjectRef, label string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.labels[obj.ID] = label
}

func objectArg(args []common.Value) (common.ObjectRef, error) {
	if len(args) != 1 {
		return common.ObjectRef{}, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	obj, ok := args[0].Object()
	if !ok {
		return common.ObjectRef{}, &common.RemoteInvocationError{Method: "argument", Exception: "java.lang.NullPointerException"}
	}
	return obj, nil
}
