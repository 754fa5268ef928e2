package extractor

import (
	"fmt"
	"reflect"
	"sync"
)

// transferFunc is the type-erased form of a state<->memory transfer
// closure: it has already been bound to one state instance (a pointer or
// value carried in `state`) the way the source system's std::bind did.
type transferFunc func(state any, p *AnyP, batchIdx int)

// Field is the Go analogue of FuncMapBase/FuncMapT<T>: an immutable (after
// registration) named, typed, shaped element descriptor plus the
// registry of per-state-type transfer closures bound to it.
type Field struct {
	name     string
	elemType reflect.Type
	elemSize int
	shape    Shape

	mu         sync.RWMutex
	stateToMem map[reflect.Type]transferFunc
	memToState map[reflect.Type]transferFunc
}

func newField(name string, elemType reflect.Type, elemSize int) *Field {
	return &Field{
		name:       name,
		elemType:   elemType,
		elemSize:   elemSize,
		stateToMem: make(map[reflect.Type]transferFunc),
		memToState: make(map[reflect.Type]transferFunc),
	}
}

// Name returns the field's registered key.
func (f *Field) Name() string { return f.name }

// TypeName returns a stable type tag string, checked against AnyP.SetData
// callers (the external ABI both sides of a remote connection agree on).
func (f *Field) TypeName() string { return f.elemType.String() }

// ElemSize returns the byte size of one scalar element.
func (f *Field) ElemSize() int { return f.elemSize }

// Shape returns the field's extents, first dimension is batchsize.
func (f *Field) Shape() Shape { return f.shape.clone() }

// ByteSize returns the total footprint a batch of this field occupies.
func (f *Field) ByteSize() int { return f.shape.ByteSize(f.elemSize) }

// AddExtents finalizes the field's batchsize and shape. The first shape
// entry must equal batchsize, matching the source's addExtents contract.
func (f *Field) AddExtents(batchsize int, shape Shape) *Field {
	if len(shape) == 0 || shape[0] != batchsize {
		shape = append(Shape{batchsize}, shape...)
	}
	f.shape = shape
	return f
}

func stateType[S any]() reflect.Type {
	return reflect.TypeOf((*S)(nil)).Elem()
}

// AddStateToMem registers the state->mem closure for state type S: it
// will run once per contributing message's batch_idx, reading the bound
// state instance and writing into the AnyP view.
func AddStateToMem[S any](f *Field, fn func(s S, p *AnyP, batchIdx int)) *Field {
	t := stateType[S]()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateToMem[t] = func(state any, p *AnyP, batchIdx int) { fn(state.(S), p, batchIdx) }
	return f
}

// AddMemToState registers the mem->state closure for state type S.
func AddMemToState[S any](f *Field, fn func(s S, p *AnyP, batchIdx int)) *Field {
	t := stateType[S]()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memToState[t] = func(state any, p *AnyP, batchIdx int) { fn(state.(S), p, batchIdx) }
	return f
}

// AddTypedStateToMem is the common-case convenience form: the function
// deals directly with a *T element address rather than the raw AnyP view.
func AddTypedStateToMem[S any, T any](f *Field, fn func(s S, v *T)) *Field {
	return AddStateToMem[S](f, func(s S, p *AnyP, batchIdx int) {
		v, err := Address[T](p, []int{batchIdx})
		if err != nil {
			return
		}
		fn(s, v)
	})
}

// AddTypedMemToState is the mem->state counterpart of AddTypedStateToMem.
func AddTypedMemToState[S any, T any](f *Field, fn func(s S, v *T)) *Field {
	return AddMemToState[S](f, func(s S, p *AnyP, batchIdx int) {
		v, err := Address[T](p, []int{batchIdx})
		if err != nil {
			return
		}
		fn(s, v)
	})
}

func (f *Field) bindStateToMem(stateType reflect.Type, state any) (func(p *AnyP, batchIdx int), bool) {
	f.mu.RLock()
	fn, ok := f.stateToMem[stateType]
	f.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return func(p *AnyP, batchIdx int) { fn(state, p, batchIdx) }, true
}

func (f *Field) bindMemToState(stateType reflect.Type, state any) (func(p *AnyP, batchIdx int), bool) {
	f.mu.RLock()
	fn, ok := f.memToState[stateType]
	f.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return func(p *AnyP, batchIdx int) { fn(state, p, batchIdx) }, true
}

func (f *Field) String() string {
	return fmt.Sprintf("key: %s, batchsize: %d, shape: %v, type: %s", f.name, f.batchsize(), f.shape, f.TypeName())
}

func (f *Field) batchsize() int {
	if len(f.shape) == 0 {
		return 0
	}
	return f.shape[0]
}
