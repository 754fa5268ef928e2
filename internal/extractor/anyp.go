package extractor

import (
	"fmt"
	"reflect"
	"unsafe"
)

// AnyP is a typed, shape-aware view over externally owned bytes. It binds
// to memory in a second step (SetData) after being produced by
// Extractor.GetAnyP, matching the source system's two-phase
// field-registration / memory-binding split.
type AnyP struct {
	field  *Field
	shape  Shape
	stride []int
	base   unsafe.Pointer
}

// NewAnyP returns an unbound view over f; call SetData before any
// Address/Slice call.
func NewAnyP(f *Field) *AnyP {
	return &AnyP{field: f, shape: f.Shape()}
}

// Field returns the field this view was produced from.
func (p *AnyP) Field() *Field { return p.field }

// SetData binds p to base, verifying typeName matches the field's
// registered element type and that stride is at least the default
// contiguous stride in every dimension.
func (p *AnyP) SetData(base unsafe.Pointer, typeName string, stride []int) error {
	if typeName != p.field.TypeName() {
		return fmt.Errorf("extractor: field %q expects type %s, got %s", p.field.name, p.field.TypeName(), typeName)
	}
	if len(stride) != len(p.shape) {
		return fmt.Errorf("extractor: field %q stride rank %d != shape rank %d", p.field.name, len(stride), len(p.shape))
	}
	def := p.shape.ContiguousStrides(p.field.elemSize)
	for i := range stride {
		if stride[i] < def[i] {
			return fmt.Errorf("extractor: field %q stride[%d]=%d below contiguous minimum %d", p.field.name, i, stride[i], def[i])
		}
	}
	p.base = base
	p.stride = stride
	return nil
}

// ByteSize returns the total byte footprint of p's bound region.
func (p *AnyP) ByteSize() int { return p.shape.ByteSize(p.field.elemSize) }

func (p *AnyP) linearOffset(indices []int) (int, error) {
	if len(indices) > len(p.shape) {
		return 0, fmt.Errorf("extractor: field %q got %d indices for rank %d", p.field.name, len(indices), len(p.shape))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= p.shape[i] {
			return 0, fmt.Errorf("extractor: field %q index[%d]=%d out of bounds [0,%d)", p.field.name, i, idx, p.shape[i])
		}
		off += idx * p.stride[i]
	}
	return off, nil
}

// Address returns a typed pointer at indices, bounds-checked against the
// bound shape and verified against the field's registered element type.
func Address[T any](p *AnyP, indices []int) (*T, error) {
	if p.base == nil {
		return nil, fmt.Errorf("extractor: field %q: AnyP not bound (call SetData first)", p.field.name)
	}
	if reflect.TypeOf((*T)(nil)).Elem() != p.field.elemType {
		return nil, fmt.Errorf("extractor: field %q type mismatch on Address", p.field.name)
	}
	off, err := p.linearOffset(indices)
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Add(p.base, off)), nil
}

func sizeOf(v any) int {
	return int(unsafe.Sizeof(v))
}

// RawBytes returns the bound region as a flat byte slice, for transport
// codecs that move a field's contents without caring about its element
// type (the two ends of a wire agree on TypeName/Shape out of band).
func (p *AnyP) RawBytes() []byte {
	if p.base == nil {
		return nil
	}
	n := p.ByteSize()
	return unsafe.Slice((*byte)(p.base), n)
}

// Slice returns a rank-(r-1) view fixing the first dimension to i: the
// same bound memory, offset by i*stride[0], dropping the leading
// dimension from both shape and stride.
func (p *AnyP) Slice(i int) (*AnyP, error) {
	if len(p.shape) == 0 {
		return nil, fmt.Errorf("extractor: field %q: cannot slice a rank-0 view", p.field.name)
	}
	if i < 0 || i >= p.shape[0] {
		return nil, fmt.Errorf("extractor: field %q: slice index %d out of bounds [0,%d)", p.field.name, i, p.shape[0])
	}
	if p.base == nil {
		return nil, fmt.Errorf("extractor: field %q: AnyP not bound", p.field.name)
	}
	return &AnyP{
		field:  p.field,
		shape:  p.shape[1:].clone(),
		stride: append([]int(nil), p.stride[1:]...),
		base:   unsafe.Add(p.base, i*p.stride[0]),
	}, nil
}
