package remote

import (
	"testing"
	"unsafe"

	"github.com/PayRpc/elf-dispatch/internal/extractor"
	"github.com/PayRpc/elf-dispatch/internal/sharedmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoundAnyP(t *testing.T, f *extractor.Field) (*extractor.AnyP, []byte) {
	t.Helper()
	buf := make([]byte, f.ByteSize())
	p := extractor.NewAnyP(f)
	stride := f.Shape().ContiguousStrides(f.ElemSize())
	require.NoError(t, p.SetData(unsafe.Pointer(&buf[0]), f.TypeName(), stride))
	return p, buf
}

// TestWireEncodeDecodeRoundTrip is the SharedMemData encode<->decode
// round-trip scenario: bytes written into a source slot's bound memory
// survive Marshal/Unmarshal and land byte-identical in a receiving
// slot's own bound memory.
func TestWireEncodeDecodeRoundTrip(t *testing.T) {
	ext := extractor.New(nil)
	f := extractor.AddField[float32](ext, "x")
	f.AddExtents(2, extractor.Shape{2})

	srcP, srcBuf := newBoundAnyP(t, f)
	vals := (*[2]float32)(unsafe.Pointer(&srcBuf[0]))
	vals[0], vals[1] = 1.5, 2.5

	src := &sharedmem.Data{
		Options:         sharedmem.Options{Label: "x"},
		ActiveBatchSize: 2,
		Mem:             map[string]*extractor.AnyP{"x": srcP},
	}
	env := Encode(src, "sig-1")
	assert.Equal(t, "sig-1", env.Signature)
	assert.Equal(t, 2, env.BatchSize)

	wire, err := Marshal(env)
	require.NoError(t, err)
	roundTripped, err := Unmarshal(wire)
	require.NoError(t, err)

	dstP, dstBuf := newBoundAnyP(t, f)
	dst := &sharedmem.Data{
		Options: sharedmem.Options{Label: "x"},
		Mem:     map[string]*extractor.AnyP{"x": dstP},
	}
	require.NoError(t, Decode(roundTripped, dst))
	assert.Equal(t, 2, dst.ActiveBatchSize)

	got := (*[2]float32)(unsafe.Pointer(&dstBuf[0]))
	assert.Equal(t, vals[0], got[0])
	assert.Equal(t, vals[1], got[1])
}

func TestDecodeRejectsFieldTypeMismatch(t *testing.T) {
	ext := extractor.New(nil)
	f := extractor.AddField[float32](ext, "x")
	f.AddExtents(1, extractor.Shape{1})
	p, _ := newBoundAnyP(t, f)

	dst := &sharedmem.Data{Mem: map[string]*extractor.AnyP{"x": p}}
	env := &Envelope{Fields: map[string]FieldBlock{
		"x": {TypeName: "int32", Data: make([]byte, 4)},
	}}

	err := Decode(env, dst)
	assert.Error(t, err)
}

func TestDecodeRejectsFieldByteSizeMismatch(t *testing.T) {
	ext := extractor.New(nil)
	f := extractor.AddField[float32](ext, "x")
	f.AddExtents(2, extractor.Shape{2})
	p, _ := newBoundAnyP(t, f)

	dst := &sharedmem.Data{Mem: map[string]*extractor.AnyP{"x": p}}
	env := &Envelope{Fields: map[string]FieldBlock{
		"x": {TypeName: f.TypeName(), Data: make([]byte, 4)}, // field is 2*4=8 bytes
	}}

	err := Decode(env, dst)
	assert.Error(t, err)
}

func TestDecodeSkipsFieldsWithNoLocalBinding(t *testing.T) {
	dst := &sharedmem.Data{Mem: map[string]*extractor.AnyP{}}
	env := &Envelope{BatchSize: 3, Fields: map[string]FieldBlock{
		"unknown": {TypeName: "float32", Data: []byte{1, 2, 3, 4}},
	}}
	require.NoError(t, Decode(env, dst))
	assert.Equal(t, 3, dst.ActiveBatchSize)
}
