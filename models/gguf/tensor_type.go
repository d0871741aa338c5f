// Package gguf reads and writes GGUF (GGML Universal Format) model files.
//
// Reading parses the header, metadata and tensor table of a file and gives raw,
// memory-mapped access to tensor payloads:
//
//	f, err := gguf.Open("/path/to/model.gguf")
//	if err != nil {
//		panic(err)
//	}
//	fmt.Println(f.Architecture(), len(f.TensorInfos))
//
// Writing goes through Writer, which enforces the order in which a file is
// committed: metadata and tensors are registered first, then the header, the
// key-value block and finally the tensor payload are written.
//
//	w, err := gguf.Create("/path/to/out.gguf")
//	if err != nil {
//		panic(err)
//	}
//	_ = w.AddKeyValue("general.architecture", gguf.MustValue("llama"))
//	_ = w.AddTensor("token_embd.weight", []uint64{4096, 32000}, gguf.TensorTypeF16, data)
//	_ = w.WriteHeader()
//	_ = w.WriteKeyValues()
//	_ = w.WriteTensors()
//	_ = w.Close()
//
// Splitting a model over several files is handled by the split sub-package.
package gguf

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// TensorType represents the data type or quantization format of a tensor in a GGUF file.
type TensorType uint32

const (
	TensorTypeF32  TensorType = 0
	TensorTypeF16  TensorType = 1
	TensorTypeQ4_0 TensorType = 2
	TensorTypeQ4_1 TensorType = 3
	// 4, 5 are unused/removed types.
	TensorTypeQ5_0    TensorType = 6
	TensorTypeQ5_1    TensorType = 7
	TensorTypeQ8_0    TensorType = 8
	TensorTypeQ8_1    TensorType = 9
	TensorTypeQ2_K    TensorType = 10
	TensorTypeQ3_K    TensorType = 11
	TensorTypeQ4_K    TensorType = 12
	TensorTypeQ5_K    TensorType = 13
	TensorTypeQ6_K    TensorType = 14
	TensorTypeQ8_K    TensorType = 15
	TensorTypeIQ2_XXS TensorType = 16
	TensorTypeIQ2_XS  TensorType = 17
	TensorTypeIQ3_XXS TensorType = 18
	TensorTypeIQ1_S   TensorType = 19
	TensorTypeIQ4_NL  TensorType = 20
	TensorTypeIQ3_S   TensorType = 21
	TensorTypeIQ2_S   TensorType = 22
	TensorTypeIQ4_XS  TensorType = 23
	TensorTypeI8      TensorType = 24
	TensorTypeI16     TensorType = 25
	TensorTypeI32     TensorType = 26
	TensorTypeI64     TensorType = 27
	TensorTypeF64     TensorType = 28
	TensorTypeIQ1_M   TensorType = 29
	TensorTypeBF16    TensorType = 30
	// 31-33 are unused.
	TensorTypeTQ1_0 TensorType = 34
	TensorTypeTQ2_0 TensorType = 35
	// 36-38 are unused.
	TensorTypeMXFP4 TensorType = 39
)

// tensorTypeTraits describes the storage layout of one tensor type:
// blockSize elements are packed into typeSize bytes.
type tensorTypeTraits struct {
	name      string
	blockSize int
	typeSize  int
	quantized bool
}

const (
	qk  = 32  // Elements per block of the legacy quants.
	qkK = 256 // Elements per super-block of the K-quants and i-quants.
)

var tensorTypes = map[TensorType]tensorTypeTraits{
	TensorTypeF32:  {"F32", 1, 4, false},
	TensorTypeF16:  {"F16", 1, 2, false},
	TensorTypeBF16: {"BF16", 1, 2, false},
	TensorTypeF64:  {"F64", 1, 8, false},
	TensorTypeI8:   {"I8", 1, 1, false},
	TensorTypeI16:  {"I16", 1, 2, false},
	TensorTypeI32:  {"I32", 1, 4, false},
	TensorTypeI64:  {"I64", 1, 8, false},

	TensorTypeQ4_0:   {"Q4_0", qk, 2 + qk/2, true},
	TensorTypeQ4_1:   {"Q4_1", qk, 2 + 2 + qk/2, true},
	TensorTypeQ5_0:   {"Q5_0", qk, 2 + 4 + qk/2, true},
	TensorTypeQ5_1:   {"Q5_1", qk, 2 + 2 + 4 + qk/2, true},
	TensorTypeQ8_0:   {"Q8_0", qk, 2 + qk, true},
	TensorTypeQ8_1:   {"Q8_1", qk, 2 + 2 + qk, true},
	TensorTypeIQ4_NL: {"IQ4_NL", qk, 2 + qk/2, true},
	TensorTypeMXFP4:  {"MXFP4", qk, 1 + qk/2, true},

	TensorTypeQ2_K:    {"Q2_K", qkK, qkK/16 + qkK/4 + 2 + 2, true},
	TensorTypeQ3_K:    {"Q3_K", qkK, qkK/8 + qkK/4 + 12 + 2, true},
	TensorTypeQ4_K:    {"Q4_K", qkK, 2 + 2 + 12 + qkK/2, true},
	TensorTypeQ5_K:    {"Q5_K", qkK, 2 + 2 + 12 + qkK/8 + qkK/2, true},
	TensorTypeQ6_K:    {"Q6_K", qkK, qkK/2 + qkK/4 + qkK/16 + 2, true},
	TensorTypeQ8_K:    {"Q8_K", qkK, 4 + qkK + 2*qkK/16, true},
	TensorTypeIQ2_XXS: {"IQ2_XXS", qkK, 2 + 2*qkK/8, true},
	TensorTypeIQ2_XS:  {"IQ2_XS", qkK, 2 + 2*qkK/8 + qkK/32, true},
	TensorTypeIQ3_XXS: {"IQ3_XXS", qkK, 2 + qkK/4 + qkK/8, true},
	TensorTypeIQ1_S:   {"IQ1_S", qkK, 2 + qkK/8 + qkK/16, true},
	TensorTypeIQ3_S:   {"IQ3_S", qkK, 2 + qkK/4 + qkK/8 + qkK/32 + 4, true},
	TensorTypeIQ2_S:   {"IQ2_S", qkK, 2 + qkK/4 + qkK/16, true},
	TensorTypeIQ4_XS:  {"IQ4_XS", qkK, 2 + 2 + qkK/2 + qkK/64, true},
	TensorTypeIQ1_M:   {"IQ1_M", qkK, qkK/8 + qkK/16 + qkK/32, true},
	TensorTypeTQ1_0:   {"TQ1_0", qkK, 2 + 4*13, true},
	TensorTypeTQ2_0:   {"TQ2_0", qkK, 2 + qkK/4, true},
}

// String returns a human-readable name for the tensor type.
func (t TensorType) String() string {
	if traits, ok := tensorTypes[t]; ok {
		return traits.name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// IsValid reports whether t is a tensor type whose storage size is known.
func (t TensorType) IsValid() bool {
	_, ok := tensorTypes[t]
	return ok
}

// BlockSize returns the number of elements per quantization block.
// Native types have a block size of 1, legacy quants 32 and K-quants 256.
// Unknown types return 0.
func (t TensorType) BlockSize() int {
	return tensorTypes[t].blockSize
}

// TypeSize returns the number of bytes per quantization block.
// For native types with block size 1, this is the element size in bytes.
// Unknown types return 0.
func (t TensorType) TypeSize() int {
	return tensorTypes[t].typeSize
}

// IsQuantized returns true if the tensor type requires dequantization
// to be used as standard floating-point data.
func (t TensorType) IsQuantized() bool {
	traits, ok := tensorTypes[t]
	return !ok || traits.quantized
}

// BytesFor returns the number of bytes nElements of this type occupy,
// or 0 if the type is unknown.
func (t TensorType) BytesFor(nElements uint64) uint64 {
	traits, ok := tensorTypes[t]
	if !ok {
		return 0
	}
	return nElements * uint64(traits.typeSize) / uint64(traits.blockSize)
}

// GoMLXDType returns the GoMLX dtype for native (non-quantized) tensor types.
// Quantized types have no GoMLX equivalent and return dtypes.Float32.
func (t TensorType) GoMLXDType() dtypes.DType {
	for dtype, tt := range dtypeToTensorType {
		if tt == t {
			return dtype
		}
	}
	return dtypes.Float32
}

var dtypeToTensorType = map[dtypes.DType]TensorType{
	dtypes.Float32:  TensorTypeF32,
	dtypes.Float16:  TensorTypeF16,
	dtypes.BFloat16: TensorTypeBF16,
	dtypes.Float64:  TensorTypeF64,
	dtypes.Int8:     TensorTypeI8,
	dtypes.Int16:    TensorTypeI16,
	dtypes.Int32:    TensorTypeI32,
	dtypes.Int64:    TensorTypeI64,
}

// TensorTypeFromDType returns the native GGUF tensor type that stores values of dtype.
// Unsigned, boolean and complex dtypes have no GGUF equivalent.
func TensorTypeFromDType(dtype dtypes.DType) (TensorType, error) {
	t, ok := dtypeToTensorType[dtype]
	if !ok {
		return 0, fmt.Errorf("gguf: dtype %s has no GGUF tensor type", dtype)
	}
	return t, nil
}

// TensorInfo holds parsed information about a single tensor in a GGUF file.
type TensorInfo struct {
	Name   string
	Shape  []uint64 // Dimensions in GGUF native order (innermost first).
	Type   TensorType
	Offset uint64 // Byte offset within the tensor data section.
}

// NumElements returns the total number of elements in the tensor.
func (ti *TensorInfo) NumElements() uint64 {
	return NumElements(ti.Shape)
}

// NumBytes returns the total number of bytes the tensor data occupies in the file.
func (ti *TensorInfo) NumBytes() int64 {
	return int64(ti.Type.BytesFor(ti.NumElements()))
}

// GoMLXShape returns the GoMLX dtype and dimensions for this tensor.
// GGUF stores dimensions innermost-first; this reverses them to the
// outermost-first convention used by GoMLX and HuggingFace.
func (ti *TensorInfo) GoMLXShape() (dtypes.DType, []int) {
	dtype := ti.Type.GoMLXDType()
	dims := make([]int, len(ti.Shape))
	for i, d := range ti.Shape {
		dims[i] = int(d)
	}
	slices.Reverse(dims)
	return dtype, dims
}

// NumElements returns the product of the dimensions. A scalar (empty shape) has one element.
func NumElements(shape []uint64) uint64 {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// ShapeFromGoMLX converts outermost-first GoMLX dimensions to GGUF order.
func ShapeFromGoMLX(dims []int) []uint64 {
	shape := make([]uint64, len(dims))
	for i, d := range dims {
		shape[len(dims)-1-i] = uint64(d)
	}
	return shape
}
