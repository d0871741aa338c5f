package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	ggufMagic           = "GGUF"
	defaultAlignment    = 32
	minSupportedVersion = 2
	writerVersion       = 3

	// KeyArchitecture and KeyAlignment are the general keys this package interprets.
	KeyArchitecture = "general.architecture"
	KeyAlignment    = "general.alignment"
)

// File represents a parsed GGUF file. Create one with Open.
type File struct {
	// Version is the GGUF format version (2 or 3).
	Version uint32
	// ByteOrder is the byte order of every numeric field in the file.
	ByteOrder binary.ByteOrder
	// Alignment is the byte alignment for tensor data (default 32).
	Alignment uint64
	// KeyValues holds all metadata key-value pairs from the file header, in file order.
	KeyValues []KeyValue
	// TensorInfos holds parsed information about every tensor in the file, in file order.
	TensorInfos []TensorInfo

	kvByKey      map[string]*KeyValue
	tensorByName map[string]*TensorInfo
	path         string
	dataOffset   int64
}

// Open opens and parses a GGUF file, reading all metadata and tensor info.
// The returned File can be used to look up metadata and read tensor data.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gguf: open %s: %w", path, err)
	}
	defer f.Close()

	file, err := parse(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	file.path = path
	return file, nil
}

func parse(r io.Reader) (*File, error) {
	file := &File{}
	d := &decoder{r: r, order: binary.LittleEndian}

	// Read and validate magic number.
	var magic [4]byte
	if _, err := io.ReadFull(d, magic[:]); err != nil {
		return nil, fmt.Errorf("gguf: read magic: %w", err)
	}
	if string(magic[:]) != ggufMagic {
		return nil, fmt.Errorf("gguf: invalid magic %q, expected %q", magic[:], ggufMagic)
	}

	// The version is small, so a value with an empty low half was written big-endian.
	var versionBytes [4]byte
	if _, err := io.ReadFull(d, versionBytes[:]); err != nil {
		return nil, fmt.Errorf("gguf: read version: %w", err)
	}
	file.Version = binary.LittleEndian.Uint32(versionBytes[:])
	if file.Version&0xFFFF == 0 {
		d.order = binary.BigEndian
		file.Version = binary.BigEndian.Uint32(versionBytes[:])
	}
	file.ByteOrder = d.order
	if file.Version < minSupportedVersion {
		return nil, fmt.Errorf("gguf: unsupported version %d (minimum %d)", file.Version, minSupportedVersion)
	}

	// Read counts.
	var tensorCount, kvCount uint64
	if err := d.read(&tensorCount); err != nil {
		return nil, fmt.Errorf("gguf: read tensor count: %w", err)
	}
	if err := d.read(&kvCount); err != nil {
		return nil, fmt.Errorf("gguf: read kv count: %w", err)
	}

	file.KeyValues = make([]KeyValue, 0, min(kvCount, 1<<16))
	for range kvCount {
		kv, err := d.readKeyValue()
		if err != nil {
			return nil, fmt.Errorf("gguf: read kv pair %d/%d: %w", len(file.KeyValues), kvCount, err)
		}
		file.KeyValues = append(file.KeyValues, kv)
	}

	file.TensorInfos = make([]TensorInfo, 0, min(tensorCount, 1<<16))
	for range tensorCount {
		ti, err := d.readTensorInfo()
		if err != nil {
			return nil, fmt.Errorf("gguf: read tensor info %d/%d: %w", len(file.TensorInfos), tensorCount, err)
		}
		file.TensorInfos = append(file.TensorInfos, ti)
	}

	file.buildIndexes()

	// Compute aligned data offset.
	file.Alignment = defaultAlignment
	if kv, ok := file.getKV(KeyAlignment); ok {
		if a := kv.Uint(); a > 0 {
			file.Alignment = a
		}
	}
	file.dataOffset = int64(alignOffset(uint64(d.n), file.Alignment))
	return file, nil
}

func (f *File) buildIndexes() {
	f.kvByKey = make(map[string]*KeyValue, len(f.KeyValues))
	for i := range f.KeyValues {
		f.kvByKey[f.KeyValues[i].Key] = &f.KeyValues[i]
	}
	f.tensorByName = make(map[string]*TensorInfo, len(f.TensorInfos))
	for i := range f.TensorInfos {
		f.tensorByName[f.TensorInfos[i].Name] = &f.TensorInfos[i]
	}
}

// Path returns the local file path of the GGUF file.
func (f *File) Path() string {
	return f.path
}

// DataOffset returns the byte offset where tensor data begins in the file.
func (f *File) DataOffset() int64 {
	return f.dataOffset
}

// GetKeyValue looks up a metadata key-value pair by its key.
func (f *File) GetKeyValue(key string) (KeyValue, bool) {
	return f.getKV(key)
}

func (f *File) getKV(key string) (KeyValue, bool) {
	kv, ok := f.kvByKey[key]
	if !ok {
		return KeyValue{}, false
	}
	return *kv, true
}

// GetTensorInfo looks up a tensor by name.
func (f *File) GetTensorInfo(name string) (TensorInfo, bool) {
	ti, ok := f.tensorByName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return *ti, true
}

// Architecture returns the model architecture string (e.g., "llama", "gemma"),
// or "" if the metadata key "general.architecture" is not present.
func (f *File) Architecture() string {
	kv, ok := f.getKV(KeyArchitecture)
	if !ok {
		return ""
	}
	return kv.String()
}

// ListTensorNames returns the names of all tensors in the file.
func (f *File) ListTensorNames() []string {
	names := make([]string, len(f.TensorInfos))
	for i, ti := range f.TensorInfos {
		names[i] = ti.Name
	}
	return names
}

// alignOffset rounds offset up to the next multiple of alignment.
func alignOffset(offset, alignment uint64) uint64 {
	return offset + (alignment-offset%alignment)%alignment
}

// decoder reads GGUF primitives in a fixed byte order and counts bytes consumed.
type decoder struct {
	r     io.Reader
	order binary.ByteOrder
	n     int64
}

func (d *decoder) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	d.n += int64(n)
	return n, err
}

func (d *decoder) read(v any) error {
	return binary.Read(d, d.order, v)
}

// readString reads a GGUF string: uint64 length prefix followed by that many bytes.
func (d *decoder) readString() (string, error) {
	var length uint64
	if err := d.read(&length); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	if length > 1<<20 { // 1MB sanity check for a single string.
		return "", fmt.Errorf("string length %d exceeds 1MB limit", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d, buf); err != nil {
		return "", fmt.Errorf("read string data: %w", err)
	}
	return string(buf), nil
}

// readKeyValue reads a single GGUF key-value pair from the stream.
func (d *decoder) readKeyValue() (KeyValue, error) {
	key, err := d.readString()
	if err != nil {
		return KeyValue{}, fmt.Errorf("read key: %w", err)
	}

	var typeTag uint32
	if err := d.read(&typeTag); err != nil {
		return KeyValue{}, fmt.Errorf("read value type for %q: %w", key, err)
	}

	val, err := d.readValue(ValueType(typeTag))
	if err != nil {
		return KeyValue{}, fmt.Errorf("read value for %q (type %d): %w", key, typeTag, err)
	}
	return KeyValue{Key: key, Value: val}, nil
}

// readValue reads a GGUF value of the given type.
func (d *decoder) readValue(vtype ValueType) (Value, error) {
	switch vtype {
	case ValueTypeUint8:
		return readScalar[uint8](d)
	case ValueTypeInt8:
		return readScalar[int8](d)
	case ValueTypeUint16:
		return readScalar[uint16](d)
	case ValueTypeInt16:
		return readScalar[int16](d)
	case ValueTypeUint32:
		return readScalar[uint32](d)
	case ValueTypeInt32:
		return readScalar[int32](d)
	case ValueTypeFloat32:
		return readScalar[float32](d)
	case ValueTypeUint64:
		return readScalar[uint64](d)
	case ValueTypeInt64:
		return readScalar[int64](d)
	case ValueTypeFloat64:
		return readScalar[float64](d)
	case ValueTypeBool:
		var v uint8
		if err := d.read(&v); err != nil {
			return Value{}, err
		}
		return Value{data: v != 0}, nil
	case ValueTypeString:
		s, err := d.readString()
		return Value{data: s}, err
	case ValueTypeArray:
		return d.readArray()
	default:
		return Value{}, fmt.Errorf("unknown value type %d", vtype)
	}
}

func readScalar[T any](d *decoder) (Value, error) {
	var v T
	err := d.read(&v)
	return Value{data: v}, err
}

// readArray reads a GGUF typed array: uint32 element type, uint64 count, then elements.
func (d *decoder) readArray() (Value, error) {
	var elemType uint32
	if err := d.read(&elemType); err != nil {
		return Value{}, fmt.Errorf("read array element type: %w", err)
	}
	var count uint64
	if err := d.read(&count); err != nil {
		return Value{}, fmt.Errorf("read array count: %w", err)
	}

	switch ValueType(elemType) {
	case ValueTypeUint8:
		return readArrayOf[uint8](d, count)
	case ValueTypeInt8:
		return readArrayOf[int8](d, count)
	case ValueTypeUint16:
		return readArrayOf[uint16](d, count)
	case ValueTypeInt16:
		return readArrayOf[int16](d, count)
	case ValueTypeUint32:
		return readArrayOf[uint32](d, count)
	case ValueTypeInt32:
		return readArrayOf[int32](d, count)
	case ValueTypeFloat32:
		return readArrayOf[float32](d, count)
	case ValueTypeUint64:
		return readArrayOf[uint64](d, count)
	case ValueTypeInt64:
		return readArrayOf[int64](d, count)
	case ValueTypeFloat64:
		return readArrayOf[float64](d, count)
	case ValueTypeBool:
		raw, err := readArrayOf[uint8](d, count)
		if err != nil {
			return Value{}, err
		}
		vals := make([]bool, count)
		for i, b := range raw.data.([]uint8) {
			vals[i] = b != 0
		}
		return Value{data: vals}, nil
	case ValueTypeString:
		vals := make([]string, 0, min(count, 1<<16))
		for i := range count {
			s, err := d.readString()
			if err != nil {
				return Value{}, fmt.Errorf("read string array element %d: %w", i, err)
			}
			vals = append(vals, s)
		}
		return Value{data: vals}, nil
	default:
		return Value{}, fmt.Errorf("unsupported array element type %d", elemType)
	}
}

// readArrayOf reads a typed numeric array in one call.
func readArrayOf[T any](d *decoder, count uint64) (Value, error) {
	if count > 1<<32 {
		return Value{}, fmt.Errorf("array count %d is not plausible", count)
	}
	vals := make([]T, count)
	if err := d.read(vals); err != nil {
		return Value{}, fmt.Errorf("read array of %d elements: %w", count, err)
	}
	return Value{data: vals}, nil
}

// readTensorInfo reads a single tensor info entry from the stream.
func (d *decoder) readTensorInfo() (TensorInfo, error) {
	name, err := d.readString()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("read tensor name: %w", err)
	}

	var nDims uint32
	if err := d.read(&nDims); err != nil {
		return TensorInfo{}, fmt.Errorf("read tensor dims count for %q: %w", name, err)
	}
	if nDims > 8 {
		return TensorInfo{}, fmt.Errorf("tensor %q has %d dimensions", name, nDims)
	}

	shape := make([]uint64, nDims)
	if err := d.read(shape); err != nil {
		return TensorInfo{}, fmt.Errorf("read tensor dims for %q: %w", name, err)
	}

	var ttype uint32
	if err := d.read(&ttype); err != nil {
		return TensorInfo{}, fmt.Errorf("read tensor type for %q: %w", name, err)
	}

	var offset uint64
	if err := d.read(&offset); err != nil {
		return TensorInfo{}, fmt.Errorf("read tensor offset for %q: %w", name, err)
	}

	return TensorInfo{
		Name:   name,
		Shape:  shape,
		Type:   TensorType(ttype),
		Offset: offset,
	}, nil
}
