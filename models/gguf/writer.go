package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

type writerState int

const (
	writerStateEmpty writerState = iota
	writerStateHeader
	writerStateKeyValues
	writerStateTensors
	writerStateClosed
)

var writerStateNames = [...]string{"empty", "header", "key-values", "tensors", "closed"}

func (s writerState) String() string {
	return writerStateNames[s]
}

// Writer encodes a single GGUF file.
//
// Key-values and tensors are registered first with AddKeyValue and AddTensor.
// The file is then committed in three steps, each allowed exactly once and in
// this order: WriteHeader, WriteKeyValues (metadata and tensor table) and
// WriteTensors (aligned tensor payload). Close flushes and closes the file.
//
// The output file is created by Create, before anything is written.
type Writer struct {
	path      string
	file      *os.File
	buf       *bufio.Writer
	enc       *encoder
	alignment uint64
	state     writerState

	kvs      []KeyValue
	kvKeys   map[string]bool
	tensors  []pendingTensor
	names    map[string]bool
	dataSize uint64
}

type pendingTensor struct {
	info TensorInfo
	data []byte
}

// WriterOption configures a Writer created by Create.
type WriterOption func(*Writer)

// WithByteOrder sets the byte order of every numeric field written. Default is little-endian.
// Tensor payloads are written as given: converting their byte order is up to the caller.
func WithByteOrder(order binary.ByteOrder) WriterOption {
	return func(w *Writer) {
		w.enc.order = order
	}
}

// WithAlignment sets the tensor data alignment. A non-default value is
// recorded in the file as "general.alignment".
func WithAlignment(alignment uint64) WriterOption {
	return func(w *Writer) {
		w.alignment = alignment
	}
}

// Create creates (or truncates) the file at path and returns a Writer for it.
func Create(path string, opts ...WriterOption) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("gguf: create %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	w := &Writer{
		path:      path,
		file:      f,
		buf:       buf,
		enc:       &encoder{w: buf, order: binary.LittleEndian},
		alignment: defaultAlignment,
		kvKeys:    make(map[string]bool),
		names:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.alignment == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("gguf: create %s: alignment must be positive", path)
	}
	if w.alignment != defaultAlignment {
		w.kvs = append(w.kvs, KeyValue{Key: KeyAlignment, Value: Value{data: uint32(w.alignment)}})
		w.kvKeys[KeyAlignment] = true
	}
	return w, nil
}

// Path returns the path of the file being written.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) expectState(op string, want writerState) error {
	if w.state != want {
		return fmt.Errorf("gguf: %s %s: writer is in state %s, expected %s", op, w.path, w.state, want)
	}
	return nil
}

// AddKeyValue registers a metadata entry. Keys must be unique within a file.
//
// A "general.alignment" entry (a positive uint32) also sets the alignment of the
// tensor data, so it must be added before any tensor.
func (w *Writer) AddKeyValue(key string, value Value) error {
	if err := w.expectState("add key-value", writerStateEmpty); err != nil {
		return err
	}
	if w.kvKeys[key] {
		return fmt.Errorf("gguf: duplicated key %q", key)
	}
	if value.Type() == valueTypeInvalid {
		return fmt.Errorf("gguf: key %q has unsupported value type %T", key, value.data)
	}
	if key == KeyAlignment {
		a, ok := value.data.(uint32)
		if !ok || a == 0 {
			return fmt.Errorf("gguf: key %q must be a positive uint32, got %v (%s)", key, value.data, value.Type())
		}
		if len(w.tensors) > 0 {
			return fmt.Errorf("gguf: key %q must be set before adding tensors", key)
		}
		w.alignment = uint64(a)
	}
	w.kvKeys[key] = true
	w.kvs = append(w.kvs, KeyValue{Key: key, Value: value})
	return nil
}

// AddTensor registers a tensor. data must hold exactly the number of bytes
// the shape and type call for; it is retained until WriteTensors.
func (w *Writer) AddTensor(name string, shape []uint64, ttype TensorType, data []byte) error {
	if err := w.expectState("add tensor", writerStateEmpty); err != nil {
		return err
	}
	if w.names[name] {
		return fmt.Errorf("gguf: duplicated tensor name %q", name)
	}
	if !ttype.IsValid() {
		return fmt.Errorf("gguf: tensor %q has unknown type %s", name, ttype)
	}
	if want := ttype.BytesFor(NumElements(shape)); uint64(len(data)) != want {
		return fmt.Errorf("gguf: tensor %q of type %s and shape %v needs %d bytes, got %d",
			name, ttype, shape, want, len(data))
	}
	w.names[name] = true
	w.tensors = append(w.tensors, pendingTensor{
		info: TensorInfo{Name: name, Shape: append([]uint64(nil), shape...), Type: ttype, Offset: w.dataSize},
		data: data,
	})
	w.dataSize += alignOffset(uint64(len(data)), w.alignment)
	return nil
}

// WriteHeader writes the magic, version and the tensor and key-value counts.
func (w *Writer) WriteHeader() error {
	if err := w.expectState("write header", writerStateEmpty); err != nil {
		return err
	}
	if _, err := w.enc.Write([]byte(ggufMagic)); err != nil {
		return w.ioError("header", err)
	}
	for _, v := range []any{uint32(writerVersion), uint64(len(w.tensors)), uint64(len(w.kvs))} {
		if err := w.enc.write(v); err != nil {
			return w.ioError("header", err)
		}
	}
	w.state = writerStateHeader
	return nil
}

// WriteKeyValues writes the key-value block followed by the tensor table.
func (w *Writer) WriteKeyValues() error {
	if err := w.expectState("write key-values", writerStateHeader); err != nil {
		return err
	}
	for _, kv := range w.kvs {
		if err := w.enc.writeKeyValue(kv); err != nil {
			return w.ioError(fmt.Sprintf("key %q", kv.Key), err)
		}
	}
	for _, t := range w.tensors {
		if err := w.enc.writeTensorInfo(t.info); err != nil {
			return w.ioError(fmt.Sprintf("tensor info %q", t.info.Name), err)
		}
	}
	w.state = writerStateKeyValues
	return nil
}

// WriteTensors writes the aligned tensor payload and flushes the file.
func (w *Writer) WriteTensors() error {
	if err := w.expectState("write tensors", writerStateKeyValues); err != nil {
		return err
	}
	if err := w.enc.pad(w.alignment); err != nil {
		return w.ioError("padding", err)
	}
	for i := range w.tensors {
		t := &w.tensors[i]
		if _, err := w.enc.Write(t.data); err != nil {
			return w.ioError(fmt.Sprintf("tensor %q", t.info.Name), err)
		}
		if err := w.enc.pad(w.alignment); err != nil {
			return w.ioError("padding", err)
		}
		t.data = nil
	}
	if err := w.buf.Flush(); err != nil {
		return w.ioError("flush", err)
	}
	w.state = writerStateTensors
	return nil
}

// Close flushes whatever was written and closes the file. Calling Close again is a no-op.
func (w *Writer) Close() error {
	if w.state == writerStateClosed {
		return nil
	}
	w.state = writerStateClosed
	w.tensors = nil
	flushErr := w.buf.Flush()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("gguf: close %s: %w", w.path, err)
	}
	if flushErr != nil {
		return fmt.Errorf("gguf: flush %s: %w", w.path, flushErr)
	}
	return nil
}

func (w *Writer) ioError(what string, err error) error {
	return fmt.Errorf("gguf: write %s to %s: %w", what, w.path, err)
}

// MustValue is like NewValue but panics if v has no GGUF encoding.
func MustValue(v any) Value {
	val, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// encoder writes GGUF primitives in a fixed byte order and counts bytes written.
type encoder struct {
	w     io.Writer
	order binary.ByteOrder
	n     int64
}

func (e *encoder) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	e.n += int64(n)
	return n, err
}

func (e *encoder) write(v any) error {
	return binary.Write(e, e.order, v)
}

func (e *encoder) writeString(s string) error {
	if err := e.write(uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(e, s)
	return err
}

func (e *encoder) pad(alignment uint64) error {
	n := alignOffset(uint64(e.n), alignment) - uint64(e.n)
	if n == 0 {
		return nil
	}
	_, err := e.Write(make([]byte, n))
	return err
}

func (e *encoder) writeKeyValue(kv KeyValue) error {
	if err := e.writeString(kv.Key); err != nil {
		return err
	}
	if err := e.write(uint32(kv.Type())); err != nil {
		return err
	}
	return e.writeValue(kv.Value)
}

func (e *encoder) writeValue(v Value) error {
	if v.Type() == ValueTypeArray {
		if err := e.write(uint32(v.ElemType())); err != nil {
			return err
		}
		if err := e.write(uint64(v.Len())); err != nil {
			return err
		}
	}
	switch x := v.data.(type) {
	case bool:
		return e.write(boolByte(x))
	case string:
		return e.writeString(x)
	case []bool:
		raw := make([]uint8, len(x))
		for i, b := range x {
			raw[i] = boolByte(b)
		}
		return e.write(raw)
	case []string:
		for _, s := range x {
			if err := e.writeString(s); err != nil {
				return err
			}
		}
		return nil
	default:
		// Fixed-size scalars and slices of them.
		return e.write(x)
	}
}

func (e *encoder) writeTensorInfo(info TensorInfo) error {
	if err := e.writeString(info.Name); err != nil {
		return err
	}
	if err := e.write(uint32(len(info.Shape))); err != nil {
		return err
	}
	if err := e.write(info.Shape); err != nil {
		return err
	}
	if err := e.write(uint32(info.Type)); err != nil {
		return err
	}
	return e.write(info.Offset)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
