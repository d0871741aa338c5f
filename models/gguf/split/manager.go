package split

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/go-gguf/internal/files"
	"github.com/gomlx/go-gguf/models/gguf"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShardWriter encodes one shard file. *gguf.Writer implements it.
//
// Key-values and tensors are added first, then the file is committed with
// WriteHeader, WriteKeyValues and WriteTensors, in this order, and closed.
type ShardWriter interface {
	AddKeyValue(key string, value gguf.Value) error
	AddTensor(name string, shape []uint64, ttype gguf.TensorType, data []byte) error
	WriteHeader() error
	WriteKeyValues() error
	WriteTensors() error
	Close() error
}

// WriterFactory creates the writer for the shard file at path.
type WriterFactory func(path string, order binary.ByteOrder) (ShardWriter, error)

func createGGUFWriter(path string, order binary.ByteOrder) (ShardWriter, error) {
	return gguf.Create(path, gguf.WithByteOrder(order))
}

// Progress is reported after each shard payload is written.
type Progress struct {
	// Shard is the 0-based index of the shard just completed.
	Shard, NumShards int

	TensorsWritten, TotalTensors int
	BytesWritten, TotalBytes     uint64
}

type managerState int

const (
	stateCollecting managerState = iota
	statePlanned
	stateHeaderWritten
	statePayloadWritten
	stateClosed
)

var managerStateNames = [...]string{"collecting", "planned", "header-written", "payload-written", "closed"}

func (s managerState) String() string {
	return managerStateNames[s]
}

// keyState tracks the two-step metadata protocol: SetKey moves to keyPending, AddValue consumes it.
type keyState interface {
	isKeyState()
}

type awaitingKey struct{}

type keyPending struct {
	key string
}

func (awaitingKey) isKeyState() {}
func (keyPending) isKeyState()  {}

// Manager collects the metadata and tensors of a model and writes them to one or more GGUF
// files, split according to a Config.
//
// Usage:
//
//	m := split.NewManager("model.gguf", "llama", cfg)
//	m.AddUint32("llama.block_count", 32)
//	m.AddTensor("token_embd.weight", shape, gguf.TensorTypeF16, data)
//	...
//	if err := m.WriteToFile(false); err != nil { ... }
//	err := m.Close()
//
// A Manager goes through the states collecting → planned (Finalize) → header-written →
// payload-written (Write) → closed (Close). Calling an operation in the wrong state returns
// ErrInvalidState. A Manager is not safe for concurrent use.
type Manager struct {
	path  string
	cfg   Config
	order binary.ByteOrder

	newWriter  WriterFactory
	onProgress func(Progress)

	state   managerState
	key     keyState
	kvs     []gguf.KeyValue
	kvIndex map[string]int
	tensors []Tensor
	names   map[string]bool

	plan    *Plan
	writers []ShardWriter
	// dryRun is set when a dry-run Finalize closed the manager, so the next Close is a no-op.
	dryRun bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithByteOrder sets the byte order of the files written. Default is little-endian.
//
// With binary.BigEndian, AddTensor byte-swaps the elements of native tensor types (F32, F16,
// I32, ...) in place: the buffer given to AddTensor is consumed and must not be used by the
// caller afterwards. Quantized data is written as given.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(m *Manager) {
		m.order = order
	}
}

// WithProgress sets a function called after each shard is fully written.
func WithProgress(fn func(Progress)) Option {
	return func(m *Manager) {
		m.onProgress = fn
	}
}

// WithWriterFactory replaces the function that creates the shard writers. Default is gguf.Create.
func WithWriterFactory(factory WriterFactory) Option {
	return func(m *Manager) {
		m.newWriter = factory
	}
}

// NewManager creates a Manager for the model written to path (the base name of shards if
// split), and records arch as "general.architecture".
func NewManager(path, arch string, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		path:      path,
		cfg:       cfg,
		order:     binary.LittleEndian,
		newWriter: createGGUFWriter,
		key:       awaitingKey{},
		kvIndex:   make(map[string]int),
		names:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if arch != "" {
		m.setKeyValue(gguf.KeyArchitecture, gguf.MustValue(arch))
	}
	return m
}

// Config returns the splitting configuration of the manager.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) expectState(op string, want managerState) error {
	if m.state != want {
		return errors.Wrapf(ErrInvalidState, "%s: manager for %q is %s, expected %s", op, m.path, m.state, want)
	}
	return nil
}

// SetKey declares the key of the next value given to AddValue.
// Declaring a key while another is pending replaces it.
func (m *Manager) SetKey(key string) error {
	if err := m.expectState("set key", stateCollecting); err != nil {
		return err
	}
	m.key = keyPending{key: key}
	return nil
}

// AddValue records v for the key declared with SetKey. Setting a key twice keeps the last value.
//
// It returns ErrNoKeyDeclared if no key is pending, and leaves the metadata unchanged.
// v must be a Go type with a GGUF encoding (see gguf.NewValue).
func (m *Manager) AddValue(v any) error {
	if err := m.expectState("add value", stateCollecting); err != nil {
		return err
	}
	switch k := m.key.(type) {
	case awaitingKey:
		return errors.WithStack(ErrNoKeyDeclared)
	case keyPending:
		value, err := gguf.NewValue(v)
		if err != nil {
			return errors.WithMessagef(err, "value for key %q", k.key)
		}
		m.setKeyValue(k.key, value)
		m.key = awaitingKey{}
		return nil
	default:
		panic(fmt.Sprintf("split: unknown key state %T", k))
	}
}

func (m *Manager) setKeyValue(key string, value gguf.Value) {
	if i, found := m.kvIndex[key]; found {
		m.kvs[i].Value = value
		return
	}
	m.kvIndex[key] = len(m.kvs)
	m.kvs = append(m.kvs, gguf.KeyValue{Key: key, Value: value})
}

func (m *Manager) add(key string, v any) error {
	if err := m.SetKey(key); err != nil {
		return err
	}
	return m.AddValue(v)
}

// Typed shortcuts for SetKey followed by AddValue.

func (m *Manager) AddUint8(key string, v uint8) error     { return m.add(key, v) }
func (m *Manager) AddInt8(key string, v int8) error       { return m.add(key, v) }
func (m *Manager) AddUint16(key string, v uint16) error   { return m.add(key, v) }
func (m *Manager) AddInt16(key string, v int16) error     { return m.add(key, v) }
func (m *Manager) AddUint32(key string, v uint32) error   { return m.add(key, v) }
func (m *Manager) AddInt32(key string, v int32) error     { return m.add(key, v) }
func (m *Manager) AddUint64(key string, v uint64) error   { return m.add(key, v) }
func (m *Manager) AddInt64(key string, v int64) error     { return m.add(key, v) }
func (m *Manager) AddFloat32(key string, v float32) error { return m.add(key, v) }
func (m *Manager) AddFloat64(key string, v float64) error { return m.add(key, v) }
func (m *Manager) AddBool(key string, v bool) error       { return m.add(key, v) }
func (m *Manager) AddString(key string, v string) error   { return m.add(key, v) }

// AddArray records an array value for key. It doesn't use or change the key declared with SetKey.
//
// seq must be a slice or array; anything else fails with ErrNotASequence.
func (m *Manager) AddArray(key string, seq any) error {
	if err := m.expectState("add array", stateCollecting); err != nil {
		return err
	}
	rv := reflect.ValueOf(seq)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return errors.Wrapf(ErrNotASequence, "key %q got %T", key, seq)
	}
	if rv.Kind() == reflect.Array {
		s := reflect.MakeSlice(reflect.SliceOf(rv.Type().Elem()), rv.Len(), rv.Len())
		reflect.Copy(s, rv)
		seq = s.Interface()
	}
	value, err := gguf.NewValue(seq)
	if err != nil {
		return errors.WithMessagef(err, "array for key %q", key)
	}
	m.setKeyValue(key, value)
	return nil
}

// AddTensor appends a tensor. data holds the encoded elements in little-endian order;
// shape is in GGUF order (innermost dimension first).
//
// Tensors are written in the order they are added. If the manager writes big-endian files,
// data is byte-swapped in place (see WithByteOrder).
func (m *Manager) AddTensor(name string, shape []uint64, ttype gguf.TensorType, data []byte) error {
	if err := m.expectState("add tensor", stateCollecting); err != nil {
		return err
	}
	if m.names[name] {
		return errors.Errorf("duplicated tensor name %q", name)
	}
	if ttype.IsValid() {
		if want := ttype.BytesFor(gguf.NumElements(shape)); uint64(len(data)) != want {
			return errors.Errorf("tensor %q of type %s and shape %v needs %d bytes, got %d",
				name, ttype, shape, want, len(data))
		}
		if m.order == binary.BigEndian && !ttype.IsQuantized() {
			swapBytes(data, ttype.TypeSize())
		}
	}
	m.names[name] = true
	m.tensors = append(m.tensors, Tensor{Name: name, Shape: slices.Clone(shape), Type: ttype, Data: data})
	return nil
}

// swapBytes reverses the bytes of each width-sized element of data.
func swapBytes(data []byte, width int) {
	if width <= 1 {
		return
	}
	for i := 0; i+width <= len(data); i += width {
		slices.Reverse(data[i : i+width])
	}
}

// AddGoMLXTensor appends a copy of a GoMLX tensor. Its dtype must have a native GGUF tensor type.
func (m *Manager) AddGoMLXTensor(name string, t *tensors.Tensor) error {
	ttype, err := gguf.TensorTypeFromDType(t.DType())
	if err != nil {
		return errors.WithMessagef(err, "tensor %q", name)
	}
	var data []byte
	t.MutableBytes(func(b []byte) {
		data = slices.Clone(b)
	})
	return m.AddTensor(name, gguf.ShapeFromGoMLX(t.Shape().Dimensions), ttype, data)
}

// AddFile appends all metadata and tensors of a GGUF file opened from path. Split keys and
// "general.alignment" are not copied, since they describe the source file layout.
//
// Tensor data is copied into memory until Write, so merging or re-splitting a model needs
// about as much memory as the model size.
func (m *Manager) AddFile(f *gguf.File, path string) error {
	if err := m.expectState("add file", stateCollecting); err != nil {
		return err
	}
	for _, kv := range f.KeyValues {
		if IsSplitKey(kv.Key) || kv.Key == gguf.KeyAlignment {
			continue
		}
		m.setKeyValue(kv.Key, kv.Value)
	}
	if len(f.TensorInfos) == 0 {
		return nil
	}

	reader, err := gguf.NewMMapReader(path, f)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()
	for _, info := range f.TensorInfos {
		data, _, err := reader.ReadTensorRaw(info.Name)
		if err != nil {
			return errors.WithMessagef(err, "copying tensors from %q", path)
		}
		// Tensors are added in little-endian order.
		if f.ByteOrder == binary.BigEndian && !info.Type.IsQuantized() {
			swapBytes(data, info.Type.TypeSize())
		}
		if err := m.AddTensor(info.Name, info.Shape, info.Type, data); err != nil {
			return errors.WithMessagef(err, "copying tensors from %q", path)
		}
	}
	return nil
}

// Finalize plans the shards and prepares their writers, with each shard's metadata.
//
// After Finalize, either WriteMetadataOnly or Write can be called. With a dry-run Config the
// plan is logged and returned, no file is created, and the manager is closed.
func (m *Manager) Finalize() (*Plan, error) {
	if err := m.expectState("finalize", stateCollecting); err != nil {
		return nil, err
	}
	plan, err := NewPlan(m.tensors, m.cfg, m.path)
	if err != nil {
		return nil, err
	}
	perShard, err := InjectMetadata(plan, m.kvs)
	if err != nil {
		return nil, err
	}
	m.plan = plan
	// The plan owns the tensors from now on.
	m.tensors = nil

	for _, s := range plan.Summaries() {
		klog.V(1).Infof("%s: n_tensors = %d, total_size = %s", s.Path, s.NumTensors, s.Size)
	}
	if m.cfg.DryRun() {
		klog.Info("Dry run, not writing files")
		m.state = stateClosed
		m.dryRun = true
		return plan, nil
	}

	m.writers = make([]ShardWriter, len(plan.Shards))
	for i, shard := range plan.Shards {
		w, err := m.newWriter(shard.Path, m.order)
		if err != nil {
			m.abandonWriters()
			return nil, errors.WithMessagef(err, "opening shard %d/%d", i+1, len(plan.Shards))
		}
		m.writers[i] = w
		for _, kv := range perShard[i] {
			if err := w.AddKeyValue(kv.Key, kv.Value); err != nil {
				m.abandonWriters()
				return nil, errors.WithMessagef(err, "shard %q", shard.Path)
			}
		}
	}
	m.state = statePlanned
	return plan, nil
}

// abandonWriters closes and removes the shard files opened by Finalize, before anything was written to them.
func (m *Manager) abandonWriters() {
	for i, w := range m.writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			klog.Warningf("Closing abandoned shard %q: %v", m.plan.Shards[i].Path, err)
		}
		if err := files.RemoveIfExists(m.plan.Shards[i].Path); err != nil {
			klog.Warningf("%v", err)
		}
	}
	m.writers = nil
	m.state = stateClosed
}

// WriteMetadataOnly writes the header and metadata of every shard, without tensors.
// It is used to write vocabulary-only files. Close the manager afterwards.
func (m *Manager) WriteMetadataOnly() error {
	if err := m.expectState("write metadata", statePlanned); err != nil {
		return err
	}
	for i, w := range m.writers {
		if err := w.WriteHeader(); err != nil {
			return errors.WithMessagef(err, "shard %d/%d", i+1, len(m.writers))
		}
		if err := w.WriteKeyValues(); err != nil {
			return errors.WithMessagef(err, "shard %d/%d", i+1, len(m.writers))
		}
	}
	m.state = stateHeaderWritten
	return nil
}

// Write writes all shards. Headers and metadata of all shards are written first; then,
// shard by shard in order, the tensor payload is written and the shard file closed.
//
// A failure leaves already written shards in place. Close the manager afterwards.
func (m *Manager) Write() error {
	if err := m.expectState("write", statePlanned); err != nil {
		return err
	}
	plan := m.plan
	numShards := len(plan.Shards)
	for i, shard := range plan.Shards {
		w := m.writers[i]
		for _, t := range shard.Tensors.List() {
			if err := w.AddTensor(t.Name, t.Shape, t.Type, t.Data); err != nil {
				return errors.WithMessagef(err, "shard %d/%d", i+1, numShards)
			}
		}
		if err := w.WriteHeader(); err != nil {
			return errors.WithMessagef(err, "shard %d/%d", i+1, numShards)
		}
		if err := w.WriteKeyValues(); err != nil {
			return errors.WithMessagef(err, "shard %d/%d", i+1, numShards)
		}
	}
	m.state = stateHeaderWritten

	remaining := plan.TotalTensors
	progress := Progress{NumShards: numShards, TotalTensors: plan.TotalTensors, TotalBytes: plan.TotalBytes}
	for i, shard := range plan.Shards {
		n := shard.Tensors.Len()
		if n > 0 {
			klog.Infof("Writing to shard %d/%d with %d/%d remaining tensors (of %d total)",
				i+1, numShards, n, remaining, plan.TotalTensors)
		}
		w := m.writers[i]
		if err := w.WriteTensors(); err != nil {
			return errors.WithMessagef(err, "shard %d/%d", i+1, numShards)
		}
		m.writers[i] = nil
		if err := w.Close(); err != nil {
			return errors.WithMessagef(err, "shard %d/%d", i+1, numShards)
		}
		remaining -= n
		progress.Shard = i
		progress.TensorsWritten += n
		progress.BytesWritten += shard.Bytes
		if m.onProgress != nil {
			m.onProgress(progress)
		}
	}
	m.state = statePayloadWritten
	return nil
}

// WriteToFile finalizes the plan and writes it: only headers and metadata if metaOnly is set,
// everything otherwise. With a dry-run Config nothing is written.
func (m *Manager) WriteToFile(metaOnly bool) error {
	if _, err := m.Finalize(); err != nil {
		return err
	}
	if m.cfg.DryRun() {
		return nil
	}
	if metaOnly {
		return m.WriteMetadataOnly()
	}
	return m.Write()
}

// Plan returns the plan computed by Finalize, or nil before that.
func (m *Manager) Plan() *Plan {
	return m.plan
}

// Close closes the shard writers still open. The first Close after a dry run returns nil;
// otherwise closing a closed manager returns ErrClosed.
func (m *Manager) Close() error {
	if m.state == stateClosed {
		if m.dryRun {
			m.dryRun = false
			return nil
		}
		return errors.WithStack(ErrClosed)
	}
	m.state = stateClosed
	var firstErr error
	for i, w := range m.writers {
		if w == nil {
			continue
		}
		m.writers[i] = nil
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "closing shard %q", m.plan.Shards[i].Path)
		}
	}
	return firstErr
}
