package split

import "github.com/pkg/errors"

// Errors returned by this package. They are wrapped with context, so test for them with errors.Is.
var (
	// ErrInvalidSizeFormat is returned for a size string that is not a number optionally followed by K, M or G.
	ErrInvalidSizeFormat = errors.New("invalid size format")
	// ErrNonPositiveSize is returned for a size string that parses to zero.
	ErrNonPositiveSize = errors.New("size must be positive")
	// ErrInvalidTensorKind is returned when a tensor's byte size cannot be computed from its type.
	ErrInvalidTensorKind = errors.New("invalid tensor kind")

	// ErrNoKeyDeclared is returned by Manager.AddValue when no key is pending.
	ErrNoKeyDeclared = errors.New("no key declared for value")
	// ErrNotASequence is returned by Manager.AddArray for values that are not slices or arrays.
	ErrNotASequence = errors.New("value is not a sequence")
	// ErrInvalidState is returned when a Manager operation is called out of order.
	ErrInvalidState = errors.New("invalid manager state")
	// ErrClosed is returned when closing a Manager that is already closed.
	ErrClosed = errors.New("manager already closed")
	// ErrTooManyShards is returned when a plan has more shards than KeySplitCount can record.
	ErrTooManyShards = errors.New("too many shards")
	// ErrTooManyTensors is returned when a split model has more tensors than KeySplitTensorsCount can record.
	ErrTooManyTensors = errors.New("too many tensors")

	// ErrMissingShard and ErrInconsistentShards are returned by OpenShards.
	ErrMissingShard       = errors.New("missing shard")
	ErrInconsistentShards = errors.New("inconsistent shards")
)
