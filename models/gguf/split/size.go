package split

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/gomlx/go-gguf/models/gguf"
	"github.com/pkg/errors"
)

// Tensor is a named tensor buffer waiting to be written to exactly one shard.
//
// Data holds the encoded elements (or quantized blocks) as they will be stored in the file,
// and Shape is in GGUF order (innermost dimension first).
type Tensor struct {
	Name  string
	Shape []uint64
	Type  gguf.TensorType
	Data  []byte
}

// TensorByteSize returns the number of bytes the tensor occupies in a file, derived from its shape and type.
func TensorByteSize(t Tensor) (uint64, error) {
	if !t.Type.IsValid() {
		return 0, errors.Wrapf(ErrInvalidTensorKind, "tensor %q has type %s", t.Name, t.Type)
	}
	return t.Type.BytesFor(gguf.NumElements(t.Shape)), nil
}

var sizePattern = regexp.MustCompile(`^([0-9]+)(?:\.([0-9]))?([KMG]?)$`)

var sizeUnits = map[string]uint64{
	"":  1,
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
}

// ParseSize parses a human size like "512M" into a number of bytes.
//
// Sizes are a non-negative integer optionally followed by one of the binary suffixes K, M or G.
// A single decimal digit is also accepted ("1.5G", as printed by FormatSize), and the result
// is rounded down to whole bytes.
func ParseSize(s string) (uint64, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Wrapf(ErrInvalidSizeFormat,
			"%q must be a number, optionally followed by K, M, or G", s)
	}
	whole, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidSizeFormat, "%q: %v", s, err)
	}
	var tenths uint64
	if m[2] != "" {
		tenths = uint64(m[2][0] - '0')
	}
	unit := sizeUnits[m[3]]
	if whole > (math.MaxUint64/unit-tenths)/10 {
		return 0, errors.Wrapf(ErrInvalidSizeFormat, "%q overflows 64 bits", s)
	}
	n := (whole*10 + tenths) * unit / 10
	if n == 0 {
		return 0, errors.Wrapf(ErrNonPositiveSize, "invalid split size %q", s)
	}
	return n, nil
}

// FormatSize formats a number of bytes with one decimal and a binary unit, e.g. "1.5G".
// Sizes of 1024G and above are reported in T with an advisory note.
func FormatSize(n uint64) string {
	num := float64(n)
	for _, unit := range []string{"", "K", "M", "G"} {
		if num < 1024 {
			return fmt.Sprintf("%3.1f%s", num, unit)
		}
		num /= 1024
	}
	return fmt.Sprintf("%.1fT - over 1TB, --split recommended", num)
}
