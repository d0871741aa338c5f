package split

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// TensorSet is the content of one shard: either an ordered list of tensors, or the
// explicit "metadata only" marker of a dedicated first shard.
type TensorSet struct {
	metadataOnly bool
	tensors      []Tensor
}

// MetadataOnly returns the TensorSet of a shard that deliberately holds no tensors.
func MetadataOnly() TensorSet {
	return TensorSet{metadataOnly: true}
}

// NewTensorSet returns a TensorSet holding tensors, in order.
func NewTensorSet(tensors []Tensor) TensorSet {
	return TensorSet{tensors: tensors}
}

// IsMetadataOnly reports whether the set was created with MetadataOnly.
func (s TensorSet) IsMetadataOnly() bool { return s.metadataOnly }

// List returns the tensors of the set. It is empty for a metadata-only set.
func (s TensorSet) List() []Tensor { return s.tensors }

// Len returns the number of tensors in the set.
func (s TensorSet) Len() int { return len(s.tensors) }

// Shard is one output file of a Plan.
type Shard struct {
	// Index is the 0-based position of the shard; its file name carries Index+1.
	Index int
	Path  string
	// Tensors to write to this shard, in the order they were added.
	Tensors TensorSet
	// Bytes is the sum of the tensor sizes of the shard.
	Bytes uint64
}

// Plan is the partition of a model's tensors into shard files. It is computed by NewPlan without any I/O.
type Plan struct {
	// Style actually used, after the fallback for models below the split thresholds.
	Style        Style
	TotalTensors int
	TotalBytes   uint64
	Shards       []Shard
}

// NewPlan partitions tensors into shards according to cfg. basePath is the output path of an
// unsplit model, and the base for shard file names otherwise (see ShardPath).
//
// It fails with ErrInvalidTensorKind if the size of any tensor can't be computed.
func NewPlan(tensors []Tensor, cfg Config, basePath string) (*Plan, error) {
	sizes := make([]uint64, len(tensors))
	var total uint64
	for i, t := range tensors {
		size, err := TensorByteSize(t)
		if err != nil {
			return nil, err
		}
		sizes[i] = size
		total += size
	}

	plan := &Plan{TotalTensors: len(tensors), TotalBytes: total}
	var reason string
	plan.Style, reason = cfg.EffectiveStyle(len(tensors), total)
	if reason != "" {
		klog.Info(reason)
	}

	// Bins are computed first: shard names depend on the final shard count.
	var bins [][2]int
	switch plan.Style {
	case StyleNone:
		plan.Shards = []Shard{{Index: 0, Path: basePath, Tensors: NewTensorSet(tensors), Bytes: total}}
		return plan, nil
	case StyleByCount:
		bins = binsByCount(len(tensors), cfg.maxTensors)
	case StyleBySize:
		bins = binsBySize(sizes, cfg.maxBytes)
	default:
		panic(fmt.Sprintf("split: unknown style %s", plan.Style))
	}

	numShards := len(bins)
	if cfg.smallFirstShard {
		numShards++
	}
	plan.Shards = make([]Shard, 0, numShards)
	if cfg.smallFirstShard {
		plan.Shards = append(plan.Shards, Shard{Index: 0, Path: ShardPath(basePath, 1, numShards), Tensors: MetadataOnly()})
	}
	for _, bin := range bins {
		idx := len(plan.Shards)
		shard := Shard{
			Index:   idx,
			Path:    ShardPath(basePath, idx+1, numShards),
			Tensors: NewTensorSet(tensors[bin[0]:bin[1]:bin[1]]),
		}
		for _, size := range sizes[bin[0]:bin[1]] {
			shard.Bytes += size
		}
		plan.Shards = append(plan.Shards, shard)
	}
	if klog.V(1).Enabled() {
		klog.Infof("Planned %d shards (%s) for %d tensors, %s", len(plan.Shards), plan.Style, plan.TotalTensors, FormatSize(plan.TotalBytes))
	}
	return plan, nil
}

// binsByCount returns the [start, end) ranges of consecutive groups of maxTensors tensors; the last one may be smaller.
func binsByCount(n int, maxTensors uint64) [][2]int {
	step := int(min(maxTensors, uint64(n)))
	var bins [][2]int
	for start := 0; start < n; start += step {
		bins = append(bins, [2]int{start, min(start+step, n)})
	}
	return bins
}

// binsBySize groups consecutive tensors greedily: a tensor starts a new bin if adding it
// to the current one would exceed maxBytes. A tensor larger than maxBytes gets a bin of its own.
func binsBySize(sizes []uint64, maxBytes uint64) [][2]int {
	var bins [][2]int
	var binBytes uint64
	for i, size := range sizes {
		if i == 0 || binBytes+size > maxBytes {
			bins = append(bins, [2]int{i, i})
			binBytes = 0
		}
		bins[len(bins)-1][1] = i + 1
		binBytes += size
	}
	return bins
}

// Tensors returns the tensors of all shards, in shard order.
// This is always the list of tensors the plan was created with.
func (p *Plan) Tensors() []Tensor {
	all := make([]Tensor, 0, p.TotalTensors)
	for _, shard := range p.Shards {
		all = append(all, shard.Tensors.List()...)
	}
	return all
}

// ShardSummary describes one shard for reporting.
type ShardSummary struct {
	Path       string
	NumTensors int
	// Size is the formatted size of the shard tensors, or "negligible - metadata only".
	Size string
}

// Summaries returns one ShardSummary per shard.
func (p *Plan) Summaries() []ShardSummary {
	summaries := make([]ShardSummary, len(p.Shards))
	for i, shard := range p.Shards {
		summaries[i] = ShardSummary{Path: shard.Path, NumTensors: shard.Tensors.Len(), Size: "negligible - metadata only"}
		if shard.Tensors.Len() > 0 {
			summaries[i].Size = FormatSize(shard.Bytes)
		}
	}
	return summaries
}

const defaultExt = ".gguf"

// ShardPath returns the path of shard n (1-based) out of total for the model path base:
// "dir/model.gguf" becomes "dir/model-00001-of-00003.gguf".
// The extension of base is kept, and defaults to ".gguf".
func ShardPath(base string, n, total int) string {
	dir, name := filepath.Split(base)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = defaultExt
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%05d-of-%05d%s", stem, n, total, ext))
}

var shardPathPattern = regexp.MustCompile(`^(.*)-([0-9]{5})-of-([0-9]{5})(\.[^./\\]*)?$`)

// ParseShardPath is the inverse of ShardPath: it returns the model base path and the shard
// number and count encoded in the name of path. ok is false if path is not a shard name.
func ParseShardPath(path string) (base string, n, total int, ok bool) {
	m := shardPathPattern.FindStringSubmatch(path)
	if m == nil {
		return "", 0, 0, false
	}
	n, _ = strconv.Atoi(m[2])
	total, _ = strconv.Atoi(m[3])
	if n < 1 || n > total {
		return "", 0, 0, false
	}
	ext := m[4]
	if ext == "" {
		ext = defaultExt
	}
	return m[1] + ext, n, total, true
}
