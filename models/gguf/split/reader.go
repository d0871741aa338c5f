package split

import (
	"github.com/gomlx/go-gguf/internal/files"
	"github.com/gomlx/go-gguf/models/gguf"
	"github.com/pkg/errors"
)

// Info holds the split keys of one shard file.
type Info struct {
	// No is the 0-based index of the shard.
	No int
	// Count is the number of shards of the model.
	Count int
	// TensorsCount is the number of tensors over all shards.
	TensorsCount int
}

// ReadSplitInfo returns the split keys of f. ok is false if f is not part of a split model.
func ReadSplitInfo(f *gguf.File) (info Info, ok bool) {
	no, hasNo := f.GetKeyValue(KeySplitNo)
	count, hasCount := f.GetKeyValue(KeySplitCount)
	tensorsCount, hasTensorsCount := f.GetKeyValue(KeySplitTensorsCount)
	if !hasNo || !hasCount || !hasTensorsCount {
		return Info{}, false
	}
	return Info{No: int(no.Int()), Count: int(count.Int()), TensorsCount: int(tensorsCount.Int())}, true
}

// ShardSet is a model read back from its shard files, or from a single unsplit file.
type ShardSet struct {
	// Paths and Files of the shards, in shard order.
	Paths []string
	Files []*gguf.File

	// TotalTensors is the number of tensors over all shards.
	TotalTensors int
}

// OpenShards opens the model that the GGUF file at path is part of.
//
// If the file has split keys, path can be any of the shards: all the shards named after it are
// opened and checked to agree on the shard count and the tensor count, and to be in the right
// position. A shard file that doesn't exist yields ErrMissingShard; disagreeing split keys
// yield ErrInconsistentShards.
func OpenShards(path string) (*ShardSet, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	info, ok := ReadSplitInfo(f)
	if !ok {
		return &ShardSet{Paths: []string{path}, Files: []*gguf.File{f}, TotalTensors: len(f.TensorInfos)}, nil
	}
	base, n, total, ok := ParseShardPath(path)
	if !ok {
		return nil, errors.Wrapf(ErrInconsistentShards, "%q has split keys but is not named like a shard", path)
	}
	if info.Count != total || info.No != n-1 {
		return nil, errors.Wrapf(ErrInconsistentShards, "%q is named as shard %d of %d, but its split keys say %d of %d",
			path, n, total, info.No+1, info.Count)
	}

	set := &ShardSet{}
	for i := range total {
		shardPath := ShardPath(base, i+1, total)
		shard := f
		if i != n-1 {
			if !files.Exists(shardPath) {
				return nil, errors.Wrapf(ErrMissingShard, "shard %d/%d %q", i+1, total, shardPath)
			}
			shard, err = gguf.Open(shardPath)
			if err != nil {
				return nil, err
			}
		}
		shardInfo, ok := ReadSplitInfo(shard)
		if !ok {
			return nil, errors.Wrapf(ErrInconsistentShards, "shard %q has no split keys", shardPath)
		}
		if shardInfo.No != i || shardInfo.Count != info.Count || shardInfo.TensorsCount != info.TensorsCount {
			return nil, errors.Wrapf(ErrInconsistentShards, "shard %q has %+v, expected %+v",
				shardPath, shardInfo, Info{No: i, Count: info.Count, TensorsCount: info.TensorsCount})
		}
		set.Paths = append(set.Paths, shardPath)
		set.Files = append(set.Files, shard)
		set.TotalTensors += len(shard.TensorInfos)
	}
	if set.TotalTensors != info.TensorsCount {
		return nil, errors.Wrapf(ErrInconsistentShards, "shards hold %d tensors, split keys say %d",
			set.TotalTensors, info.TensorsCount)
	}
	return set, nil
}

// Architecture returns the "general.architecture" of the first shard.
func (s *ShardSet) Architecture() string {
	return s.Files[0].Architecture()
}
