package gguf

import (
	"fmt"
	"io"

	"golang.org/x/exp/mmap"
)

// MMapReader provides memory-mapped access to tensor data in a GGUF file.
type MMapReader struct {
	reader     *mmap.ReaderAt
	file       *File
	dataOffset int64
}

// NewMMapReader opens a memory-mapped reader for the GGUF file.
func NewMMapReader(path string, file *File) (*MMapReader, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gguf: mmap %s: %w", path, err)
	}
	return &MMapReader{
		reader:     reader,
		file:       file,
		dataOffset: file.DataOffset(),
	}, nil
}

// Close closes the underlying memory-mapped file.
func (mr *MMapReader) Close() error {
	return mr.reader.Close()
}

// ReadTensorRaw reads the raw bytes for a tensor, exactly as stored in the file.
// The bytes are in the file's byte order.
func (mr *MMapReader) ReadTensorRaw(tensorName string) ([]byte, *TensorInfo, error) {
	info, ok := mr.file.GetTensorInfo(tensorName)
	if !ok {
		return nil, nil, fmt.Errorf("gguf: tensor %q not found", tensorName)
	}
	if !info.Type.IsValid() {
		return nil, nil, fmt.Errorf("gguf: tensor %q has unknown type %s", tensorName, info.Type)
	}

	buf := make([]byte, info.NumBytes())
	tensorOffset := mr.dataOffset + int64(info.Offset)
	if tensorOffset+int64(len(buf)) > int64(mr.reader.Len()) {
		return nil, nil, fmt.Errorf("gguf: tensor %q (%d bytes at %d) runs past end of file (%d bytes)",
			tensorName, len(buf), tensorOffset, mr.reader.Len())
	}
	if _, err := mr.reader.ReadAt(buf, tensorOffset); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("gguf: read raw tensor %q: %w", tensorName, err)
	}
	return buf, &info, nil
}
