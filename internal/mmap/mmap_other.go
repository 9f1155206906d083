//go:build !unix && !windows

package mmap

import (
	"io"
	"os"
	"unsafe"
)

// mmapFile reads the whole file into word-aligned memory where mapping is unavailable.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	words := make([]uint32, (size+3)/4)
	//nolint:gosec // view the word slice as bytes for 4-byte alignment
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

func munmapFile([]byte) error {
	return nil
}
