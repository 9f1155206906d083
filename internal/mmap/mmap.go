// Package mmap maps weight files read-only into memory.
package mmap

import (
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File is a read-only memory mapping of a whole file. The mapped bytes stay
// valid until Close.
type File struct {
	file   *os.File
	data   []byte
	mapped bool
	closed bool
}

// Open maps the file at path.
//
// Important: Always call Close() when done to unmap the file.
func Open(path string) (*File, error) {
	//nolint:gosec // G304: path comes from the caller, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "failed to stat file")
	}

	f := &File{file: file}
	if stat.Size() == 0 {
		// Zero-length mappings are rejected by the OS.
		return f, nil
	}
	data, err := mmapFile(file, stat.Size())
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "mmap failed")
	}
	f.data, f.mapped = data, true
	klog.V(1).Infof("mapped %s (%d bytes)", path, len(data))
	return f, nil
}

// Bytes returns the mapped contents. Page aligned, so always word aligned.
func (f *File) Bytes() []byte {
	return f.data
}

// Close unmaps the file and closes it. Calling Close twice is a no-op.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	var err error
	if f.mapped {
		err = munmapFile(f.data)
	}
	f.data = nil
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	return err
}
