// Package ksys is the system-call surface a user program sees: plain integer
// results instead of errors.
//
// Create, CreateDirectory and Remove return 1 on success and 0 on failure.
// Open returns a positive file id, or 0. Close returns 1, or -1 for a bad id.
// Read and Write return the number of bytes moved, or -1; size must be
// positive and fit in the buffer.
package ksys

import (
	"errors"
	"io"

	"github.com/mit-pdos/go-filesys/filesys"
	"github.com/mit-pdos/go-filesys/util"
)

type OpenFileId = int

type Kernel struct {
	fs *filesys.FileSystem
}

func MkKernel(fs *filesys.FileSystem) *Kernel {
	return &Kernel{fs: fs}
}

func status(err error) int {
	if err != nil {
		util.DPrintf(1, "syscall failed: %v\n", err)
		return 0
	}
	return 1
}

func (k *Kernel) Create(name string, initialSize int) int {
	if initialSize < 0 {
		return 0
	}
	return status(k.fs.Create(name, uint64(initialSize)))
}

func (k *Kernel) CreateDirectory(name string) int {
	return status(k.fs.CreateDirectory(name))
}

func (k *Kernel) Remove(name string) int {
	return status(k.fs.Remove(name))
}

func (k *Kernel) Open(name string) OpenFileId {
	f, err := k.fs.Open(name)
	if err != nil {
		util.DPrintf(1, "Open failed: %v\n", err)
		return 0
	}
	return OpenFileId(f.Id())
}

func (k *Kernel) file(buffer []byte, size int, id OpenFileId) (*filesys.File, bool) {
	if id <= 0 || size <= 0 || size > len(buffer) {
		return nil, false
	}
	f, err := k.fs.Lookup(filesys.FileId(id))
	if err != nil {
		return nil, false
	}
	return f, true
}

// Read reads up to size bytes into buffer at the file's position. It returns
// 0 at end of file.
func (k *Kernel) Read(buffer []byte, size int, id OpenFileId) int {
	f, ok := k.file(buffer, size, id)
	if !ok {
		return -1
	}
	n, err := f.Read(buffer[:size])
	if err != nil && !errors.Is(err, io.EOF) {
		util.DPrintf(1, "Read %d failed: %v\n", id, err)
		return -1
	}
	return n
}

// Write writes size bytes from buffer at the file's position. Files do not
// grow, so the count is short at end of file.
func (k *Kernel) Write(buffer []byte, size int, id OpenFileId) int {
	f, ok := k.file(buffer, size, id)
	if !ok {
		return -1
	}
	n, err := f.Write(buffer[:size])
	if err != nil && !errors.Is(err, io.ErrShortWrite) {
		util.DPrintf(1, "Write %d failed: %v\n", id, err)
		return -1
	}
	return n
}

// Seek moves the file's position to pos.
func (k *Kernel) Seek(pos int, id OpenFileId) int {
	if id <= 0 || pos < 0 {
		return 0
	}
	f, err := k.fs.Lookup(filesys.FileId(id))
	if err != nil {
		return 0
	}
	_, err = f.Seek(int64(pos), io.SeekStart)
	return status(err)
}

func (k *Kernel) Close(id OpenFileId) int {
	if id <= 0 || status(k.fs.CloseId(filesys.FileId(id))) == 0 {
		return -1
	}
	return 1
}
