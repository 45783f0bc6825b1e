package filesys

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/filehdr"
	"github.com/mit-pdos/go-filesys/openfile"
	"github.com/mit-pdos/go-filesys/txn"
	"github.com/mit-pdos/go-filesys/util"
)

// FileId names an open file. Ids start at 1 and are not reused while the
// file system is mounted, so a stale id never reaches another file.
type FileId uint64

// File is an open regular file with a seek position. Files keep the length
// they were created with; writes past the end are cut short.
//
// Reads and writes on a File lock only that file, so they run alongside
// operations on other files. Removing the file closes the File.
type File struct {
	fs     *FileSystem
	id     FileId
	sector common.Bnum
	hdr    *filehdr.Header
	pos    uint64 // protected by the file's lock
}

type fileTable struct {
	mu    *sync.Mutex
	files map[FileId]*File
	next  FileId
}

func mkFileTable() *fileTable {
	return &fileTable{
		mu:    new(sync.Mutex),
		files: make(map[FileId]*File),
		next:  1,
	}
}

func (t *fileTable) add(f *File) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(len(t.files)) >= common.MaxOpenFiles {
		return ErrTooManyOpen
	}
	f.id = t.next
	t.next++
	t.files[f.id] = f
	return nil
}

func (t *fileTable) lookup(id FileId) (*File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[id]
	return f, ok
}

func (t *fileTable) isOpen(f *File) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[f.id] == f
}

func (t *fileTable) remove(f *File) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.files[f.id] != f {
		return false
	}
	delete(t.files, f.id)
	return true
}

// closeSector closes every File bound to the header at s.
func (t *fileTable) closeSector(s common.Bnum) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, f := range t.files {
		if f.sector == s {
			util.DPrintf(3, "closing file %d on removed sector %d\n", id, s)
			delete(t.files, id)
		}
	}
}

func (t *fileTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = make(map[FileId]*File)
}

func (t *fileTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Open opens the regular file at path, positioned at its start.
func (fs *FileSystem) Open(path string) (*File, error) {
	util.DPrintf(1, "Open %s\n", path)
	parent, name := splitPath(path)
	if name == "" {
		return nil, fmt.Errorf("open %s: %w", path, ErrIsDir)
	}
	tx := txn.Begin(fs.sys)
	_, dir, err := walk(tx, parent)
	if err != nil {
		tx.Abort()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	e, ok := dir.Lookup(name)
	if !ok {
		tx.Abort()
		return nil, fmt.Errorf("open %s: %w", path, ErrNotFound)
	}
	if e.IsDir {
		tx.Abort()
		return nil, fmt.Errorf("open %s: %w", path, ErrIsDir)
	}
	hdr, err := filehdr.FetchFrom(tx, e.Sector)
	if err != nil {
		tx.Abort()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	f := &File{fs: fs, sector: e.Sector, hdr: hdr}
	// register before releasing the guard, so a concurrent Remove of this
	// file finds the handle
	err = fs.files.add(f)
	tx.Abort()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Lookup returns the open file with the given id.
func (fs *FileSystem) Lookup(id FileId) (*File, error) {
	f, ok := fs.files.lookup(id)
	if !ok {
		return nil, fmt.Errorf("file %d: %w", id, ErrBadHandle)
	}
	return f, nil
}

// NumOpen is the number of open files.
func (fs *FileSystem) NumOpen() int {
	return fs.files.len()
}

func (f *File) Id() FileId {
	return f.id
}

func (f *File) Length() uint64 {
	return f.hdr.FileLength()
}

// begin locks the file, and fails if it has been closed.
func (f *File) begin() (*txn.Txn, *openfile.OpenFile, error) {
	tx := txn.BeginFile(f.fs.sys, f.sector)
	if !f.fs.files.isOpen(f) {
		tx.Abort()
		return nil, nil, fmt.Errorf("file %d: %w", f.id, ErrBadHandle)
	}
	return tx, openfile.MkOpenFile(tx, f.sector, f.hdr), nil
}

func (f *File) readAt(p []byte, off uint64) (int, error) {
	tx, of, err := f.begin()
	if err != nil {
		return 0, err
	}
	defer tx.Abort()
	n, err := of.ReadAt(p, off)
	if err != nil {
		return int(n), err
	}
	if n < uint64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (f *File) writeAt(p []byte, off uint64) (int, error) {
	tx, of, err := f.begin()
	if err != nil {
		return 0, err
	}
	n, err := of.WriteAt(p, off)
	if err != nil {
		tx.Abort()
		return 0, err
	}
	if err := tx.Commit(true); err != nil {
		return 0, err
	}
	if n < uint64(len(p)) {
		return int(n), io.ErrShortWrite
	}
	return int(n), nil
}

// ReadAt reads from byte off, without moving the position. It returns io.EOF
// when it reaches the end of the file before filling p.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalid, off)
	}
	return f.readAt(p, uint64(off))
}

// WriteAt writes at byte off, without moving the position. Bytes that would
// land past the end of the file are dropped and reported with
// io.ErrShortWrite.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalid, off)
	}
	return f.writeAt(p, uint64(off))
}

// Read reads at the current position and advances it.
func (f *File) Read(p []byte) (int, error) {
	tx, of, err := f.begin()
	if err != nil {
		return 0, err
	}
	defer tx.Abort()
	n, err := of.ReadAt(p, f.pos)
	f.pos += n
	if err != nil {
		return int(n), err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return int(n), nil
}

// Write writes at the current position and advances it.
func (f *File) Write(p []byte) (int, error) {
	tx, of, err := f.begin()
	if err != nil {
		return 0, err
	}
	n, err := of.WriteAt(p, f.pos)
	if err != nil {
		tx.Abort()
		return 0, err
	}
	if err := tx.Commit(true); err != nil {
		return 0, err
	}
	f.pos += n
	if n < uint64(len(p)) {
		return int(n), io.ErrShortWrite
	}
	return int(n), nil
}

// Seek sets the position for the next Read or Write. Positions past the end
// of the file are allowed; reads there return io.EOF.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	tx, _, err := f.begin()
	if err != nil {
		return 0, err
	}
	defer tx.Abort()
	var base uint64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = f.Length()
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalid, whence)
	}
	var pos uint64
	if offset < 0 {
		back := uint64(-offset)
		if back > base {
			return 0, fmt.Errorf("%w: negative position", ErrInvalid)
		}
		pos = base - back
	} else {
		if util.SumOverflows(base, uint64(offset)) || base+uint64(offset) > math.MaxInt64 {
			return 0, fmt.Errorf("%w: position overflows", ErrInvalid)
		}
		pos = base + uint64(offset)
	}
	f.pos = pos
	return int64(pos), nil
}

// Close releases the handle. Closing twice fails with ErrBadHandle.
func (f *File) Close() error {
	util.DPrintf(1, "Close %d\n", f.id)
	if !f.fs.files.remove(f) {
		return fmt.Errorf("file %d: %w", f.id, ErrBadHandle)
	}
	return nil
}

// CloseId closes the open file with the given id.
func (fs *FileSystem) CloseId(id FileId) error {
	f, err := fs.Lookup(id)
	if err != nil {
		return err
	}
	return f.Close()
}
