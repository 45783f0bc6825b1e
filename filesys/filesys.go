// Package filesys is a hierarchical file system on a sector device.
//
// Layout: sector 0 holds the header of the free-sector bitmap file and sector
// 1 the header of the root directory file. Every other sector is a file
// header, a continuation header, or file data, handed out by the bitmap.
// Directories are files whose data is a directory table; an entry flagged as a
// directory points at the header of another such file.
//
// Each operation loads the bitmap and the directories it needs into a private
// scratch copy, changes them there, and writes them back only once every step
// has succeeded. A failed operation leaves the disk as it found it. This is
// not crash-safe: a crash during write-back can leave some of an operation's
// sectors written and others not.
//
// Paths are slash-separated and always resolved from the root; a leading
// slash is optional and empty components are ignored.
package filesys

import (
	"errors"
	"fmt"
	"io"

	"github.com/mit-pdos/go-filesys/alloc"
	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/directory"
	"github.com/mit-pdos/go-filesys/disk"
	"github.com/mit-pdos/go-filesys/filehdr"
	"github.com/mit-pdos/go-filesys/openfile"
	"github.com/mit-pdos/go-filesys/txn"
	"github.com/mit-pdos/go-filesys/util"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrNoSpace  = errors.New("out of space")
	ErrInvalid  = errors.New("invalid argument")
	ErrDevice   = txn.ErrDevice
	ErrNotEmpty = errors.New("directory not empty")
	ErrCorrupt  = errors.New("file system is inconsistent")

	ErrNotDir      = fmt.Errorf("%w: not a directory", ErrNotFound)
	ErrIsDir       = fmt.Errorf("%w: is a directory", ErrInvalid)
	ErrBadHandle   = fmt.Errorf("%w: bad file handle", ErrInvalid)
	ErrTooManyOpen = fmt.Errorf("%w: too many open files", ErrNoSpace)
)

type FileSystem struct {
	sys   *txn.Sys
	files *fileTable
}

// Format initializes an empty file system covering all of d: a bitmap, and an
// empty root directory.
func Format(d disk.Disk) (*FileSystem, error) {
	sys, err := txn.Init(d)
	if err != nil {
		return nil, err
	}
	n := sys.Size()
	util.DPrintf(1, "Format: %d sectors\n", n)
	if n <= common.DirectorySector {
		return nil, fmt.Errorf("format %d sectors: %w", n, ErrNoSpace)
	}

	tx := txn.Begin(sys)
	bm := alloc.MkBitmap(n)
	bm.Mark(common.FreeMapSector)
	bm.Mark(common.DirectorySector)
	mapHdr := filehdr.MkHeader()
	dirHdr := filehdr.MkHeader()
	if !mapHdr.Allocate(bm, freeMapFileSize(n)) || !dirHdr.Allocate(bm, common.DirectoryFileSize) {
		tx.Abort()
		return nil, fmt.Errorf("format %d sectors: %w", n, ErrNoSpace)
	}
	mapHdr.WriteBack(tx, common.FreeMapSector)
	dirHdr.WriteBack(tx, common.DirectorySector)
	err = writeFreeMap(openfile.MkOpenFile(tx, common.FreeMapSector, mapHdr), bm)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	root := directory.MkDirectory(common.NumDirEntries)
	err = root.WriteBack(openfile.MkOpenFile(tx, common.DirectorySector, dirHdr))
	if err != nil {
		tx.Abort()
		return nil, err
	}
	if err := tx.Commit(true); err != nil {
		return nil, err
	}
	return mkFileSystem(sys), nil
}

// Mount opens the file system already on d.
func Mount(d disk.Disk) (*FileSystem, error) {
	sys, err := txn.Init(d)
	if err != nil {
		return nil, err
	}
	tx := txn.Begin(sys)
	defer tx.Abort()
	if _, _, err := loadFreeMap(tx); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	if _, _, err := walk(tx, ""); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	util.DPrintf(1, "Mount: %d sectors\n", sys.Size())
	return mkFileSystem(sys), nil
}

// MkFileSystem formats d when format is set and mounts it otherwise.
func MkFileSystem(d disk.Disk, format bool) (*FileSystem, error) {
	if format {
		return Format(d)
	}
	return Mount(d)
}

func mkFileSystem(sys *txn.Sys) *FileSystem {
	return &FileSystem{
		sys:   sys,
		files: mkFileTable(),
	}
}

// Close shuts down the device. Open files are closed.
func (fs *FileSystem) Close() error {
	fs.files.closeAll()
	return fs.sys.Shutdown()
}

// commit finishes a mutating operation. Directory and bitmap sectors are
// only written if every step succeeded.
func commit(tx *txn.Txn, err error) error {
	if err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(true)
}

// Create makes an empty regular file of size bytes at path. The parent
// directory must exist.
func (fs *FileSystem) Create(path string, size uint64) error {
	util.DPrintf(1, "Create %s size %d\n", path, size)
	err := fs.create(path, size, false)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}

// CreateDirectory makes an empty directory at path. The parent directory
// must exist.
func (fs *FileSystem) CreateDirectory(path string) error {
	util.DPrintf(1, "CreateDirectory %s\n", path)
	err := fs.create(path, common.DirectoryFileSize, true)
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (fs *FileSystem) create(path string, size uint64, isDir bool) error {
	parent, name := splitPath(path)
	if !directory.ValidName(name) {
		return fmt.Errorf("%w: bad name %q", ErrInvalid, name)
	}
	tx := txn.Begin(fs.sys)
	return commit(tx, doCreate(tx, parent, name, size, isDir))
}

func doCreate(tx *txn.Txn, parent string, name string, size uint64, isDir bool) error {
	pf, dir, err := walk(tx, parent)
	if err != nil {
		return err
	}
	if _, ok := dir.Find(name); ok {
		return ErrExists
	}
	bm, mf, err := loadFreeMap(tx)
	if err != nil {
		return err
	}
	sector, ok := bm.FindAndSet()
	if !ok {
		return fmt.Errorf("%w: no sector for a header", ErrNoSpace)
	}
	if !dir.Add(name, sector, isDir) {
		return fmt.Errorf("%w: directory is full", ErrNoSpace)
	}
	hdr := filehdr.MkHeader()
	if !hdr.Allocate(bm, size) {
		return fmt.Errorf("%w: %d bytes", ErrNoSpace, size)
	}
	util.DPrintf(3, "create %s: header %d, %d data sectors\n", name, sector, hdr.NumSectors())

	hdr.WriteBack(tx, sector)
	nf := openfile.MkOpenFile(tx, sector, hdr)
	if isDir {
		err = directory.MkDirectory(common.NumDirEntries).WriteBack(nf)
		if err != nil {
			return err
		}
	} else {
		zeroFile(tx, hdr)
	}
	if err := dir.WriteBack(pf); err != nil {
		return err
	}
	return writeFreeMap(mf, bm)
}

// zeroFile clears the data sectors of a new file, so that a file never
// shows the bytes of one removed before it.
func zeroFile(tx *txn.Txn, hdr *filehdr.Header) {
	for off := uint64(0); off < hdr.FileLength(); off += common.SectorSize {
		tx.OverWrite(hdr.ByteToSector(off), make([]byte, common.SectorSize))
	}
}

// Remove deletes the file or empty directory at path and frees its sectors.
// Open handles on the file are closed.
func (fs *FileSystem) Remove(path string) error {
	util.DPrintf(1, "Remove %s\n", path)
	err := fs.remove(path, false)
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// RemoveAll deletes path and, if it is a directory, everything below it.
func (fs *FileSystem) RemoveAll(path string) error {
	util.DPrintf(1, "RemoveAll %s\n", path)
	err := fs.remove(path, true)
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (fs *FileSystem) remove(path string, recursive bool) error {
	parent, name := splitPath(path)
	if name == "" {
		return fmt.Errorf("%w: cannot remove the root directory", ErrInvalid)
	}
	tx := txn.Begin(fs.sys)
	return commit(tx, fs.doRemove(tx, parent, name, recursive))
}

func (fs *FileSystem) doRemove(tx *txn.Txn, parent string, name string, recursive bool) error {
	pf, dir, err := walk(tx, parent)
	if err != nil {
		return err
	}
	e, ok := dir.Lookup(name)
	if !ok {
		return ErrNotFound
	}
	bm, mf, err := loadFreeMap(tx)
	if err != nil {
		return err
	}
	victims := make([]common.Bnum, 0)
	err = freeTree(tx, bm, e, recursive, &victims)
	if err != nil {
		return err
	}
	if !dir.Remove(name) {
		panic("doRemove: entry vanished")
	}
	if err := writeFreeMap(mf, bm); err != nil {
		return err
	}
	if err := dir.WriteBack(pf); err != nil {
		return err
	}
	// wait out I/O in progress on the victims, then invalidate their handles
	for _, s := range victims {
		tx.Acquire(s)
		fs.files.closeSector(s)
	}
	return nil
}

// freeTree releases e's header chain into bm. A directory must be empty
// unless recursive, in which case its entries are freed first.
func freeTree(tx *txn.Txn, bm *alloc.Bitmap, e directory.Entry, recursive bool,
	victims *[]common.Bnum) error {
	hdr, err := filehdr.FetchFrom(tx, e.Sector)
	if err != nil {
		return err
	}
	if e.IsDir {
		d := directory.MkDirectory(common.NumDirEntries)
		if err := d.FetchFrom(openfile.MkOpenFile(tx, e.Sector, hdr)); err != nil {
			return err
		}
		if !recursive && !d.IsEmpty() {
			return ErrNotEmpty
		}
		for _, child := range d.Entries() {
			err := freeTree(tx, bm, child, recursive, victims)
			if err != nil {
				return err
			}
		}
	}
	util.DPrintf(3, "free %s: header %d, %d sectors\n", e.Name, e.Sector, len(hdr.Sectors()))
	hdr.Deallocate(bm)
	bm.Clear(e.Sector)
	*victims = append(*victims, e.Sector)
	return nil
}

// Entries returns the entries of the directory at path.
func (fs *FileSystem) Entries(path string) ([]directory.Entry, error) {
	tx := txn.Begin(fs.sys)
	defer tx.Abort()
	_, dir, err := walk(tx, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	return dir.Entries(), nil
}

// List prints the names in the directory at path. With recursive, it prints
// the whole subtree, marking each entry [D] or [F] and indenting by depth.
func (fs *FileSystem) List(path string, recursive bool, w io.Writer) error {
	tx := txn.Begin(fs.sys)
	defer tx.Abort()
	_, dir, err := walk(tx, path)
	if err != nil {
		return fmt.Errorf("list %s: %w", path, err)
	}
	if !recursive {
		dir.List(w)
		return nil
	}
	return listTree(tx, dir, path, 0, w)
}

func listTree(tx *txn.Txn, dir *directory.Directory, path string, depth int, w io.Writer) error {
	for _, e := range dir.Entries() {
		for i := 0; i < depth*2; i++ {
			fmt.Fprintf(w, "  ")
		}
		if !e.IsDir {
			fmt.Fprintf(w, "[F] %s\n", e.Name)
			continue
		}
		fmt.Fprintf(w, "[D] %s\n", e.Name)
		sub := joinPath(path, e.Name)
		util.DPrintf(5, "listTree: descending into %s\n", sub)
		f, err := openfile.Open(tx, e.Sector)
		if err != nil {
			return err
		}
		child := directory.MkDirectory(common.NumDirEntries)
		if err := child.FetchFrom(f); err != nil {
			return err
		}
		if err := listTree(tx, child, sub, depth+1, w); err != nil {
			return err
		}
	}
	return nil
}

// Stat describes one file or directory.
type Stat struct {
	Name       string
	Sector     common.Bnum
	IsDir      bool
	Length     uint64
	NumSectors uint64 // data sectors
	NumHeaders uint64 // including continuation headers
}

// Stat looks up path; the empty path and "/" name the root directory.
func (fs *FileSystem) Stat(path string) (Stat, error) {
	tx := txn.Begin(fs.sys)
	defer tx.Abort()
	parent, name := splitPath(path)
	e := directory.Entry{InUse: true, IsDir: true, Sector: common.DirectorySector, Name: "/"}
	if name != "" {
		_, dir, err := walk(tx, parent)
		if err != nil {
			return Stat{}, fmt.Errorf("stat %s: %w", path, err)
		}
		var ok bool
		e, ok = dir.Lookup(name)
		if !ok {
			return Stat{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
		}
	}
	hdr, err := filehdr.FetchFrom(tx, e.Sector)
	if err != nil {
		return Stat{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Stat{
		Name:       e.Name,
		Sector:     e.Sector,
		IsDir:      e.IsDir,
		Length:     hdr.FileLength(),
		NumSectors: hdr.NumSectors(),
		NumHeaders: hdr.NumHeaders(),
	}, nil
}

// NumClear is the number of free sectors.
func (fs *FileSystem) NumClear() (uint64, error) {
	tx := txn.Begin(fs.sys)
	defer tx.Abort()
	bm, _, err := loadFreeMap(tx)
	if err != nil {
		return 0, err
	}
	return bm.NumClear(), nil
}

// NumSectors is the size of the device.
func (fs *FileSystem) NumSectors() uint64 {
	return fs.sys.Size()
}

// Print dumps the bitmap and root directory headers, the bitmap, and the
// root directory.
func (fs *FileSystem) Print(w io.Writer) error {
	tx := txn.Begin(fs.sys)
	defer tx.Abort()
	bm, mf, err := loadFreeMap(tx)
	if err != nil {
		return err
	}
	rf, root, err := walk(tx, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Bit map file header:\n")
	mf.Header().Print(w)
	fmt.Fprintf(w, "Directory file header:\n")
	rf.Header().Print(w)
	bm.Print(w)
	root.Print(w)
	return nil
}
