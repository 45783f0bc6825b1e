// Package directory implements a fixed-size table of names, stored as the
// data of a file.
//
// Each entry is DirEntrySize bytes on disk:
//
//	flags (8) | sector (8) | name (NUL-padded, FileNameMaxLen+1)
//
// where flags bit 0 marks the entry in use and bit 1 marks a subdirectory.
// Find and friends only look at this one table; walking paths is up to the
// file system.
package directory

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/openfile"
)

const (
	flagInUse uint64 = 1 << 0
	flagDir   uint64 = 1 << 1
)

type Entry struct {
	InUse  bool
	IsDir  bool
	Sector common.Bnum
	Name   string
}

func (e *Entry) encode() []byte {
	var flags uint64
	if e.InUse {
		flags |= flagInUse
	}
	if e.IsDir {
		flags |= flagDir
	}
	enc := marshal.NewEnc(common.DirEntrySize)
	enc.PutInt(flags)
	enc.PutInt(e.Sector)
	b := enc.Finish()
	copy(b[common.DirEntryMeta:], e.Name)
	return b
}

func decodeEntry(b []byte) Entry {
	dec := marshal.NewDec(b[:common.DirEntryMeta])
	flags := dec.GetInt()
	sector := dec.GetInt()
	name := b[common.DirEntryMeta:common.DirEntrySize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return Entry{
		InUse:  flags&flagInUse != 0,
		IsDir:  flags&flagDir != 0,
		Sector: sector,
		Name:   string(name),
	}
}

type Directory struct {
	table []Entry
}

// MkDirectory returns an empty table with room for size entries.
func MkDirectory(size uint64) *Directory {
	return &Directory{table: make([]Entry, size)}
}

// ValidName reports whether name can be stored in an entry.
func ValidName(name string) bool {
	return len(name) > 0 && uint64(len(name)) <= common.FileNameMaxLen &&
		!bytes.ContainsAny([]byte(name), "/\x00")
}

func (d *Directory) findIndex(name string) int {
	for i := range d.table {
		if d.table[i].InUse && d.table[i].Name == name {
			return i
		}
	}
	return -1
}

// Find returns the header sector of name.
func (d *Directory) Find(name string) (common.Bnum, bool) {
	i := d.findIndex(name)
	if i < 0 {
		return common.NULLBNUM, false
	}
	return d.table[i].Sector, true
}

// Lookup returns the entry for name.
func (d *Directory) Lookup(name string) (Entry, bool) {
	i := d.findIndex(name)
	if i < 0 {
		return Entry{}, false
	}
	return d.table[i], true
}

// Add records that name's header is at sector. It fails if name is already
// present, is not a valid name, or the table is full.
func (d *Directory) Add(name string, sector common.Bnum, isDir bool) bool {
	if !ValidName(name) || d.findIndex(name) >= 0 {
		return false
	}
	for i := range d.table {
		if !d.table[i].InUse {
			d.table[i] = Entry{InUse: true, IsDir: isDir, Sector: sector, Name: name}
			return true
		}
	}
	return false
}

// Remove drops name from the table. It fails if name isn't present.
func (d *Directory) Remove(name string) bool {
	i := d.findIndex(name)
	if i < 0 {
		return false
	}
	d.table[i].InUse = false
	return true
}

// Entries returns the in-use entries in table order.
func (d *Directory) Entries() []Entry {
	var es []Entry
	for _, e := range d.table {
		if e.InUse {
			es = append(es, e)
		}
	}
	return es
}

func (d *Directory) IsEmpty() bool {
	return len(d.Entries()) == 0
}

// List prints the names in the table, one per line.
func (d *Directory) List(w io.Writer) {
	for _, e := range d.Entries() {
		fmt.Fprintf(w, "%s\n", e.Name)
	}
}

func (d *Directory) Print(w io.Writer) {
	fmt.Fprintf(w, "Directory contents:\n")
	for _, e := range d.Entries() {
		kind := "F"
		if e.IsDir {
			kind = "D"
		}
		fmt.Fprintf(w, "Name: %s, Sector: %d, Type: %s\n", e.Name, e.Sector, kind)
	}
	fmt.Fprintf(w, "\n")
}

// FetchFrom replaces the table with the contents of f.
func (d *Directory) FetchFrom(f *openfile.OpenFile) error {
	size := uint64(len(d.table)) * common.DirEntrySize
	b := make([]byte, size)
	n, err := f.ReadAt(b, 0)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("directory file at sector %d holds %d bytes, want %d",
			f.Sector(), n, size)
	}
	for i := range d.table {
		off := uint64(i) * common.DirEntrySize
		d.table[i] = decodeEntry(b[off : off+common.DirEntrySize])
	}
	return nil
}

// WriteBack stores the table as the contents of f.
func (d *Directory) WriteBack(f *openfile.OpenFile) error {
	size := uint64(len(d.table)) * common.DirEntrySize
	b := make([]byte, 0, size)
	for i := range d.table {
		b = append(b, d.table[i].encode()...)
	}
	n, err := f.WriteAt(b, 0)
	if err != nil {
		return err
	}
	if n != size {
		panic(fmt.Errorf("directory write-back of %d bytes wrote %d", size, n))
	}
	return nil
}
