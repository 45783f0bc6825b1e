// Package openfile reads and writes the bytes of one file through its header.
//
// An OpenFile has no position of its own; every call names the byte range it
// touches. Files have the size they were created with: reads and writes that
// run past the end are cut short.
package openfile

import (
	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/filehdr"
	"github.com/mit-pdos/go-filesys/util"
)

type OpenFile struct {
	st     filehdr.Store
	sector common.Bnum
	hdr    *filehdr.Header
}

// Open fetches the header at sector and binds an OpenFile to it.
func Open(st filehdr.Store, sector common.Bnum) (*OpenFile, error) {
	hdr, err := filehdr.FetchFrom(st, sector)
	if err != nil {
		return nil, err
	}
	return MkOpenFile(st, sector, hdr), nil
}

// MkOpenFile binds an already-fetched header.
func MkOpenFile(st filehdr.Store, sector common.Bnum, hdr *filehdr.Header) *OpenFile {
	return &OpenFile{st: st, sector: sector, hdr: hdr}
}

func (f *OpenFile) Sector() common.Bnum {
	return f.sector
}

func (f *OpenFile) Header() *filehdr.Header {
	return f.hdr
}

func (f *OpenFile) Length() uint64 {
	return f.hdr.FileLength()
}

// clamp returns how many of n bytes at pos lie inside the file.
func (f *OpenFile) clamp(pos uint64, n uint64) uint64 {
	length := f.Length()
	if pos >= length {
		return 0
	}
	return util.Min(n, length-pos)
}

// ReadAt copies file bytes starting at pos into p and returns the number of
// bytes read, which is short at end of file.
func (f *OpenFile) ReadAt(p []byte, pos uint64) (uint64, error) {
	n := f.clamp(pos, uint64(len(p)))
	util.DPrintf(5, "ReadAt %d: %d bytes at %d\n", f.sector, n, pos)
	var done uint64
	for done < n {
		off := pos + done
		b, err := f.st.ReadBuf(f.hdr.ByteToSector(off))
		if err != nil {
			return done, err
		}
		inSector := off % common.SectorSize
		done += uint64(copy(p[done:n], b.Data[inSector:]))
	}
	return n, nil
}

// WriteAt copies p into the file starting at pos and returns the number of
// bytes written, which is short at end of file. Sectors only partly covered
// by p are read first.
func (f *OpenFile) WriteAt(p []byte, pos uint64) (uint64, error) {
	n := f.clamp(pos, uint64(len(p)))
	util.DPrintf(5, "WriteAt %d: %d bytes at %d\n", f.sector, n, pos)
	var done uint64
	for done < n {
		off := pos + done
		s := f.hdr.ByteToSector(off)
		inSector := off % common.SectorSize
		chunk := util.Min(common.SectorSize-inSector, n-done)
		var data []byte
		if chunk == common.SectorSize {
			data = util.CloneByteSlice(p[done : done+chunk])
		} else {
			b, err := f.st.ReadBuf(s)
			if err != nil {
				return done, err
			}
			data = util.CloneByteSlice(b.Data)
			copy(data[inSector:], p[done:done+chunk])
		}
		f.st.OverWrite(s, data)
		done += chunk
	}
	return n, nil
}
