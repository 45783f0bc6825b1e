// Package filehdr implements the on-disk file header, the file system's
// inode.
//
// A header occupies exactly one sector and maps up to MaxFileSize bytes of
// file data through a table of NumDirect data sectors. A larger file chains
// headers: the first covers bytes [0, MaxFileSize), its continuation header
// covers the next MaxFileSize bytes, and so on. Every header but the last in a
// chain is full.
//
// On disk a header is (little-endian, 8 bytes each)
//
//	numBytes | numSectors | nextSector | dataSectors[NumDirect]
//
// where nextSector is NULLBNUM for the last header of a chain.
package filehdr

import (
	"fmt"
	"io"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-filesys/buf"
	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/util"
)

// Allocator hands out free sectors. *alloc.Bitmap implements it.
type Allocator interface {
	FindAndSet() (common.Bnum, bool)
	Clear(n common.Bnum)
	Test(n common.Bnum) bool
	NumClear() uint64
}

// Store reads and buffers sectors on behalf of one operation. *txn.Txn
// implements it.
type Store interface {
	ReadBuf(a common.Bnum) (*buf.Buf, error)
	OverWrite(a common.Bnum, data []byte)
}

type Header struct {
	numBytes    uint64
	numSectors  uint64
	dataSectors [common.NumDirect]common.Bnum
	nextSector  common.Bnum
	next        *Header // owned; nil iff nextSector == NULLBNUM
}

func MkHeader() *Header {
	return &Header{nextSector: common.NULLBNUM}
}

// Allocate reserves data sectors for a new file of size bytes, chaining
// continuation headers as needed. If the allocator runs out, every sector
// taken so far is returned to it, the header is left empty, and Allocate
// returns false.
func (h *Header) Allocate(a Allocator, size uint64) bool {
	if h.numSectors != 0 || h.next != nil {
		panic("Allocate: header already allocated")
	}
	taken := make([]common.Bnum, 0)
	if h.allocate(a, size, &taken) {
		return true
	}
	util.DPrintf(3, "Allocate %d: out of space, returning %d sectors\n", size, len(taken))
	for _, s := range taken {
		a.Clear(s)
	}
	*h = *MkHeader()
	return false
}

func (h *Header) allocate(a Allocator, size uint64, taken *[]common.Bnum) bool {
	chunk := util.Min(size, common.MaxFileSize)
	h.numBytes = chunk
	h.numSectors = util.RoundUp(chunk, common.SectorSize)
	if a.NumClear() < h.numSectors {
		return false
	}
	for i := uint64(0); i < h.numSectors; i++ {
		s, ok := a.FindAndSet()
		if !ok {
			return false
		}
		h.dataSectors[i] = s
		*taken = append(*taken, s)
	}
	if size <= common.MaxFileSize {
		return true
	}
	s, ok := a.FindAndSet()
	if !ok {
		return false
	}
	*taken = append(*taken, s)
	h.nextSector = s
	h.next = MkHeader()
	return h.next.allocate(a, size-common.MaxFileSize, taken)
}

// Deallocate frees the data sectors of the whole chain and the sectors of
// every continuation header. The caller frees the sector of h itself.
func (h *Header) Deallocate(a Allocator) {
	for i := uint64(0); i < h.numSectors; i++ {
		s := h.dataSectors[i]
		if !a.Test(s) {
			panic(fmt.Errorf("Deallocate: data sector %d is not marked", s))
		}
		a.Clear(s)
	}
	if h.next != nil {
		a.Clear(h.nextSector)
		h.next.Deallocate(a)
	}
}

func (h *Header) encode() []byte {
	enc := marshal.NewEnc(common.SectorSize)
	enc.PutInt(h.numBytes)
	enc.PutInt(h.numSectors)
	enc.PutInt(h.nextSector)
	enc.PutInts(h.dataSectors[:])
	return enc.Finish()
}

func decode(blk []byte) *Header {
	dec := marshal.NewDec(blk)
	h := MkHeader()
	h.numBytes = dec.GetInt()
	h.numSectors = dec.GetInt()
	h.nextSector = dec.GetInt()
	copy(h.dataSectors[:], dec.GetInts(common.NumDirect))
	return h
}

// FetchFrom loads the header stored at sector s, and its continuations. It
// fails on a sector that cannot be a header: sizes out of range, a sector
// count that does not match the byte count, a continuation of a header that is
// not full, or a chain that loops.
func FetchFrom(st Store, s common.Bnum) (*Header, error) {
	return fetchChain(st, s, make(map[common.Bnum]bool))
}

func fetchChain(st Store, s common.Bnum, seen map[common.Bnum]bool) (*Header, error) {
	if seen[s] {
		return nil, fmt.Errorf("header chain loops back to sector %d", s)
	}
	seen[s] = true
	b, err := st.ReadBuf(s)
	if err != nil {
		return nil, err
	}
	h := decode(b.Data)
	if h.numBytes > common.MaxFileSize ||
		h.numSectors != util.RoundUp(h.numBytes, common.SectorSize) {
		return nil, fmt.Errorf("sector %d does not hold a file header", s)
	}
	if h.nextSector != common.NULLBNUM {
		if h.numBytes != common.MaxFileSize {
			return nil, fmt.Errorf("header at sector %d continues before it is full", s)
		}
		next, err := fetchChain(st, h.nextSector, seen)
		if err != nil {
			return nil, err
		}
		h.next = next
	}
	return h, nil
}

// WriteBack stores the header at sector s and each continuation at its own
// sector.
func (h *Header) WriteBack(st Store, s common.Bnum) {
	st.OverWrite(s, h.encode())
	if h.next != nil {
		h.next.WriteBack(st, h.nextSector)
	}
}

// ByteToSector returns the data sector holding byte offset off. The caller
// must keep off below FileLength().
func (h *Header) ByteToSector(off uint64) common.Bnum {
	if off < common.MaxFileSize {
		idx := off / common.SectorSize
		if idx >= h.numSectors {
			panic(fmt.Errorf("ByteToSector: offset %d past end of file", off))
		}
		return h.dataSectors[idx]
	}
	if h.next == nil {
		panic(fmt.Errorf("ByteToSector: offset %d past end of file", off))
	}
	return h.next.ByteToSector(off - common.MaxFileSize)
}

// FileLength is the size of the file in bytes.
func (h *Header) FileLength() uint64 {
	if h.next != nil {
		return h.numBytes + h.next.FileLength()
	}
	return h.numBytes
}

// NumSectors is the number of data sectors over the whole chain.
func (h *Header) NumSectors() uint64 {
	if h.next != nil {
		return h.numSectors + h.next.NumSectors()
	}
	return h.numSectors
}

// NumHeaders is the length of the chain.
func (h *Header) NumHeaders() uint64 {
	if h.next != nil {
		return 1 + h.next.NumHeaders()
	}
	return 1
}

// Next is the continuation header, or nil.
func (h *Header) Next() *Header {
	return h.next
}

// Sectors lists every sector the chain owns apart from h's own: data sectors
// and continuation header sectors.
func (h *Header) Sectors() []common.Bnum {
	var sectors []common.Bnum
	for c := h; c != nil; c = c.next {
		sectors = append(sectors, c.dataSectors[:c.numSectors]...)
		if c.next != nil {
			sectors = append(sectors, c.nextSector)
		}
	}
	return sectors
}

func (h *Header) Print(w io.Writer) {
	fmt.Fprintf(w, "FileHeader contents.  File size: %d.  Headers: %d.  File blocks:\n",
		h.FileLength(), h.NumHeaders())
	for c := h; c != nil; c = c.next {
		for i := uint64(0); i < c.numSectors; i++ {
			fmt.Fprintf(w, "%d ", c.dataSectors[i])
		}
	}
	fmt.Fprintf(w, "\n")
}
