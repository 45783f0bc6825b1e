// buf holds the sectors an operation has read or written, so that the
// operation can be committed to disk in one step or dropped without a trace.
package buf

import (
	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/disk"
)

// A Buf is the in-memory copy of one sector
type Buf struct {
	Blkno common.Bnum
	Data  disk.Block
	dirty bool // has this sector been written to?
}

func MkBuf(blkno common.Bnum, data disk.Block) *Buf {
	if uint64(len(data)) != common.SectorSize {
		panic("MkBuf: data is not sector-sized")
	}
	b := &Buf{
		Blkno: blkno,
		Data:  data,
		dirty: false,
	}
	return b
}

func (buf *Buf) IsDirty() bool {
	return buf.dirty
}
