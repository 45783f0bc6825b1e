package buf

import (
	"github.com/mit-pdos/go-filesys/common"
)

//
// A map from sector numbers to bufs that remembers the order in which bufs
// were first made dirty.
//

type BufMap struct {
	bufs  map[common.Bnum]*Buf
	order []*Buf
}

func MkBufMap() *BufMap {
	a := &BufMap{
		bufs:  make(map[common.Bnum]*Buf),
		order: make([]*Buf, 0),
	}
	return a
}

func (bmap *BufMap) Insert(buf *Buf) {
	if _, ok := bmap.bufs[buf.Blkno]; ok {
		panic("BufMap: duplicate insert")
	}
	bmap.bufs[buf.Blkno] = buf
	if buf.IsDirty() {
		bmap.order = append(bmap.order, buf)
	}
}

func (bmap *BufMap) Lookup(blkno common.Bnum) *Buf {
	return bmap.bufs[blkno]
}

// SetDirty marks buf as written. The first time a buf becomes dirty fixes its
// position in DirtyBufs.
func (bmap *BufMap) SetDirty(buf *Buf) {
	if bmap.bufs[buf.Blkno] != buf {
		panic("BufMap: SetDirty on a buf not in the map")
	}
	if !buf.IsDirty() {
		buf.dirty = true
		bmap.order = append(bmap.order, buf)
	}
}

func (bmap *BufMap) Ndirty() uint64 {
	return uint64(len(bmap.order))
}

// DirtyBufs returns the written bufs in the order they were first written.
func (bmap *BufMap) DirtyBufs() []*Buf {
	return bmap.order
}
