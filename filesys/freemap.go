package filesys

import (
	"fmt"

	"github.com/mit-pdos/go-filesys/alloc"
	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/openfile"
	"github.com/mit-pdos/go-filesys/txn"
	"github.com/mit-pdos/go-filesys/util"
)

// freeMapFileSize is the size of the bitmap file for a device of n sectors.
func freeMapFileSize(n uint64) uint64 {
	return util.RoundUp(n, 8)
}

// loadFreeMap reads a scratch copy of the bitmap, along with its file.
func loadFreeMap(tx *txn.Txn) (*alloc.Bitmap, *openfile.OpenFile, error) {
	f, err := openfile.Open(tx, common.FreeMapSector)
	if err != nil {
		return nil, nil, err
	}
	size := freeMapFileSize(tx.Size())
	if f.Length() != size {
		return nil, nil, fmt.Errorf("%w: bitmap file holds %d bytes, want %d",
			ErrCorrupt, f.Length(), size)
	}
	b := make([]byte, size)
	if _, err := f.ReadAt(b, 0); err != nil {
		return nil, nil, err
	}
	return alloc.MkBitmapFrom(b, tx.Size()), f, nil
}

func writeFreeMap(f *openfile.OpenFile, bm *alloc.Bitmap) error {
	b := bm.Bytes()
	n, err := f.WriteAt(b, 0)
	if err != nil {
		return err
	}
	if n != uint64(len(b)) {
		panic(fmt.Errorf("bitmap write-back of %d bytes wrote %d", len(b), n))
	}
	return nil
}
