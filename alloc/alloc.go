package alloc

import (
	"fmt"
	"io"

	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/util"
)

// Bitmap tracks free sectors, one bit per sector. Bit n lives in byte n/8 at
// position n%8. A set bit means the sector is in use.
//
// A Bitmap is a scratch copy owned by one operation; it is not safe for
// concurrent use.
type Bitmap struct {
	nbits  uint64
	bitmap []byte
}

// MkBitmap returns an all-clear bitmap covering nbits sectors.
func MkBitmap(nbits uint64) *Bitmap {
	return &Bitmap{
		nbits:  nbits,
		bitmap: make([]byte, util.RoundUp(nbits, 8)),
	}
}

// MkBitmapFrom wraps the persisted bits of a bitmap file. Bits past nbits in
// the last byte are ignored.
func MkBitmapFrom(bits []byte, nbits uint64) *Bitmap {
	if uint64(len(bits)) != util.RoundUp(nbits, 8) {
		panic(fmt.Errorf("bitmap of %d bytes cannot cover %d sectors", len(bits), nbits))
	}
	return &Bitmap{
		nbits:  nbits,
		bitmap: util.CloneByteSlice(bits),
	}
}

func (a *Bitmap) check(n common.Bnum) {
	if n >= a.nbits {
		panic(fmt.Errorf("bitmap: sector %d out of range [0, %d)", n, a.nbits))
	}
}

// Len is the number of sectors the bitmap covers.
func (a *Bitmap) Len() uint64 {
	return a.nbits
}

func (a *Bitmap) Test(n common.Bnum) bool {
	a.check(n)
	return a.bitmap[n/8]&(1<<(n%8)) != 0
}

// Mark sets bit n.
func (a *Bitmap) Mark(n common.Bnum) {
	a.check(n)
	a.bitmap[n/8] = a.bitmap[n/8] | (1 << (n % 8))
}

// Clear frees bit n, which must be set.
func (a *Bitmap) Clear(n common.Bnum) {
	if !a.Test(n) {
		panic(fmt.Errorf("bitmap: clearing free sector %d", n))
	}
	a.bitmap[n/8] = a.bitmap[n/8] & ^(1 << (n % 8))
}

// FindAndSet marks and returns the lowest clear bit. It returns false when
// every sector is in use.
func (a *Bitmap) FindAndSet() (common.Bnum, bool) {
	for byt, b := range a.bitmap {
		if b == 0xff {
			continue
		}
		for bit := uint64(0); bit < 8; bit++ {
			n := uint64(byt)*8 + bit
			if n >= a.nbits {
				return 0, false
			}
			if b&(1<<bit) == 0 {
				a.bitmap[byt] = b | (1 << bit)
				util.DPrintf(3, "FindAndSet: %d\n", n)
				return n, true
			}
		}
	}
	return 0, false
}

func popCnt(b byte) uint64 {
	var count uint64
	var x = b
	for i := uint64(0); i < 8; i++ {
		count += uint64(x & 1)
		x = x >> 1
	}
	return count
}

// NumClear counts free sectors.
func (a *Bitmap) NumClear() uint64 {
	var used uint64
	for _, b := range a.bitmap {
		used += popCnt(b)
	}
	return a.nbits - used
}

// Bytes is the persisted form of the bitmap.
func (a *Bitmap) Bytes() []byte {
	return util.CloneByteSlice(a.bitmap)
}

// Print lists the used sectors.
func (a *Bitmap) Print(w io.Writer) {
	fmt.Fprintf(w, "Bitmap set:\n")
	for n := uint64(0); n < a.nbits; n++ {
		if a.Test(n) {
			fmt.Fprintf(w, "%d, ", n)
		}
	}
	fmt.Fprintf(w, "\n")
}
