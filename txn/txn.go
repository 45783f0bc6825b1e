// Package txn scopes one file-system operation.
//
// An operation reads sectors through ReadBuf, which caches them for the rest
// of the operation, and buffers its writes with OverWrite. Nothing reaches the
// disk until Commit, which writes the dirty sectors in the order they were
// first written. To abandon an operation call Abort; the disk is untouched.
//
// This is not crash-atomic: a crash in the middle of Commit can leave a prefix
// of the writes on disk. What it does guarantee is that an operation which
// fails before Commit leaves no trace.
//
// Operations that touch the bitmap or the directory tree run under the
// file-system-wide guard (Begin). Reads and writes through an open file only
// lock that file, by its header sector (BeginFile). Lock order is guard, then
// file locks.
package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mit-pdos/go-filesys/buf"
	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/disk"
	"github.com/mit-pdos/go-filesys/lockmap"
	"github.com/mit-pdos/go-filesys/util"
)

// ErrDevice wraps errors returned by the underlying disk.
var ErrDevice = errors.New("device error")

// Sys is shared by every operation on one device.
type Sys struct {
	mu    *sync.Mutex // guards the bitmap and the directory tree
	d     disk.Disk
	locks *lockmap.LockMap
	size  uint64
}

func Init(d disk.Disk) (*Sys, error) {
	sz, err := d.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	sys := &Sys{
		mu:    new(sync.Mutex),
		d:     d,
		locks: lockmap.MkLockMap(),
		size:  sz,
	}
	return sys, nil
}

// Size is the number of sectors on the device.
func (sys *Sys) Size() uint64 {
	return sys.size
}

func (sys *Sys) Shutdown() error {
	return sys.d.Close()
}

// Txn is an in-progress operation.
type Txn struct {
	sys       *Sys
	bufs      *buf.BufMap
	exclusive bool
	acquired  []common.Bnum
	done      bool
}

// Begin starts an operation that holds the file-system-wide guard.
func Begin(sys *Sys) *Txn {
	sys.mu.Lock()
	tx := &Txn{
		sys:       sys,
		bufs:      buf.MkBufMap(),
		exclusive: true,
		acquired:  make([]common.Bnum, 0),
	}
	util.DPrintf(5, "Begin: %p\n", tx)
	return tx
}

// BeginFile starts an operation that only holds the lock of the file whose
// header is at sector hdr.
func BeginFile(sys *Sys, hdr common.Bnum) *Txn {
	tx := &Txn{
		sys:      sys,
		bufs:     buf.MkBufMap(),
		acquired: make([]common.Bnum, 0),
	}
	tx.Acquire(hdr)
	util.DPrintf(5, "BeginFile %d: %p\n", hdr, tx)
	return tx
}

// Acquire locks the file with header sector s until the operation ends.
func (tx *Txn) Acquire(s common.Bnum) {
	for _, acq := range tx.acquired {
		if acq == s {
			return
		}
	}
	tx.sys.locks.Acquire(s)
	tx.acquired = append(tx.acquired, s)
}

func (tx *Txn) releaseAll() {
	if tx.done {
		panic("txn: operation already finished")
	}
	tx.done = true
	for len(tx.acquired) != 0 {
		last := len(tx.acquired) - 1
		if !tx.sys.locks.IsHeld(tx.acquired[last]) {
			panic(fmt.Errorf("txn: lock on sector %d lost before release", tx.acquired[last]))
		}
		tx.sys.locks.Release(tx.acquired[last])
		tx.acquired = tx.acquired[:last]
	}
	if tx.exclusive {
		tx.sys.mu.Unlock()
	}
}

// Size is the number of sectors on the device.
func (tx *Txn) Size() uint64 {
	return tx.sys.size
}

// ReadBuf returns the operation's copy of sector a, reading it from disk the
// first time.
func (tx *Txn) ReadBuf(a common.Bnum) (*buf.Buf, error) {
	if a >= tx.sys.size {
		return nil, fmt.Errorf("txn: read of sector %d beyond device of %d", a, tx.sys.size)
	}
	b := tx.bufs.Lookup(a)
	if b == nil {
		blk, err := tx.sys.d.Read(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDevice, err)
		}
		b = buf.MkBuf(a, blk)
		tx.bufs.Insert(b)
	}
	return b, nil
}

// OverWrite replaces the contents of sector a without reading it. The
// operation takes ownership of data; the caller must not modify it afterward.
func (tx *Txn) OverWrite(a common.Bnum, data []byte) {
	if a >= tx.sys.size {
		panic(fmt.Errorf("txn: write to sector %d beyond device of %d", a, tx.sys.size))
	}
	b := tx.bufs.Lookup(a)
	if b == nil {
		b = buf.MkBuf(a, data)
		tx.bufs.Insert(b)
	} else {
		if uint64(len(data)) != common.SectorSize {
			panic("OverWrite: data is not sector-sized")
		}
		b.Data = data
	}
	tx.bufs.SetDirty(b)
}

// NDirty is the number of sectors Commit would write.
func (tx *Txn) NDirty() uint64 {
	return tx.bufs.Ndirty()
}

// Commit writes the operation's dirty sectors and ends it. With wait, Commit
// also issues a barrier so the writes are durable when it returns.
func (tx *Txn) Commit(wait bool) error {
	defer tx.releaseAll()
	util.DPrintf(3, "Commit %p: %d sectors w %v\n", tx, tx.bufs.Ndirty(), wait)
	for _, b := range tx.bufs.DirtyBufs() {
		err := tx.sys.d.Write(b.Blkno, b.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDevice, err)
		}
	}
	if wait && tx.bufs.Ndirty() > 0 {
		err := tx.sys.d.Barrier()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDevice, err)
		}
	}
	return nil
}

// Abort ends the operation without writing anything.
func (tx *Txn) Abort() {
	util.DPrintf(3, "Abort %p: dropping %d sectors\n", tx, tx.bufs.Ndirty())
	tx.releaseAll()
}
