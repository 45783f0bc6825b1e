package disk

import (
	goosedisk "github.com/tchajed/goose/machine/disk"
)

// Block is a sector-sized buffer
type Block = []byte

// BlockSize is the sector size of every device, shared with goose's disks so
// that a goose disk can serve as a device unchanged.
const BlockSize uint64 = goosedisk.BlockSize

// Disk provides access to a logical sector-based device
type Disk interface {
	// Read reads a sector by address
	//
	// Expects a < Size().
	Read(a uint64) (Block, error)

	// ReadTo reads the sector at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block) error

	// Write updates a sector by address
	//
	// Expects a < Size().
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in sectors
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}
