package common

import (
	"github.com/mit-pdos/go-filesys/disk"
)

const SectorSize uint64 = disk.BlockSize

type Bnum = uint64

const (
	NULLBNUM Bnum = 0

	// well-known header sectors
	FreeMapSector   Bnum = 0
	DirectorySector Bnum = 1
)

const (
	HDRMETA     = uint64(3 * 8) // numBytes, numSectors, nextSector
	NumDirect   = (SectorSize - HDRMETA) / 8
	MaxFileSize = NumDirect * SectorSize
)

const (
	FileNameMaxLen    uint64 = 47
	DirEntryMeta      uint64 = 2 * 8 // flags, sector
	DirEntrySize      uint64 = 64
	NumDirEntries     uint64 = 64
	DirectoryFileSize        = DirEntrySize * NumDirEntries
)

const MaxOpenFiles uint64 = 20
