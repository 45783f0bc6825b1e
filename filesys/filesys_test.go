package filesys

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	goosedisk "github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/disk"
)

const diskSize uint64 = 2048

// sectors used by a fresh file system: two headers, one bitmap sector, one
// root directory sector
const formatUsed uint64 = 4

type fsWrapper struct {
	assert *assert.Assertions
	*FileSystem
}

func (fs fsWrapper) numClear() uint64 {
	n, err := fs.NumClear()
	fs.assert.NoError(err)
	return n
}

func (fs fsWrapper) create(path string, size uint64) {
	fs.assert.NoErrorf(fs.Create(path, size), "create %s", path)
}

func (fs fsWrapper) mkdir(path string) {
	fs.assert.NoErrorf(fs.CreateDirectory(path), "mkdir %s", path)
}

func (fs fsWrapper) open(path string) *File {
	f, err := fs.Open(path)
	fs.assert.NoErrorf(err, "open %s", path)
	return f
}

func (fs fsWrapper) check() {
	fs.assert.NoError(fs.Check(), "file system is consistent")
}

// failDisk records the sectors written to it, and can be told to fail writes.
type failDisk struct {
	disk.Disk
	mu         sync.Mutex
	failWrites bool
	writes     []uint64
}

func (d *failDisk) Write(a uint64, v disk.Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWrites {
		return fmt.Errorf("write of sector %d failed", a)
	}
	d.writes = append(d.writes, a)
	return d.Disk.Write(a, v)
}

// takeWrites returns the sectors written since the last call.
func (d *failDisk) takeWrites() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.writes
	d.writes = nil
	return w
}

type FsSuite struct {
	suite.Suite
	d  *failDisk
	fs fsWrapper
}

func (suite *FsSuite) SetupTest() {
	suite.d = &failDisk{Disk: disk.NewMemDisk(diskSize)}
	fs, err := Format(suite.d)
	suite.Require().NoError(err)
	suite.fs = fsWrapper{assert: suite.Assert(), FileSystem: fs}
}

func (suite *FsSuite) restart() fsWrapper {
	suite.NoError(suite.fs.Close())
	fs, err := Mount(suite.d)
	suite.Require().NoError(err)
	suite.fs = fsWrapper{assert: suite.Assert(), FileSystem: fs}
	return suite.fs
}

// snapshot reads the whole device
func (suite *FsSuite) snapshot() [][]byte {
	var blks [][]byte
	for a := uint64(0); a < diskSize; a++ {
		b, err := suite.d.Read(a)
		suite.Require().NoError(err)
		blks = append(blks, b)
	}
	return blks
}

func TestFs(t *testing.T) {
	suite.Run(t, new(FsSuite))
}

func data(sz uint64) []byte {
	d := make([]byte, sz)
	rand.Read(d)
	return d
}

func (suite *FsSuite) TestFormat() {
	fs := suite.fs
	suite.Equal(diskSize-formatUsed, fs.numClear())
	suite.Equal(diskSize, fs.NumSectors())
	es, err := fs.Entries("/")
	suite.NoError(err)
	suite.Empty(es)
	st, err := fs.Stat("/")
	suite.NoError(err)
	suite.True(st.IsDir)
	suite.Equal(common.Bnum(common.DirectorySector), st.Sector)
	suite.Equal(common.DirectoryFileSize, st.Length)
	fs.check()
}

func (suite *FsSuite) TestFormatTooSmall() {
	_, err := Format(disk.NewMemDisk(formatUsed - 1))
	suite.True(errors.Is(err, ErrNoSpace))
}

func (suite *FsSuite) TestGooseDisk() {
	fs, err := Format(disk.FromGoose(goosedisk.NewMemDisk(256)))
	suite.Require().NoError(err)
	suite.NoError(fs.Create("f", 3*common.SectorSize))
	n, err := fs.NumClear()
	suite.NoError(err)
	suite.Equal(uint64(256)-formatUsed-4, n)
	suite.NoError(fs.Check())
}

func (suite *FsSuite) TestAllocationConservation() {
	fs := suite.fs
	free := fs.numClear()
	fs.create("a", 10000)
	suite.Equal(free-4, fs.numClear(), "header and 3 data sectors")
	fs.mkdir("d")
	suite.Equal(free-6, fs.numClear(), "header and one table sector")
	fs.create("d/b", 0)
	suite.Equal(free-7, fs.numClear(), "an empty file still takes a header")
	fs.check()

	suite.NoError(fs.Remove("d/b"))
	suite.NoError(fs.Remove("d"))
	suite.NoError(fs.Remove("a"))
	suite.Equal(free, fs.numClear())
	fs.check()
}

func (suite *FsSuite) TestChainingBoundary() {
	fs := suite.fs
	free := fs.numClear()
	fs.create("exact", common.MaxFileSize)
	st, err := fs.Stat("exact")
	suite.NoError(err)
	suite.Equal(uint64(1), st.NumHeaders)
	suite.Equal(common.NumDirect, st.NumSectors)
	suite.Equal(free-1-common.NumDirect, fs.numClear())

	free = fs.numClear()
	fs.create("over", common.MaxFileSize+1)
	st, err = fs.Stat("/over")
	suite.NoError(err)
	suite.Equal(uint64(2), st.NumHeaders)
	suite.Equal(common.NumDirect+1, st.NumSectors)
	suite.Equal(free-2-(common.NumDirect+1), fs.numClear())
	fs.check()
}

func (suite *FsSuite) TestRoundTrip() {
	fs := suite.fs
	size := 2*common.MaxFileSize + 100
	fs.create("big", size)
	bs := data(size)

	f := fs.open("big")
	n, err := f.Write(bs)
	suite.NoError(err)
	suite.Equal(int(size), n)
	suite.NoError(f.Close())

	fs = suite.restart()
	f = fs.open("big")
	suite.Equal(size, f.Length())
	out := make([]byte, size)
	n, err = f.ReadAt(out, 0)
	suite.NoError(err)
	suite.Equal(int(size), n)
	suite.Equal(bs, out)
	fs.check()
}

func (suite *FsSuite) TestCursor() {
	fs := suite.fs
	fs.create("f", 5)
	f := fs.open("f")
	n, err := f.Write([]byte("hello world"))
	suite.Equal(io.ErrShortWrite, err, "files do not grow")
	suite.Equal(5, n)

	pos, err := f.Seek(0, io.SeekStart)
	suite.NoError(err)
	suite.Equal(int64(0), pos)
	out := make([]byte, 3)
	n, err = f.Read(out)
	suite.NoError(err)
	suite.Equal("hel", string(out[:n]))
	n, err = f.Read(out)
	suite.NoError(err)
	suite.Equal("lo", string(out[:n]))
	n, err = f.Read(out)
	suite.Equal(io.EOF, err)
	suite.Equal(0, n)

	pos, err = f.Seek(-1, io.SeekEnd)
	suite.NoError(err)
	suite.Equal(int64(4), pos)
	_, err = f.Seek(-10, io.SeekCurrent)
	suite.True(errors.Is(err, ErrInvalid))

	n, err = f.ReadAt(make([]byte, 10), 2)
	suite.Equal(io.EOF, err)
	suite.Equal(3, n)

	pos, err = f.Seek(math.MaxInt64, io.SeekStart)
	suite.NoError(err)
	suite.Equal(int64(math.MaxInt64), pos)
	_, err = f.Seek(1, io.SeekCurrent)
	suite.True(errors.Is(err, ErrInvalid), "position past MaxInt64")
	_, err = f.Seek(math.MinInt64, io.SeekEnd)
	suite.True(errors.Is(err, ErrInvalid))
}

func (suite *FsSuite) TestNewFilesAreZeroed() {
	fs := suite.fs
	size := 3 * common.SectorSize
	fs.create("a", size)
	f := fs.open("a")
	f.Write(data(size))
	suite.NoError(fs.Remove("a"))

	fs.create("b", size)
	out := make([]byte, size)
	fs.open("b").ReadAt(out, 0)
	suite.Equal(make([]byte, size), out)
}

func (suite *FsSuite) TestWriteBackOrder() {
	fs := suite.fs
	suite.d.takeWrites()
	// sectors 2 and 3 hold the bitmap and the root table after Format
	fs.create("f", 2*common.SectorSize)
	suite.Equal([]uint64{4, 5, 6, 3, 2}, suite.d.takeWrites(),
		"header, zeroed data, parent directory, bitmap")

	fs.mkdir("d")
	suite.Equal([]uint64{7, 8, 3, 2}, suite.d.takeWrites(),
		"header, new directory table, parent directory, bitmap")

	fs.create("d/g", 0)
	suite.Equal([]uint64{9, 8, 2}, suite.d.takeWrites(),
		"an empty file writes only its header, parent and bitmap")

	suite.NoError(fs.Remove("f"))
	suite.Equal([]uint64{2, 3}, suite.d.takeWrites(), "bitmap, then parent directory")
}

func (suite *FsSuite) TestRecreateReusesSectors() {
	fs := suite.fs
	size := 3*common.SectorSize + 1
	fs.create("a", size)
	afterCreate := fs.numClear()
	st, err := fs.Stat("a")
	suite.NoError(err)

	suite.NoError(fs.Remove("a"))
	suite.Equal(afterCreate+5, fs.numClear(), "header and 4 data sectors freed")
	fs.create("b", size)
	suite.Equal(afterCreate, fs.numClear(), "same footprint the second time")
	st2, err := fs.Stat("b")
	suite.NoError(err)
	suite.Equal(st.Sector, st2.Sector, "first fit reuses the freed header sector")
	fs.check()
}

func (suite *FsSuite) TestNameUniqueness() {
	fs := suite.fs
	fs.create("a", 100)
	before := suite.snapshot()
	err := fs.Create("a", 100)
	suite.True(errors.Is(err, ErrExists))
	err = fs.CreateDirectory("/a")
	suite.True(errors.Is(err, ErrExists))
	suite.Equal(before, suite.snapshot(), "failed create leaves disk unchanged")
}

func (suite *FsSuite) TestInvalidNames() {
	fs := suite.fs
	long := string(bytes.Repeat([]byte("n"), int(common.FileNameMaxLen)+1))
	suite.True(errors.Is(fs.Create(long, 1), ErrInvalid))
	suite.True(errors.Is(fs.Create("/", 1), ErrInvalid))
	suite.True(errors.Is(fs.Remove("/"), ErrInvalid))
	fs.create(long[:common.FileNameMaxLen], 1)
}

func (suite *FsSuite) TestPathResolution() {
	fs := suite.fs
	fs.mkdir("/a")
	fs.mkdir("/a/b")
	fs.create("/a/b/c", 10)
	fs.open("/a/b/c")
	fs.open("a//b/c")

	err := fs.Create("/a/x/c", 10)
	suite.True(errors.Is(err, ErrNotFound))
	err = fs.Create("/a/b/c/d", 10)
	suite.True(errors.Is(err, ErrNotDir))
	suite.True(errors.Is(err, ErrNotFound), "not-a-directory is a kind of not-found")

	_, err = fs.Open("/a/b")
	suite.True(errors.Is(err, ErrIsDir))
	_, err = fs.Open("/a/b/missing")
	suite.True(errors.Is(err, ErrNotFound))
	fs.check()
}

func (suite *FsSuite) TestRemoveReclaims() {
	fs := suite.fs
	free := fs.numClear()
	fs.create("f", 3*common.SectorSize+1)
	suite.Equal(free-5, fs.numClear())
	suite.NoError(fs.Remove("f"))
	suite.Equal(free, fs.numClear())
	suite.True(errors.Is(fs.Remove("f"), ErrNotFound))

	fs.create("chained", common.MaxFileSize+common.SectorSize)
	suite.NoError(fs.Remove("chained"))
	suite.Equal(free, fs.numClear(), "continuation headers are freed")
	fs.check()
}

func (suite *FsSuite) TestRemoveNonEmpty() {
	fs := suite.fs
	fs.mkdir("d")
	fs.create("d/f", 1)
	suite.True(errors.Is(fs.Remove("d"), ErrNotEmpty))
	suite.NoError(fs.Remove("d/f"))
	suite.NoError(fs.Remove("d"))
	fs.check()
}

func (suite *FsSuite) TestRemoveAll() {
	fs := suite.fs
	free := fs.numClear()
	fs.mkdir("a")
	fs.mkdir("a/b")
	fs.create("a/b/f", 2*common.SectorSize)
	fs.create("a/g", common.MaxFileSize+1)
	fs.create("keep", 1)
	f := fs.open("a/b/f")

	suite.NoError(fs.RemoveAll("a"))
	suite.Equal(free-2, fs.numClear())
	_, err := f.Read(make([]byte, 1))
	suite.True(errors.Is(err, ErrBadHandle))
	es, err := fs.Entries("")
	suite.NoError(err)
	suite.Len(es, 1)
	fs.check()
}

func (suite *FsSuite) TestOutOfSpace() {
	fs := suite.fs
	free := fs.numClear()
	before := suite.snapshot()
	err := fs.Create("huge", free*common.SectorSize)
	suite.True(errors.Is(err, ErrNoSpace))
	suite.Equal(free, fs.numClear())
	suite.Equal(before, suite.snapshot(), "failed allocation leaves no trace")
	fs.check()

	// fits exactly: one header per MaxFileSize and the data
	headers := (free + common.NumDirect) / (common.NumDirect + 1)
	fs.create("fits", (free-headers)*common.SectorSize)
	suite.Equal(uint64(0), fs.numClear())
	suite.True(errors.Is(fs.Create("more", 0), ErrNoSpace))
	fs.check()
}

func (suite *FsSuite) TestDirectoryFull() {
	fs := suite.fs
	for i := uint64(0); i < common.NumDirEntries; i++ {
		fs.create(fmt.Sprintf("f%d", i), 0)
	}
	before := suite.snapshot()
	suite.True(errors.Is(fs.Create("last", 0), ErrNoSpace))
	suite.Equal(before, suite.snapshot())
	fs.check()
}

func (suite *FsSuite) TestOpenFileLimit() {
	fs := suite.fs
	fs.create("f", 10)
	ids := make(map[FileId]bool)
	var files []*File
	for i := uint64(0); i < common.MaxOpenFiles; i++ {
		f := fs.open("f")
		suite.False(ids[f.Id()], "ids are distinct")
		ids[f.Id()] = true
		files = append(files, f)
	}
	_, err := fs.Open("f")
	suite.True(errors.Is(err, ErrTooManyOpen))
	suite.True(errors.Is(err, ErrNoSpace))

	suite.NoError(fs.CloseId(files[0].Id()))
	suite.True(errors.Is(files[0].Close(), ErrBadHandle), "already closed")
	_, err = fs.Lookup(files[0].Id())
	suite.True(errors.Is(err, ErrBadHandle))
	f := fs.open("f")
	suite.False(ids[f.Id()], "ids are not reused")
	suite.Equal(int(common.MaxOpenFiles), fs.NumOpen())
}

func (suite *FsSuite) TestRemoveClosesHandles() {
	fs := suite.fs
	fs.create("f", 10)
	f := fs.open("f")
	other := fs.open("f")
	suite.NoError(fs.Remove("f"))
	_, err := f.Write([]byte("x"))
	suite.True(errors.Is(err, ErrBadHandle))
	_, err = fs.Lookup(other.Id())
	suite.True(errors.Is(err, ErrBadHandle))
	suite.Equal(0, fs.NumOpen())
}

func (suite *FsSuite) TestList() {
	fs := suite.fs
	fs.mkdir("d")
	fs.create("d/f", 1)
	fs.mkdir("d/e")
	fs.create("g", 1)

	var out bytes.Buffer
	suite.NoError(fs.List("/", false, &out))
	suite.Equal("d\ng\n", out.String())

	out.Reset()
	suite.NoError(fs.List("/", true, &out))
	suite.Equal("[D] d\n    [F] f\n    [D] e\n[F] g\n", out.String())

	out.Reset()
	suite.NoError(fs.List("d", false, &out))
	suite.Equal("f\ne\n", out.String())

	suite.True(errors.Is(fs.List("g", false, &out), ErrNotDir))
}

func (suite *FsSuite) TestPrint() {
	fs := suite.fs
	fs.create("f", 1)
	var out bytes.Buffer
	suite.NoError(fs.Print(&out))
	suite.Contains(out.String(), "Bit map file header:")
	suite.Contains(out.String(), "Bitmap set:\n0, 1, 2, 3, 4, 5, \n")
	suite.Contains(out.String(), "Name: f, Sector: 4, Type: F")
}

func (suite *FsSuite) TestCheckDetectsLeak() {
	fs := suite.fs
	fs.create("f", 1)
	fs.check()
	// wipe the bitmap: every reachable sector is now free in it
	suite.NoError(suite.d.Write(2, make([]byte, common.SectorSize)))
	suite.True(errors.Is(fs.Check(), ErrCorrupt))
}

func (suite *FsSuite) TestDeviceError() {
	fs := suite.fs
	free := fs.numClear()
	suite.d.failWrites = true
	err := fs.Create("f", 10)
	suite.True(errors.Is(err, ErrDevice))
	suite.d.failWrites = false
	suite.Equal(0, fs.NumOpen())
	suite.True(errors.Is(err, ErrDevice))
	// the first write of the commit failed, so nothing reached the disk
	suite.Equal(free, fs.numClear())
}

func (suite *FsSuite) TestConcurrentFiles() {
	fs := suite.fs
	const n = 4
	size := 8 * common.SectorSize
	for i := 0; i < n; i++ {
		fs.create(fmt.Sprintf("f%d", i), size)
	}
	contents := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		contents[i] = data(size)
		f := fs.open(fmt.Sprintf("f%d", i))
		wg.Add(1)
		go func(f *File, bs []byte) {
			defer wg.Done()
			for off := uint64(0); off < size; off += 1000 {
				end := off + 1000
				if end > size {
					end = size
				}
				f.WriteAt(bs[off:end], int64(off))
			}
		}(f, contents[i])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			fs.Create(fmt.Sprintf("other%d", i), 100)
		}
	}()
	wg.Wait()

	for i := 0; i < n; i++ {
		out := make([]byte, size)
		fs.open(fmt.Sprintf("f%d", i)).ReadAt(out, 0)
		suite.Equal(contents[i], out)
	}
	fs.check()
}
