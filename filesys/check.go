package filesys

import (
	"bytes"
	"fmt"

	"github.com/mit-pdos/go-filesys/alloc"
	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/directory"
	"github.com/mit-pdos/go-filesys/filehdr"
	"github.com/mit-pdos/go-filesys/openfile"
	"github.com/mit-pdos/go-filesys/txn"
)

type checker struct {
	tx   *txn.Txn
	bm   *alloc.Bitmap
	seen *alloc.Bitmap
}

func (c *checker) claim(s common.Bnum, what string) error {
	if s >= c.bm.Len() {
		return fmt.Errorf("%w: %s sector %d is beyond the device", ErrCorrupt, what, s)
	}
	if c.seen.Test(s) {
		return fmt.Errorf("%w: %s sector %d is used twice", ErrCorrupt, what, s)
	}
	if !c.bm.Test(s) {
		return fmt.Errorf("%w: %s sector %d is free in the bitmap", ErrCorrupt, what, s)
	}
	c.seen.Mark(s)
	return nil
}

func (c *checker) file(s common.Bnum, name string) (*filehdr.Header, error) {
	if err := c.claim(s, name+" header"); err != nil {
		return nil, err
	}
	hdr, err := filehdr.FetchFrom(c.tx, s)
	if err != nil {
		return nil, err
	}
	for _, data := range hdr.Sectors() {
		if err := c.claim(data, name); err != nil {
			return nil, err
		}
	}
	return hdr, nil
}

func (c *checker) dir(s common.Bnum, path string) error {
	hdr, err := c.file(s, path)
	if err != nil {
		return err
	}
	if hdr.FileLength() != common.DirectoryFileSize {
		return fmt.Errorf("%w: directory %s has length %d", ErrCorrupt, path, hdr.FileLength())
	}
	d := directory.MkDirectory(common.NumDirEntries)
	if err := d.FetchFrom(openfile.MkOpenFile(c.tx, s, hdr)); err != nil {
		return err
	}
	names := make(map[string]bool)
	for _, e := range d.Entries() {
		if names[e.Name] {
			return fmt.Errorf("%w: %s appears twice in %s", ErrCorrupt, e.Name, path)
		}
		names[e.Name] = true
		sub := joinPath(path, e.Name)
		if e.IsDir {
			err = c.dir(e.Sector, sub)
		} else {
			_, err = c.file(e.Sector, sub)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Check verifies that the sectors reachable from the bitmap and root headers
// are exactly the sectors marked in use, each reached once.
func (fs *FileSystem) Check() error {
	tx := txn.Begin(fs.sys)
	defer tx.Abort()
	bm, _, err := loadFreeMap(tx)
	if err != nil {
		return err
	}
	c := &checker{tx: tx, bm: bm, seen: alloc.MkBitmap(bm.Len())}
	if _, err := c.file(common.FreeMapSector, "bitmap"); err != nil {
		return err
	}
	if err := c.dir(common.DirectorySector, "/"); err != nil {
		return err
	}
	if !bytes.Equal(c.seen.Bytes(), bm.Bytes()) {
		return fmt.Errorf("%w: %d sectors are marked in use but unreachable",
			ErrCorrupt, c.seen.NumClear()-bm.NumClear())
	}
	return nil
}
