package filesys

import (
	"fmt"
	"strings"

	"github.com/mit-pdos/go-filesys/common"
	"github.com/mit-pdos/go-filesys/directory"
	"github.com/mit-pdos/go-filesys/openfile"
	"github.com/mit-pdos/go-filesys/txn"
	"github.com/mit-pdos/go-filesys/util"
)

func components(path string) []string {
	var toks []string
	for _, tok := range strings.Split(path, "/") {
		if tok != "" {
			toks = append(toks, tok)
		}
	}
	return toks
}

// splitPath separates the final component of path from the directory
// holding it. name is empty if path names the root.
func splitPath(path string) (parent string, name string) {
	toks := components(path)
	if len(toks) == 0 {
		return "", ""
	}
	return strings.Join(toks[:len(toks)-1], "/"), toks[len(toks)-1]
}

func joinPath(dir string, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// walk resolves path, which must name a directory, starting from the root.
// It returns the directory's file and a scratch copy of its table.
func walk(tx *txn.Txn, path string) (*openfile.OpenFile, *directory.Directory, error) {
	f, err := openfile.Open(tx, common.DirectorySector)
	if err != nil {
		return nil, nil, err
	}
	dir := directory.MkDirectory(common.NumDirEntries)
	if err := dir.FetchFrom(f); err != nil {
		return nil, nil, err
	}
	for _, tok := range components(path) {
		e, ok := dir.Lookup(tok)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, tok)
		}
		if !e.IsDir {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotDir, tok)
		}
		util.DPrintf(5, "walk %s: %s at sector %d\n", path, tok, e.Sector)
		f, err = openfile.Open(tx, e.Sector)
		if err != nil {
			return nil, nil, err
		}
		dir = directory.MkDirectory(common.NumDirEntries)
		if err := dir.FetchFrom(f); err != nil {
			return nil, nil, err
		}
	}
	return f, dir, nil
}
