// Command filesys operates on a file system stored in a disk image file.
//
//	filesys -disk fs.img -f -size 4096
//	filesys -disk fs.img -mkdir /docs
//	filesys -disk fs.img -cp notes.txt /docs/notes
//	filesys -disk fs.img -lr /
package main

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"

	"github.com/mit-pdos/go-filesys/disk"
	"github.com/mit-pdos/go-filesys/filesys"
	"github.com/mit-pdos/go-filesys/util"
)

// transferSize is how much -cp and -p move per call.
const transferSize = 10

func copyIn(fs *filesys.FileSystem, from string, to string) error {
	data, err := ioutil.ReadFile(from)
	if err != nil {
		return err
	}
	if err := fs.Create(to, uint64(len(data))); err != nil {
		return err
	}
	f, err := fs.Open(to)
	if err != nil {
		return err
	}
	defer f.Close()
	for off := 0; off < len(data); off += transferSize {
		end := off + transferSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := f.Write(data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func printFile(fs *filesys.FileSystem, path string, w io.Writer) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, transferSize)
	for {
		n, err := f.Read(buf)
		w.Write(buf[:n])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func openDisk(path string, format bool, size uint64) (disk.Disk, error) {
	if format {
		return disk.NewFileDisk(path, size)
	}
	return disk.OpenFileDisk(path)
}

func main() {
	var diskPath string
	flag.StringVar(&diskPath, "disk", "DISK", "disk image `file`")
	size := flag.Uint64("size", 1024, "sectors in a newly formatted image")
	format := flag.Bool("f", false, "format the image")
	cp := flag.String("cp", "", "copy a host `file` to the path given as the first argument")
	cat := flag.String("p", "", "print the contents of `path`")
	mkdir := flag.String("mkdir", "", "create directory `path`")
	list := flag.String("l", "", "list directory `path`")
	listAll := flag.String("lr", "", "list directory `path` recursively")
	remove := flag.String("r", "", "remove file or empty directory `path`")
	removeAll := flag.String("rr", "", "remove `path` and everything below it")
	dump := flag.Bool("D", false, "print the bitmap and root directory")
	check := flag.Bool("check", false, "check sector accounting")
	flag.Uint64Var(&util.Debug, "d", 0, "debug `level`")
	flag.Parse()

	d, err := openDisk(diskPath, *format, *size)
	if err != nil {
		log.Fatalf("could not open %s: %v", diskPath, err)
	}
	fs, err := filesys.MkFileSystem(d, *format)
	if err != nil {
		log.Fatalf("could not mount %s: %v", diskPath, err)
	}
	defer fs.Close()

	run := func(err error) {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			fs.Close()
			os.Exit(1)
		}
	}
	if *mkdir != "" {
		run(fs.CreateDirectory(*mkdir))
	}
	if *cp != "" {
		if flag.NArg() != 1 {
			run(fmt.Errorf("-cp %s: expected a destination path", *cp))
		}
		run(copyIn(fs, *cp, flag.Arg(0)))
	}
	if *cat != "" {
		run(printFile(fs, *cat, os.Stdout))
	}
	if *remove != "" {
		run(fs.Remove(*remove))
	}
	if *removeAll != "" {
		run(fs.RemoveAll(*removeAll))
	}
	if *list != "" {
		run(fs.List(*list, false, os.Stdout))
	}
	if *listAll != "" {
		run(fs.List(*listAll, true, os.Stdout))
	}
	if *dump {
		run(fs.Print(os.Stdout))
	}
	if *check {
		run(fs.Check())
		fmt.Println("ok")
	}
}
