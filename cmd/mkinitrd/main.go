// Command mkinitrd packs a directory of files into the initrd image the
// bootloader loads alongside the kernel: a fixed header, a flat table of
// 12-byte names with sector counts, then the sector-padded file bodies in
// table order.
//
// Usage:
//
//	mkinitrd -out initrd.img dir/
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/schollz/progressbar/v3"
)

const (
	magic      = uint32(0xd7cafed7)
	version    = uint32(1)
	sectorSize = 512
	nameLen    = 12
)

type entry struct {
	name string
	path string
	size int64
}

func main() {
	out := flag.String("out", "initrd.img", "output image path")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: mkinitrd [-out image] <dir>\n")
		os.Exit(2)
	}

	entries, err := collect(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkinitrd: %v\n", err)
		os.Exit(1)
	}

	if err := write(*out, entries); err != nil {
		fmt.Fprintf(os.Stderr, "mkinitrd: %v\n", err)
		os.Exit(1)
	}
}

// collect gathers the regular files directly under dir, sorted by name so
// the image is reproducible.
func collect(dir string) ([]entry, error) {
	infos, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var entries []entry
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		name := info.Name()
		if len(name) > nameLen {
			return nil, fmt.Errorf("%s: name exceeds %d bytes", name, nameLen)
		}
		fi, err := info.Info()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{
			name: name,
			path: filepath.Join(dir, name),
			size: fi.Size(),
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: no files to pack", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

func write(out string, entries []entry) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(hdr[0:], magic)
	binary.LittleEndian.PutUint32(hdr[4:], version)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(entries)))
	if _, err := f.Write(hdr); err != nil {
		return err
	}

	var total int64
	for _, e := range entries {
		rec := make([]byte, nameLen+4)
		copy(rec, e.name)
		binary.LittleEndian.PutUint32(rec[nameLen:], uint32(sectors(e.size)))
		if _, err := f.Write(rec); err != nil {
			return err
		}
		total += int64(sectors(e.size)) * sectorSize
	}

	bar := progressbar.DefaultBytes(total, "packing")
	for _, e := range entries {
		if err := appendBody(f, bar, e); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
	}
	return nil
}

func appendBody(f *os.File, bar *progressbar.ProgressBar, e entry) error {
	src, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer src.Close()

	n, err := io.Copy(io.MultiWriter(f, bar), src)
	if err != nil {
		return err
	}

	if pad := int64(sectors(n))*sectorSize - n; pad > 0 {
		if _, err := f.Write(make([]byte, pad)); err != nil {
			return err
		}
		bar.Add64(pad)
	}
	return nil
}

func sectors(n int64) int64 {
	return (n + sectorSize - 1) / sectorSize
}
