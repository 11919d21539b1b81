// Package initrd packs a host directory into a newc cpio archive usable as
// a Linux initramfs.
package initrd

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cavaliergopher/cpio"
)

const dirLinks = 2

// Writer adds entries to a cpio archive.
type Writer struct {
	w *cpio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: cpio.NewWriter(w)}
}

// Close writes the trailer and flushes the archive.
func (w *Writer) Close() error {
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("initrd: close: %w", err)
	}
	return nil
}

func (w *Writer) writeHeader(hdr *cpio.Header) error {
	if err := w.w.WriteHeader(hdr); err != nil {
		return fmt.Errorf("initrd: write header for %s: %w", hdr.Name, err)
	}
	return nil
}

func (w *Writer) WriteDirectory(name string, perm fs.FileMode) error {
	return w.writeHeader(&cpio.Header{
		Name:  name,
		Mode:  cpio.TypeDir | cpio.FileMode(perm.Perm()),
		Links: dirLinks,
	})
}

// WriteSymlink stores the link target as the entry body.
func (w *Writer) WriteSymlink(name, target string) error {
	if err := w.writeHeader(&cpio.Header{
		Name: name,
		Mode: cpio.TypeSymlink | cpio.ModePerm,
		Size: int64(len(target)),
	}); err != nil {
		return err
	}
	if _, err := io.WriteString(w.w, target); err != nil {
		return fmt.Errorf("initrd: write body for %s: %w", name, err)
	}
	return nil
}

func (w *Writer) WriteFile(name string, perm fs.FileMode, r io.Reader, size int64) error {
	if err := w.writeHeader(&cpio.Header{
		Name:  name,
		Mode:  cpio.TypeReg | cpio.FileMode(perm.Perm()),
		Size:  size,
		Links: 1,
	}); err != nil {
		return err
	}
	n, err := io.Copy(w.w, r)
	if err != nil {
		return fmt.Errorf("initrd: write body for %s: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("initrd: %s changed size while packing (%d != %d)", name, n, size)
	}
	return nil
}

// PackDir writes every directory, regular file and symlink under root to w,
// named relative to root. Other file types are skipped.
func PackDir(w io.Writer, root string) error {
	aw := NewWriter(w)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch mode := info.Mode(); {
		case mode.IsDir():
			return aw.WriteDirectory(name, mode)
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return aw.WriteSymlink(name, target)
		case mode.IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return aw.WriteFile(name, mode, f, info.Size())
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("initrd: pack %s: %w", root, err)
	}
	return aw.Close()
}

// Build packs root into memory.
func Build(root string) ([]byte, error) {
	var buf bytes.Buffer
	if err := PackDir(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
