package cmd

import (
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/lvdlvd/erofuse/fsys"
	"github.com/lvdlvd/erofuse/fsys/erofs"
)

// linkReader is implemented by filesystems that can read symlink targets
// by inode.
type linkReader interface {
	ReadLink(nid uint64) (string, error)
}

// Stat shows detailed information about a file or directory: its
// attributes, data layout, where its bytes live in the image and, for a
// symlink, the target.
func Stat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "   File: %s\n", info.Name())
	fmt.Fprintf(out, "   Size: %d\n", info.Size())
	fmt.Fprintf(out, "   Mode: %s\n", info.Mode())
	fmt.Fprintf(out, "ModTime: %s\n", info.ModTime().UTC().Format(time.RFC3339Nano))

	fi, ok := info.(fsys.FileInfo)
	if ok {
		fmt.Fprintf(out, "  Inode: %d\n", fi.Inode())
	}

	if attr, ok := info.Sys().(*erofs.Attr); ok {
		fmt.Fprintf(out, "    Ino: %d\n", attr.Ino)
		fmt.Fprintf(out, "  Links: %d\n", attr.Nlink)
		fmt.Fprintf(out, "    Uid: %d\n", attr.UID)
		fmt.Fprintf(out, "    Gid: %d\n", attr.GID)
		fmt.Fprintf(out, " Blocks: %d\n", attr.Blocks)
		fmt.Fprintf(out, " Layout: %s\n", attr.Layout)
	}

	if info.Mode()&fs.ModeSymlink != 0 && fi != nil {
		if lr, ok := filesystem.(linkReader); ok {
			target, err := lr.ReadLink(fi.Inode())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, " Target: %s\n", target)
		}
	}

	if !info.Mode().IsRegular() {
		return nil
	}
	em, ok := filesystem.(fsys.ExtentMapper)
	if !ok {
		return nil
	}
	extents, err := em.FileExtents(fsPath)
	if err != nil {
		fmt.Fprintf(out, "Extents: unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Extents: %d", len(extents))
	if !fsys.Contiguous(extents, info.Size()) {
		fmt.Fprintf(out, " (incomplete)")
	}
	fmt.Fprintln(out)
	for _, e := range extents {
		fmt.Fprintf(out, "  [%d, %d) at image offset %d\n", e.Logical, e.End(), e.Physical)
	}

	return nil
}

// Info prints the superblock of an image.
func Info(filesystem *erofs.FS, out io.Writer) error {
	sb := filesystem.Superblock()

	fmt.Fprintf(out, "Filesystem type: %s\n", filesystem.Type())
	fmt.Fprintf(out, "Volume name:     %s\n", sb.Name())
	fmt.Fprintf(out, "UUID:            %x\n", sb.UUID)
	fmt.Fprintf(out, "Built:           %s\n", sb.Built().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(out, "Block size:      %d\n", 1<<sb.BlkSzBits)
	fmt.Fprintf(out, "Blocks:          %d\n", sb.Blocks)
	fmt.Fprintf(out, "Inodes:          %d\n", sb.Inos)
	fmt.Fprintf(out, "Root nid:        %d\n", sb.RootNid)
	fmt.Fprintf(out, "Meta blkaddr:    %d\n", sb.MetaBlkAddr)
	fmt.Fprintf(out, "Xattr blkaddr:   %d\n", sb.XattrBlkAddr)
	fmt.Fprintf(out, "Features:        0x%08x\n", sb.Features)
	fmt.Fprintf(out, "Requirements:    0x%08x\n", sb.Requirements)
	fmt.Fprintf(out, "Checksum:        0x%08x\n", sb.Checksum)
	return nil
}
