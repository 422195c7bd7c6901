package erofs

import (
	"fmt"
	"io"
)

// ReadData returns up to size bytes of nid's content starting at off. The
// range is clamped to the file size; reading at or past the end returns
// an empty slice.
func (f *FS) ReadData(nid uint64, off int64, size int) ([]byte, error) {
	ino, err := f.readInode(nid)
	if err != nil {
		return nil, err
	}
	if err := checkReadable(ino); err != nil {
		return nil, err
	}
	if off < 0 || size < 0 {
		return nil, fmt.Errorf("read of %d bytes at offset %d: %w", size, off, ErrInvalid)
	}
	if off >= int64(ino.Size) {
		return []byte{}, nil
	}

	buf := make([]byte, min(int64(size), int64(ino.Size)-off))
	n, err := f.readAt(ino, buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// ReadAt reads len(p) bytes of nid's content at off with io.ReaderAt
// semantics: fewer bytes than requested means io.EOF.
func (f *FS) ReadAt(nid uint64, p []byte, off int64) (int, error) {
	ino, err := f.readInode(nid)
	if err != nil {
		return 0, err
	}
	return f.readAt(ino, p, off)
}

// ReadLink returns the target of symlink nid.
func (f *FS) ReadLink(nid uint64) (string, error) {
	ino, err := f.readInode(nid)
	if err != nil {
		return "", err
	}
	if !ino.IsSymlink() {
		return "", fmt.Errorf("readlink nid %d: %w", nid, ErrInvalid)
	}
	buf := make([]byte, ino.Size)
	n, err := f.readAt(ino, buf, 0)
	if err != nil && err != io.EOF {
		return "", err
	}
	return string(buf[:n]), nil
}

func checkReadable(ino *Inode) error {
	if ino.IsDir() {
		return fmt.Errorf("nid %d: %w", ino.Nid, ErrIsDir)
	}
	if _, ok := ino.Data.(BlockAddr); !ok {
		return fmt.Errorf("nid %d: special file has no data: %w", ino.Nid, ErrUnsupported)
	}
	switch ino.Layout {
	case LayoutFlatPlain, LayoutFlatInline:
		return nil
	default:
		return fmt.Errorf("nid %d: %s layout: %w", ino.Nid, ino.Layout, ErrUnsupported)
	}
}

// readAt serves a read from the inode's data, dispatching on its layout.
func (f *FS) readAt(ino *Inode, p []byte, off int64) (int, error) {
	if err := checkReadable(ino); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("read at offset %d: %w", off, ErrInvalid)
	}

	size := int64(ino.Size)
	if off >= size {
		return 0, io.EOF
	}
	want := len(p)
	if int64(want) > size-off {
		p = p[:size-off]
	}

	start := int64(ino.Data.(BlockAddr)) * BlockSize
	var n int
	var err error
	switch ino.Layout {
	case LayoutFlatPlain:
		n, err = f.readPlain(start+off, p)
	case LayoutFlatInline:
		n, err = f.readInline(ino, start, p, off)
	}

	f.logger.Debug("read data", "nid", ino.Nid, "layout", ino.Layout, "offset", off, "size", want, "read", n)

	if err != nil {
		return 0, err
	}
	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// readPlain fills p from contiguous image bytes starting at addr, one
// block-sized chunk per device read.
func (f *FS) readPlain(addr int64, p []byte) (int, error) {
	var done int
	for done < len(p) {
		count := min(BlockSize, len(p)-done)
		if _, err := f.dev.ReadAt(p[done:done+count], addr+int64(done)); err != nil {
			return 0, err
		}
		done += count
	}
	return done, nil
}

// readInline reads from an inline-tail file: the block-aligned prefix
// lives in the data region like a plain file, the remainder right after
// the inode. p is already clamped to the file size.
func (f *FS) readInline(ino *Inode, start int64, p []byte, off int64) (int, error) {
	aligned := int64(ino.Size) &^ (BlockSize - 1)

	var n int
	if off < aligned {
		k := int(min(int64(len(p)), aligned-off))
		if _, err := f.readPlain(start+off, p[:k]); err != nil {
			return 0, err
		}
		n = k
	}
	if n == len(p) {
		return n, nil
	}

	tailOff := off + int64(n) - aligned
	if _, err := f.dev.ReadAt(p[n:], ino.inlineAddr(&f.sb)+tailOff); err != nil {
		return 0, fmt.Errorf("reading inline tail of nid %d: %w", ino.Nid, err)
	}
	return len(p), nil
}
