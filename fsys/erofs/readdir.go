package erofs

import "fmt"

// ListDirectory returns every entry of directory nid in on-disk order,
// including "." and "..".
func (f *FS) ListDirectory(nid uint64) ([]Dirent, error) {
	ino, err := f.readInode(nid)
	if err != nil {
		return nil, err
	}
	return f.listDirectory(ino)
}

func (f *FS) listDirectory(ino *Inode) ([]Dirent, error) {
	var entries []Dirent
	err := f.walkDirBlocks(ino, func(block []byte) error {
		return WalkDirents(block, func(d Dirent) error {
			entries = append(entries, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// walkDirBlocks calls fn with each directory block of ino in turn. Whole
// blocks come from the data region. A trailing partial block comes from
// the inline area after the inode for the inline layout, and from the
// next data block, trimmed to the directory size, for the plain layout.
// fn may return ErrStopWalk to end the walk early. The slice passed to fn
// is reused between calls.
func (f *FS) walkDirBlocks(ino *Inode, fn func([]byte) error) error {
	if !ino.IsDir() {
		return fmt.Errorf("nid %d: %w", ino.Nid, ErrNotDir)
	}
	if ino.Size == 0 {
		return nil
	}
	addr, ok := ino.Data.(BlockAddr)
	if !ok || (ino.Layout != LayoutFlatPlain && ino.Layout != LayoutFlatInline) {
		return fmt.Errorf("directory nid %d with %s layout: %w", ino.Nid, ino.Layout, ErrUnsupported)
	}

	nblocks := uint32(ino.Size / BlockSize)
	tail := int(ino.Size % BlockSize)

	f.logger.Debug("reading directory", "nid", ino.Nid, "size", ino.Size, "blocks", nblocks, "tail", tail, "layout", ino.Layout)

	buf := make([]byte, BlockSize)
	for i := uint32(0); i < nblocks; i++ {
		if err := f.dev.ReadBlock(buf, uint32(addr)+i); err != nil {
			return fmt.Errorf("reading block %d of directory nid %d: %w", i, ino.Nid, err)
		}
		if err := fn(buf); err != nil {
			if err == ErrStopWalk {
				return nil
			}
			return fmt.Errorf("directory nid %d block %d: %w", ino.Nid, i, err)
		}
	}

	if tail == 0 {
		return nil
	}

	var off int64
	if ino.Layout == LayoutFlatInline {
		off = ino.inlineAddr(&f.sb)
	} else {
		off = (int64(addr) + int64(nblocks)) * BlockSize
	}
	buf = buf[:tail]
	if _, err := f.dev.ReadAt(buf, off); err != nil {
		return fmt.Errorf("reading %s tail of directory nid %d: %w", ino.Layout, ino.Nid, err)
	}
	if err := fn(buf); err != nil && err != ErrStopWalk {
		return fmt.Errorf("directory nid %d tail: %w", ino.Nid, err)
	}
	return nil
}
