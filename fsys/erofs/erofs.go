// Package erofs implements read-only access to EROFS images: superblock,
// inode and directory decoding, a dentry cache that memoizes path lookups,
// and data reads for the plain and inline-tail layouts.
//
// Compressed layouts are recognized but not decoded; reading them fails
// with ErrUnsupported.
package erofs

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/lvdlvd/erofuse/fsys"
)

// Device is the block device an image is read from. *blockdev.Device
// implements it.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	ReadBlock(p []byte, blkno uint32) error
}

// Options configures Mount.
type Options struct {
	// Logger receives diagnostics. If nil, nothing is logged.
	Logger *slog.Logger
}

// FS is a mounted image. It owns the superblock and the dentry cache for
// the lifetime of the mount and is safe for concurrent use.
type FS struct {
	dev    Device
	sb     Superblock
	dcache *Cache
	logger *slog.Logger
}

// Mount reads and validates the superblock on dev and prepares the dentry
// cache rooted at the image's root directory.
func Mount(dev Device, options Options) (*FS, error) {
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	block := make([]byte, BlockSize)
	if err := dev.ReadBlock(block, 0); err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}
	sb, err := DecodeSuperblock(block)
	if err != nil {
		return nil, err
	}

	dcache := NewCache()
	if err := dcache.InitRoot(sb.RootNid); err != nil {
		return nil, err
	}

	options.Logger.Info("erofs superblock",
		"features", fmt.Sprintf("0x%X", sb.Features),
		"blkszbits", sb.BlkSzBits,
		"root_nid", sb.RootNid,
		"inos", sb.Inos,
		"blocks", sb.Blocks,
		"meta_blkaddr", sb.MetaBlkAddr,
		"xattr_blkaddr", sb.XattrBlkAddr,
		"volume", sb.Name(),
	)

	return &FS{dev: dev, sb: sb, dcache: dcache, logger: options.Logger}, nil
}

// Unmount releases the device if it is closable. The FS must not be used
// afterwards.
func (f *FS) Unmount() error {
	if c, ok := f.dev.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Superblock returns a copy of the decoded superblock.
func (f *FS) Superblock() Superblock { return f.sb }

// RootNid returns the nid of the root directory.
func (f *FS) RootNid() uint64 { return f.sb.RootNid }

// Cache exposes the dentry cache, mainly for inspection.
func (f *FS) Cache() *Cache { return f.dcache }

// readInode reads and decodes the inode header for nid.
func (f *FS) readInode(nid uint64) (*Inode, error) {
	var buf [inodeV1Size]byte
	if _, err := f.dev.ReadAt(buf[:], f.sb.NidToAddr(nid)); err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", nid, err)
	}
	return DecodeInode(buf[:], nid)
}

// Inode decodes the inode for nid.
func (f *FS) Inode(nid uint64) (*Inode, error) {
	return f.readInode(nid)
}

// Attr holds the attributes reported for an inode. EROFS v1 inodes carry
// no timestamps; all three are the image build time.
type Attr struct {
	Nid    uint64
	Ino    uint32
	Mode   fs.FileMode
	Nlink  uint32
	Size   uint64
	Blocks uint64 // 512-byte units
	UID    uint32
	GID    uint32
	Layout DataLayout
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// Owner returns the numeric owner and group.
func (a *Attr) Owner() (uid, gid uint32) { return a.UID, a.GID }

// GetAttr returns the attributes of nid.
func (f *FS) GetAttr(nid uint64) (Attr, error) {
	ino, err := f.readInode(nid)
	if err != nil {
		return Attr{}, err
	}
	return f.attr(ino), nil
}

func (f *FS) attr(ino *Inode) Attr {
	built := f.sb.Built()
	return Attr{
		Nid:    ino.Nid,
		Ino:    ino.Ino,
		Mode:   ino.FileMode(),
		Nlink:  uint32(ino.Nlink),
		Size:   ino.Size,
		Blocks: (ino.Size + 511) / 512,
		UID:    uint32(ino.UID),
		GID:    uint32(ino.GID),
		Layout: ino.Layout,
		Atime:  built,
		Mtime:  built,
		Ctime:  built,
	}
}

// FileExtents returns where a flat-layout file's bytes live in the image:
// the block-aligned part first, then the inline tail if there is one.
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	nid, err := f.ResolvePath(name)
	if err != nil {
		return nil, err
	}
	ino, err := f.readInode(nid)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, fmt.Errorf("%s: %w", name, ErrIsDir)
	}
	addr, ok := ino.Data.(BlockAddr)
	if !ok || ino.Layout.IsCompressed() {
		return nil, fmt.Errorf("%s: %s data: %w", name, ino.Layout, ErrUnsupported)
	}

	size := int64(ino.Size)
	start := int64(addr) * BlockSize
	switch ino.Layout {
	case LayoutFlatPlain:
		if size == 0 {
			return nil, nil
		}
		return []fsys.Extent{{Logical: 0, Physical: start, Length: size}}, nil
	case LayoutFlatInline:
		var extents []fsys.Extent
		aligned := size &^ (BlockSize - 1)
		if aligned > 0 {
			extents = append(extents, fsys.Extent{Logical: 0, Physical: start, Length: aligned})
		}
		if size > aligned {
			extents = append(extents, fsys.Extent{Logical: aligned, Physical: ino.inlineAddr(&f.sb), Length: size - aligned})
		}
		return extents, nil
	default:
		return nil, fmt.Errorf("%s: %s data: %w", name, ino.Layout, ErrUnsupported)
	}
}

// fs.FS implementation

func (f *FS) Type() string { return "erofs" }
func (f *FS) Close() error { return f.Unmount() }

func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	nid := f.RootNid()
	if name != "." {
		var err error
		nid, err = f.ResolvePath(name)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
	}

	ino, err := f.readInode(nid)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	if ino.IsDir() {
		return &dir{fs: f, inode: ino, name: path.Base(name)}, nil
	}
	return &file{fs: f, inode: ino, name: path.Base(name)}, nil
}

func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	file, err := f.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dir, ok := file.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDir}
	}
	return dir.ReadDir(-1)
}

func (f *FS) Stat(name string) (fs.FileInfo, error) {
	file, err := f.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return file.Stat()
}

// file implements fs.File and io.ReaderAt for non-directories.
type file struct {
	fs     *FS
	inode  *Inode
	name   string
	offset int64
}

func (f *file) Stat() (fs.FileInfo, error) {
	return &fileInfo{attr: f.fs.attr(f.inode), name: f.name}, nil
}

func (f *file) Read(b []byte) (int, error) {
	n, err := f.fs.readAt(f.inode, b, f.offset)
	f.offset += int64(n)
	if err == io.EOF && n > 0 {
		return n, nil
	}
	if err != nil && err != io.EOF {
		return n, &fs.PathError{Op: "read", Path: f.name, Err: err}
	}
	return n, err
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	n, err := f.fs.readAt(f.inode, b, off)
	if err != nil && err != io.EOF {
		return n, &fs.PathError{Op: "read", Path: f.name, Err: err}
	}
	return n, err
}

func (f *file) Close() error { return nil }

// dir implements fs.ReadDirFile.
type dir struct {
	fs      *FS
	inode   *Inode
	name    string
	entries []fs.DirEntry
	offset  int
}

func (d *dir) Stat() (fs.FileInfo, error) {
	return &fileInfo{attr: d.fs.attr(d.inode), name: d.name}, nil
}

func (d *dir) Read(b []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: ErrIsDir}
}

func (d *dir) Close() error {
	d.entries = nil
	return nil
}

func (d *dir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.entries == nil {
		raw, err := d.fs.listDirectory(d.inode)
		if err != nil {
			return nil, &fs.PathError{Op: "readdir", Path: d.name, Err: err}
		}

		d.entries = make([]fs.DirEntry, 0, len(raw))
		for _, e := range raw {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			d.entries = append(d.entries, &dirEntry{fs: d.fs, entry: e})
		}
	}

	if n <= 0 {
		entries := d.entries[d.offset:]
		d.offset = len(d.entries)
		return entries, nil
	}

	if d.offset >= len(d.entries) {
		return nil, io.EOF
	}

	end := min(d.offset+n, len(d.entries))
	entries := d.entries[d.offset:end]
	d.offset = end
	return entries, nil
}

// dirEntry implements fs.DirEntry
type dirEntry struct {
	fs    *FS
	entry Dirent
}

func (e *dirEntry) Name() string      { return e.entry.Name }
func (e *dirEntry) IsDir() bool       { return e.entry.Type == TypeDir }
func (e *dirEntry) Type() fs.FileMode { return e.entry.Type.Mode() }

func (e *dirEntry) Info() (fs.FileInfo, error) {
	attr, err := e.fs.GetAttr(e.entry.Nid)
	if err != nil {
		return nil, err
	}
	return &fileInfo{attr: attr, name: e.entry.Name}, nil
}

// fileInfo implements fs.FileInfo and fsys.FileInfo
type fileInfo struct {
	attr Attr
	name string
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return int64(i.attr.Size) }
func (i *fileInfo) Mode() fs.FileMode  { return i.attr.Mode }
func (i *fileInfo) ModTime() time.Time { return i.attr.Mtime }
func (i *fileInfo) IsDir() bool        { return i.attr.Mode.IsDir() }
func (i *fileInfo) Sys() any           { return &i.attr }
func (i *fileInfo) Inode() uint64      { return i.attr.Nid }
