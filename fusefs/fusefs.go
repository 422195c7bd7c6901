// Package fusefs serves a mounted EROFS image through the kernel FUSE
// interface. Every node is backed by an inode of the image; lookups go
// through the image's dentry cache and all operations are read-only.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/lvdlvd/erofuse/fsys/erofs"
)

// Defaults for the kernel cache timeouts. The image never changes under
// the mount, so entries and attributes may be cached generously.
const (
	DefaultEntryTimeout    = 1 * time.Second
	DefaultAttrTimeout     = 1 * time.Second
	DefaultNegativeTimeout = 100 * time.Millisecond
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory the image is mounted on. It is created
	// if it does not exist.
	Mountpoint string

	// FS is the image to serve.
	FS *erofs.FS

	// FsName appears as the source in /proc/mounts. Empty means "erofs".
	FsName string

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Kernel cache timeouts. Zero means the package default.
	EntryTimeout    time.Duration
	AttrTimeout     time.Duration
	NegativeTimeout time.Duration

	// Debug logs every FUSE request.
	Debug bool

	// Logger receives diagnostic messages. If nil, nothing is logged.
	Logger *slog.Logger
}

// Mount mounts options.FS at options.Mountpoint. The caller must call
// Unmount on the returned server when done and then unmount the image.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.FS == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if options.FsName == "" {
		options.FsName = "erofs"
	}
	if options.EntryTimeout == 0 {
		options.EntryTimeout = DefaultEntryTimeout
	}
	if options.AttrTimeout == 0 {
		options.AttrTimeout = DefaultAttrTimeout
	}
	if options.NegativeTimeout == 0 {
		options.NegativeTimeout = DefaultNegativeTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	rootNid := options.FS.RootNid()
	root := newNode(&options, rootNid, "")

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &options.EntryTimeout,
		AttrTimeout:     &options.AttrTimeout,
		NegativeTimeout: &options.NegativeTimeout,
		RootStableAttr:  &gofuse.StableAttr{Mode: syscall.S_IFDIR, Ino: inodeNumber(rootNid)},
		MountOptions: fuse.MountOptions{
			FsName:     options.FsName,
			Name:       "erofs",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("erofs FUSE filesystem mounted", "mountpoint", options.Mountpoint, "root_nid", rootNid)
	return server, nil
}

// inodeNumber maps a nid to the inode number reported to the kernel. Nid
// 0 is a valid slot but inode number 0 is not.
func inodeNumber(nid uint64) uint64 { return nid + 1 }

// node is one inode of the image. path is relative to the image root and
// is what lookups resolve through the dentry cache.
type node struct {
	gofuse.Inode
	options *Options
	nid     uint64
	path    string
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeReader = (*node)(nil)
var _ gofuse.NodeReadlinker = (*node)(nil)
var _ gofuse.NodeStatfser = (*node)(nil)

func newNode(options *Options, nid uint64, p string) *node {
	return &node{options: options, nid: nid, path: p}
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := path.Join(n.path, name)
	nid, err := n.options.FS.ResolvePath(childPath)
	if err != nil {
		return nil, n.errno("lookup", childPath, err)
	}
	attr, err := n.options.FS.GetAttr(nid)
	if err != nil {
		return nil, n.errno("lookup", childPath, err)
	}
	fillAttr(&out.Attr, attr)

	child := n.NewInode(ctx, newNode(n.options, nid, childPath), gofuse.StableAttr{
		Mode: out.Attr.Mode & syscall.S_IFMT,
		Ino:  inodeNumber(nid),
	})
	return child, 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.options.FS.GetAttr(n.nid)
	if err != nil {
		return n.errno("getattr", n.path, err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Readdir lists the directory without its "." and ".." entries; the kernel
// supplies those.
func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	raw, err := n.options.FS.ListDirectory(n.nid)
	if err != nil {
		return nil, n.errno("readdir", n.path, err)
	}

	entries := make([]fuse.DirEntry, 0, len(raw))
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: e.Name,
			Mode: unixMode(e.Type.Mode()) & syscall.S_IFMT,
			Ino:  inodeNumber(e.Nid),
		})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	// The image is immutable, so the page cache stays valid.
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.options.FS.ReadData(n.nid, off, len(dest))
	if err != nil {
		return nil, n.errno("read", n.path, err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.options.FS.ReadLink(n.nid)
	if err != nil {
		return nil, n.errno("readlink", n.path, err)
	}
	return []byte(target), 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	sb := n.options.FS.Superblock()
	out.Blocks = uint64(sb.Blocks)
	out.Files = sb.Inos
	out.Bsize = erofs.BlockSize
	out.Frsize = erofs.BlockSize
	out.NameLen = 255
	return 0
}

// errno logs err and converts it for the kernel. Only I/O and format
// failures are worth an error record; the rest are ordinary outcomes.
func (n *node) errno(op, p string, err error) syscall.Errno {
	errno := toErrno(err)
	if errno == syscall.EIO {
		n.options.Logger.Error("FUSE operation failed", "op", op, "path", p, "nid", n.nid, "error", err)
	} else {
		n.options.Logger.Debug("FUSE operation rejected", "op", op, "path", p, "nid", n.nid, "errno", errno, "error", err)
	}
	return errno
}

// toErrno maps driver errors to the errno the kernel should see.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, erofs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, erofs.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, erofs.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, erofs.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, erofs.ErrUnsupported):
		return syscall.EOPNOTSUPP
	case errors.Is(err, erofs.ErrInvalid):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// fillAttr copies image attributes into a FUSE attribute reply.
func fillAttr(out *fuse.Attr, attr erofs.Attr) {
	out.Ino = inodeNumber(attr.Nid)
	out.Size = attr.Size
	out.Blocks = attr.Blocks
	out.Blksize = erofs.BlockSize
	out.Mode = unixMode(attr.Mode)
	out.Nlink = attr.Nlink
	out.Owner = fuse.Owner{Uid: attr.UID, Gid: attr.GID}
	out.SetTimes(&attr.Atime, &attr.Mtime, &attr.Ctime)
}

// unixMode converts an fs.FileMode to st_mode bits.
func unixMode(mode fs.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= syscall.S_ISUID
	}
	if mode&fs.ModeSetgid != 0 {
		m |= syscall.S_ISGID
	}
	if mode&fs.ModeSticky != 0 {
		m |= syscall.S_ISVTX
	}

	switch {
	case mode.IsDir():
		m |= syscall.S_IFDIR
	case mode&fs.ModeSymlink != 0:
		m |= syscall.S_IFLNK
	case mode&fs.ModeCharDevice != 0:
		m |= syscall.S_IFCHR
	case mode&fs.ModeDevice != 0:
		m |= syscall.S_IFBLK
	case mode&fs.ModeNamedPipe != 0:
		m |= syscall.S_IFIFO
	case mode&fs.ModeSocket != 0:
		m |= syscall.S_IFSOCK
	default:
		m |= syscall.S_IFREG
	}
	return m
}
