package fusefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/lvdlvd/erofuse/blockdev"
	"github.com/lvdlvd/erofuse/fsys/erofs"
	"github.com/lvdlvd/erofuse/internal/imagetest"
)

// fuseAvailable checks whether /dev/fuse is accessible. Tests that need a
// real FUSE mount call this and skip if the device is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

var readmeText = bytes.Repeat([]byte("erofs over fuse\n"), 300)

func testImage(t *testing.T) (*erofs.FS, *imagetest.Image) {
	t.Helper()
	b := imagetest.New()
	b.WriteFile("/README", readmeText)
	b.WriteFile("/etc/hostname", []byte("box\n"), imagetest.WithOwner(0, 10), imagetest.WithPerm(0o640))
	b.Symlink("/etc/name", "hostname")
	b.Mkdir("/var/empty")
	b.Special("/dev/null", imagetest.ModeChar)
	b.Compressed("/packed", 8192, imagetest.LayoutCompression)
	img := b.Build()

	dev := blockdev.New(bytes.NewReader(img.Data), int64(len(img.Data)), blockdev.Options{})
	f, err := erofs.Mount(dev, erofs.Options{})
	if err != nil {
		t.Fatalf("Mount() error: %v", err)
	}
	return f, img
}

func testNode(f *erofs.FS, nid uint64, p string) *node {
	return newNode(&Options{FS: f, Logger: slog.New(slog.DiscardHandler)}, nid, p)
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{fmt.Errorf("x: %w", erofs.ErrNotFound), syscall.ENOENT},
		{fmt.Errorf("x: %w", erofs.ErrNotDir), syscall.ENOTDIR},
		{fmt.Errorf("x: %w", erofs.ErrIsDir), syscall.EISDIR},
		{fmt.Errorf("x: %w", erofs.ErrNameTooLong), syscall.ENAMETOOLONG},
		{fmt.Errorf("x: %w", erofs.ErrUnsupported), syscall.EOPNOTSUPP},
		{fmt.Errorf("x: %w", erofs.ErrInvalid), syscall.EINVAL},
		{fmt.Errorf("x: %w", erofs.ErrIO), syscall.EIO},
		{fmt.Errorf("x: %w", erofs.ErrFormat), syscall.EIO},
		{errors.New("anything else"), syscall.EIO},
	}

	for _, tt := range tests {
		if got := toErrno(tt.err); got != tt.want {
			t.Errorf("toErrno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestUnixMode(t *testing.T) {
	tests := []struct {
		mode fs.FileMode
		want uint32
	}{
		{0o644, syscall.S_IFREG | 0o644},
		{fs.ModeDir | 0o755, syscall.S_IFDIR | 0o755},
		{fs.ModeSymlink | 0o777, syscall.S_IFLNK | 0o777},
		{fs.ModeDevice | fs.ModeCharDevice | 0o600, syscall.S_IFCHR | 0o600},
		{fs.ModeDevice | 0o660, syscall.S_IFBLK | 0o660},
		{fs.ModeNamedPipe | 0o600, syscall.S_IFIFO | 0o600},
		{fs.ModeSocket | 0o755, syscall.S_IFSOCK | 0o755},
		{fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky | 0o755, syscall.S_IFREG | syscall.S_ISUID | syscall.S_ISGID | syscall.S_ISVTX | 0o755},
	}

	for _, tt := range tests {
		if got := unixMode(tt.mode); got != tt.want {
			t.Errorf("unixMode(%v) = 0%o, want 0%o", tt.mode, got, tt.want)
		}
	}
}

func TestGetattr(t *testing.T) {
	f, img := testImage(t)
	n := testNode(f, img.Nid("/etc/hostname"), "etc/hostname")

	var out fuse.AttrOut
	if errno := n.Getattr(context.Background(), nil, &out); errno != 0 {
		t.Fatalf("Getattr() = %v", errno)
	}
	if out.Mode != syscall.S_IFREG|0o640 {
		t.Errorf("Mode = 0%o", out.Mode)
	}
	if out.Size != 4 || out.Ino != img.Nid("/etc/hostname")+1 {
		t.Errorf("Size = %d, Ino = %d", out.Size, out.Ino)
	}
	if out.Gid != 10 {
		t.Errorf("Gid = %d, want 10", out.Gid)
	}
	if want := uint64(f.Superblock().BuildTime); out.Mtime != want || out.Ctime != want {
		t.Errorf("Mtime = %d, Ctime = %d, want %d", out.Mtime, out.Ctime, want)
	}
}

func TestReaddirSkipsDotEntries(t *testing.T) {
	f, img := testImage(t)
	n := testNode(f, img.RootNid, "")

	stream, errno := n.Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("Readdir() = %v", errno)
	}
	defer stream.Close()

	got := map[string]uint32{}
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("Next() = %v", errno)
		}
		got[e.Name] = e.Mode
	}

	want := map[string]uint32{
		"README": syscall.S_IFREG,
		"dev":    syscall.S_IFDIR,
		"etc":    syscall.S_IFDIR,
		"packed": syscall.S_IFREG,
		"var":    syscall.S_IFDIR,
	}
	if len(got) != len(want) {
		t.Fatalf("Readdir() = %v, want %v", got, want)
	}
	for name, mode := range want {
		if got[name] != mode {
			t.Errorf("%s mode = 0%o, want 0%o", name, got[name], mode)
		}
	}
}

func TestReadAndReadlink(t *testing.T) {
	f, img := testImage(t)
	ctx := context.Background()

	n := testNode(f, img.Nid("/README"), "README")
	dest := make([]byte, 100)
	res, errno := n.Read(ctx, nil, dest, int64(len(readmeText)-40))
	if errno != 0 {
		t.Fatalf("Read() = %v", errno)
	}
	data, status := res.Bytes(make([]byte, 100))
	if !status.Ok() {
		t.Fatalf("ReadResult.Bytes() = %v", status)
	}
	if !bytes.Equal(data, readmeText[len(readmeText)-40:]) {
		t.Errorf("Read() near end = %q", data)
	}

	link := testNode(f, img.Nid("/etc/name"), "etc/name")
	target, errno := link.Readlink(ctx)
	if errno != 0 || string(target) != "hostname" {
		t.Errorf("Readlink() = %q, %v", target, errno)
	}

	if _, errno := n.Readlink(ctx); errno != syscall.EINVAL {
		t.Errorf("Readlink() on a regular file = %v, want EINVAL", errno)
	}

	packed := testNode(f, img.Nid("/packed"), "packed")
	if _, errno := packed.Read(ctx, nil, dest, 0); errno != syscall.EOPNOTSUPP {
		t.Errorf("Read() of compressed file = %v, want EOPNOTSUPP", errno)
	}
}

func TestOpenRejectsWrites(t *testing.T) {
	f, img := testImage(t)
	n := testNode(f, img.Nid("/README"), "README")

	for _, flags := range []uint32{syscall.O_WRONLY, syscall.O_RDWR, syscall.O_RDONLY | syscall.O_TRUNC} {
		if _, _, errno := n.Open(context.Background(), flags); errno != syscall.EROFS {
			t.Errorf("Open(0x%x) = %v, want EROFS", flags, errno)
		}
	}
	_, fuseFlags, errno := n.Open(context.Background(), syscall.O_RDONLY)
	if errno != 0 || fuseFlags&fuse.FOPEN_KEEP_CACHE == 0 {
		t.Errorf("Open(O_RDONLY) = 0x%x, %v", fuseFlags, errno)
	}
}

func TestStatfs(t *testing.T) {
	f, img := testImage(t)
	n := testNode(f, img.RootNid, "")

	var out fuse.StatfsOut
	if errno := n.Statfs(context.Background(), &out); errno != 0 {
		t.Fatalf("Statfs() = %v", errno)
	}
	if out.Blocks != uint64(len(img.Data)/imagetest.BlockSize) || out.Bsize != erofs.BlockSize {
		t.Errorf("Statfs() = %+v", out)
	}
}

func TestMountValidation(t *testing.T) {
	if _, err := Mount(Options{FS: &erofs.FS{}}); err == nil {
		t.Error("Mount() without a mountpoint succeeded")
	}
	if _, err := Mount(Options{Mountpoint: t.TempDir()}); err == nil {
		t.Error("Mount() without a filesystem succeeded")
	}
}

func TestMountEndToEnd(t *testing.T) {
	fuseAvailable(t)
	f, _ := testImage(t)

	mountpoint := filepath.Join(t.TempDir(), "mnt")
	server, err := Mount(Options{Mountpoint: mountpoint, FS: f})
	if err != nil {
		t.Skipf("skipping: FUSE mount not permitted here: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if fmt.Sprint(names) != "[README dev etc packed var]" {
		t.Errorf("ReadDir = %v", names)
	}

	got, err := os.ReadFile(filepath.Join(mountpoint, "README"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, readmeText) {
		t.Errorf("README has %d bytes, want %d", len(got), len(readmeText))
	}

	target, err := os.Readlink(filepath.Join(mountpoint, "etc", "name"))
	if err != nil || target != "hostname" {
		t.Errorf("Readlink = %q, %v", target, err)
	}

	if _, err := os.Stat(filepath.Join(mountpoint, "missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat(missing) error = %v, want not exist", err)
	}

	_, err = os.OpenFile(filepath.Join(mountpoint, "README"), os.O_WRONLY, 0)
	if !errors.Is(err, syscall.EROFS) {
		t.Errorf("OpenFile(O_WRONLY) error = %v, want EROFS", err)
	}
}
