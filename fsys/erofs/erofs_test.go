package erofs

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/lvdlvd/erofuse/blockdev"
	"github.com/lvdlvd/erofuse/fsys"
	"github.com/lvdlvd/erofuse/internal/imagetest"
)

// countingDevice counts device reads so tests can tell cache hits from
// disk scans.
type countingDevice struct {
	Device
	reads atomic.Int64
}

func (d *countingDevice) ReadAt(p []byte, off int64) (int, error) {
	d.reads.Add(1)
	return d.Device.ReadAt(p, off)
}

func (d *countingDevice) ReadBlock(p []byte, blkno uint32) error {
	d.reads.Add(1)
	return d.Device.ReadBlock(p, blkno)
}

func newDevice(img *imagetest.Image) *countingDevice {
	return &countingDevice{Device: blockdev.New(bytes.NewReader(img.Data), int64(len(img.Data)), blockdev.Options{})}
}

func mountImage(t *testing.T, img *imagetest.Image) (*FS, *countingDevice) {
	t.Helper()
	dev := newDevice(img)
	f, err := Mount(dev, Options{})
	if err != nil {
		t.Fatalf("Mount() error: %v", err)
	}
	return f, dev
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

// sampleImage holds one of everything the driver knows about.
func sampleImage() *imagetest.Image {
	b := imagetest.New()
	b.Mkdir("/a/b")
	b.Mkdir("/empty")
	b.WriteFile("/hello.txt", []byte("hello, world\n"), imagetest.WithOwner(1000, 100))
	b.WriteFile("/big", patterned(4196))
	b.WriteFile("/plain", patterned(10000), imagetest.WithLayout(imagetest.LayoutPlain))
	b.WriteFile("/xattr", []byte("tail after xattrs"), imagetest.WithXattrCount(3))
	b.WriteFile("/zero", nil)
	b.WriteFile("/a/b/deep", []byte("deep"))
	b.Symlink("/link", "hello.txt")
	b.Special("/null", imagetest.ModeChar)
	b.Compressed("/packed", 100000, imagetest.LayoutCompression)
	b.Compressed("/packed-legacy", 5000, imagetest.LayoutCompressionLegacy)
	return b.Build()
}

func TestMount(t *testing.T) {
	img := sampleImage()
	f, _ := mountImage(t, img)

	if f.RootNid() != img.RootNid {
		t.Errorf("RootNid() = %d, want %d", f.RootNid(), img.RootNid)
	}
	if got := f.Superblock().Name(); got != "testvol" {
		t.Errorf("volume name = %q", got)
	}
	if f.Cache().Root().Nid() != img.RootNid {
		t.Errorf("cache root = %d, want %d", f.Cache().Root().Nid(), img.RootNid)
	}
	if f.Type() != "erofs" {
		t.Errorf("Type() = %q", f.Type())
	}
}

func TestMountErrors(t *testing.T) {
	img := sampleImage()

	bad := bytes.Clone(img.Data)
	bad[1024] ^= 0xFF
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"bad magic", bad, ErrFormat},
		{"zeroed", make([]byte, 2*BlockSize), ErrFormat},
		{"shorter than a block", img.Data[:2000], ErrIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := blockdev.New(bytes.NewReader(tt.data), int64(len(tt.data)), blockdev.Options{})
			if _, err := Mount(dev, Options{}); !errors.Is(err, tt.wantErr) {
				t.Errorf("Mount() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnmountClosesDevice(t *testing.T) {
	img := sampleImage()
	c := &closeTracker{Reader: bytes.NewReader(img.Data)}
	f, err := Mount(&closingDevice{Device: newDevice(img), closer: c}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Unmount(); err != nil {
		t.Fatal(err)
	}
	if !c.closed {
		t.Error("Unmount() did not close the device")
	}
}

type closeTracker struct {
	*bytes.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

type closingDevice struct {
	Device
	closer io.Closer
}

func (d *closingDevice) Close() error { return d.closer.Close() }

func TestGetAttr(t *testing.T) {
	img := sampleImage()
	f, _ := mountImage(t, img)
	built := f.Superblock().Built()

	tests := []struct {
		path  string
		mode  fs.FileMode
		size  uint64
		nlink uint32
		uid   uint32
	}{
		{"/", fs.ModeDir | 0o755, 0, 4, 0},
		{"/hello.txt", 0o644, 13, 1, 1000},
		{"/link", fs.ModeSymlink | 0o777, 9, 1, 0},
		{"/null", fs.ModeDevice | fs.ModeCharDevice | 0o600, 0, 1, 0},
		{"/packed", 0o644, 100000, 1, 0},
		{"/a", fs.ModeDir | 0o755, 0, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			attr, err := f.GetAttr(img.Nid(tt.path))
			if err != nil {
				t.Fatalf("GetAttr() error: %v", err)
			}
			if attr.Mode != tt.mode {
				t.Errorf("Mode = %v, want %v", attr.Mode, tt.mode)
			}
			if !tt.mode.IsDir() && attr.Size != tt.size {
				t.Errorf("Size = %d, want %d", attr.Size, tt.size)
			}
			if attr.Nlink != tt.nlink {
				t.Errorf("Nlink = %d, want %d", attr.Nlink, tt.nlink)
			}
			if attr.UID != tt.uid {
				t.Errorf("UID = %d, want %d", attr.UID, tt.uid)
			}
			if !attr.Mtime.Equal(built) || !attr.Ctime.Equal(built) || !attr.Atime.Equal(built) {
				t.Errorf("times = %v/%v/%v, want %v", attr.Atime, attr.Mtime, attr.Ctime, built)
			}
		})
	}
}

func TestFileExtents(t *testing.T) {
	img := sampleImage()
	f, _ := mountImage(t, img)

	extents, err := f.FileExtents("big")
	if err != nil {
		t.Fatalf("FileExtents(big) error: %v", err)
	}
	want := []fsys.Extent{
		{Logical: 0, Physical: int64(img.BlockAddr("/big")) * BlockSize, Length: 4096},
		{Logical: 4096, Physical: img.InlineAddr("/big"), Length: 100},
	}
	if len(extents) != len(want) || extents[0] != want[0] || extents[1] != want[1] {
		t.Errorf("FileExtents(big) = %v, want %v", extents, want)
	}
	if !fsys.Contiguous(extents, 4196) {
		t.Errorf("extents of big are not contiguous")
	}

	extents, err = f.FileExtents("plain")
	if err != nil {
		t.Fatalf("FileExtents(plain) error: %v", err)
	}
	if len(extents) != 1 || extents[0].Length != 10000 {
		t.Errorf("FileExtents(plain) = %v", extents)
	}

	if _, err := f.FileExtents("packed"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("FileExtents(packed) error = %v, want ErrUnsupported", err)
	}
	if _, err := f.FileExtents("a"); !errors.Is(err, ErrIsDir) {
		t.Errorf("FileExtents(a) error = %v, want ErrIsDir", err)
	}
}

func TestFSInterface(t *testing.T) {
	var _ fsys.FS = (*FS)(nil)
	var _ fsys.ExtentMapper = (*FS)(nil)

	b := imagetest.New()
	b.WriteFile("etc/hostname", []byte("box\n"))
	b.WriteFile("etc/motd", patterned(5000))
	b.WriteFile("usr/share/doc/README", patterned(9000), imagetest.WithLayout(imagetest.LayoutPlain))
	b.Mkdir("var/empty")
	f, _ := mountImage(t, b.Build())

	if err := fstest.TestFS(f, "etc/hostname", "etc/motd", "usr/share/doc/README", "var/empty"); err != nil {
		t.Fatal(err)
	}

	data, err := fs.ReadFile(f, "etc/motd")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, patterned(5000)) {
		t.Error("ReadFile(etc/motd) returned wrong bytes")
	}

	info, err := f.Stat("etc/hostname")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := info.(fsys.FileInfo); !ok {
		t.Errorf("Stat() result %T does not implement fsys.FileInfo", info)
	}
	if _, ok := info.Sys().(*Attr); !ok {
		t.Errorf("Sys() = %T, want *Attr", info.Sys())
	}
}

func TestOpenErrors(t *testing.T) {
	f, _ := mountImage(t, sampleImage())

	tests := []struct {
		name    string
		wantErr error
	}{
		{"/hello.txt", fs.ErrInvalid},
		{"missing", fs.ErrNotExist},
		{"hello.txt/x", ErrNotDir},
		{"packed/x", ErrNotDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Open(tt.name)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Open(%q) error = %v, want %v", tt.name, err, tt.wantErr)
			}
			var pe *fs.PathError
			if !errors.As(err, &pe) {
				t.Errorf("Open(%q) error %T is not a *fs.PathError", tt.name, err)
			}
		})
	}

	if _, err := f.ReadDir("hello.txt"); !errors.Is(err, ErrNotDir) {
		t.Errorf("ReadDir(hello.txt) error = %v, want ErrNotDir", err)
	}
}
