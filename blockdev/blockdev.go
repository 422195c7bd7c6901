// Package blockdev provides serialized, offset-addressed reads from a
// filesystem image.
package blockdev

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// DefaultBlockSize is used when Options.BlockSize is zero.
const DefaultBlockSize = 4096

// ErrIO is returned when the image yields fewer bytes than requested or
// the underlying read fails.
var ErrIO = errors.New("i/o error")

// Options configures a Device.
type Options struct {
	// BlockSize is the size used by ReadBlock. Zero means DefaultBlockSize.
	BlockSize int

	// Logger receives per-read debug records. If nil, nothing is logged.
	Logger *slog.Logger
}

// Device reads from an image one request at a time. At most one physical
// read is in flight per Device regardless of how many goroutines call it.
type Device struct {
	mu        sync.Mutex
	r         io.ReaderAt
	closer    io.Closer
	size      int64
	blockSize int
	logger    *slog.Logger
}

// New wraps r, an image of size bytes. The returned Device does not own r;
// Close is a no-op unless the Device was created by Open.
func New(r io.ReaderAt, size int64, options Options) *Device {
	if options.BlockSize == 0 {
		options.BlockSize = DefaultBlockSize
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	return &Device{
		r:         r,
		size:      size,
		blockSize: options.BlockSize,
		logger:    options.Logger,
	}
}

// Open opens the image at path read-only. Regular files are sized with
// stat; block devices are sized with an ioctl where the platform has one.
func Open(path string, options Options) (*Device, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	size, err := imageSize(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("sizing image %s: %w", path, err)
	}

	device := New(file, size, options)
	device.closer = file
	device.logger.Debug("image opened", "path", path, "size", size)
	return device, nil
}

// Size returns the image size in bytes.
func (d *Device) Size() int64 { return d.size }

// BlockSize returns the block size used by ReadBlock.
func (d *Device) BlockSize() int { return d.blockSize }

// ReadAt reads exactly len(p) bytes at off. Anything short of that is
// reported as ErrIO; no partial result is returned to the caller as
// success.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		d.logger.Warn("zero-length device read", "offset", off)
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d: %w", off, ErrIO)
	}

	d.mu.Lock()
	n, err := d.r.ReadAt(p, off)
	d.mu.Unlock()

	d.logger.Debug("device read", "offset", off, "count", len(p), "read", n)

	if n == len(p) {
		// io.ReaderAt may return io.EOF alongside a full read at the
		// end of the image.
		return n, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("reading %d bytes at offset %d: %w: %v", len(p), off, ErrIO, err)
	}
	return n, fmt.Errorf("short read at offset %d: got %d of %d bytes: %w", off, n, len(p), ErrIO)
}

// ReadBlock reads block blkno into p, which must hold at least one block.
func (d *Device) ReadBlock(p []byte, blkno uint32) error {
	if len(p) < d.blockSize {
		return fmt.Errorf("block buffer of %d bytes is smaller than block size %d", len(p), d.blockSize)
	}
	_, err := d.ReadAt(p[:d.blockSize], int64(blkno)*int64(d.blockSize))
	return err
}

// Close releases the image file if the Device opened it.
func (d *Device) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}

// Slice returns a Device covering size bytes from off, for an image
// embedded in a larger disk. The returned Device takes over closing the
// image file; d must not be used afterwards.
func (d *Device) Slice(off, size int64) (*Device, error) {
	if off < 0 || size <= 0 || off+size > d.size {
		return nil, fmt.Errorf("slice [%d, %d) outside image of %d bytes: %w", off, off+size, d.size, ErrIO)
	}
	child := New(io.NewSectionReader(d.r, off, size), size, Options{
		BlockSize: d.blockSize,
		Logger:    d.logger.With("offset", off),
	})
	child.closer = d.closer
	d.closer = nil
	return child, nil
}
