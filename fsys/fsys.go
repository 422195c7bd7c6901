// Package fsys defines the read-only filesystem view shared by the image
// drivers and the commands built on them.
package fsys

import (
	"io/fs"
)

// Extent maps a range of a file to where its bytes live in the image.
type Extent struct {
	Logical  int64 // Offset within the file
	Physical int64 // Offset within the image
	Length   int64 // Length of this extent
}

// End returns one past the last logical byte of the extent.
func (e Extent) End() int64 {
	return e.Logical + e.Length
}

// FS represents a read-only filesystem that can be opened from a disk image.
// It embeds io/fs.FS and adds image-specific functionality.
type FS interface {
	fs.FS
	fs.ReadDirFS
	fs.StatFS

	// Type returns the filesystem type name (e.g., "erofs")
	Type() string

	// Close releases any resources held by the filesystem
	Close() error
}

// ExtentMapper is an optional interface for filesystems that can report
// the physical location of file data within the image
type ExtentMapper interface {
	// FileExtents returns the list of extents that map a file's logical
	// offsets to physical offsets in the image, ordered by logical offset.
	// Returns error if path doesn't exist, is a directory, or its data is
	// not stored verbatim (e.g. compressed).
	FileExtents(path string) ([]Extent, error)
}

// Contiguous reports whether extents cover [0, size) without gaps or
// overlaps, in order.
func Contiguous(extents []Extent, size int64) bool {
	var next int64
	for _, e := range extents {
		if e.Logical != next || e.Length <= 0 {
			return false
		}
		next = e.End()
	}
	return next == size
}

// FileInfo provides extended file information
type FileInfo interface {
	fs.FileInfo

	// Inode returns the inode number (the nid for erofs)
	Inode() uint64
}
