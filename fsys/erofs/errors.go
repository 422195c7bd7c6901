package erofs

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/lvdlvd/erofuse/blockdev"
)

var (
	// ErrFormat reports an image that does not decode: bad magic, a
	// malformed inode header or an inconsistent directory block.
	ErrFormat = errors.New("malformed erofs image")

	// ErrIO reports a failed or short device read.
	ErrIO = blockdev.ErrIO

	ErrNotFound = fs.ErrNotExist
	ErrInvalid  = fs.ErrInvalid

	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrNameTooLong = errors.New("file name too long")

	// ErrUnsupported is returned for compressed layouts and special
	// files. It matches errors.ErrUnsupported.
	ErrUnsupported = fmt.Errorf("erofs: %w", errors.ErrUnsupported)

	ErrAlreadyInitialized = errors.New("dentry cache root already initialized")
)
