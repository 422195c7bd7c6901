package cmd

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/lvdlvd/erofuse/fsys"
)

// Cat copies the contents of a file to the given writer.
// When the open file supports random access it is streamed in fixed-size
// chunks; otherwise it is copied sequentially.
func Cat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory", fsPath)
	}

	file, err := filesystem.Open(fsPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if ra, ok := file.(io.ReaderAt); ok {
		return streamFromReaderAt(ra, info.Size(), out)
	}

	_, err = io.Copy(out, file)
	return err
}

// streamFromReaderAt copies data from a ReaderAt to a Writer in chunks
func streamFromReaderAt(r io.ReaderAt, size int64, out io.Writer) error {
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)
	offset := int64(0)

	for offset < size {
		toRead := min(int64(bufSize), size-offset)

		n, err := r.ReadAt(buf[:toRead], offset)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}

	return nil
}
