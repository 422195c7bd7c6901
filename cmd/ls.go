// Package cmd implements the erofuse inspection commands.
package cmd

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/lvdlvd/erofuse/fsys"
)

// LsOptions controls ls behavior
type LsOptions struct {
	Long bool // Long format (-l)
	All  bool // Show dot files (-a)
}

// Ls lists the contents of a path in the filesystem.
// If the path is a file, it shows file information.
// If the path is a directory, it lists its contents.
func Ls(filesystem fsys.FS, fsPath string, out io.Writer, opts LsOptions) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return listDirectory(filesystem, fsPath, out, opts)
	}

	return showFileInfo(info, out, opts.Long)
}

// normalizePath turns a user path ("/usr/bin/", "") into an io/fs path.
func normalizePath(p string) string {
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

func listDirectory(filesystem fsys.FS, dirPath string, out io.Writer, opts LsOptions) error {
	entries, err := fs.ReadDir(filesystem, dirPath)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()

		if !opts.All && strings.HasPrefix(name, ".") {
			continue
		}

		if opts.Long {
			info, err := entry.Info()
			if err != nil {
				fmt.Fprintf(out, "%8s %-10s %5s %5s %12s %s %s\n", "?", "?????????", "?", "?", "?", "????????????", name)
				continue
			}
			printLongFormat(info, out)
		} else {
			if entry.IsDir() {
				name += "/"
			}
			fmt.Fprintln(out, name)
		}
	}

	return nil
}

func showFileInfo(info fs.FileInfo, out io.Writer, long bool) error {
	if long {
		printLongFormat(info, out)
	} else {
		fmt.Fprintln(out, info.Name())
	}
	return nil
}

// owner is implemented by the Sys() value of filesystems that record
// numeric ownership.
type owner interface {
	Owner() (uid, gid uint32)
}

func printLongFormat(info fs.FileInfo, out io.Writer) {
	mode := info.Mode()
	size := info.Size()
	modTime := info.ModTime().UTC().Format("Jan _2 15:04")
	name := info.Name()

	var inode string
	if fi, ok := info.(fsys.FileInfo); ok {
		inode = fmt.Sprintf("%8d ", fi.Inode())
	}

	uid, gid := "-", "-"
	if o, ok := info.Sys().(owner); ok {
		u, g := o.Owner()
		uid, gid = fmt.Sprint(u), fmt.Sprint(g)
	}

	fmt.Fprintf(out, "%s%-10s %5s %5s %12d %s %s\n", inode, mode, uid, gid, size, modTime, name)
}
