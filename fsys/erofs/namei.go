package erofs

import (
	"errors"
	"fmt"
	"strings"
)

// ResolvePath walks p from the root and returns the nid it names. Each
// component is looked up in the dentry cache first; on a miss the parent
// directory is scanned on disk and every entry seen is cached. Runs of '/'
// are skipped, so "", "/" and "//" all name the root, which resolves
// without touching the device.
func (f *FS) ResolvePath(p string) (uint64, error) {
	cur := f.dcache.Root()
	rest := p
	for {
		rest = strings.TrimLeft(rest, "/")
		if rest == "" {
			break
		}
		n := strings.IndexByte(rest, '/')
		if n < 0 {
			n = len(rest)
		}

		next, err := f.lookupComponent(cur, rest[:n])
		if err != nil {
			return 0, fmt.Errorf("resolving %q: %w", p, err)
		}
		cur = next
		rest = rest[n:]
	}

	f.logger.Debug("path resolved", "path", p, "nid", cur.nid)
	return cur.nid, nil
}

// lookupComponent resolves one name under parent. The cache lock is held
// from the cache probe until the disk scan has populated the cache, so
// concurrent resolutions of the same directory never insert duplicates.
func (f *FS) lookupComponent(parent *Dentry, name string) (*Dentry, error) {
	f.dcache.mu.Lock()
	defer f.dcache.mu.Unlock()

	if d := f.dcache.lookupLocked(parent, name); d != nil {
		return d, nil
	}
	return f.diskLookupLocked(parent, name)
}

// diskLookupLocked scans parent's directory blocks for name, caching every
// entry it decodes on the way. The scan ends with the block holding the
// match. Entries whose names are too long for the cache are skipped unless
// they are the one being looked up.
func (f *FS) diskLookupLocked(parent *Dentry, name string) (*Dentry, error) {
	ino, err := f.readInode(parent.nid)
	if err != nil {
		return nil, err
	}
	if !ino.IsDir() {
		return nil, fmt.Errorf("%s under nid %d: %w", name, parent.nid, ErrNotDir)
	}

	var found *Dentry
	err = f.walkDirBlocks(ino, func(block []byte) error {
		err := WalkDirents(block, func(d Dirent) error {
			entry, err := f.dcache.tryInsertLocked(parent, d.Name, d.Nid)
			if d.Name == name {
				if err != nil {
					return err
				}
				found = entry
				return nil
			}
			if errors.Is(err, ErrNameTooLong) {
				f.logger.Debug("not caching long name", "parent", parent.nid, "name", d.Name)
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
		if found != nil {
			return ErrStopWalk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%s under nid %d: %w", name, parent.nid, ErrNotFound)
	}
	return found, nil
}
