package erofs

import (
	"fmt"
	"strconv"
	"sync"
)

// MaxNameLen bounds the names the dentry cache stores: 40 bytes on 64-bit
// targets and 48 on 32-bit ones. A name must be strictly shorter.
const MaxNameLen = 40 + 8*(1-strconv.IntSize/64)

// Dentry is a cached (parent, name) -> nid mapping.
type Dentry struct {
	name string
	nid  uint64

	// children, most recently matched or inserted first.
	children []*Dentry
}

// Name returns the component name; the root's is empty.
func (d *Dentry) Name() string { return d.name }

// Nid returns the node identifier the entry maps to.
func (d *Dentry) Nid() uint64 { return d.nid }

// Cache is an in-memory tree mirroring the directory structure observed
// so far. It only grows. All methods are safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	root    *Dentry
	entries int
}

// NewCache returns a cache without a root; call InitRoot before use.
func NewCache() *Cache {
	return &Cache{}
}

// InitRoot creates the root entry. It fails with ErrAlreadyInitialized
// and changes nothing if called twice.
func (c *Cache) InitRoot(nid uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root != nil {
		return ErrAlreadyInitialized
	}
	c.root = &Dentry{nid: nid}
	return nil
}

// Root returns the root entry, or nil before InitRoot.
func (c *Cache) Root() *Dentry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// Len returns the number of cached entries, not counting the root.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}

// Lookup finds name under parent and promotes it to the front of the
// parent's children. A nil parent means the root.
func (c *Cache) Lookup(parent *Dentry, name string) *Dentry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(parent, name)
}

// Insert adds name under parent without checking for an existing entry.
func (c *Cache) Insert(parent *Dentry, name string, nid uint64) (*Dentry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(parent, name, nid)
}

// TryInsert returns the existing entry for name under parent, inserting
// one if there is none.
func (c *Cache) TryInsert(parent *Dentry, name string, nid uint64) (*Dentry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryInsertLocked(parent, name, nid)
}

func (c *Cache) parentOrRoot(parent *Dentry) *Dentry {
	if parent == nil {
		if c.root == nil {
			panic("erofs: dentry cache used before InitRoot")
		}
		return c.root
	}
	return parent
}

func (c *Cache) lookupLocked(parent *Dentry, name string) *Dentry {
	parent = c.parentOrRoot(parent)
	for i, child := range parent.children {
		if child.name != name {
			continue
		}
		if i > 0 {
			copy(parent.children[1:i+1], parent.children[:i])
			parent.children[0] = child
		}
		return child
	}
	return nil
}

func (c *Cache) insertLocked(parent *Dentry, name string, nid uint64) (*Dentry, error) {
	if len(name) >= MaxNameLen {
		return nil, fmt.Errorf("caching %q (%d bytes, limit %d): %w", name, len(name), MaxNameLen-1, ErrNameTooLong)
	}
	parent = c.parentOrRoot(parent)

	entry := &Dentry{name: name, nid: nid}
	parent.children = append(parent.children, nil)
	copy(parent.children[1:], parent.children)
	parent.children[0] = entry
	c.entries++
	return entry, nil
}

func (c *Cache) tryInsertLocked(parent *Dentry, name string, nid uint64) (*Dentry, error) {
	if d := c.lookupLocked(parent, name); d != nil {
		return d, nil
	}
	return c.insertLocked(parent, name, nid)
}
