// Package imagetest builds small EROFS images in memory for tests.
//
// The encoder is written independently of the decoder in fsys/erofs so that
// tests exercise the decoder against a second reading of the format rather
// than against itself.
package imagetest

import (
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"
)

const (
	BlockSize = 4096
	SlotSize  = 32

	Magic        = 0xE0F5E1E2
	MetaBlkAddr  = 1
	InodeSize    = 32
	DirentSize   = 12
	bootSector   = 1024
	xattrHdrSize = 12
)

// Data layouts as stored in the inode advise bits.
const (
	LayoutPlain             uint8 = 0
	LayoutCompressionLegacy uint8 = 1
	LayoutInline            uint8 = 2
	LayoutCompression       uint8 = 3
)

// File type bits.
const (
	ModeDir     = 0x4000
	ModeRegular = 0x8000
	ModeSymlink = 0xA000
	ModeChar    = 0x2000
	ModeBlock   = 0x6000
	ModeFIFO    = 0x1000
	ModeSocket  = 0xC000
)

type node struct {
	name       string
	mode       uint16
	uid, gid   uint16
	layout     uint8
	layoutSet  bool
	xattrCount uint16
	data       []byte
	size       uint32 // for compressed nodes, which carry no data
	parent     *node
	children   []*node

	nid     uint64
	blkaddr uint32
	ino     uint32
}

// Option adjusts a node as it is added.
type Option func(*node)

// WithLayout forces the data layout of a node.
func WithLayout(layout uint8) Option {
	return func(n *node) {
		n.layout = layout
		n.layoutSet = true
	}
}

// WithXattrCount reserves an inline xattr area of count slots after the
// inode header (zero-filled).
func WithXattrCount(count uint16) Option {
	return func(n *node) { n.xattrCount = count }
}

// WithOwner sets uid and gid.
func WithOwner(uid, gid uint16) Option {
	return func(n *node) { n.uid, n.gid = uid, gid }
}

// WithPerm sets the permission bits.
func WithPerm(perm uint16) Option {
	return func(n *node) { n.mode = n.mode&0xF000 | perm&0o7777 }
}

// Builder accumulates a directory tree and encodes it as an image.
type Builder struct {
	root *node

	BuildTime     uint64
	BuildTimeNsec uint32
	VolumeName    string
}

// New returns a builder holding an empty root directory.
func New() *Builder {
	root := &node{mode: ModeDir | 0o755}
	root.parent = root
	return &Builder{root: root, BuildTime: 1700000000, VolumeName: "testvol"}
}

// Root applies options to the root directory.
func (b *Builder) Root(opts ...Option) {
	for _, opt := range opts {
		opt(b.root)
	}
}

// Mkdir creates directory p and any missing parents.
func (b *Builder) Mkdir(p string, opts ...Option) {
	n := b.mkdirAll(p)
	for _, opt := range opts {
		opt(n)
	}
}

// WriteFile adds a regular file. The default layout is inline.
func (b *Builder) WriteFile(p string, data []byte, opts ...Option) {
	b.add(p, &node{mode: ModeRegular | 0o644, layout: LayoutInline, data: data}, opts)
}

// Symlink adds a symbolic link stored with the plain layout.
func (b *Builder) Symlink(p, target string, opts ...Option) {
	b.add(p, &node{mode: ModeSymlink | 0o777, layout: LayoutPlain, data: []byte(target)}, opts)
}

// Special adds a device, FIFO or socket node; typ is one of the Mode
// constants.
func (b *Builder) Special(p string, typ uint16, opts ...Option) {
	b.add(p, &node{mode: typ | 0o600, layout: LayoutPlain}, opts)
}

// Compressed adds a regular file whose inode claims a compressed layout.
// No data is written for it.
func (b *Builder) Compressed(p string, size uint32, layout uint8, opts ...Option) {
	b.add(p, &node{mode: ModeRegular | 0o644, layout: layout, layoutSet: true, size: size}, opts)
}

func (b *Builder) add(p string, n *node, opts []Option) {
	dir, name := path.Split(strings.Trim(p, "/"))
	parent := b.mkdirAll(dir)
	n.name = name
	n.parent = parent
	for _, opt := range opts {
		opt(n)
	}
	parent.children = append(parent.children, n)
}

func (b *Builder) mkdirAll(p string) *node {
	cur := b.root
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" {
			continue
		}
		var next *node
		for _, c := range cur.children {
			if c.name == part {
				next = c
				break
			}
		}
		if next == nil {
			next = &node{name: part, mode: ModeDir | 0o755, parent: cur}
			cur.children = append(cur.children, next)
		}
		cur = next
	}
	return cur
}

// Image is an encoded image plus what tests need to know about it.
type Image struct {
	Data    []byte
	RootNid uint64

	nodes map[string]*node
}

// Nid returns the nid assigned to path p ("/" is the root).
func (img *Image) Nid(p string) uint64 {
	return img.node(p).nid
}

// BlockAddr returns the first data block assigned to p.
func (img *Image) BlockAddr(p string) uint32 {
	return img.node(p).blkaddr
}

// InodeAddr returns the byte address of p's inode.
func (img *Image) InodeAddr(p string) int64 {
	return MetaBlkAddr*BlockSize + int64(img.node(p).nid)*SlotSize
}

// InlineAddr returns the byte address of p's inline tail.
func (img *Image) InlineAddr(p string) int64 {
	n := img.node(p)
	return img.InodeAddr(p) + InodeSize + int64(xattrSize(n.xattrCount))
}

func (img *Image) node(p string) *node {
	n, ok := img.nodes[path.Clean("/"+p)]
	if !ok {
		panic(fmt.Sprintf("imagetest: no node %q", p))
	}
	return n
}

type dirEntry struct {
	name string
	node *node
}

// entries returns a directory's entries as mkfs would store them: "." and
// ".." followed by the children sorted by name.
func (n *node) entries() []dirEntry {
	children := append([]*node(nil), n.children...)
	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })

	out := []dirEntry{{".", n}, {"..", n.parent}}
	for _, c := range children {
		out = append(out, dirEntry{c.name, c})
	}
	return out
}

// packDir splits entries into directory blocks; it returns, per block, the
// entries it holds and the bytes it uses.
func packDir(entries []dirEntry) ([][]dirEntry, []int) {
	var blocks [][]dirEntry
	var used []int
	var cur []dirEntry
	size := 0
	for _, e := range entries {
		need := DirentSize + len(e.name)
		if len(cur) > 0 && size+need > BlockSize {
			blocks = append(blocks, cur)
			used = append(used, size)
			cur, size = nil, 0
		}
		cur = append(cur, e)
		size += need
	}
	blocks = append(blocks, cur)
	used = append(used, size)
	return blocks, used
}

func encodeDirBlock(dst []byte, entries []dirEntry) {
	nameOff := len(entries) * DirentSize
	for i, e := range entries {
		h := dst[i*DirentSize:]
		binary.LittleEndian.PutUint64(h[0:8], e.node.nid)
		binary.LittleEndian.PutUint16(h[8:10], uint16(nameOff))
		h[10] = fileType(e.node.mode)
		copy(dst[nameOff:], e.name)
		nameOff += len(e.name)
	}
}

func fileType(mode uint16) uint8 {
	switch mode & 0xF000 {
	case ModeRegular:
		return 1
	case ModeDir:
		return 2
	case ModeChar:
		return 3
	case ModeBlock:
		return 4
	case ModeFIFO:
		return 5
	case ModeSocket:
		return 6
	case ModeSymlink:
		return 7
	}
	return 0
}

func xattrSize(count uint16) int {
	if count == 0 {
		return 0
	}
	return xattrHdrSize + int(count-1)*4
}

// Build lays the tree out and encodes it: block 0 holds the superblock,
// inodes start at block MetaBlkAddr, data blocks follow the metadata.
func (b *Builder) Build() *Image {
	var order []*node
	paths := map[string]*node{}
	queue := []*node{b.root}
	paths["/"] = b.root
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, e := range n.entries()[2:] {
			if n == b.root {
				paths["/"+e.name] = e.node
			} else {
				paths[b.pathOf(n)+"/"+e.name] = e.node
			}
			if e.node.mode&0xF000 == ModeDir {
				queue = append(queue, e.node)
			}
		}
	}

	// Content sizes and the split between data blocks and inline tail.
	sizes := map[*node]int{}
	dirBlocks := map[*node][][]dirEntry{}
	for _, n := range order {
		switch {
		case n.mode&0xF000 == ModeDir:
			blocks, used := packDir(n.entries())
			dirBlocks[n] = blocks
			sizes[n] = (len(blocks)-1)*BlockSize + used[len(used)-1]
			if !n.layoutSet {
				n.layout = LayoutInline
				if InodeSize+xattrSize(n.xattrCount)+sizes[n]%BlockSize > BlockSize {
					n.layout = LayoutPlain
				}
			}
		case n.size != 0:
			sizes[n] = int(n.size)
		default:
			sizes[n] = len(n.data)
		}
	}

	tail := func(n *node) int {
		if n.layout == LayoutInline {
			return sizes[n] % BlockSize
		}
		return 0
	}
	dataBlocks := func(n *node) int {
		switch n.layout {
		case LayoutPlain:
			return (sizes[n] + BlockSize - 1) / BlockSize
		case LayoutInline:
			return sizes[n] / BlockSize
		}
		return 0
	}

	// Metadata: slot-aligned, an inode never straddles a block together
	// with its inline data.
	pos := MetaBlkAddr * BlockSize
	for i, n := range order {
		footprint := InodeSize + xattrSize(n.xattrCount) + tail(n)
		if footprint > BlockSize {
			panic(fmt.Sprintf("imagetest: inline data of %q does not fit a block", n.name))
		}
		if pos%BlockSize+footprint > BlockSize {
			pos = (pos + BlockSize - 1) / BlockSize * BlockSize
		}
		n.nid = uint64(pos-MetaBlkAddr*BlockSize) / SlotSize
		n.ino = uint32(i + 1)
		pos += (footprint + SlotSize - 1) / SlotSize * SlotSize
	}

	blk := uint32((pos + BlockSize - 1) / BlockSize)
	for _, n := range order {
		if k := dataBlocks(n); k > 0 {
			n.blkaddr = blk
			blk += uint32(k)
		}
	}

	data := make([]byte, int(blk)*BlockSize)
	b.writeSuperblock(data, blk, uint64(len(order)))

	for _, n := range order {
		content := n.data
		if n.mode&0xF000 == ModeDir {
			content = make([]byte, len(dirBlocks[n])*BlockSize)
			for i, entries := range dirBlocks[n] {
				encodeDirBlock(content[i*BlockSize:], entries)
			}
			content = content[:sizes[n]]
		}

		addr := MetaBlkAddr*BlockSize + int(n.nid)*SlotSize
		writeInode(data[addr:], n, uint32(sizes[n]))

		if n.size != 0 {
			continue
		}
		inData := dataBlocks(n) * BlockSize
		if inData > len(content) {
			inData = len(content)
		}
		copy(data[int(n.blkaddr)*BlockSize:], content[:inData])
		if t := tail(n); t > 0 {
			copy(data[addr+InodeSize+xattrSize(n.xattrCount):], content[len(content)-t:])
		}
	}

	return &Image{Data: data, RootNid: b.root.nid, nodes: paths}
}

func (b *Builder) pathOf(n *node) string {
	if n == b.root {
		return ""
	}
	return b.pathOf(n.parent) + "/" + n.name
}

func (b *Builder) writeSuperblock(data []byte, blocks uint32, inos uint64) {
	sb := data[bootSector:]
	binary.LittleEndian.PutUint32(sb[0:4], Magic)
	sb[12] = 12
	binary.LittleEndian.PutUint16(sb[14:16], uint16(b.root.nid))
	binary.LittleEndian.PutUint64(sb[16:24], inos)
	binary.LittleEndian.PutUint64(sb[24:32], b.BuildTime)
	binary.LittleEndian.PutUint32(sb[32:36], b.BuildTimeNsec)
	binary.LittleEndian.PutUint32(sb[36:40], blocks)
	binary.LittleEndian.PutUint32(sb[40:44], MetaBlkAddr)
	for i := range sb[48:64] {
		sb[48+i] = byte(i + 1)
	}
	copy(sb[64:80], b.VolumeName)
}

func writeInode(dst []byte, n *node, size uint32) {
	nlink := uint16(1)
	if n.mode&0xF000 == ModeDir {
		nlink = 2
		for _, c := range n.children {
			if c.mode&0xF000 == ModeDir {
				nlink++
			}
		}
	}
	binary.LittleEndian.PutUint16(dst[0:2], uint16(n.layout)<<1)
	binary.LittleEndian.PutUint16(dst[2:4], n.xattrCount)
	binary.LittleEndian.PutUint16(dst[4:6], n.mode)
	binary.LittleEndian.PutUint16(dst[6:8], nlink)
	binary.LittleEndian.PutUint32(dst[8:12], size)
	binary.LittleEndian.PutUint32(dst[16:20], n.blkaddr)
	binary.LittleEndian.PutUint32(dst[20:24], n.ino)
	binary.LittleEndian.PutUint16(dst[24:26], n.uid)
	binary.LittleEndian.PutUint16(dst[26:28], n.gid)
}
