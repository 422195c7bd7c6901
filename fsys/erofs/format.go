package erofs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"time"
)

const (
	// LogBlockSize is log2 of the only block size this driver reads.
	LogBlockSize = 12
	BlockSize    = 1 << LogBlockSize

	slotBits = 5
	SlotSize = 1 << slotBits

	bootSectorSize = 1024
	superblockSize = 128
	superMagicV1   = 0xE0F5E1E2

	inodeV1Size       = 32
	direntSize        = 12
	xattrIbodyHdrSize = 12
	xattrEntrySize    = 4

	// advise bits
	versionBit      = 0
	versionBits     = 1
	dataMappingBit  = 1
	dataMappingBits = 3
)

// Mode type bits as stored in the inode.
const (
	modeTypeMask = 0xF000
	modeSocket   = 0xC000
	modeSymlink  = 0xA000
	modeRegular  = 0x8000
	modeBlock    = 0x6000
	modeDir      = 0x4000
	modeChar     = 0x2000
	modeFIFO     = 0x1000
)

// Superblock is the decoded on-disk superblock.
type Superblock struct {
	Magic         uint32
	Checksum      uint32
	Features      uint32
	BlkSzBits     uint8
	RootNid       uint64
	Inos          uint64
	BuildTime     uint64
	BuildTimeNsec uint32
	Blocks        uint32
	MetaBlkAddr   uint32
	XattrBlkAddr  uint32
	UUID          [16]byte
	VolumeName    [16]byte
	Requirements  uint32
}

// DecodeSuperblock decodes the superblock from the first block of an image.
func DecodeSuperblock(block []byte) (Superblock, error) {
	if len(block) < bootSectorSize+superblockSize {
		return Superblock{}, fmt.Errorf("superblock needs %d bytes, have %d: %w",
			bootSectorSize+superblockSize, len(block), ErrFormat)
	}
	data := block[bootSectorSize : bootSectorSize+superblockSize]

	sb := Superblock{
		Magic:         binary.LittleEndian.Uint32(data[0:4]),
		Checksum:      binary.LittleEndian.Uint32(data[4:8]),
		Features:      binary.LittleEndian.Uint32(data[8:12]),
		BlkSzBits:     data[12],
		RootNid:       uint64(binary.LittleEndian.Uint16(data[14:16])),
		Inos:          binary.LittleEndian.Uint64(data[16:24]),
		BuildTime:     binary.LittleEndian.Uint64(data[24:32]),
		BuildTimeNsec: binary.LittleEndian.Uint32(data[32:36]),
		Blocks:        binary.LittleEndian.Uint32(data[36:40]),
		MetaBlkAddr:   binary.LittleEndian.Uint32(data[40:44]),
		XattrBlkAddr:  binary.LittleEndian.Uint32(data[44:48]),
		Requirements:  binary.LittleEndian.Uint32(data[80:84]),
	}
	copy(sb.UUID[:], data[48:64])
	copy(sb.VolumeName[:], data[64:80])

	if sb.Magic != superMagicV1 {
		return Superblock{}, fmt.Errorf("bad magic 0x%08X, want 0x%08X: %w", sb.Magic, uint32(superMagicV1), ErrFormat)
	}
	if sb.BlkSzBits != LogBlockSize {
		return Superblock{}, fmt.Errorf("unsupported block size bits %d: %w", sb.BlkSzBits, ErrFormat)
	}
	return sb, nil
}

// NidToAddr returns the byte address of the inode slot nid.
func (sb *Superblock) NidToAddr(nid uint64) int64 {
	return int64(sb.MetaBlkAddr)*BlockSize + int64(nid<<slotBits)
}

// AddrToNid is the inverse of NidToAddr. addr must be slot aligned and
// inside the metadata region.
func (sb *Superblock) AddrToNid(addr int64) uint64 {
	base := int64(sb.MetaBlkAddr) * BlockSize
	if addr%SlotSize != 0 || addr < base {
		panic(fmt.Sprintf("erofs: address %d is not a slot in the metadata region", addr))
	}
	return uint64(addr-base) >> slotBits
}

// Name returns the volume name with trailing NULs removed.
func (sb *Superblock) Name() string {
	return string(bytes.TrimRight(sb.VolumeName[:], "\x00"))
}

// Built returns the image build time.
func (sb *Superblock) Built() time.Time {
	return time.Unix(int64(sb.BuildTime), int64(sb.BuildTimeNsec))
}

// DataLayout is the data mapping mode stored in an inode's advise bits.
type DataLayout uint8

const (
	LayoutFlatPlain         DataLayout = 0
	LayoutCompressionLegacy DataLayout = 1
	LayoutFlatInline        DataLayout = 2
	LayoutCompression       DataLayout = 3
)

func (l DataLayout) String() string {
	switch l {
	case LayoutFlatPlain:
		return "plain"
	case LayoutCompressionLegacy:
		return "compressed-legacy"
	case LayoutFlatInline:
		return "inline"
	case LayoutCompression:
		return "compressed"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

// IsCompressed reports whether the layout stores compressed extents.
func (l DataLayout) IsCompressed() bool {
	return l == LayoutCompressionLegacy || l == LayoutCompression
}

// DataRef says where an inode's data lives. It is a BlockAddr for regular
// files, directories and symlinks and a SpecialFile otherwise.
type DataRef interface {
	isDataRef()
}

// BlockAddr is the first data block of a flat-layout inode.
type BlockAddr uint32

// SpecialFile marks device, FIFO and socket inodes. Device numbers are not
// decoded; such inodes never carry data.
type SpecialFile struct{}

func (BlockAddr) isDataRef()   {}
func (SpecialFile) isDataRef() {}

// Inode is a decoded v1 inode. It is rebuilt from disk on every access.
type Inode struct {
	Nid       uint64
	Mode      uint16
	Nlink     uint16
	Size      uint64
	UID       uint16
	GID       uint16
	Ino       uint32
	Version   uint8
	Layout    DataLayout
	InodeSize int
	XattrSize int
	Data      DataRef
}

// DecodeInode decodes the 32-byte v1 inode header in buf.
func DecodeInode(buf []byte, nid uint64) (*Inode, error) {
	if len(buf) < inodeV1Size {
		return nil, fmt.Errorf("inode %d: header needs %d bytes, have %d: %w", nid, inodeV1Size, len(buf), ErrFormat)
	}

	advise := binary.LittleEndian.Uint16(buf[0:2])
	ino := &Inode{
		Nid:       nid,
		Version:   uint8(adviseField(advise, versionBit, versionBits)),
		Layout:    DataLayout(adviseField(advise, dataMappingBit, dataMappingBits)),
		InodeSize: inodeV1Size,
		XattrSize: xattrIbodySize(binary.LittleEndian.Uint16(buf[2:4])),
		Mode:      binary.LittleEndian.Uint16(buf[4:6]),
		Nlink:     binary.LittleEndian.Uint16(buf[6:8]),
		Size:      uint64(binary.LittleEndian.Uint32(buf[8:12])),
		Ino:       binary.LittleEndian.Uint32(buf[20:24]),
		UID:       binary.LittleEndian.Uint16(buf[24:26]),
		GID:       binary.LittleEndian.Uint16(buf[26:28]),
	}

	switch ino.Mode & modeTypeMask {
	case modeRegular, modeDir, modeSymlink:
		ino.Data = BlockAddr(binary.LittleEndian.Uint32(buf[16:20]))
	case modeBlock, modeChar, modeFIFO, modeSocket:
		ino.Data = SpecialFile{}
	default:
		return nil, fmt.Errorf("inode %d: unknown file type in mode 0%o: %w", nid, ino.Mode, ErrFormat)
	}
	return ino, nil
}

func adviseField(advise uint16, bit, bits uint) uint16 {
	return (advise >> bit) & (1<<bits - 1)
}

func xattrIbodySize(count uint16) int {
	if count == 0 {
		return 0
	}
	return xattrIbodyHdrSize + int(count-1)*xattrEntrySize
}

func (i *Inode) IsDir() bool     { return i.Mode&modeTypeMask == modeDir }
func (i *Inode) IsRegular() bool { return i.Mode&modeTypeMask == modeRegular }
func (i *Inode) IsSymlink() bool { return i.Mode&modeTypeMask == modeSymlink }

// inlineAddr is where the inline tail starts: right after the inode header
// and its inline xattr area.
func (i *Inode) inlineAddr(sb *Superblock) int64 {
	return sb.NidToAddr(i.Nid) + int64(i.InodeSize) + int64(i.XattrSize)
}

// FileMode converts the on-disk mode to an fs.FileMode.
func (i *Inode) FileMode() fs.FileMode {
	mode := fs.FileMode(i.Mode & 0o777)
	if i.Mode&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if i.Mode&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if i.Mode&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	switch i.Mode & modeTypeMask {
	case modeDir:
		mode |= fs.ModeDir
	case modeSymlink:
		mode |= fs.ModeSymlink
	case modeBlock:
		mode |= fs.ModeDevice
	case modeChar:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case modeFIFO:
		mode |= fs.ModeNamedPipe
	case modeSocket:
		mode |= fs.ModeSocket
	}
	return mode
}

// FileType is the entry type tag stored in a dirent.
type FileType uint8

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDir
	TypeCharDev
	TypeBlockDev
	TypeFIFO
	TypeSocket
	TypeSymlink
)

// Mode returns the fs.FileMode type bits for t.
func (t FileType) Mode() fs.FileMode {
	switch t {
	case TypeDir:
		return fs.ModeDir
	case TypeSymlink:
		return fs.ModeSymlink
	case TypeCharDev:
		return fs.ModeDevice | fs.ModeCharDevice
	case TypeBlockDev:
		return fs.ModeDevice
	case TypeFIFO:
		return fs.ModeNamedPipe
	case TypeSocket:
		return fs.ModeSocket
	default:
		return 0
	}
}

// Dirent is one decoded directory entry.
type Dirent struct {
	Nid  uint64
	Name string
	Type FileType
}

// ErrStopWalk stops WalkDirents early without reporting an error.
var ErrStopWalk = errors.New("stop walk")

// WalkDirents calls fn for every entry of a directory block, in on-disk
// order. buf is one directory block, or the used part of a partial one.
// The header array ends where the first entry's name table begins.
func WalkDirents(buf []byte, fn func(Dirent) error) error {
	if len(buf) < direntSize {
		return fmt.Errorf("directory block of %d bytes: %w", len(buf), ErrFormat)
	}

	end := int(binary.LittleEndian.Uint16(buf[8:10]))
	if end < direntSize || end%direntSize != 0 || end > len(buf) {
		return fmt.Errorf("dirent header array ends at %d in %d-byte block: %w", end, len(buf), ErrFormat)
	}

	for off := 0; off < end; off += direntSize {
		nameOff := int(binary.LittleEndian.Uint16(buf[off+8 : off+10]))

		var nameEnd int
		if off+direntSize < end {
			nameEnd = int(binary.LittleEndian.Uint16(buf[off+direntSize+8 : off+direntSize+10]))
		} else {
			nameEnd = len(buf)
			if i := bytes.IndexByte(buf[min(nameOff, len(buf)):], 0); i >= 0 {
				nameEnd = nameOff + i
			}
		}
		if nameOff < end || nameEnd < nameOff || nameEnd > len(buf) {
			return fmt.Errorf("dirent %d: name range [%d,%d) outside block: %w", off/direntSize, nameOff, nameEnd, ErrFormat)
		}

		d := Dirent{
			Nid:  binary.LittleEndian.Uint64(buf[off : off+8]),
			Name: string(buf[nameOff:nameEnd]),
			Type: FileType(buf[off+10]),
		}
		if err := fn(d); err != nil {
			if err == ErrStopWalk {
				return nil
			}
			return err
		}
	}
	return nil
}

// DecodeDirents returns every entry of a directory block.
func DecodeDirents(buf []byte) ([]Dirent, error) {
	var entries []Dirent
	err := WalkDirents(buf, func(d Dirent) error {
		entries = append(entries, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
