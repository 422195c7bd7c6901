// Package detect identifies filesystem types from disk images, so that
// an image which is not EROFS can be reported by what it is.
package detect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Type represents a filesystem type
type Type int

const (
	Unknown Type = iota
	EROFS
	SquashFS
	Ext
	FAT
	NTFS
	MBR // Master Boot Record partition table
	GPT // GUID Partition Table
	APFS
	HFSPlus
)

func (t Type) String() string {
	switch t {
	case EROFS:
		return "EROFS"
	case SquashFS:
		return "SquashFS"
	case Ext:
		return "ext2/3/4"
	case FAT:
		return "FAT"
	case NTFS:
		return "NTFS"
	case MBR:
		return "MBR"
	case GPT:
		return "GPT"
	case APFS:
		return "APFS"
	case HFSPlus:
		return "HFS+"
	default:
		return "unknown"
	}
}

// IsPartitionTable returns true if the type is a partition table format
func (t Type) IsPartitionTable() bool {
	return t == MBR || t == GPT
}

const (
	erofsMagic    = 0xE0F5E1E2
	squashfsMagic = 0x73717368 // "hsqs"
	extMagic      = 0xEF53
	apfsMagic     = 0x4253584E // "NXSB"
)

// Detect identifies the filesystem type from a reader.
// It reads the first block, which holds every magic number checked.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, 4096)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("reading header: %w", err)
	}
	if n < 512 {
		return Unknown, fmt.Errorf("file too small: %d bytes", n)
	}
	header = header[:n]

	// EROFS superblock at 1024, after the boot region
	if n >= 1028 && binary.LittleEndian.Uint32(header[1024:1028]) == erofsMagic {
		return EROFS, nil
	}

	if binary.LittleEndian.Uint32(header[0:4]) == squashfsMagic {
		return SquashFS, nil
	}

	// GPT header at LBA 1
	if n >= 520 && bytes.Equal(header[512:520], []byte("EFI PART")) {
		return GPT, nil
	}

	if binary.LittleEndian.Uint32(header[32:36]) == apfsMagic {
		return APFS, nil
	}

	// HFS+ volume header at 1024, 'H+' or 'HX' big-endian
	if n >= 1026 {
		sig := binary.BigEndian.Uint16(header[1024:1026])
		if sig == 0x482B || sig == 0x4858 {
			return HFSPlus, nil
		}
	}

	if bytes.Equal(header[3:11], []byte("NTFS    ")) {
		return NTFS, nil
	}

	// ext2/3/4 superblock magic at 1024+0x38
	if n >= 1082 && binary.LittleEndian.Uint16(header[0x438:0x43A]) == extMagic {
		return Ext, nil
	}

	if header[510] == 0x55 && header[511] == 0xAA {
		if isFATBootSector(header) {
			return FAT, nil
		}
		return MBR, nil
	}

	return Unknown, nil
}

// isFATBootSector looks for the FAT type labels in the BIOS parameter
// block; a boot signature without them is taken to be a partition table.
func isFATBootSector(header []byte) bool {
	return bytes.HasPrefix(header[54:62], []byte("FAT")) ||
		bytes.Equal(header[82:87], []byte("FAT32"))
}
