// Package part reads MBR and GPT partition tables so that a filesystem
// image embedded in a partitioned disk image can be located and sliced out.
package part

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/lvdlvd/erofuse/detect"
)

const sectorSize = 512

// ErrNoPartition is returned when a lookup matches no partition.
var ErrNoPartition = errors.New("no such partition")

// Partition is one used slot of a partition table.
type Partition struct {
	Index    int      // 0-based, in table order
	Name     string   // "p0", "p1", ...
	Type     byte     // MBR type, 0 for GPT
	TypeGUID [16]byte // GPT type GUID
	StartLBA uint64
	SizeLBA  uint64
	Bootable bool
	Label    string // GPT only
}

// Offset returns the byte offset of the partition on the disk.
func (p *Partition) Offset() int64 { return int64(p.StartLBA) * sectorSize }

// Size returns the partition size in bytes.
func (p *Partition) Size() int64 { return int64(p.SizeLBA) * sectorSize }

// Section returns a reader confined to the partition.
func (p *Partition) Section(r io.ReaderAt) *io.SectionReader {
	return io.NewSectionReader(r, p.Offset(), p.Size())
}

// Table is a parsed partition table.
type Table struct {
	Scheme     detect.Type // detect.MBR or detect.GPT
	Partitions []*Partition
}

// Read parses the partition table of the given scheme from r.
func Read(r io.ReaderAt, scheme detect.Type) (*Table, error) {
	t := &Table{Scheme: scheme}

	var err error
	switch scheme {
	case detect.MBR:
		err = t.parseMBR(r)
	case detect.GPT:
		err = t.parseGPT(r)
	default:
		return nil, fmt.Errorf("%s is not a partition table", scheme)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) parseMBR(r io.ReaderAt) error {
	header := make([]byte, sectorSize)
	if _, err := r.ReadAt(header, 0); err != nil {
		return fmt.Errorf("reading MBR: %w", err)
	}
	if header[510] != 0x55 || header[511] != 0xAA {
		return fmt.Errorf("invalid MBR signature")
	}

	// Four primary entries at 446
	for i := 0; i < 4; i++ {
		entry := header[446+i*16 : 446+(i+1)*16]
		if entry[4] == 0 {
			continue
		}
		start := binary.LittleEndian.Uint32(entry[8:12])
		size := binary.LittleEndian.Uint32(entry[12:16])
		if start == 0 || size == 0 {
			continue
		}
		t.add(&Partition{
			Type:     entry[4],
			StartLBA: uint64(start),
			SizeLBA:  uint64(size),
			Bootable: entry[0] == 0x80,
		})
	}
	return nil
}

func (t *Table) parseGPT(r io.ReaderAt) error {
	header := make([]byte, sectorSize)
	if _, err := r.ReadAt(header, sectorSize); err != nil {
		return fmt.Errorf("reading GPT header: %w", err)
	}
	if string(header[0:8]) != "EFI PART" {
		return fmt.Errorf("invalid GPT signature")
	}

	entryLBA := binary.LittleEndian.Uint64(header[72:80])
	count := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])
	if entrySize < 128 {
		return fmt.Errorf("invalid partition entry size: %d", entrySize)
	}

	entry := make([]byte, entrySize)
	for i := uint32(0); i < count; i++ {
		off := int64(entryLBA)*sectorSize + int64(i)*int64(entrySize)
		if _, err := r.ReadAt(entry, off); err != nil {
			return fmt.Errorf("reading GPT entry %d: %w", i, err)
		}

		var typeGUID [16]byte
		copy(typeGUID[:], entry[0:16])
		if typeGUID == ([16]byte{}) {
			continue
		}
		first := binary.LittleEndian.Uint64(entry[32:40])
		last := binary.LittleEndian.Uint64(entry[40:48])
		if last < first {
			return fmt.Errorf("GPT entry %d ends before it starts", i)
		}
		t.add(&Partition{
			TypeGUID: typeGUID,
			StartLBA: first,
			SizeLBA:  last - first + 1,
			Label:    decodeUTF16LE(entry[56:128]),
		})
	}
	return nil
}

func (t *Table) add(p *Partition) {
	p.Index = len(t.Partitions)
	p.Name = "p" + strconv.Itoa(p.Index)
	t.Partitions = append(t.Partitions, p)
}

// Lookup finds a partition by name ("p1"), bare index ("1") or GPT label.
func (t *Table) Lookup(name string) (*Partition, error) {
	for _, p := range t.Partitions {
		if p.Name == name || strconv.Itoa(p.Index) == name || (p.Label != "" && p.Label == name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNoPartition)
}

// Find returns the first partition whose contents detect as want.
func (t *Table) Find(r io.ReaderAt, want detect.Type) (*Partition, error) {
	for _, p := range t.Partitions {
		got, err := detect.Detect(p.Section(r))
		if err != nil {
			continue
		}
		if got == want {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no %s partition: %w", want, ErrNoPartition)
}

// String renders the table one partition per line.
func (t *Table) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s, %d partitions\n", t.Scheme, len(t.Partitions))
	for _, p := range t.Partitions {
		label := p.Label
		if label == "" && p.Bootable {
			label = "(bootable)"
		}
		fmt.Fprintf(&sb, "%-4s %-18s %12d %12d %s\n", p.Name, TypeString(p), p.StartLBA, p.Size(), label)
	}
	return sb.String()
}

// TypeString returns a readable partition type.
func TypeString(p *Partition) string {
	if p.Type != 0 {
		switch p.Type {
		case 0x0B, 0x0C:
			return "FAT32"
		case 0x07:
			return "NTFS/exFAT"
		case 0x05, 0x0F:
			return "Extended"
		case 0x82:
			return "Linux swap"
		case 0x83:
			return "Linux"
		case 0xEE:
			return "GPT Protective"
		case 0xEF:
			return "EFI System"
		default:
			return fmt.Sprintf("0x%02X", p.Type)
		}
	}

	guid := formatGUID(p.TypeGUID)
	switch guid {
	case "C12A7328-F81F-11D2-BA4B-00A0C93EC93B":
		return "EFI System"
	case "0FC63DAF-8483-4772-8E79-3D69D8477DE4":
		return "Linux Filesystem"
	case "4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709":
		return "Linux root (x86-64)"
	case "B921B045-1DF0-41C3-AF44-4C6F280D3FAE":
		return "Linux root (arm64)"
	default:
		return guid
	}
}

// formatGUID prints a GUID in its mixed-endian on-disk order.
func formatGUID(guid [16]byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		binary.LittleEndian.Uint32(guid[0:4]),
		binary.LittleEndian.Uint16(guid[4:6]),
		binary.LittleEndian.Uint16(guid[6:8]),
		guid[8], guid[9],
		guid[10], guid[11], guid[12], guid[13], guid[14], guid[15])
}

func decodeUTF16LE(data []byte) string {
	u16s := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		v := binary.LittleEndian.Uint16(data[i:])
		if v == 0 {
			break
		}
		u16s = append(u16s, v)
	}
	return string(utf16.Decode(u16s))
}
