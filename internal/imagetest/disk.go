package imagetest

import "encoding/binary"

// MBRDisk lays out images back to back from sector 8 and writes a
// DOS partition table describing them as Linux partitions. Each
// partition is padded to a whole number of sectors.
func MBRDisk(images ...[]byte) []byte {
	if len(images) > 4 {
		panic("imagetest: MBR holds at most four primary partitions")
	}

	disk := make([]byte, 8*512)
	for i, img := range images {
		start := len(disk) / 512
		sectors := (len(img) + 511) / 512
		disk = append(disk, img...)
		disk = append(disk, make([]byte, sectors*512-len(img))...)

		entry := disk[446+i*16 : 446+(i+1)*16]
		entry[4] = 0x83
		binary.LittleEndian.PutUint32(entry[8:], uint32(start))
		binary.LittleEndian.PutUint32(entry[12:], uint32(sectors))
	}
	disk[510], disk[511] = 0x55, 0xAA
	return disk
}
