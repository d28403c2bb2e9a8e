package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyfs/sdfat/sderr"
)

// rawBootSector is the on-disk layout of the first 64 bytes of a FAT boot
// sector: the 11-byte jump/OEM header plus the full BIOS Parameter Block,
// including the FAT32 extension fields. FAT16 volumes carry the same
// extension bytes reserved and zeroed; reading them unconditionally avoids
// a second pass once fatType is known, the same shape as sd_volume.c's
// biosParmBlock.
type rawBootSector struct {
	JmpBoot             [3]byte
	OEMName             [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   uint8
	ReservedSectorCount uint16
	FATCount            uint8
	RootDirEntryCount   uint16
	TotalSectors16      uint16
	MediaType           uint8
	SectorsPerFAT16     uint16
	SectorsPerTrack     uint16
	HeadCount           uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
	SectorsPerFAT32     uint32
	FAT32Flags          uint16
	FAT32Version        uint16
	FAT32RootCluster    uint32
	FAT32FSInfo         uint16
	FAT32BackBootBlock  uint16
	FAT32Reserved       [12]byte
}

const bootSectorSize = 64

func parseBootSector(block []byte) (rawBootSector, error) {
	if len(block) < bootSectorSize {
		return rawBootSector{}, sderr.ErrFileSystemCorrupted.WithMessage("boot sector block too short")
	}

	var bs rawBootSector
	if err := binary.Read(byteReader{block}, binary.LittleEndian, &bs); err != nil {
		return rawBootSector{}, sderr.ErrIOFailed.WrapError(err)
	}
	return bs, nil
}

// byteReader adapts a byte slice to io.Reader without pulling in bytes.Reader
// just for this one call site.
type byteReader struct{ data []byte }

func (r byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func validateBootSector(bs rawBootSector) error {
	if bs.BytesPerSector != 512 {
		return sderr.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("BytesPerSector must be 512, got %d", bs.BytesPerSector))
	}
	if bs.FATCount == 0 {
		return sderr.ErrFileSystemCorrupted.WithMessage("FATCount is zero")
	}
	if bs.ReservedSectorCount == 0 {
		return sderr.ErrFileSystemCorrupted.WithMessage("ReservedSectorCount is zero")
	}
	if bs.SectorsPerCluster == 0 {
		return sderr.ErrFileSystemCorrupted.WithMessage("SectorsPerCluster is zero")
	}
	return nil
}

// partitionTableOffset and partitionEntrySize locate the four 16-byte MBR
// partition table entries starting at byte 446 of the first block.
const (
	partitionTableOffset = 446
	partitionEntrySize   = 16
)

type partitionEntry struct {
	Boot         byte
	Type         byte
	FirstSector  uint32
	TotalSectors uint32
}

// readPartitionEntry decodes partition slot (1-4) directly out of a cached
// copy of block 0, mirroring sd_volume.c's cacheBuffer_.mbr.part[slot-1].
func readPartitionEntry(mbr []byte, slot int) partitionEntry {
	off := partitionTableOffset + (slot-1)*partitionEntrySize
	entry := mbr[off : off+partitionEntrySize]
	return partitionEntry{
		Boot:         entry[0],
		Type:         entry[4],
		FirstSector:  binary.LittleEndian.Uint32(entry[8:12]),
		TotalSectors: binary.LittleEndian.Uint32(entry[12:16]),
	}
}
