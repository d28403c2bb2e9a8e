// Package mkfs formats a blank block device with a FAT16 or FAT32 volume:
// an optional MBR partition table, a boot sector/BPB, zeroed FAT(s), and an
// empty root directory region. It runs the same geometry math fat.Mount
// parses forward, but in reverse: fitting a FAT size to a target block
// count with the iterative refinement mkfs.fat uses.
package mkfs

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/tinyfs/sdfat/sderr"
)

// Writer is the subset of a block device Format needs: the same WriteBlock
// signature fat.BlockDevice requires, plus a block count so Format knows
// how large a volume it's sizing. memdev.Device satisfies it directly.
type Writer interface {
	WriteBlock(lba uint32, src []byte, blocking bool) error
	TotalBlocks() uint32
}

// Options controls the volume Format produces. Zero values fall back to
// defaults suitable for a small card.
type Options struct {
	// FATType forces 16 or 32. Zero picks the smallest type that fits
	// TotalBlocks, using the same cluster-count thresholds fat.Mount
	// applies when parsing an existing volume.
	FATType uint8

	// SectorsPerCluster is rounded up to the next power of 2. Zero
	// defaults to 8 (4 KiB clusters at 512 bytes/sector).
	SectorsPerCluster uint8

	// FATCount is the number of FAT copies. Zero defaults to 2.
	FATCount uint8

	// Partitioned, if true, writes a single MBR partition entry at LBA 0
	// and starts the volume at LBA 1. If false, the volume starts at LBA 0,
	// the unpartitioned "superfloppy" layout sd_volume_init falls back to
	// when no valid MBR partition is present.
	Partitioned bool

	// VolumeLabel is cosmetic; truncated/padded to 11 bytes.
	VolumeLabel string
}

func (o Options) fatCount() uint8 {
	if o.FATCount == 0 {
		return 2
	}
	return o.FATCount
}

func (o Options) sectorsPerCluster() uint8 {
	spc := o.SectorsPerCluster
	if spc == 0 {
		spc = 8
	}
	shift := uint8(0)
	for (1 << shift) < spc {
		shift++
	}
	return 1 << shift
}

const (
	reservedSectorsFAT16 = 1
	reservedSectorsFAT32 = 32
	rootDirEntryCount16  = 512
	bytesPerSector       = 512
)

// geometry mirrors the fields fat.Volume computes at mount time, but as
// outputs of a forward sizing calculation instead of a parse.
type geometry struct {
	fatType             uint8
	sectorsPerCluster   uint8
	clusterSizeShift    uint8
	reservedSectorCount uint16
	fatCount            uint8
	rootDirEntryCount   uint16
	blocksPerFAT        uint32
	fatStartBlock       uint32
	rootDirStartBlock   uint32
	dataStartBlock      uint32
	clusterCount        uint32
	totalBlocks         uint32
	fat32RootCluster    uint32
}

// planGeometry fits a FAT size to totalBlocks by the same iterative
// refinement mkfs.fat uses: guess a FAT size, compute how many clusters
// that leaves room for, check whether the FAT is still big enough to
// address that many clusters, and repeat until it converges.
func planGeometry(totalBlocks uint32, opts Options) (geometry, error) {
	if totalBlocks < 256 {
		return geometry{}, sderr.ErrInvalidArgument.WithMessage("volume too small to format")
	}

	spc := opts.sectorsPerCluster()
	shift := uint8(0)
	for (1 << shift) < spc {
		shift++
	}

	g := geometry{
		sectorsPerCluster: spc,
		clusterSizeShift:  shift,
		fatCount:          opts.fatCount(),
		totalBlocks:       totalBlocks,
	}

	fatType := opts.FATType
	if fatType == 0 {
		estimate := totalBlocks >> shift
		switch {
		case estimate < 4085:
			return geometry{}, sderr.ErrInvalidArgument.WithMessage("volume too small for FAT16 or FAT32")
		case estimate < 65525:
			fatType = 16
		default:
			fatType = 32
		}
	}
	g.fatType = fatType

	if fatType == 16 {
		g.reservedSectorCount = reservedSectorsFAT16
		g.rootDirEntryCount = rootDirEntryCount16
	} else {
		g.reservedSectorCount = reservedSectorsFAT32
		g.rootDirEntryCount = 0
		g.fat32RootCluster = 2
	}

	rootDirSectors := (32*uint32(g.rootDirEntryCount) + bytesPerSector - 1) / bytesPerSector

	entryBytes := uint32(2)
	if fatType == 32 {
		entryBytes = 4
	}

	blocksPerFAT := uint32(1)
	converged := false
	for iter := 0; iter < 32; iter++ {
		dataStart := uint32(g.reservedSectorCount) + uint32(g.fatCount)*blocksPerFAT + rootDirSectors
		if dataStart >= totalBlocks {
			return geometry{}, sderr.ErrInvalidArgument.WithMessage("volume too small for requested FAT layout")
		}
		clusterCount := (totalBlocks - dataStart) >> shift

		neededEntries := clusterCount + 2
		neededBytes := neededEntries * entryBytes
		neededBlocks := (neededBytes + bytesPerSector - 1) / bytesPerSector

		if neededBlocks == blocksPerFAT {
			g.blocksPerFAT = blocksPerFAT
			g.clusterCount = clusterCount
			converged = true
			break
		}
		blocksPerFAT = neededBlocks
	}
	if !converged {
		return geometry{}, sderr.ErrInvalidArgument.WithMessage("FAT sizing did not converge")
	}

	g.fatStartBlock = uint32(g.reservedSectorCount)
	g.rootDirStartBlock = g.fatStartBlock + uint32(g.fatCount)*g.blocksPerFAT
	g.dataStartBlock = g.rootDirStartBlock + rootDirSectors
	return g, nil
}

// Format writes an MBR (if opts.Partitioned), a boot sector, zeroed FAT(s)
// with their reserved entries seeded, and an empty root directory onto w,
// sized to w.TotalBlocks().
func Format(w Writer, opts Options) error {
	totalBlocks := w.TotalBlocks()

	volumeStart := uint32(0)
	if opts.Partitioned {
		volumeStart = 1
	}

	g, err := planGeometry(totalBlocks-volumeStart, opts)
	if err != nil {
		return err
	}

	if opts.Partitioned {
		if err := writeMBR(w, volumeStart, totalBlocks-volumeStart); err != nil {
			return err
		}
	}

	if err := writeBootSector(w, volumeStart, g, opts.VolumeLabel); err != nil {
		return err
	}

	if err := writeZeroedFATs(w, volumeStart, g); err != nil {
		return err
	}

	return writeEmptyRootDir(w, volumeStart, g)
}

func writeZeroedFATs(w Writer, volumeStart uint32, g geometry) error {
	zero := make([]byte, bytesPerSector)
	for i := uint32(0); i < g.blocksPerFAT; i++ {
		for fatN := uint8(0); fatN < g.fatCount; fatN++ {
			block := volumeStart + g.fatStartBlock + uint32(fatN)*g.blocksPerFAT + i
			if err := w.WriteBlock(block, zero, true); err != nil {
				return err
			}
		}
	}
	return seedReservedClusters(w, volumeStart, g)
}

// seedReservedClusters writes the FAT's first two reserved entries (cluster
// 0 carries the media descriptor byte plus EOC padding, cluster 1 an EOC
// marker, matching the spec every FAT implementation follows for these two
// slots) and, for FAT32, marks the root directory's cluster 2 as allocated
// and EOC-terminated.
func seedReservedClusters(w Writer, volumeStart uint32, g geometry) error {
	entryBytes := uint32(2)
	if g.fatType == 32 {
		entryBytes = 4
	}

	buf := make([]byte, entryBytes*3)
	if g.fatType == 16 {
		binary.LittleEndian.PutUint16(buf[0:2], 0xFFF8)
		binary.LittleEndian.PutUint16(buf[2:4], 0xFFFF)
	} else {
		binary.LittleEndian.PutUint32(buf[0:4], 0x0FFFFFF8)
		binary.LittleEndian.PutUint32(buf[4:8], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(buf[8:12], 0x0FFFFFFF) // cluster 2: root dir, EOC
	}

	var block [bytesPerSector]byte
	copy(block[:], buf)

	for fatN := uint8(0); fatN < g.fatCount; fatN++ {
		fatBlockStart := volumeStart + g.fatStartBlock + uint32(fatN)*g.blocksPerFAT
		if err := w.WriteBlock(fatBlockStart, block[:], true); err != nil {
			return err
		}
	}
	return nil
}

func writeEmptyRootDir(w Writer, volumeStart uint32, g geometry) error {
	zero := make([]byte, bytesPerSector)

	if g.fatType == 16 {
		rootDirBlocks := (32*uint32(g.rootDirEntryCount) + bytesPerSector - 1) / bytesPerSector
		for i := uint32(0); i < rootDirBlocks; i++ {
			if err := w.WriteBlock(volumeStart+g.rootDirStartBlock+i, zero, true); err != nil {
				return err
			}
		}
		return nil
	}

	rootClusterBlock := volumeStart + g.dataStartBlock + ((g.fat32RootCluster - 2) << g.clusterSizeShift)
	for i := uint8(0); i < g.sectorsPerCluster; i++ {
		if err := w.WriteBlock(rootClusterBlock+uint32(i), zero, true); err != nil {
			return err
		}
	}
	return nil
}

func writeMBR(w Writer, partitionStart uint32, partitionSectors uint32) error {
	var block [bytesPerSector]byte
	const off = 446
	block[off] = 0x80   // boot flag
	block[off+4] = 0x0C // FAT32 LBA type; harmless for FAT16 readers that ignore it
	binary.LittleEndian.PutUint32(block[off+8:off+12], partitionStart)
	binary.LittleEndian.PutUint32(block[off+12:off+16], partitionSectors)
	block[510] = 0x55
	block[511] = 0xAA
	return w.WriteBlock(0, block[:], true)
}

func writeBootSector(w Writer, volumeStart uint32, g geometry, label string) error {
	var block [bytesPerSector]byte
	bw := bytewriter.New(block[:])

	bw.Write([]byte{0xEB, 0x00, 0x90})
	bw.Write(padTo("SDFAT1.0", 8))
	binary.Write(bw, binary.LittleEndian, uint16(bytesPerSector))
	binary.Write(bw, binary.LittleEndian, g.sectorsPerCluster)
	binary.Write(bw, binary.LittleEndian, g.reservedSectorCount)
	binary.Write(bw, binary.LittleEndian, g.fatCount)
	binary.Write(bw, binary.LittleEndian, g.rootDirEntryCount)

	total16 := uint16(0)
	total32 := uint32(0)
	if g.totalBlocks < 0x10000 {
		total16 = uint16(g.totalBlocks)
	} else {
		total32 = g.totalBlocks
	}
	binary.Write(bw, binary.LittleEndian, total16)
	binary.Write(bw, binary.LittleEndian, uint8(0xF8)) // fixed disk media type

	fat16Size := uint16(0)
	if g.fatType == 16 {
		fat16Size = uint16(g.blocksPerFAT)
	}
	binary.Write(bw, binary.LittleEndian, fat16Size)
	binary.Write(bw, binary.LittleEndian, uint16(0)) // sectors/track, unused by this layer
	binary.Write(bw, binary.LittleEndian, uint16(0)) // head count, unused by this layer
	binary.Write(bw, binary.LittleEndian, uint32(0)) // hidden sectors
	binary.Write(bw, binary.LittleEndian, total32)

	if g.fatType == 32 {
		binary.Write(bw, binary.LittleEndian, g.blocksPerFAT)
		binary.Write(bw, binary.LittleEndian, uint16(0)) // both FATs mirrored, no active selector
		binary.Write(bw, binary.LittleEndian, uint16(0)) // FAT32 version 0.0
		binary.Write(bw, binary.LittleEndian, g.fat32RootCluster)
		binary.Write(bw, binary.LittleEndian, uint16(1)) // FSInfo sector
		binary.Write(bw, binary.LittleEndian, uint16(6)) // backup boot sector
		bw.Write(make([]byte, 12))
	} else {
		bw.Write(make([]byte, 4+2+2+4+2+2+12))
	}

	bw.Write(padTo(label, 11))

	block[510] = 0x55
	block[511] = 0xAA

	return w.WriteBlock(volumeStart, block[:], true)
}

func padTo(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}
