package fat

import (
	"math"

	"github.com/tinyfs/sdfat/cluster"
	"github.com/tinyfs/sdfat/sderr"
)

// Cache action flags, passed to cacheRawBlock: whether the caller only needs
// to read the cached block, or intends to modify it.
const (
	cacheForRead  = 0
	cacheForWrite = 1
)

// FAT end-of-chain sentinels, per sd_volume.h.
const (
	fat16EOCMin = 0xFFF8
	fat32EOCMin = 0x0FFFFFF8
	fat32Mask   = 0x0FFFFFFF
	fat32EOC    = 0x0FFFFFFF
)

const noCachedBlock = math.MaxUint32

// MountOptions controls which MBR partition slot Mount tries.
type MountOptions struct {
	// Partition selects an MBR slot (1-4). If zero, Mount tries partition 1
	// first and falls back to treating the whole device as an unpartitioned
	// (superfloppy) volume, the same order as sd_volume_init.
	Partition int
}

// Volume is a mounted FAT16 or FAT32 file system on top of a BlockDevice.
type Volume struct {
	dev BlockDevice

	fatType           uint8 // 16 or 32
	fatCount          uint8
	blocksPerCluster  uint8
	clusterSizeShift  uint8
	blocksPerFAT      uint32
	fatStartBlock     uint32
	rootDirEntryCount uint16
	rootDirStart      uint32 // FAT16: directory start block. FAT32: root cluster number.
	dataStartBlock    uint32
	clusterCount      uint32
	volumeStartBlock  uint32
	partition         uint8

	cache            [512]byte
	cacheBlockNumber uint32
	cacheDirty       bool
	cacheMirrorBlock uint32

	hint *cluster.FreeHint
}

// Mount reads the MBR (if any) and BPB from dev and returns a mounted
// Volume. It mirrors sd_volume_init's two-pass strategy: try MBR partition 1
// first, then fall back to an unpartitioned whole-device volume.
func Mount(dev BlockDevice, opts MountOptions) (*Volume, error) {
	if opts.Partition != 0 {
		return mountPartition(dev, opts.Partition)
	}
	if v, err := mountPartition(dev, 1); err == nil {
		return v, nil
	}
	return mountPartition(dev, 0)
}

func mountPartition(dev BlockDevice, partition int) (*Volume, error) {
	v := &Volume{
		dev:              dev,
		cacheBlockNumber: noCachedBlock,
	}

	volumeStartBlock := uint32(0)

	if partition > 0 {
		if err := v.cacheRawBlock(0, cacheForRead); err != nil {
			return nil, err
		}
		entry := readPartitionEntry(v.cache[:], partition)
		if entry.Boot&0x7F != 0 || entry.TotalSectors < 100 || entry.FirstSector == 0 {
			return nil, sderr.ErrMountFailed.WithMessage("no valid MBR partition in requested slot")
		}
		volumeStartBlock = entry.FirstSector
	}

	if err := v.cacheRawBlock(volumeStartBlock, cacheForRead); err != nil {
		return nil, err
	}

	bs, err := parseBootSector(v.cache[:])
	if err != nil {
		return nil, err
	}
	if err := validateBootSector(bs); err != nil {
		return nil, err
	}

	v.volumeStartBlock = volumeStartBlock
	v.partition = uint8(partition)
	v.fatCount = bs.FATCount
	v.blocksPerCluster = bs.SectorsPerCluster

	v.clusterSizeShift = 0
	for v.blocksPerCluster != (1 << v.clusterSizeShift) {
		v.clusterSizeShift++
		if v.clusterSizeShift > 7 {
			return nil, sderr.ErrFileSystemCorrupted.WithMessage("SectorsPerCluster is not a power of 2")
		}
	}

	if bs.SectorsPerFAT16 != 0 {
		v.blocksPerFAT = uint32(bs.SectorsPerFAT16)
	} else {
		v.blocksPerFAT = bs.SectorsPerFAT32
	}

	v.fatStartBlock = volumeStartBlock + uint32(bs.ReservedSectorCount)
	v.rootDirEntryCount = bs.RootDirEntryCount
	v.rootDirStart = v.fatStartBlock + uint32(bs.FATCount)*v.blocksPerFAT
	v.dataStartBlock = v.rootDirStart + (32*uint32(bs.RootDirEntryCount)+511)/512

	totalBlocks := uint32(bs.TotalSectors16)
	if totalBlocks == 0 {
		totalBlocks = bs.TotalSectors32
	}

	v.clusterCount = (totalBlocks - (v.dataStartBlock - volumeStartBlock)) >> v.clusterSizeShift

	switch {
	case v.clusterCount < 4085:
		return nil, sderr.ErrNotSupported.WithMessage("FAT12 volumes are not supported")
	case v.clusterCount < 65525:
		v.fatType = 16
	default:
		v.fatType = 32
		v.rootDirStart = bs.FAT32RootCluster
	}

	v.hint = cluster.New(v.clusterCount)
	if err := v.scanFreeHint(); err != nil {
		return nil, err
	}

	return v, nil
}

// scanFreeHint performs the one linear FAT pass that seeds the free-cluster
// bitmap accelerator, so allocContiguous's search starts warm instead of
// cold on every call.
func (v *Volume) scanFreeHint() error {
	for c := uint32(2); c <= v.clusterCount+1; c++ {
		value, err := v.FATGet(c)
		if err != nil {
			return err
		}
		if value == 0 {
			v.hint.MarkFree(c)
		} else {
			v.hint.MarkAllocated(c)
		}
	}
	return nil
}

// FATType returns 16 or 32.
func (v *Volume) FATType() uint8 { return v.fatType }

// RootDirEntryCount returns the fixed root directory entry count (FAT16) or
// zero (FAT32, where the root directory is an ordinary cluster chain).
func (v *Volume) RootDirEntryCount() uint16 { return v.rootDirEntryCount }

// RootDirStart returns the FAT16 root directory's start block, or the
// FAT32 root directory's first cluster number.
func (v *Volume) RootDirStart() uint32 { return v.rootDirStart }

func (v *Volume) clusterSize() uint32 {
	return 512 << v.clusterSizeShift
}

// ClusterStartBlock returns the first device block of cluster.
func (v *Volume) ClusterStartBlock(c uint32) uint32 {
	return v.dataStartBlock + ((c - 2) << v.clusterSizeShift)
}

// BlocksPerCluster returns the number of 512-byte blocks in one cluster.
func (v *Volume) BlocksPerCluster() uint8 { return v.blocksPerCluster }

// ClusterSizeShift returns log2(BlocksPerCluster).
func (v *Volume) ClusterSizeShift() uint8 { return v.clusterSizeShift }

// IsEOC reports whether cluster is an end-of-chain marker.
func (v *Volume) IsEOC(c uint32) bool {
	if v.fatType == 16 {
		return c >= fat16EOCMin
	}
	return c >= fat32EOCMin
}

// ChainSize walks the cluster chain starting at head and returns its total
// size in bytes, mirroring chainSize's do-while walk: the cluster passed in
// is counted, and the walk continues until the cluster it points to is EOC.
func (v *Volume) ChainSize(head uint32) (uint32, error) {
	size := uint32(0)
	c := head
	for {
		next, err := v.FATGet(c)
		if err != nil {
			return 0, err
		}
		size += v.clusterSize()
		c = next
		if v.IsEOC(c) {
			break
		}
	}
	return size, nil
}

// cacheRawBlock ensures block is the currently cached block, flushing any
// dirty cached block first. action marks the newly-cached block dirty when
// it's cacheForWrite; cacheForRead leaves dirtiness untouched.
func (v *Volume) cacheRawBlock(block uint32, action int) error {
	if v.cacheBlockNumber != block {
		if err := v.cacheFlushNonBlocking(); err != nil {
			return err
		}
		if err := v.dev.ReadBlock(block, v.cache[:]); err != nil {
			return sderr.ErrIOFailed.WrapError(err)
		}
		v.cacheBlockNumber = block
	}
	if action == cacheForWrite {
		v.cacheDirty = true
	}
	return nil
}

// cacheSetDirty marks the currently cached block dirty without reading or
// changing which block is cached, used after in-place edits to v.cache.
func (v *Volume) cacheSetDirty() {
	v.cacheDirty = true
}

func (v *Volume) cacheFlushNonBlocking() error {
	return v.CacheFlush(false)
}

// CacheFlush writes the cached block back if dirty. Per the decision
// recorded for this layer, a failed write always propagates as an error
// even when blocking is false: unlike the reference firmware (which only
// checked mirror-flush failure when blocking), silently dropping a failed
// non-blocking write would corrupt the volume without any signal to the
// caller.
func (v *Volume) CacheFlush(blocking bool) error {
	if !v.cacheDirty {
		return nil
	}
	if err := v.dev.WriteBlock(v.cacheBlockNumber, v.cache[:], blocking); err != nil {
		return sderr.ErrIOFailed.WrapError(err)
	}
	if err := v.cacheMirrorBlockFlush(blocking); err != nil {
		return err
	}
	v.cacheDirty = false
	return nil
}

func (v *Volume) cacheMirrorBlockFlush(blocking bool) error {
	if v.cacheMirrorBlock == 0 {
		return nil
	}
	if err := v.dev.WriteBlock(v.cacheMirrorBlock, v.cache[:], blocking); err != nil {
		return sderr.ErrIOFailed.WrapError(err)
	}
	v.cacheMirrorBlock = 0
	return nil
}

// cacheZeroBlock flushes any dirty cached block, then installs block as the
// cached block filled with zeroes and marks it dirty, without reading it
// from the device first (used to initialize a freshly allocated cluster).
func (v *Volume) cacheZeroBlock(block uint32) error {
	if err := v.cacheFlushNonBlocking(); err != nil {
		return err
	}
	for i := range v.cache {
		v.cache[i] = 0
	}
	v.cacheBlockNumber = block
	v.cacheSetDirty()
	return nil
}

// fatEntryBlock returns the FAT block containing cluster's entry.
func (v *Volume) fatEntryBlock(c uint32) uint32 {
	if v.fatType == 16 {
		return v.fatStartBlock + (c >> 8)
	}
	return v.fatStartBlock + (c >> 7)
}

// FATGet returns the FAT entry for cluster c: the next cluster in its chain,
// 0 if c is free, or an EOC value.
func (v *Volume) FATGet(c uint32) (uint32, error) {
	if c > v.clusterCount+1 {
		return 0, sderr.ErrArgumentOutOfRange.WithMessage("cluster number beyond end of FAT")
	}
	lba := v.fatEntryBlock(c)
	if lba != v.cacheBlockNumber {
		if err := v.cacheRawBlock(lba, cacheForRead); err != nil {
			return 0, err
		}
	}
	if v.fatType == 16 {
		idx := (c & 0xFF) * 2
		return uint32(v.cache[idx]) | uint32(v.cache[idx+1])<<8, nil
	}
	idx := (c & 0x7F) * 4
	value := uint32(v.cache[idx]) | uint32(v.cache[idx+1])<<8 |
		uint32(v.cache[idx+2])<<16 | uint32(v.cache[idx+3])<<24
	return value & fat32Mask, nil
}

// FATPut stores value as the FAT entry for cluster c, and schedules the
// mirrored second FAT copy (if any) to be written out on the next flush.
func (v *Volume) FATPut(c uint32, value uint32) error {
	if c < 2 {
		return sderr.ErrInvalidArgument.WithMessage("cluster 0 and 1 are reserved")
	}
	if c > v.clusterCount+1 {
		return sderr.ErrArgumentOutOfRange.WithMessage("cluster number beyond end of FAT")
	}

	lba := v.fatEntryBlock(c)
	if lba != v.cacheBlockNumber {
		if err := v.cacheRawBlock(lba, cacheForRead); err != nil {
			return err
		}
	}

	if v.fatType == 16 {
		idx := (c & 0xFF) * 2
		v.cache[idx] = byte(value)
		v.cache[idx+1] = byte(value >> 8)
	} else {
		idx := (c & 0x7F) * 4
		v.cache[idx] = byte(value)
		v.cache[idx+1] = byte(value >> 8)
		v.cache[idx+2] = byte(value >> 16)
		v.cache[idx+3] = byte(value >> 24)
	}
	v.cacheSetDirty()

	if v.fatCount > 1 {
		v.cacheMirrorBlock = lba + v.blocksPerFAT
	}

	if value == 0 {
		v.hint.MarkFree(c)
	} else {
		v.hint.MarkAllocated(c)
	}
	return nil
}

// FATPutEOC marks cluster c as the end of its chain.
func (v *Volume) FATPutEOC(c uint32) error {
	return v.FATPut(c, fat32EOC)
}
