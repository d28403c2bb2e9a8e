package fat

import (
	"io"
	"time"

	"github.com/tinyfs/sdfat/sderr"
)

// Open flags, gnu-style, matching sd_file.h's O_* bit values.
const (
	OReadOnly  = 0x01
	OWriteOnly = 0x02
	ORDWR      = OReadOnly | OWriteOnly
	oAccMode   = OReadOnly | OWriteOnly
	OAppend    = 0x04
	OSync      = 0x08
	OCreate    = 0x10
	OExcl      = 0x20
	OTrunc     = 0x40
)

// Internal per-file housekeeping flags, matching sd_file.h's F_FILE_* bits.
const (
	flagClusterAdded     = 0x20
	flagUnbufferedRead   = 0x40
	flagDirDirty         = 0x80
	persistentFlagsMask  = oAccMode | OSync | OAppend
)

// FileType identifies what kind of directory-tree node a File represents.
type FileType uint8

const (
	TypeClosed FileType = iota
	TypeNormal
	TypeRoot16
	TypeRoot32
	TypeSubdir
)

func (t FileType) isDir() bool { return t >= TypeRoot16 }

// PartialReader is implemented by block devices (sdspi.Card in particular)
// that can read less than a full block directly, continuing an in-progress
// partial-block transaction instead of caching the whole block. File uses it
// opportunistically for unbuffered or whole-block reads.
type PartialReader interface {
	ReadData(block uint32, offset uint16, count uint16, dst []byte) error
}

// File is an open handle on the root directory, a subdirectory, or a
// regular file within a mounted Volume.
type File struct {
	vol *Volume

	fileType FileType
	flags    uint8 // persisted oflag bits: access mode, append, sync
	internal uint8 // flagDirDirty / flagClusterAdded / flagUnbufferedRead

	firstCluster uint32
	fileSize     uint32
	curCluster   uint32
	curPosition  uint32

	dirBlock uint32
	dirIndex uint32

	allocSearchStart uint32

	// OnTimestamp, if set, is consulted by Sync to stamp the directory
	// entry's last-write date/time. If nil, Sync leaves timestamps as-is.
	OnTimestamp func() time.Time
}

func (f *File) isOpen() bool { return f.fileType != TypeClosed }

func (f *File) isFile() bool { return f.fileType == TypeNormal }

func (f *File) isDir() bool { return f.fileType.isDir() }

// OpenRoot opens the volume's root directory for reading.
func OpenRoot(vol *Volume) (*File, error) {
	f := &File{vol: vol}

	switch vol.FATType() {
	case 16:
		f.fileType = TypeRoot16
		f.firstCluster = 0
		f.fileSize = 32 * uint32(vol.RootDirEntryCount())
	case 32:
		f.fileType = TypeRoot32
		f.firstCluster = vol.RootDirStart()
		size, err := vol.ChainSize(f.firstCluster)
		if err != nil {
			return nil, err
		}
		f.fileSize = size
	default:
		return nil, sderr.ErrMountFailed.WithMessage("volume has no recognized FAT type")
	}

	f.flags = OReadOnly
	return f, nil
}

// Open looks up name (an 8.3 short name) as a directory entry of dir and
// returns a handle on it, creating the entry if oflag requests both O_CREAT
// and write access and no match is found.
func (dir *File) Open(name string, oflag uint8) (*File, error) {
	if !dir.isDir() {
		return nil, sderr.ErrInvalidArgument.WithMessage("parent is not a directory")
	}

	rawName, ok := make83Name(name)
	if !ok {
		return nil, sderr.ErrIllegalName
	}

	dir.rewind()

	var emptyIndex uint32
	var emptyBlock uint32
	emptyFound := false

	for dir.curPosition < dir.fileSize {
		index := (dir.curPosition >> 5) & 0xF
		entry, err := dir.readDirEntry()
		if err != nil {
			return nil, err
		}

		switch entry.Name[0] {
		case nameFree, nameDeleted:
			if !emptyFound {
				emptyFound = true
				emptyIndex = index
				emptyBlock = dir.vol.cacheBlockNumber
			}
			if entry.Name[0] == nameFree {
				goto searchDone
			}
		default:
			if entry.Name == rawName {
				if oflag&(OCreate|OExcl) == (OCreate | OExcl) {
					return nil, sderr.ErrAlreadyOpen.WithMessage("file exists and O_CREAT|O_EXCL requested")
				}
				return openCachedEntry(dir.vol, dir.vol.cacheBlockNumber, index, oflag)
			}
		}
	}
searchDone:

	if oflag&(OCreate|OWriteOnly) != (OCreate | OWriteOnly) {
		return nil, sderr.ErrNotOpen.WithMessage("no matching entry and O_CREAT with write access not requested")
	}

	var newBlock uint32
	var newIndex uint32
	if emptyFound {
		newBlock = emptyBlock
		newIndex = emptyIndex
		if err := dir.vol.cacheRawBlock(newBlock, cacheForWrite); err != nil {
			return nil, err
		}
	} else {
		if dir.fileType == TypeRoot16 {
			return nil, sderr.ErrFATExhausted.WithMessage("FAT16 root directory is full")
		}
		if err := dir.addDirCluster(); err != nil {
			return nil, err
		}
		newBlock = dir.vol.cacheBlockNumber
		newIndex = 0
	}

	entryOffset := newIndex * DirentSize
	var blank rawDirent
	blank.Name = rawName
	blank.CreateDate = fatDate(fatEpoch)
	blank.LastAccessDate = blank.CreateDate
	blank.LastWriteDate = blank.CreateDate
	blank.encodeInto(dir.vol.cache[entryOffset : entryOffset+DirentSize])
	dir.vol.cacheSetDirty()

	return openCachedEntry(dir.vol, newBlock, newIndex, oflag)
}

// readDirEntry reads the 32-byte entry at curPosition, advancing curPosition
// by 32 bytes, and returns it decoded. The volume cache ends up holding the
// device block the entry lives in.
func (dir *File) readDirEntry() (rawDirent, error) {
	index := (dir.curPosition >> 5) & 0xF
	var b [1]byte
	n, err := dir.read(b[:])
	if err != nil {
		return rawDirent{}, err
	}
	if n < 1 {
		return rawDirent{}, sderr.ErrUnexpectedEOF
	}
	dir.curPosition += 31

	offset := index * DirentSize
	return decodeDirent(dir.vol.cache[offset : offset+DirentSize]), nil
}

// Dirent is one listable entry of a directory, returned by NextDirent.
type Dirent struct {
	Name  string
	Size  uint32
	IsDir bool
}

// NextDirent scans forward from the current position and returns the next
// live (non-deleted, non-long-name) entry, or io.EOF once the directory is
// exhausted. Callers that want every slot including deleted ones should use
// readDirEntry directly; this is the listing-friendly wrapper ls uses.
func (dir *File) NextDirent() (Dirent, error) {
	if !dir.isDir() {
		return Dirent{}, sderr.ErrInvalidArgument.WithMessage("not a directory")
	}

	for dir.curPosition < dir.fileSize {
		entry, err := dir.readDirEntry()
		if err != nil {
			return Dirent{}, err
		}
		if entry.Name[0] == nameFree {
			return Dirent{}, io.EOF
		}
		if entry.Name[0] == nameDeleted || entry.isLongName() || entry.Attributes&AttrVolumeID != 0 {
			continue
		}
		return Dirent{
			Name:  nameFromRaw(entry.Name),
			Size:  entry.FileSize,
			IsDir: entry.isSubdir(),
		}, nil
	}
	return Dirent{}, io.EOF
}

func openCachedEntry(vol *Volume, dirBlock uint32, dirIndex uint32, oflag uint8) (*File, error) {
	offset := dirIndex * DirentSize
	entry := decodeDirent(vol.cache[offset : offset+DirentSize])

	if entry.Attributes&(AttrReadOnly|AttrDirectory) != 0 {
		if oflag&(OWriteOnly|OTrunc) != 0 {
			return nil, sderr.ErrWrongMode.WithMessage("read-only or directory entry cannot be opened for write")
		}
	}

	f := &File{
		vol:          vol,
		dirBlock:     dirBlock,
		dirIndex:     dirIndex,
		firstCluster: entry.firstCluster(),
	}

	switch {
	case entry.isFile():
		f.fileSize = entry.FileSize
		f.fileType = TypeNormal
	case entry.isSubdir():
		size, err := vol.ChainSize(f.firstCluster)
		if err != nil {
			return nil, err
		}
		f.fileSize = size
		f.fileType = TypeSubdir
	default:
		return nil, sderr.ErrIllegalName.WithMessage("entry is neither a file nor a subdirectory")
	}

	f.flags = oflag & persistentFlagsMask

	if oflag&OTrunc != 0 {
		if err := f.Truncate(0); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *File) rewind() {
	f.curPosition = 0
	f.curCluster = 0
}

func (f *File) blockOfCluster(position uint32) uint32 {
	return (position >> 9) & uint32(f.vol.BlocksPerCluster()-1)
}

// blockForRead resolves the device block and in-block offset for the
// current read position, advancing curCluster across cluster boundaries.
func (f *File) blockForRead() (uint32, uint16, error) {
	offset := uint16(f.curPosition & 0x1FF)

	if f.fileType == TypeRoot16 {
		return f.vol.RootDirStart() + (f.curPosition >> 9), offset, nil
	}

	boc := f.blockOfCluster(f.curPosition)
	if offset == 0 && boc == 0 {
		if f.curPosition == 0 {
			f.curCluster = f.firstCluster
		} else {
			next, err := f.vol.FATGet(f.curCluster)
			if err != nil {
				return 0, 0, err
			}
			f.curCluster = next
		}
	}
	return f.vol.ClusterStartBlock(f.curCluster) + boc, offset, nil
}

// read is the core read loop shared by Read and readDirEntry: clamps to
// fileSize, resolves blocks one at a time, and either bypasses the volume
// cache for whole-block/unbuffered transfers or copies out of the cache.
func (f *File) read(buf []byte) (int, error) {
	if !f.isOpen() || f.flags&OReadOnly == 0 {
		return 0, sderr.ErrWrongMode.WithMessage("file is not open for read")
	}

	nbyte := uint32(len(buf))
	remaining := f.fileSize - f.curPosition
	if nbyte > remaining {
		nbyte = remaining
	}

	toRead := nbyte
	dst := 0
	for toRead > 0 {
		block, offset, err := f.blockForRead()
		if err != nil {
			return dst, err
		}

		n := toRead
		if n > uint32(512-offset) {
			n = uint32(512 - offset)
		}

		unbuffered := f.internal&flagUnbufferedRead != 0
		if (unbuffered || n == 512) && block != f.vol.cacheBlockNumber {
			if pr, ok := f.vol.dev.(PartialReader); ok {
				if err := pr.ReadData(block, offset, uint16(n), buf[dst:dst+int(n)]); err != nil {
					return dst, sderr.ErrIOFailed.WrapError(err)
				}
			} else {
				var full [512]byte
				if err := f.vol.dev.ReadBlock(block, full[:]); err != nil {
					return dst, sderr.ErrIOFailed.WrapError(err)
				}
				copy(buf[dst:dst+int(n)], full[offset:uint32(offset)+n])
			}
		} else {
			if err := f.vol.cacheRawBlock(block, cacheForRead); err != nil {
				return dst, err
			}
			copy(buf[dst:dst+int(n)], f.vol.cache[offset:uint32(offset)+n])
		}

		f.curPosition += n
		dst += int(n)
		toRead -= n
	}
	return dst, nil
}

// Read reads up to len(buf) bytes starting at the current position.
func (f *File) Read(buf []byte) (int, error) {
	return f.read(buf)
}

// ReadByte reads a single byte at the current position and returns it as
// 0..255, advancing the cursor by one. It returns -1 at end of file or on
// any read failure, matching sd_file.c's sd_read(file) single-byte form.
func (f *File) ReadByte() int {
	var b [1]byte
	n, err := f.read(b[:])
	if err != nil || n == 0 {
		return -1
	}
	return int(b[0])
}

// SetUnbufferedRead controls whether Read bypasses the volume's single-slot
// cache for transfers that don't need it, the same F_FILE_UNBUFFERED_READ
// flag the reference firmware exposes.
func (f *File) SetUnbufferedRead(v bool) {
	if v {
		f.internal |= flagUnbufferedRead
	} else {
		f.internal &^= flagUnbufferedRead
	}
}

// Seek moves the read/write cursor to pos, an absolute byte offset.
func (f *File) Seek(pos uint32) error {
	if !f.isOpen() || pos > f.fileSize {
		return sderr.ErrSeekPastEOF
	}

	if f.fileType == TypeRoot16 {
		f.curPosition = pos
		return nil
	}
	if pos == 0 {
		f.curCluster = 0
		f.curPosition = 0
		return nil
	}

	shift := f.vol.ClusterSizeShift() + 9
	nCur := (f.curPosition - 1) >> shift
	nNew := (pos - 1) >> shift

	var hops uint32
	if nNew < nCur || f.curPosition == 0 {
		f.curCluster = f.firstCluster
		hops = nNew
	} else {
		hops = nNew - nCur
	}

	for ; hops > 0; hops-- {
		next, err := f.vol.FATGet(f.curCluster)
		if err != nil {
			return err
		}
		f.curCluster = next
	}
	f.curPosition = pos
	return nil
}

// Write writes len(p) bytes at the current position, extending the file
// (allocating new clusters via allocContiguous as needed) when the write
// runs past the current end of the chain.
func (f *File) Write(p []byte) (int, error) {
	if !f.isOpen() || f.flags&OWriteOnly == 0 {
		return 0, sderr.ErrWrongMode.WithMessage("file is not open for write")
	}
	if f.flags&OAppend != 0 {
		if err := f.Seek(f.fileSize); err != nil {
			return 0, err
		}
	}

	written := 0
	toWrite := len(p)
	for toWrite > 0 {
		offset := uint16(f.curPosition & 0x1FF)
		boc := f.blockOfCluster(f.curPosition)

		if offset == 0 && boc == 0 {
			if f.curPosition == 0 && f.firstCluster == 0 {
				if err := f.addCluster(); err != nil {
					return written, err
				}
			} else if f.curPosition == 0 {
				f.curCluster = f.firstCluster
			} else {
				next, err := f.vol.FATGet(f.curCluster)
				if err != nil {
					return written, err
				}
				if f.vol.IsEOC(next) {
					if err := f.addCluster(); err != nil {
						return written, err
					}
				} else {
					f.curCluster = next
				}
			}
		}

		block := f.vol.ClusterStartBlock(f.curCluster) + boc
		n := toWrite
		if n > int(512-offset) {
			n = int(512 - offset)
		}

		if err := f.vol.cacheRawBlock(block, cacheForWrite); err != nil {
			return written, err
		}
		copy(f.vol.cache[offset:int(offset)+n], p[written:written+n])
		f.vol.cacheSetDirty()

		f.curPosition += uint32(n)
		written += n
		toWrite -= n

		if f.curPosition > f.fileSize {
			f.fileSize = f.curPosition
			f.internal |= flagDirDirty
		}
	}

	if f.flags&OSync != 0 {
		if err := f.Sync(true); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Truncate shrinks the file to length bytes, freeing the cluster chain tail
// beyond it. length must not exceed the current file size.
func (f *File) Truncate(length uint32) error {
	if !f.isFile() || f.flags&OWriteOnly == 0 {
		return sderr.ErrWrongMode.WithMessage("truncate requires a normal file open for write")
	}
	if length > f.fileSize {
		return sderr.ErrArgumentOutOfRange.WithMessage("truncate length exceeds current file size")
	}
	if f.fileSize == 0 {
		return nil
	}

	newPos := f.curPosition
	if newPos > length {
		newPos = length
	}

	if err := f.Seek(length); err != nil {
		return err
	}

	if length == 0 {
		if err := f.freeChain(f.firstCluster); err != nil {
			return err
		}
		f.firstCluster = 0
	} else {
		next, err := f.vol.FATGet(f.curCluster)
		if err != nil {
			return err
		}
		if !f.vol.IsEOC(next) {
			if err := f.freeChain(next); err != nil {
				return err
			}
			if err := f.vol.FATPutEOC(f.curCluster); err != nil {
				return err
			}
		}
	}

	f.fileSize = length
	f.internal |= flagDirDirty

	if err := f.Sync(false); err != nil {
		return err
	}
	return f.Seek(newPos)
}

// freeChain walks the cluster chain starting at head, zeroing every FAT
// entry along the way.
func (f *File) freeChain(head uint32) error {
	c := head
	for {
		next, err := f.vol.FATGet(c)
		if err != nil {
			return err
		}
		if err := f.vol.FATPut(c, 0); err != nil {
			return err
		}
		c = next
		if f.vol.IsEOC(c) {
			return nil
		}
	}
}

// addCluster allocates one new cluster and appends it to the file's chain,
// linking it as the first cluster if the file was empty.
func (f *File) addCluster() error {
	next, err := f.allocContiguous(1, f.curCluster)
	if err != nil {
		return err
	}
	f.curCluster = next

	if f.firstCluster == 0 {
		f.firstCluster = f.curCluster
		f.internal |= flagDirDirty
	}
	f.internal |= flagClusterAdded
	return nil
}

// addDirCluster allocates and zeroes one new cluster for a directory file,
// extending its reported size by one cluster's worth of entries.
func (f *File) addDirCluster() error {
	if err := f.addCluster(); err != nil {
		return err
	}

	block := f.vol.ClusterStartBlock(f.curCluster)
	bpc := f.vol.BlocksPerCluster()
	for i := int(bpc) - 1; i >= 0; i-- {
		if err := f.vol.cacheZeroBlock(block + uint32(i)); err != nil {
			return err
		}
	}

	f.fileSize += 512 << f.vol.ClusterSizeShift()
	return nil
}

// allocContiguous finds count consecutive free clusters, commits them as a
// chain terminated by EOC, and (if curCluster is nonzero) links the existing
// chain's tail to the new run. It returns the first cluster of the new run.
// allocSearchStart is a per-file hint (matching sd_file.h's
// allocSearchStart_ field): each open file remembers its own best guess at
// where free space starts, rather than sharing one hint volume-wide.
func (f *File) allocContiguous(count uint32, curCluster uint32) (uint32, error) {
	v := f.vol
	var bgnCluster uint32
	setStart := false

	if curCluster != 0 {
		bgnCluster = curCluster + 1
	} else {
		bgnCluster = f.allocSearchStartOrDefault()
		setStart = count == 1
	}

	endCluster := bgnCluster
	fatEnd := v.clusterCount + 1

	for n := uint32(0); ; n, endCluster = n+1, endCluster+1 {
		if n >= v.clusterCount {
			return 0, sderr.ErrFATExhausted
		}
		if endCluster > fatEnd {
			bgnCluster, endCluster = 2, 2
		}

		free, err := v.isClusterFree(endCluster)
		if err != nil {
			return 0, err
		}
		if !free {
			bgnCluster = endCluster + 1
			continue
		}
		if endCluster-bgnCluster+1 == count {
			break
		}
	}

	if err := v.FATPutEOC(endCluster); err != nil {
		return 0, err
	}
	for endCluster > bgnCluster {
		if err := v.FATPut(endCluster-1, endCluster); err != nil {
			return 0, err
		}
		endCluster--
	}
	if curCluster != 0 {
		if err := v.FATPut(curCluster, bgnCluster); err != nil {
			return 0, err
		}
	}

	if setStart {
		f.allocSearchStart = bgnCluster + 1
	}
	return bgnCluster, nil
}

func (f *File) allocSearchStartOrDefault() uint32 {
	if f.allocSearchStart < 2 {
		return 2
	}
	return f.allocSearchStart
}

// isClusterFree consults the free-cluster hint first; a hint of "allocated"
// is trusted outright (the hint is updated on every FATPut), but a hint of
// "free" is still double-checked against the FAT, since the hint was seeded
// by a single scan at mount time and nothing re-validates it beyond that.
func (v *Volume) isClusterFree(c uint32) (bool, error) {
	if !v.hint.IsFreeHint(c) {
		return false, nil
	}
	value, err := v.FATGet(c)
	if err != nil {
		return false, err
	}
	return value == 0, nil
}

// cacheDirEntry caches the file's directory block for the given action and
// returns its 32-byte slice within the volume cache.
func (f *File) cacheDirEntry(action int) ([]byte, error) {
	if err := f.vol.cacheRawBlock(f.dirBlock, action); err != nil {
		return nil, err
	}
	offset := f.dirIndex * DirentSize
	return f.vol.cache[offset : offset+DirentSize], nil
}

// Sync writes back a dirty directory entry (size and first-cluster fields,
// plus a timestamp via OnTimestamp if set) and flushes the volume cache.
func (f *File) Sync(blocking bool) error {
	if !f.isOpen() {
		return sderr.ErrNotOpen
	}

	if f.internal&flagDirDirty != 0 {
		raw, err := f.cacheDirEntry(cacheForWrite)
		if err != nil {
			return err
		}
		entry := decodeDirent(raw)

		if !f.isDir() {
			entry.FileSize = f.fileSize
		}
		entry.setFirstCluster(f.firstCluster)

		if f.OnTimestamp != nil {
			t := f.OnTimestamp()
			entry.LastWriteDate = fatDate(t)
			entry.LastWriteTime = fatTimeOfDay(t)
			entry.LastAccessDate = entry.LastWriteDate
		}

		entry.encodeInto(raw)
		f.internal &^= flagDirDirty
	}

	return f.vol.CacheFlush(blocking)
}

// Close syncs and marks the file closed.
func (f *File) Close() error {
	if err := f.Sync(false); err != nil {
		return err
	}
	f.fileType = TypeClosed
	return nil
}
