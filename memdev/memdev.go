// Package memdev provides fat.BlockDevice implementations backed by an
// in-memory byte slice or an *os.File, for tests and the sdfatutil CLI that
// don't have real SPI hardware to drive.
package memdev

import (
	"io"
	"os"

	"github.com/xaionaro-go/bytesextra"

	"github.com/tinyfs/sdfat/sderr"
)

const blockSize = 512

// Device wraps any io.ReadWriteSeeker as a 512-byte block device, the same
// seek-then-read/write shape as blockcache.WrapStream's read/write
// callbacks use against their backing stream.
type Device struct {
	stream      io.ReadWriteSeeker
	totalBlocks uint32
}

// NewSliceDevice wraps storage (already sized to a whole number of blocks)
// as a Device, the same adaptation blockcache.WrapSlice performs via
// bytesextra.NewReadWriteSeeker.
func NewSliceDevice(storage []byte) *Device {
	return &Device{
		stream:      bytesextra.NewReadWriteSeeker(storage),
		totalBlocks: uint32(len(storage) / blockSize),
	}
}

// NewFileDevice wraps an open file as a Device. The file's current size
// (rounded down to a whole number of blocks) becomes the device's block
// count.
func NewFileDevice(f *os.File) (*Device, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, sderr.ErrIOFailed.WrapError(err)
	}
	return &Device{stream: f, totalBlocks: uint32(size / blockSize)}, nil
}

// TotalBlocks returns the number of addressable 512-byte blocks.
func (d *Device) TotalBlocks() uint32 {
	return d.totalBlocks
}

func (d *Device) seekToBlock(lba uint32) error {
	if lba >= d.totalBlocks {
		return sderr.ErrArgumentOutOfRange.WithMessage("block number out of range")
	}
	_, err := d.stream.Seek(int64(lba)*blockSize, io.SeekStart)
	if err != nil {
		return sderr.ErrIOFailed.WrapError(err)
	}
	return nil
}

// ReadBlock implements fat.BlockDevice.
func (d *Device) ReadBlock(lba uint32, dst []byte) error {
	if len(dst) != blockSize {
		return sderr.ErrInvalidArgument.WithMessage("destination buffer must be 512 bytes")
	}
	if err := d.seekToBlock(lba); err != nil {
		return err
	}
	if _, err := io.ReadFull(d.stream, dst); err != nil {
		return sderr.ErrIOFailed.WrapError(err)
	}
	return nil
}

// WriteBlock implements fat.BlockDevice. blocking is accepted for interface
// parity with sdspi.Card.WriteBlock but has no effect here: writes to the
// backing stream are synchronous.
func (d *Device) WriteBlock(lba uint32, src []byte, blocking bool) error {
	if len(src) != blockSize {
		return sderr.ErrInvalidArgument.WithMessage("source buffer must be 512 bytes")
	}
	if err := d.seekToBlock(lba); err != nil {
		return err
	}
	if _, err := d.stream.Write(src); err != nil {
		return sderr.ErrIOFailed.WrapError(err)
	}
	return nil
}
