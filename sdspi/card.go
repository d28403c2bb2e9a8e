// Package sdspi implements the SD/SDHC SPI-mode block device: the
// initialization handshake, card-type detection, and single-block
// read/write transactions with the partial-block read state machine.
package sdspi

import (
	"time"

	"github.com/tinyfs/sdfat/hal"
	"github.com/tinyfs/sdfat/sderr"
)

// CardType identifies the addressing and command variant negotiated during
// Init.
type CardType uint8

const (
	TypeUnknown CardType = iota
	TypeSD1
	TypeSD2
	TypeSDHC
)

func (t CardType) String() string {
	switch t {
	case TypeSD1:
		return "SD1"
	case TypeSD2:
		return "SD2"
	case TypeSDHC:
		return "SDHC"
	default:
		return "unknown"
	}
}

// Command bytes, per the SD simplified physical layer spec.
const (
	cmd0   = 0x00 // GO_IDLE_STATE
	cmd8   = 0x08 // SEND_IF_COND
	cmd13  = 0x0D // SEND_STATUS
	cmd17  = 0x11 // READ_SINGLE_BLOCK
	cmd24  = 0x18 // WRITE_SINGLE_BLOCK
	cmd55  = 0x37 // APP_CMD
	cmd58  = 0x3A // READ_OCR
	acmd41 = 0x29 // SD_SEND_OP_COND (application command)
)

const (
	r1ReadyState     = 0x00
	r1IdleState      = 0x01
	r1IllegalCommand = 0x04
	dataStartBlock   = 0xFE
	dataResponseMask = 0x1F
	dataResponseOK   = 0x05
)

// Timeouts, as spec'd: bounded busy-wait loops driven by the host clock
// rather than a fixed iteration count, since SPI transfer rate varies by
// platform.
const (
	ReadTimeout  = 300 * time.Millisecond
	WriteTimeout = 600 * time.Millisecond
	InitTimeout  = 2000 * time.Millisecond
	EraseTimeout = 10000 * time.Millisecond
)

// Config configures a Card. ProtectBlockZero (refuse to write LBA 0, the
// MBR) defaults to false like any zero-valued field; callers that want the
// protection set it true explicitly.
type Config struct {
	SPI              hal.SPI
	CS               hal.ChipSelect
	ProtectBlockZero bool
	// Trace, if set, is called with progress messages during Init. Useful on
	// hardware with no attached debugger.
	Trace func(format string, args ...any)
}

// Card holds all per-device state that the reference firmware kept in
// file-scope static variables: card type, the error of the last failed
// operation, and the partial-block read cursor. The last R1 status byte is
// not kept. Multiple Cards may be driven on independent SPI buses.
type Card struct {
	cfg Config

	cardType CardType
	lastErr  error

	reading      bool
	partialBlock bool
	block        uint32
	offset       uint16
}

// NewCard constructs a Card that has not yet been initialized. Call Init
// before any other method.
func NewCard(cfg Config) *Card {
	return &Card{cfg: cfg}
}

// Type returns the card type negotiated by the last successful Init.
func (c *Card) Type() CardType {
	return c.cardType
}

// LastError returns the error that caused the most recent failed operation,
// or nil if the last operation succeeded.
func (c *Card) LastError() error {
	return c.lastErr
}

func (c *Card) trace(format string, args ...any) {
	if c.cfg.Trace != nil {
		c.cfg.Trace(format, args...)
	}
}

func (c *Card) fail(err error) error {
	c.lastErr = err
	c.cfg.CS.Deassert()
	return err
}

func (c *Card) sendByte(b byte) error {
	_, err := c.cfg.SPI.Transfer([]byte{b})
	return err
}

func (c *Card) getResponse() (byte, error) {
	rx, err := c.cfg.SPI.Transfer([]byte{0xFF})
	if err != nil {
		return 0, err
	}
	return rx[0], nil
}

func (c *Card) readInto(dst []byte) error {
	for i := range dst {
		dst[i] = 0xFF
	}
	rx, err := c.cfg.SPI.Transfer(dst)
	if err != nil {
		return err
	}
	copy(dst, rx)
	return nil
}

// Init runs the SD SPI initialization handshake described in spec.md §4.1:
// card wake-up, CMD0 until idle, CMD8 to distinguish SD1 from SD2, ACMD41
// until ready, and (for SD2) CMD58 to detect SDHC via the CCS bit.
func (c *Card) Init() error {
	c.reading = false
	c.offset = 0
	c.partialBlock = false

	if setter, ok := c.cfg.SPI.(hal.BaudSetter); ok {
		if err := setter.SetBaud(250_000); err != nil {
			return c.fail(sderr.ErrIOFailed.WrapError(err))
		}
	}

	c.cfg.CS.Deassert()
	// at least 74 dummy clocks with CS high, MOSI high.
	for i := 0; i < 10; i++ {
		if err := c.sendByte(0xFF); err != nil {
			return c.fail(sderr.ErrIOFailed.WrapError(err))
		}
	}

	c.cfg.CS.Assert()

	deadline := time.Now().Add(InitTimeout)
	var status byte
	var err error
	for {
		status, err = c.cardCommand(cmd0, 0)
		if err != nil {
			return c.fail(err)
		}
		if status == r1IdleState {
			break
		}
		if time.Now().After(deadline) {
			return c.fail(sderr.ErrCmd0Timeout)
		}
	}
	c.trace("sdspi: CMD0 idle")

	status, err = c.cardCommand(cmd8, 0x1AA)
	if err != nil {
		return c.fail(err)
	}
	if status&r1IllegalCommand != 0 {
		c.cardType = TypeSD1
		c.trace("sdspi: CMD8 illegal, card is SD1")
	} else {
		var last byte
		for i := 0; i < 4; i++ {
			last, err = c.getResponse()
			if err != nil {
				return c.fail(sderr.ErrIOFailed.WrapError(err))
			}
		}
		if last != 0xAA {
			return c.fail(sderr.ErrCmd8Rejected.WithMessage("echo pattern mismatch"))
		}
		c.cardType = TypeSD2
		c.trace("sdspi: CMD8 OK, card is SD2")
	}

	var arg uint32
	if c.cardType == TypeSD2 {
		arg = 0x40000000
	}

	deadline = time.Now().Add(InitTimeout)
	for {
		status, err = c.cardAcmd(acmd41, arg)
		if err != nil {
			return c.fail(err)
		}
		if status == r1ReadyState {
			break
		}
		if time.Now().After(deadline) {
			return c.fail(sderr.ErrBadCSD.WithMessage("ACMD41 did not become ready"))
		}
	}
	c.trace("sdspi: ACMD41 ready")

	if c.cardType == TypeSD2 {
		if _, err := c.cardCommand(cmd58, 0); err != nil {
			return c.fail(err)
		}
		ocr0, err := c.getResponse()
		if err != nil {
			return c.fail(sderr.ErrIOFailed.WrapError(err))
		}
		if ocr0&0xC0 == 0xC0 {
			c.cardType = TypeSDHC
			c.trace("sdspi: CCS set, card is SDHC")
		}
		for i := 0; i < 3; i++ {
			if _, err := c.getResponse(); err != nil {
				return c.fail(sderr.ErrIOFailed.WrapError(err))
			}
		}
	}

	c.cfg.CS.Deassert()
	c.lastErr = nil
	return nil
}

// cardCommand issues a full 6-byte command frame and polls for a response
// byte whose high bit is clear.
func (c *Card) cardCommand(cmd uint8, arg uint32) (byte, error) {
	if err := c.flush(); err != nil {
		return 0, err
	}

	c.cfg.CS.Assert()
	if _, err := c.waitNotBusy(300 * time.Millisecond); err != nil {
		return 0, sderr.ErrIOFailed.WrapError(err)
	}

	frame := [6]byte{
		cmd | 0x40,
		byte(arg >> 24),
		byte(arg >> 16),
		byte(arg >> 8),
		byte(arg),
		0xFF,
	}
	switch cmd {
	case cmd0:
		frame[5] = 0x95
	case cmd8:
		frame[5] = 0x87
	}

	if _, err := c.cfg.SPI.Transfer(frame[:]); err != nil {
		return 0, sderr.ErrIOFailed.WrapError(err)
	}

	var status byte
	var err error
	for i := 0; i < 0xFF; i++ {
		status, err = c.getResponse()
		if err != nil {
			return 0, sderr.ErrIOFailed.WrapError(err)
		}
		if status&0x80 == 0 {
			break
		}
	}
	return status, nil
}

func (c *Card) cardAcmd(cmd uint8, arg uint32) (byte, error) {
	if _, err := c.cardCommand(cmd55, 0); err != nil {
		return 0, err
	}
	return c.cardCommand(cmd, arg)
}

// flush consumes whatever remains of an in-progress partial-block read
// (remaining data bytes plus the 2-byte CRC) and raises CS, matching the
// reference's flush().
func (c *Card) flush() error {
	if !c.reading {
		return nil
	}
	for c.offset < 514 {
		if _, err := c.getResponse(); err != nil {
			return sderr.ErrIOFailed.WrapError(err)
		}
		c.offset++
	}
	c.cfg.CS.Deassert()
	c.reading = false
	return nil
}

func (c *Card) waitStartBlock() error {
	deadline := time.Now().Add(ReadTimeout)
	for {
		status, err := c.getResponse()
		if err != nil {
			return c.fail(sderr.ErrIOFailed.WrapError(err))
		}
		if status != 0xFF {
			if status != dataStartBlock {
				return c.fail(sderr.ErrReadTimeout.WithMessage("bad data token"))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return c.fail(sderr.ErrReadTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitNotBusy polls until the card returns 0xFF (not busy) or timeout
// elapses.
func (c *Card) waitNotBusy(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.getResponse()
		if err != nil {
			return false, err
		}
		if status == 0xFF {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// ReadBlock reads one full 512-byte block into dst.
func (c *Card) ReadBlock(lba uint32, dst []byte) error {
	return c.ReadData(lba, 0, 512, dst)
}

// ReadData implements the partial-block read state machine from spec.md
// §4.1: a read may be left mid-block with reading=true and offset pointing
// at the next unread byte; a subsequent call for the same block advances
// without reissuing CMD17 as long as the requested offset is at or past
// the tracked offset.
func (c *Card) ReadData(block uint32, offset uint16, count uint16, dst []byte) error {
	if count == 0 {
		c.lastErr = nil
		return nil
	}
	if uint32(count)+uint32(offset) > 512 {
		return c.fail(sderr.ErrArgumentOutOfRange.WithMessage("count+offset exceeds block size"))
	}

	if !c.reading || block != c.block || offset < c.offset {
		c.block = block

		addr := block
		if c.cardType != TypeSDHC {
			addr <<= 9
		}
		status, err := c.cardCommand(cmd17, addr)
		if err != nil {
			return c.fail(err)
		}
		if status != 0 {
			return c.fail(sderr.ErrReadTimeout.WithMessage("CMD17 rejected"))
		}
		if err := c.waitStartBlock(); err != nil {
			return err
		}
		c.offset = 0
		c.reading = true
	}

	// Per open question #4: the skip loop runs whenever the tracked offset
	// trails the requested offset, whether this is a fresh CMD17 (tracked
	// offset starts at 0) or a continuation of an already-open transaction
	// that's jumping forward within the same block.
	for ; c.offset < offset; c.offset++ {
		if _, err := c.getResponse(); err != nil {
			return c.fail(sderr.ErrIOFailed.WrapError(err))
		}
	}

	if err := c.readInto(dst[:count]); err != nil {
		return c.fail(sderr.ErrIOFailed.WrapError(err))
	}
	c.offset += count

	// Open question #2: the reference's readData falls off the end of its
	// condition without an explicit return when the branch above is
	// skipped; this always returns success here.
	if !c.partialBlock || c.offset >= 512 {
		if err := c.flush(); err != nil {
			return c.fail(err)
		}
	}
	c.lastErr = nil
	return nil
}

// SetPartialBlock controls whether ReadData leaves the SPI transaction open
// after a short read, so a following read of the same block can continue
// without reissuing CMD17.
func (c *Card) SetPartialBlock(v bool) {
	c.partialBlock = v
}

// WriteBlock writes one full 512-byte block. If blocking is true, WriteBlock
// waits for the card to finish programming and confirms success via CMD13
// before returning.
func (c *Card) WriteBlock(lba uint32, src []byte, blocking bool) error {
	if c.cfg.ProtectBlockZero && lba == 0 {
		return c.fail(sderr.ErrWriteBlockZero)
	}

	addr := lba
	if c.cardType != TypeSDHC {
		addr <<= 9
	}
	status, err := c.cardCommand(cmd24, addr)
	if err != nil {
		return c.fail(err)
	}
	if status != 0 {
		return c.fail(sderr.ErrWriteTimeout.WithMessage("CMD24 rejected"))
	}

	if err := c.writeData(src); err != nil {
		return err
	}

	if blocking {
		ok, err := c.waitNotBusy(WriteTimeout)
		if err != nil {
			return c.fail(sderr.ErrIOFailed.WrapError(err))
		}
		if !ok {
			return c.fail(sderr.ErrWriteTimeout)
		}

		status, err := c.cardCommand(cmd13, 0)
		if err != nil {
			return c.fail(err)
		}
		second, err := c.getResponse()
		if err != nil {
			return c.fail(sderr.ErrIOFailed.WrapError(err))
		}
		if status != 0 || second != 0 {
			return c.fail(sderr.ErrWriteProgramming)
		}
	}

	c.cfg.CS.Deassert()
	c.lastErr = nil
	return nil
}

// writeData transmits the data-start-block token and a full 512-byte block
// plus a 2-byte (dummy) CRC, and checks the data response token. This
// implements the full write framing the reference left unfinished (open
// question #3): the original only padded and polled status without ever
// sending the token or the payload.
func (c *Card) writeData(src []byte) error {
	if len(src) != 512 {
		return c.fail(sderr.ErrInvalidArgument.WithMessage("block must be 512 bytes"))
	}

	if err := c.sendByte(0xFF); err != nil {
		return c.fail(sderr.ErrIOFailed.WrapError(err))
	}
	if err := c.sendByte(0xFF); err != nil {
		return c.fail(sderr.ErrIOFailed.WrapError(err))
	}
	if err := c.sendByte(dataStartBlock); err != nil {
		return c.fail(sderr.ErrIOFailed.WrapError(err))
	}
	if _, err := c.cfg.SPI.Transfer(src); err != nil {
		return c.fail(sderr.ErrIOFailed.WrapError(err))
	}
	// dummy CRC, not verified by the card in SPI mode unless CRC checking
	// was explicitly enabled.
	if err := c.sendByte(0xFF); err != nil {
		return c.fail(sderr.ErrIOFailed.WrapError(err))
	}
	if err := c.sendByte(0xFF); err != nil {
		return c.fail(sderr.ErrIOFailed.WrapError(err))
	}

	status, err := c.getResponse()
	if err != nil {
		return c.fail(sderr.ErrIOFailed.WrapError(err))
	}
	if status&dataResponseMask != dataResponseOK {
		return c.fail(sderr.ErrWriteProgramming.WithMessage("data response rejected"))
	}
	return nil
}
