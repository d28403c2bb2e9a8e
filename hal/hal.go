// Package hal declares the peripheral interfaces sdspi needs from the host
// platform. It has no implementation: wiring a real SPI bus and chip-select
// GPIO pin is the caller's responsibility, on whatever board package they're
// using (machine, periph.io, tinygo's drivers, etc).
package hal

// SPI is a full-duplex byte transfer. Implementations are expected to run
// at whatever clock rate the caller configured; sdspi lowers the clock to
// 250 kHz by calling SetBaud at the start of its init handshake, if the
// implementation supports it. sdspi does not change the rate again after
// Init.
type SPI interface {
	// Transfer clocks out tx and simultaneously clocks in len(tx) bytes.
	// Callers that only care about one direction pass a buffer of 0xFF
	// bytes (for read-only transfers) and discard the result (for
	// write-only transfers).
	Transfer(tx []byte) (rx []byte, err error)
}

// BaudSetter is implemented by SPI buses that can change clock speed at
// runtime. sdspi type-asserts for this at the start of the init handshake.
type BaudSetter interface {
	SetBaud(hz uint32) error
}

// ChipSelect drives the SD card's CS line. Assert pulls CS low (card
// selected); Deassert releases it.
type ChipSelect interface {
	Assert()
	Deassert()
}
