package w25q

import (
	"errors"
	"time"

	"log/slog"

	"golang.org/x/exp/constraints"
)

// Poll intervals handed to the Delayer on long waits. With no Delayer
// configured the driver re-polls immediately instead.
const (
	initPollInterval  = 10 * time.Millisecond
	erasePollInterval = 100 * time.Millisecond
)

var errNoBus = errors.New("w25q: nil bus")

// Device is the protocol engine for one flash chip. It exclusively owns
// its Bus and holds no cached chip state between calls: every operation
// re-reads the status register rather than trusting a stale local flag.
//
// Device performs no internal locking. Concurrent calls on the same
// Device are undefined; serialize them in the caller, or use one Device
// per owning goroutine.
type Device struct {
	bus    Bus
	delay  Delayer
	logger *slog.Logger
}

// Config configures a Device for Init.
type Config struct {
	// Delayer selects the waiting discipline for long waits (Init
	// backoff, ChipErase completion). When nil the driver re-polls the
	// status register in a tight loop, fully occupying the calling
	// thread; suitable for bare-metal targets with no scheduler. When
	// set, the driver suspends through it between polls.
	Delayer Delayer
	// Logger receives structured driver logs. Nil disables logging.
	Logger *slog.Logger
}

// Init returns a Device once the chip reports itself ready (Busy and the
// write enable latch both clear). There is no attempt cap: a chip that
// never reports ready keeps Init from returning, which is an accepted
// liveness assumption. Bounding the wait is a caller policy.
func Init(bus Bus, cfg Config) (*Device, error) {
	if bus == nil {
		return nil, errNoBus
	}
	d := &Device{bus: bus, delay: cfg.Delayer, logger: cfg.Logger}
	for {
		status, err := d.ReadStatus()
		if err != nil {
			return nil, err
		}
		if !status.Busy() && !status.WriteEnabled() {
			d.debug("init:done", slog.String("status", status.String()))
			return d, nil
		}
		d.warn("init:flash not ready", slog.String("status", status.String()))
		d.sleep(initPollInterval)
	}
}

// Read reads chip contents into buf starting at addr (datasheet 8.2.6).
// A zero-length buf is a valid no-op. buf contents are unspecified on
// error.
//
// addr is not fully decoded by 25-series chips: only 24 bits travel on
// the wire and chips look at the lowest N bits needed for their size, so
// contents are mirrored at multiples of the flash size.
func (d *Device) Read(addr uint32, buf []byte) error {
	if err := d.waitDone(); err != nil {
		return err
	}
	cmd := cmdAddr(opRead, addr)
	return d.transact(Segment{Tx: cmd[:]}, Segment{Rx: buf})
}

// SectorErase erases the 4KB sector containing addr to all 1s, FFh
// (datasheet 8.2.15). addr should be sector-aligned; the driver does not
// enforce it, the chip erases whatever sector the address falls in.
// SectorErase returns once the chip accepts the instruction, without
// waiting for the erase to finish: the leading not-busy wait of the next
// operation picks that up naturally.
func (d *Device) SectorErase(addr uint32) error {
	if err := d.waitDone(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	cmd := cmdAddr(opSectorErase, addr)
	return d.command(cmd[:])
}

// PageProgram programs data at previously erased (FFh) locations
// starting at addr (datasheet 8.2.13). data must fit the page containing
// addr: the driver neither validates nor splits, and oversized payloads
// wrap within the page with chip-defined results. Use PageSize and
// PageBase to chunk larger writes.
func (d *Device) PageProgram(addr uint32, data []byte) error {
	if err := d.waitDone(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	// Soft check only: the instruction is issued regardless.
	if wel, err := d.IsWriteEnabled(); err != nil {
		return err
	} else if !wel {
		d.warn("pageprogram:WEL not set")
	}
	cmd := cmdAddr(opPageProgram, addr)
	return d.transact(Segment{Tx: cmd[:]}, Segment{Tx: data})
}

// ChipErase erases the entire device to all 1s, FFh (datasheet 8.2.18)
// and waits for the erase to complete before returning. The wait polls
// the status register at 100ms intervals through the configured Delayer,
// or spins when none is configured. Chip erase of a 128Mbit part takes
// tens of seconds.
func (d *Device) ChipErase() error {
	if err := d.waitDoneSlow(erasePollInterval); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	start := time.Now()
	if err := d.command([]byte{byte(opChipErase)}); err != nil {
		return err
	}
	if err := d.waitDoneSlow(erasePollInterval); err != nil {
		return err
	}
	d.info("chiperase:done", slog.Duration("took", time.Since(start)))
	return nil
}

// SoftwareReset returns the chip to its power-on state (datasheet 6.4).
// The chip requires the EnableReset and Reset instructions consecutively
// and silently ignores them otherwise; issuing them back to back here
// guarantees no other bus traffic lands in between. The chip takes about
// 30us (tRST) after acceptance, during which no instruction is accepted.
func (d *Device) SoftwareReset() error {
	if err := d.waitDone(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.command([]byte{byte(opEnableReset)}); err != nil {
		return err
	}
	if err := d.waitDone(); err != nil {
		return err
	}
	return d.command([]byte{byte(opReset)})
}

// ReadStatus reads and decodes the status register. The bus clocks one
// byte of latency before the register value, hence the 2-byte response.
func (d *Device) ReadStatus() (Status, error) {
	var resp [2]byte
	err := d.transact(Segment{Tx: []byte{byte(opReadStatus)}}, Segment{Rx: resp[:]})
	if err != nil {
		return 0, err
	}
	return DecodeStatus(resp[1]), nil
}

// IsBusy reads the status register and reports the Busy flag.
func (d *Device) IsBusy() (bool, error) {
	status, err := d.ReadStatus()
	return status.Busy(), err
}

// IsWriteEnabled reads the status register and reports the write enable latch.
func (d *Device) IsWriteEnabled() (bool, error) {
	status, err := d.ReadStatus()
	return status.WriteEnabled(), err
}

// ReadManufacturerDeviceID returns the raw 8-bit manufacturer and device
// IDs. Decoding them into a structured identity is left to the caller.
func (d *Device) ReadManufacturerDeviceID() ([2]byte, error) {
	var resp [2]byte
	err := d.transact(
		Segment{Tx: []byte{byte(opReadMfDevID), 0, 0, 0}},
		Segment{Rx: resp[:]},
	)
	return resp, err
}

// ReadJEDECID returns the raw JEDEC identification bytes. The response
// is read optimistically long (11 bytes); shorter identifiers leave the
// tail zeroed. Decoding is left to the caller.
func (d *Device) ReadJEDECID() ([]byte, error) {
	// First response byte is bus latency, skipped below.
	buf := make([]byte, 12)
	err := d.transact(Segment{Tx: []byte{byte(opReadJEDECID)}}, Segment{Rx: buf})
	if err != nil {
		return nil, err
	}
	return buf[1:], nil
}

// writeEnable sets the write enable latch (datasheet 8.2.1). The chip
// requires it immediately before every mutating instruction.
func (d *Device) writeEnable() error {
	return d.command([]byte{byte(opWriteEnable)})
}

// waitDone re-polls status until Busy clears, with no yield point.
func (d *Device) waitDone() error {
	for {
		busy, err := d.IsBusy()
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
	}
}

// waitDoneSlow re-polls status until Busy clears, suspending through the
// Delayer between polls. With no Delayer it degenerates to waitDone.
func (d *Device) waitDoneSlow(interval time.Duration) error {
	for {
		busy, err := d.IsBusy()
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		d.sleep(interval)
	}
}

func (d *Device) sleep(dur time.Duration) {
	if d.delay != nil {
		d.delay.Delay(dur)
	}
}

// command issues a response-less instruction as a single transaction.
func (d *Device) command(instr []byte) error {
	return d.transact(Segment{Tx: instr})
}

// transact runs one atomic bus transaction, wrapping any bus failure.
func (d *Device) transact(segs ...Segment) error {
	if err := d.bus.Transaction(segs...); err != nil {
		d.logerr("bus:transaction", slog.String("err", err.Error()))
		return &TransportError{Err: err}
	}
	d.trace("bus:transaction", slog.Int("segs", len(segs)))
	return nil
}

// SectorBase returns the base address of the sector containing addr.
func SectorBase(addr uint32) uint32 { return aligndown(addr, uint32(SectorSize)) }

// PageBase returns the base address of the page containing addr.
func PageBase(addr uint32) uint32 { return aligndown(addr, uint32(PageSize)) }

// alignup rounds `val` up to nearest multiple of `align`. `align` must be a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// aligndown rounds `val` down to nearest multiple of `align`. `align` must be a power of 2.
func aligndown[T constraints.Unsigned](val, align T) T {
	return val &^ (align - 1)
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}
