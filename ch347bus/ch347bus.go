// Package ch347bus adapts a CH347 high-speed USB bridge (HIDAPI mode) to
// the w25q.Bus transport contract, for host-side flash programming.
//
// The CH347 exposes its SPI interface on the second hidraw device
// (ID 1a86:55dc). Typical setup:
//
//	path, err := ch347bus.DevicePath()
//	dev, err := hid.OpenPath(path)
//	bus, err := ch347bus.New(&ch347.IO{Dev: dev})
//	flash, err := w25q.Init(bus, w25q.Config{Delayer: w25q.DelayerFunc(time.Sleep)})
//
// Wiring: SCS0->CS, SCK->CLK, MOSI->DI, MISO->DO, 3.3V->VCC, GND->GND.
package ch347bus

import (
	"errors"

	"github.com/serfreeman1337/go-ch347"
	"github.com/sstallion/go-hid"

	"github.com/soypat/w25q"
)

// spiio is the subset of *ch347.IO the bus drives. It exists so tests
// can substitute a recorder.
type spiio interface {
	SPI(w, r []byte) error
	SetCS(enable bool) error
}

var errNoIO = errors.New("ch347bus: nil IO")

// Bus implements w25q.Bus over a CH347 SPI interface. The adapter does
// not tie CS to individual transfers, which is what lets a multi-segment
// transaction stay framed as one: CS is asserted once, every segment is
// shifted, then CS is released.
type Bus struct {
	io spiio
}

// New returns a Bus over io and configures the SPI interface for mode 0,
// MSB first at 1.875MHz, a clock every 25-series chip accepts. Callers
// wanting a faster clock can reconfigure io afterwards; in practice
// W25Q32 parts worked at 30MHz and 1.875MHz but not in between.
func New(io *ch347.IO) (*Bus, error) {
	if io == nil {
		return nil, errNoIO
	}
	err := io.SetSPI(ch347.SPIMode0, ch347.SPIClock5, ch347.SPIByteOrderMSB)
	if err != nil {
		return nil, err
	}
	return &Bus{io: io}, nil
}

// Transaction implements w25q.Bus.
func (b *Bus) Transaction(segs ...w25q.Segment) error {
	if err := b.io.SetCS(true); err != nil {
		return err
	}
	var err error
	for _, seg := range segs {
		if seg.Tx != nil {
			err = b.io.SPI(seg.Tx, nil)
		} else {
			err = b.io.SPI(nil, seg.Rx)
		}
		if err != nil {
			break
		}
	}
	// Release CS even on a failed segment so the chip does not keep
	// interpreting stray clocks as part of the aborted instruction.
	if csErr := b.io.SetCS(false); csErr != nil && err == nil {
		err = csErr
	}
	return err
}

// DevicePath locates the hidraw path of the first CH347 SPI interface
// (InterfaceNbr 1; interface 0 is the UART).
// Remember to grant access to the hidraw nodes, e.g.
// `sudo chmod 666 /dev/hidraw*`; numbers show up in dmesg.
func DevicePath() (string, error) {
	const (
		vendorID  = 0x1a86
		productID = 0x55dc
	)
	var devPath string
	hid.Enumerate(vendorID, productID, func(info *hid.DeviceInfo) error {
		if info.ProductStr == "HID To UART+SPI+I2C" && info.InterfaceNbr == 1 {
			devPath = info.Path
		}
		return nil
	})
	if devPath == "" {
		return "", errors.New("ch347bus: no CH347 SPI interface found")
	}
	return devPath, nil
}
