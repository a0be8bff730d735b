//go:build tinygo

package w25q

import "machine"

// spiTx is the subset of machine.SPI the bus drives.
type spiTx interface {
	Tx(w, r []byte) error
}

// MachineBus implements Bus over a TinyGo machine SPI peripheral and a
// GPIO chip select, for a flash chip wired directly to the MCU. The SPI
// peripheral must be configured for mode 0 before use; consult the chip
// datasheet for the supported clock.
type MachineBus struct {
	spi spiTx
	cs  machine.Pin
}

// NewMachineBus configures cs as an output and returns a bus ready for Init.
func NewMachineBus(spi spiTx, cs machine.Pin) *MachineBus {
	cs.Configure(machine.PinConfig{Mode: machine.PinOutput})
	cs.High()
	return &MachineBus{spi: spi, cs: cs}
}

// Transaction keeps CS asserted (low) from the first segment to the last.
func (b *MachineBus) Transaction(segs ...Segment) (err error) {
	b.cs.Low()
	for _, seg := range segs {
		if seg.Tx != nil {
			err = b.spi.Tx(seg.Tx, nil)
		} else {
			err = b.spi.Tx(nil, seg.Rx)
		}
		if err != nil {
			break
		}
	}
	b.cs.High()
	return err
}
