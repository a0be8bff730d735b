// Package periphbus adapts a periph.io SPI connection to the w25q.Bus
// transport contract, for flash chips reachable through spidev or an
// FTDI/FT2232-style adapter on Linux hosts.
//
// The chip select must be a dedicated GPIO under this package's control:
// spidev's own per-transfer CS toggling would break the multi-segment
// transaction framing the driver relies on. Typical setup:
//
//	host.Init()
//	port, _ := spireg.Open("/dev/spidev0.0")
//	conn, _ := port.Connect(8*physic.MegaHertz, spi.Mode0, 8)
//	bus := periphbus.New(conn, gpioreg.ByName("GPIO8"))
package periphbus

import (
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"github.com/soypat/w25q"
)

// Bus implements w25q.Bus over a periph.io SPI connection with a GPIO
// chip select.
type Bus struct {
	conn spi.Conn
	cs   gpio.PinIO
}

// New returns a Bus driving conn framed by cs. cs is driven high
// (deasserted) immediately.
func New(conn spi.Conn, cs gpio.PinIO) *Bus {
	cs.Out(gpio.High)
	return &Bus{conn: conn, cs: cs}
}

// Transaction implements w25q.Bus, holding cs low for all segments.
func (b *Bus) Transaction(segs ...w25q.Segment) (err error) {
	if err = b.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := b.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	for _, seg := range segs {
		if seg.Tx != nil {
			err = b.conn.Tx(seg.Tx, nil)
		} else if len(seg.Rx) != 0 {
			err = b.conn.Tx(nil, seg.Rx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
