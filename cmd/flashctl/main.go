// flashctl reads, writes and erases 25-series SPI NOR flash chips from a
// host machine, over either a CH347 USB bridge (default) or a Linux
// spidev port with a GPIO chip select.
package main

import (
	"fmt"
	"os"
	"time"

	"log/slog"

	"github.com/serfreeman1337/go-ch347"
	"github.com/spf13/cobra"
	"github.com/sstallion/go-hid"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/soypat/w25q"
	"github.com/soypat/w25q/ch347bus"
	"github.com/soypat/w25q/periphbus"
)

var (
	// Connection flags.
	spidevName string
	csPinName  string
	spiHz      int

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "flashctl",
	Short: "SPI NOR flash programmer",
	Long: `flashctl - program 25-series SPI NOR flash chips.

Connection modes:
  CH347 USB bridge (default): first CH347 HID SPI interface found.
  Linux spidev:               --spidev /dev/spidev0.0 --cs GPIO8

The spidev mode needs a dedicated GPIO for chip select; the kernel's own
CS toggling cannot hold the line across a multi-phase instruction.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&spidevName, "spidev", "", "spidev port, e.g. /dev/spidev0.0")
	rootCmd.PersistentFlags().StringVar(&csPinName, "cs", "", "chip select GPIO name (spidev mode)")
	rootCmd.PersistentFlags().IntVar(&spiHz, "hz", 8_000_000, "SPI clock in hertz (spidev mode)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openFlash connects to the flash chip over the selected transport and
// waits for it to report ready.
func openFlash() (dev *w25q.Device, closer func(), err error) {
	var bus w25q.Bus
	if spidevName != "" {
		bus, closer, err = openSpidev()
	} else {
		bus, closer, err = openCH347()
	}
	if err != nil {
		return nil, nil, err
	}
	dev, err = w25q.Init(bus, w25q.Config{
		Delayer: w25q.DelayerFunc(time.Sleep),
		Logger:  logger(),
	})
	if err != nil {
		closer()
		return nil, nil, err
	}
	return dev, closer, nil
}

func openCH347() (w25q.Bus, func(), error) {
	path, err := ch347bus.DevicePath()
	if err != nil {
		return nil, nil, err
	}
	dev, err := hid.OpenPath(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	bus, err := ch347bus.New(&ch347.IO{Dev: &hidWithTimeout{dev}})
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return bus, func() { dev.Close() }, nil
}

// hidWithTimeout guards CH347 reads against interrupted syscalls and
// indefinite blocking, per the go-ch347 package notes.
type hidWithTimeout struct {
	*hid.Device
}

func (d *hidWithTimeout) Read(p []byte) (n int, err error) {
	for {
		n, err = d.Device.ReadWithTimeout(p, 1*time.Second)
		if err == nil || err.Error() != "Interrupted system call" {
			return n, err
		}
	}
}

func openSpidev() (w25q.Bus, func(), error) {
	if csPinName == "" {
		return nil, nil, fmt.Errorf("spidev mode needs --cs")
	}
	if _, err := host.Init(); err != nil {
		return nil, nil, err
	}
	port, err := spireg.Open(spidevName)
	if err != nil {
		return nil, nil, err
	}
	conn, err := port.Connect(physic.Frequency(spiHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	cs := gpioreg.ByName(csPinName)
	if cs == nil {
		port.Close()
		return nil, nil, fmt.Errorf("no GPIO named %q", csPinName)
	}
	return periphbus.New(conn, cs), func() { port.Close() }, nil
}
