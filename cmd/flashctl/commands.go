package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soypat/w25q"
)

var (
	flagAddr uint32
	flagSize uint32
	flagChip bool
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Read chip identification",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()
		mfdev, err := dev.ReadManufacturerDeviceID()
		if err != nil {
			return err
		}
		jedec, err := dev.ReadJEDECID()
		if err != nil {
			return err
		}
		fmt.Printf("manufacturer/device: %02x %02x\n", mfdev[0], mfdev[1])
		fmt.Printf("jedec id:            %02x %02x %02x\n", jedec[0], jedec[1], jedec[2])
		if size := capacityBytes(jedec); size > 0 {
			fmt.Printf("capacity:            %d bytes\n", size)
		}
		return nil
	},
}

// capacityBytes decodes the JEDEC capacity byte (log2 of the size) into
// bytes. Returns 0 for values no real 25-series chip reports.
func capacityBytes(jedec []byte) int64 {
	n := jedec[2]
	if n < 0x10 || n > 0x20 {
		return 0
	}
	return 1 << n
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read the status register",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()
		status, err := dev.ReadStatus()
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <file>",
	Short: "Read flash contents to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSize == 0 {
			return fmt.Errorf("--size is required for read")
		}
		dev, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()
		buf := make([]byte, flagSize)
		if err := dev.Read(flagAddr, buf); err != nil {
			return err
		}
		return os.WriteFile(args[0], buf, 0o666)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <file>",
	Short: "Erase affected sectors and program a file into flash",
	Long: `Write erases every sector the file touches, then programs the file
page by page. --addr should be sector-aligned; a misaligned address
erases (and so clobbers) the whole sector it falls in.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		dev, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()

		end := flagAddr + uint32(len(data))
		for addr := w25q.SectorBase(flagAddr); addr < end; addr += w25q.SectorSize {
			if err := dev.SectorErase(addr); err != nil {
				return err
			}
		}
		// Program page by page; the driver does not split payloads.
		for off := uint32(0); off < uint32(len(data)); {
			addr := flagAddr + off
			n := w25q.PageBase(addr) + w25q.PageSize - addr
			if rest := uint32(len(data)) - off; n > rest {
				n = rest
			}
			if err := dev.PageProgram(addr, data[off:off+n]); err != nil {
				return err
			}
			off += n
		}
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase sectors, or the whole chip with --chip",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()
		if flagChip {
			fmt.Println("erasing chip, this takes a while...")
			return dev.ChipErase()
		}
		if flagSize == 0 {
			return fmt.Errorf("need --size, or --chip for a full erase")
		}
		end := flagAddr + flagSize
		for addr := w25q.SectorBase(flagAddr); addr < end; addr += w25q.SectorSize {
			if err := dev.SectorErase(addr); err != nil {
				return err
			}
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Software-reset the chip to its power-on state",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()
		return dev.SoftwareReset()
	},
}

func init() {
	for _, c := range []*cobra.Command{readCmd, writeCmd, eraseCmd} {
		c.Flags().Uint32Var(&flagAddr, "addr", 0, "start address")
	}
	readCmd.Flags().Uint32Var(&flagSize, "size", 0, "bytes to read")
	eraseCmd.Flags().Uint32Var(&flagSize, "size", 0, "bytes to erase (rounded to sectors)")
	eraseCmd.Flags().BoolVar(&flagChip, "chip", false, "erase the entire chip")
	rootCmd.AddCommand(idCmd, statusCmd, readCmd, writeCmd, eraseCmd, resetCmd)
}
