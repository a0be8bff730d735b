// Package w25q implements the command protocol of Winbond W25Q-series
// (and compatible 25-series) SPI NOR flash memories.
//
// The driver is a thin protocol engine: it sequences SPI transactions,
// polls the status register and performs the write-enable-latch handshake
// the chip mandates before every mutating instruction. It does not decode
// identification bytes, validate alignment or split oversized payloads;
// those are caller concerns.
//
// Reference datasheet:
// https://datasheet.lcsc.com/lcsc/1912111437_Winbond-Elec-W25Q128JVSIQ_C113767.pdf
package w25q

// Flash geometry of 25-series chips. A page is the largest unit a single
// PageProgram may touch; a sector is the smallest erasable unit.
const (
	PageSize   = 256
	SectorSize = 4096
)

// opcode is a single-byte instruction code recognized by the flash chip.
// The set is closed and known at compile time; opcodes are never derived
// from external input.
type opcode byte

const (
	// opPageProgram programs 1..256 bytes at previously erased locations.
	opPageProgram opcode = 0x02
	// opRead reads data starting at a 24-bit address.
	opRead opcode = 0x03
	// opReadStatus reads the 8-bit status register.
	opReadStatus opcode = 0x05
	// opWriteEnable sets the write enable latch.
	opWriteEnable opcode = 0x06
	// opSectorErase erases the 4KB sector containing the address.
	opSectorErase opcode = 0x20
	// opEnableReset arms the software reset sequence.
	opEnableReset opcode = 0x66
	// opReadMfDevID reads the 8-bit manufacturer and device IDs.
	opReadMfDevID opcode = 0x90
	// opReset performs the reset armed by opEnableReset.
	opReset opcode = 0x99
	// opReadJEDECID reads the JEDEC manufacturer/device identification.
	opReadJEDECID opcode = 0x9F
	// opChipErase erases the entire device.
	opChipErase opcode = 0xC7
)

// cmdAddr lays out an instruction frame: opcode followed by the low 24
// bits of addr, most significant byte first. Bits above bit 23 are
// discarded, so out-of-range addresses mirror onto the chip's address
// space. That is wire-protocol behavior, not an error.
func cmdAddr(op opcode, addr uint32) [4]byte {
	return [4]byte{
		byte(op),
		byte(addr >> 16),
		byte(addr >> 8),
		byte(addr),
	}
}
