package w25q

import "strconv"

// Status is the chip's 8-bit status register. Only the positions below
// are defined; DecodeStatus masks everything else off.
type Status uint8

const (
	// statusBusy is set while an erase or program is in progress.
	statusBusy Status = 1 << 0
	// statusWEL is the Write Enable Latch, set by the WriteEnable
	// instruction and cleared by the chip after each completed
	// mutating instruction.
	statusWEL Status = 1 << 1
	// statusProt are the three block-protection configuration bits.
	statusProt Status = 0b0001_1100
	// statusSRWD is the Status Register Write Disable bit.
	statusSRWD Status = 1 << 7

	statusDefined = statusBusy | statusWEL | statusProt | statusSRWD
)

// DecodeStatus decodes a raw status byte. It is total: undefined bits
// (5 and 6) are truncated, never rejected.
func DecodeStatus(b byte) Status {
	return Status(b) & statusDefined
}

// Busy reports whether an erase or program operation is in progress.
func (s Status) Busy() bool { return s&statusBusy != 0 }

// WriteEnabled reports whether the write enable latch is set.
func (s Status) WriteEnabled() bool { return s&statusWEL != 0 }

// Protection returns the block-protection bits BP0..BP2 as a value in 0..7.
func (s Status) Protection() uint8 { return uint8(s&statusProt) >> 2 }

// WriteDisabled reports the Status Register Write Disable bit.
func (s Status) WriteDisabled() bool { return s&statusSRWD != 0 }

func (s Status) String() string {
	b := make([]byte, 0, 24)
	if s.Busy() {
		b = append(b, "busy "...)
	}
	if s.WriteEnabled() {
		b = append(b, "wel "...)
	}
	if p := s.Protection(); p != 0 {
		b = append(b, "bp="...)
		b = strconv.AppendUint(b, uint64(p), 10)
		b = append(b, ' ')
	}
	if s.WriteDisabled() {
		b = append(b, "srwd "...)
	}
	if len(b) == 0 {
		return "ready"
	}
	return string(b[:len(b)-1])
}
