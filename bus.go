package w25q

import "time"

// Segment is one phase of a bus transaction. Exactly one of Tx or Rx is
// non-nil: Tx bytes are shifted out to the chip, Rx is filled with bytes
// shifted in.
type Segment struct {
	Tx []byte
	Rx []byte
}

// Bus is the SPI transport capability the driver drives. Implementations
// must execute all segments back to back as one indivisible transaction,
// with the chip select asserted from the first segment to the last.
//
// The driver issues no retries; any error aborts the operation in
// progress and is surfaced wrapped in a *TransportError.
type Bus interface {
	Transaction(segs ...Segment) error
}

// Delayer suspends the calling task for at least the given duration. It
// is the timed-suspension capability of the cooperative-scheduling model:
// pass DelayerFunc(time.Sleep) on hosted systems, or an RTOS/scheduler
// specific implementation on embedded targets.
type Delayer interface {
	Delay(d time.Duration)
}

// DelayerFunc adapts a function to the Delayer interface.
type DelayerFunc func(d time.Duration)

func (f DelayerFunc) Delay(d time.Duration) { f(d) }
