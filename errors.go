package w25q

// TransportError is the single error kind surfaced by the driver. It
// wraps whatever the Bus reported; there are no protocol-level errors.
// Malformed status bytes are tolerated by the truncating decode and a
// write-enable latch that fails to set is logged, not raised.
//
// After any error the operation is not guaranteed to have applied;
// callers should re-verify chip state (ReadStatus) before retrying.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "w25q: transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }
