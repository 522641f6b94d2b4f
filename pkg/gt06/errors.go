package gt06

import "errors"

// Error taxonomy per the gateway's §7 design: codec and parser failures are
// contained within the component that raised them and never propagate as
// fatal conditions on their own.
var (
	// ErrNeedMoreBytes is not a real error: the buffer holds an incomplete
	// frame and the caller should feed more bytes before retrying.
	ErrNeedMoreBytes = errors.New("gt06: need more bytes")

	// ErrFrameMalformed means the header/length/stop-bit fields are
	// internally inconsistent. The codec skips one byte and retries.
	ErrFrameMalformed = errors.New("gt06: malformed frame")

	// ErrParseFailure means the frame was structurally valid but the body
	// could not be decoded for its opcode. Callers still ACK.
	ErrParseFailure = errors.New("gt06: payload parse failure")

	// ErrFrameTooLarge means the declared length exceeds MaxFrameLength.
	ErrFrameTooLarge = errors.New("gt06: frame exceeds max length")

	// ErrInvalidIMEI means the BCD nibbles did not decode to a 15-digit
	// IMEI.
	ErrInvalidIMEI = errors.New("gt06: invalid imei")

	// ErrCRCMismatch is returned only when strict CRC checking is enabled.
	ErrCRCMismatch = errors.New("gt06: crc mismatch")

	// ErrBadStopBits is returned only when strict stop-bit checking is
	// enabled and the trailing two bytes are outside the accepted set.
	ErrBadStopBits = errors.New("gt06: unrecognized stop bits")

	// ErrUnknownCommand is returned by the command builder for an
	// unrecognized command kind.
	ErrUnknownCommand = errors.New("gt06: unknown command kind")
)
