package gt06

import "encoding/binary"

// codecState mirrors the two states described in §4.1: SCANNING (hunting for
// a header) and FRAMING (header found, awaiting the rest of the frame). Both
// transitions are driven purely by buffer length and content; the Decoder
// never performs I/O itself.
type codecState int

const (
	stateScanning codecState = iota
	stateFraming
)

// Decoder reassembles a duplex byte stream into validated Frames. One
// Decoder belongs to exactly one connection; it is not safe for concurrent
// use by multiple goroutines, matching the gateway's one-worker-per-connection
// model (§5).
type Decoder struct {
	buf            []byte
	state          codecState
	strictCRC      bool
	strictStopBits bool
	maxFrameLength int

	// GarbageSkipped accumulates bytes discarded while scanning for a
	// header; exposed for diagnostics, not required by callers.
	GarbageSkipped int
}

// DecoderOption configures a Decoder at construction time.
type DecoderOption func(*Decoder)

// WithStrictCRC rejects frames whose CRC-ITU checksum does not match the
// declared CRC field.
func WithStrictCRC(strict bool) DecoderOption {
	return func(d *Decoder) { d.strictCRC = strict }
}

// WithStrictStopBits rejects frames whose trailing two bytes are outside the
// accepted stop-bit set.
func WithStrictStopBits(strict bool) DecoderOption {
	return func(d *Decoder) { d.strictStopBits = strict }
}

// WithMaxFrameLength overrides the default 1024-byte cap on total wire size.
func WithMaxFrameLength(n int) DecoderOption {
	return func(d *Decoder) { d.maxFrameLength = n }
}

// NewDecoder constructs a Decoder with the lenient defaults from §6.4
// (strict_crc=false, strict_stop_bits=false, max_frame_length=1024).
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		state:          stateScanning,
		maxFrameLength: MaxFrameLength,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends newly read bytes to the internal buffer and extracts every
// complete frame currently available. It never blocks and never errors on
// malformed input — malformed candidates are skipped a byte at a time per
// §4.1's failure semantics, and the return value only reports usable
// frames.
func (d *Decoder) Feed(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		frame, consumed, ok := d.tryExtract()
		if consumed > 0 {
			d.buf = d.buf[consumed:]
		}
		if !ok {
			// A garbage byte, a malformed-length reject, an oversized
			// reject, or a post-size-check Decode failure can all still
			// have advanced the buffer; retry extraction from the new
			// position rather than stopping the whole Feed call. Only a
			// genuine "need more input" (consumed == 0) ends the loop.
			if consumed == 0 {
				break
			}
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// Buffered reports how many unconsumed bytes remain (a partial frame or
// garbage not yet skipped).
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// tryExtract attempts to pull one frame out of the front of d.buf. It
// returns consumed (how many bytes to drop from the buffer regardless of
// outcome) and ok (whether a frame was produced). When ok is false and
// consumed is 0, the caller should stop and await more input.
func (d *Decoder) tryExtract() (Frame, int, bool) {
	buf := d.buf
	d.state = stateScanning

	if len(buf) < MinFrameLength {
		return Frame{}, 0, false
	}

	// Step 1: scan for a two-byte header, discarding garbage in front of it.
	headerAt := -1
	for i := 0; i+1 < len(buf); i++ {
		v := binary.BigEndian.Uint16(buf[i : i+2])
		if v == HeaderStandard || v == HeaderExtended {
			headerAt = i
			break
		}
	}
	if headerAt == -1 {
		// No header anywhere in the buffer; keep only the last byte (it
		// might be the first half of a split header next Feed).
		skip := len(buf) - 1
		if skip < 0 {
			skip = 0
		}
		d.GarbageSkipped += skip
		return Frame{}, skip, false
	}
	if headerAt > 0 {
		d.GarbageSkipped += headerAt
		return Frame{}, headerAt, false
	}

	d.state = stateFraming
	start := binary.BigEndian.Uint16(buf[0:2])
	widthed := 1
	if start == HeaderExtended {
		widthed = 2
	}

	// Step 2: do we have the length field yet?
	if len(buf) < 2+widthed {
		return Frame{}, 0, false
	}

	var length int
	if widthed == 1 {
		length = int(buf[2])
	} else {
		length = int(binary.BigEndian.Uint16(buf[2:4]))
	}

	if length < 5 {
		return Frame{}, 1, false
	}

	total := 2 + widthed + length + 2

	// Step 4: reject candidates outside the size bounds; advance one byte
	// and retry rather than dropping the whole buffer.
	if total > d.maxFrameLength || total < MinFrameLength {
		return Frame{}, 1, false
	}

	// Step 5: do we have the whole frame yet?
	if len(buf) < total {
		return Frame{}, 0, false
	}

	candidate := buf[:total]
	frame, err := Decode(candidate, d.strictCRC, d.strictStopBits)
	if err != nil {
		// Structurally inconsistent despite passing the size checks (e.g.
		// strict-mode rejection). Advance one byte and retry.
		return Frame{}, 1, false
	}

	return frame, total, true
}
