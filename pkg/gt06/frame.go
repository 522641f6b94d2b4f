package gt06

import (
	"encoding/binary"
	"fmt"
)

// Header markers. 0x7979 signals the two-byte extended length encoding used
// by longer frames (e.g. 0x94 extended location).
const (
	HeaderStandard uint16 = 0x7878
	HeaderExtended uint16 = 0x7979
)

// MinFrameLength and MaxFrameLength bound the total wire size of a frame
// (header + length field + protocol + body + serial + crc + stop bits).
const (
	MinFrameLength = 5
	MaxFrameLength = 1024
)

// Protocol opcodes recognized by the payload parser (§4.2 of the gateway
// design). Unlisted opcodes still frame and ACK correctly; they simply have
// no dedicated decoder.
const (
	ProtoLogin           byte = 0x01
	ProtoGPSLBS          byte = 0x12
	ProtoStatus          byte = 0x13
	ProtoGPSOffline      byte = 0x15
	ProtoGPSLBSStatus    byte = 0x16
	ProtoLBSPhone        byte = 0x17
	ProtoLBSExtend       byte = 0x18
	ProtoGPSPhone        byte = 0x1A
	ProtoGPSAddr         byte = 0x22
	ProtoHeartbeat       byte = 0x23
	ProtoLBSMultiple     byte = 0x24
	ProtoGPSAddrStatus   byte = 0x26
	ProtoGPSDog          byte = 0x32
	ProtoCommand         byte = 0x80
	ProtoCommandResponse byte = 0x8A
	ProtoLocationExt     byte = 0x94
)

// Stop-bit patterns accepted under the default (lenient) policy. Real
// devices emit all four; §4.1 requires the lenient union by default.
var acceptedStopBits = map[uint16]bool{
	0x0D0A: true,
	0x0A0D: true,
	0x0000: true,
	0xFFFF: true,
}

// Frame is an immutable decoded GT06 message (§3).
type Frame struct {
	StartBits uint16
	Length    int // declared content length: protocol + body + serial + crc
	Protocol  byte
	Body      []byte
	Serial    uint16
	CRC       uint16
	StopBits  uint16

	// lengthFieldWidth is 1 for 0x7878 frames and 2 for 0x7979 frames, as
	// reported by ExtendedLength. Encode does not consult it: it always
	// emits the 0x7878 style.
	lengthFieldWidth int
}

// ExtendedLength reports whether the frame used the 0x7979 two-byte length
// encoding.
func (f Frame) ExtendedLength() bool {
	return f.lengthFieldWidth == 2
}

// HasValidStopBits reports whether StopBits is one of the four patterns
// real devices are observed to send.
func (f Frame) HasValidStopBits() bool {
	return acceptedStopBits[f.StopBits]
}

// String renders a short diagnostic summary, used in log lines the way the
// teacher logs "RX Frame: ID=0x%02x, Len=%d, ...".
func (f Frame) String() string {
	return fmt.Sprintf("Frame{proto=0x%02x len=%d serial=%d body=%dB}", f.Protocol, f.Length, f.Serial, len(f.Body))
}

// Encode serializes a frame back to wire bytes using a 1-byte length field
// (0x7878 header), per §4.1's Encode contract. Extended-length frames are
// never emitted by the builder; only decoded.
func Encode(protocol byte, body []byte, serial uint16) ([]byte, error) {
	contentLen := 1 + len(body) + 2 + 2 // protocol + body + serial + crc
	if contentLen > 0xFF {
		return nil, fmt.Errorf("gt06: encode: content length %d exceeds 1-byte field", contentLen)
	}

	buf := make([]byte, 0, 2+1+contentLen+2)
	buf = binary.BigEndian.AppendUint16(buf, HeaderStandard)
	buf = append(buf, byte(contentLen))
	buf = append(buf, protocol)
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint16(buf, serial)

	// CRC runs over the length field through the serial field, inclusive.
	crc := CRC(buf[2:])
	buf = binary.BigEndian.AppendUint16(buf, crc)
	buf = binary.BigEndian.AppendUint16(buf, 0x0D0A)
	return buf, nil
}

// Decode parses a single well-formed GT06 frame from buf (exactly one
// frame's worth of bytes, as already sliced by the codec). It does not
// perform header scanning or garbage skipping — that is the Decoder's job.
func Decode(buf []byte, strictCRC, strictStopBits bool) (Frame, error) {
	if len(buf) < MinFrameLength {
		return Frame{}, ErrFrameMalformed
	}

	start := binary.BigEndian.Uint16(buf[0:2])
	if start != HeaderStandard && start != HeaderExtended {
		return Frame{}, ErrFrameMalformed
	}

	widthed := 1
	if start == HeaderExtended {
		widthed = 2
	}

	var length int
	var body []byte
	pos := 2
	if widthed == 1 {
		if len(buf) < pos+1 {
			return Frame{}, ErrFrameMalformed
		}
		length = int(buf[pos])
		pos++
	} else {
		if len(buf) < pos+2 {
			return Frame{}, ErrFrameMalformed
		}
		length = int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
	}

	if length < 5 {
		return Frame{}, ErrFrameMalformed
	}

	total := 2 + widthed + length + 2
	if total != len(buf) {
		return Frame{}, ErrFrameMalformed
	}

	protocol := buf[pos]
	pos++

	// length is the declared size of protocol+body+serial+crc (§3); body is
	// what remains once the other three fixed-size fields are subtracted.
	bodyLen := length - 5
	if bodyLen < 0 || pos+bodyLen > len(buf) {
		return Frame{}, ErrFrameMalformed
	}
	body = buf[pos : pos+bodyLen]
	pos += bodyLen

	serial := binary.BigEndian.Uint16(buf[pos : pos+2])
	pos += 2
	crcField := binary.BigEndian.Uint16(buf[pos : pos+2])
	pos += 2
	stop := binary.BigEndian.Uint16(buf[pos : pos+2])

	frame := Frame{
		StartBits:        start,
		Length:           length,
		Protocol:         protocol,
		Body:             append([]byte(nil), body...),
		Serial:           serial,
		CRC:              crcField,
		StopBits:         stop,
		lengthFieldWidth: widthed,
	}

	if strictStopBits && !frame.HasValidStopBits() {
		return Frame{}, ErrBadStopBits
	}

	if computed := CRC(buf[2 : pos-2]); computed != crcField {
		if strictCRC {
			return Frame{}, ErrCRCMismatch
		}
	}

	return frame, nil
}
