package gt06

import "fmt"

// RecordKind classifies a decoded payload for the state machine's dispatch
// table (§4.5).
type RecordKind int

const (
	KindUnknown RecordKind = iota
	KindLogin
	KindLocation
	KindStatus
	KindLBS
	KindHeartbeat
	KindCommandResponse
)

// Record is the decoded result of a single frame's body. At most one of
// Location, Status and LBS is populated, selected by Kind; IMEI is set for
// login frames and for 0x94 frames that carry an IMEI echo. Unparsable carries the parse
// error for best-effort telemetry (§4.2 "Failure semantics"): the frame
// still ACKs and the session still updates even when Unparsable is non-nil.
type Record struct {
	Kind       RecordKind
	IMEI       string
	Location   *Location
	Status     *Status
	LBS        *LBSInfo
	Unparsable error
}

// Status is the decoded body of opcode 0x13.
type Status struct {
	Raw          byte
	BatteryLevel byte
	GSMSignal    byte
	AlarmBit     bool
	ChargerOn    bool
}

// LBSInfo is the decoded cell-tower locator carried by 0x17/0x18/0x24 and
// embedded in the standard location layout's GPS-info length byte on some
// firmwares. Only the fields required by §4.2 ("cell-info only") are kept.
type LBSInfo struct {
	MCC uint16
	MNC byte
	LAC uint16
	CID uint32
}

// DecodeStatus parses opcode 0x13's body: battery level, GSM signal
// strength, and an alarm/charger bit field. Real devices vary the exact
// byte count; only the first byte (present on every variant seen) is
// required.
func DecodeStatus(body []byte) (Status, error) {
	if len(body) < 1 {
		return Status{}, fmt.Errorf("%w: status body empty", ErrParseFailure)
	}
	st := Status{Raw: body[0]}
	if len(body) >= 2 {
		st.BatteryLevel = body[1]
	}
	if len(body) >= 3 {
		st.GSMSignal = body[2]
	}
	st.AlarmBit = body[0]&0x04 != 0
	st.ChargerOn = body[0]&0x02 != 0
	return st, nil
}

// DecodeLBS parses a single cell-tower record: 2-byte MCC, 1-byte MNC,
// 2-byte LAC, 3-byte CID — the layout embedded after the standard location
// fields for opcodes 0x12/0x16/0x22/0x26, and standalone for 0x17/0x18.
func DecodeLBS(body []byte) (LBSInfo, error) {
	if len(body) < 8 {
		return LBSInfo{}, fmt.Errorf("%w: lbs body too short (%d bytes)", ErrParseFailure, len(body))
	}
	mcc := uint16(body[0])<<8 | uint16(body[1])
	mnc := body[2]
	lac := uint16(body[3])<<8 | uint16(body[4])
	cid := uint32(body[5])<<16 | uint32(body[6])<<8 | uint32(body[7])
	return LBSInfo{MCC: mcc, MNC: mnc, LAC: lac, CID: cid}, nil
}

// DecodeLBSMultiple parses opcode 0x24's body: a 1-byte record count
// followed by that many fixed-width cell records.
func DecodeLBSMultiple(body []byte) ([]LBSInfo, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: lbs-multiple body empty", ErrParseFailure)
	}
	count := int(body[0])
	rest := body[1:]
	const recLen = 8
	records := make([]LBSInfo, 0, count)
	for i := 0; i < count; i++ {
		start := i * recLen
		if start+recLen > len(rest) {
			break
		}
		rec, err := DecodeLBS(rest[start : start+recLen])
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no lbs records decoded", ErrParseFailure)
	}
	return records, nil
}

// DecodeRecord dispatches on protocol opcode and returns a best-effort
// Record. It never returns a Go error: unparsable bodies are reported via
// Record.Unparsable so the caller (the connection state machine) can still
// ACK and touch session activity per §4.2/§4.5.
func DecodeRecord(protocol byte, body []byte) Record {
	switch protocol {
	case ProtoLogin:
		imei, err := DecodeIMEI(firstN(body, 8))
		if err != nil {
			return Record{Kind: KindLogin, Unparsable: err}
		}
		return Record{Kind: KindLogin, IMEI: imei}

	case ProtoHeartbeat:
		return Record{Kind: KindHeartbeat}

	case ProtoStatus:
		st, err := DecodeStatus(body)
		if err != nil {
			return Record{Kind: KindStatus, Unparsable: err}
		}
		return Record{Kind: KindStatus, Status: &st}

	case ProtoGPSLBS, ProtoGPSAddr, ProtoGPSLBSStatus, ProtoGPSAddrStatus, ProtoGPSOffline, ProtoGPSDog:
		loc, err := DecodeLocation(body)
		if err != nil {
			return Record{Kind: KindLocation, Unparsable: err}
		}
		return Record{Kind: KindLocation, Location: &loc}

	case ProtoGPSPhone:
		if len(body) < 4 {
			return Record{Kind: KindLocation, Unparsable: fmt.Errorf("%w: gps+phone body too short", ErrParseFailure)}
		}
		loc, err := DecodeLocation(body[4:])
		if err != nil {
			return Record{Kind: KindLocation, Unparsable: err}
		}
		return Record{Kind: KindLocation, Location: &loc}

	case ProtoLocationExt:
		loc, imei, err := DecodeExtendedLocation(body)
		if err != nil {
			return Record{Kind: KindLocation, Unparsable: err}
		}
		return Record{Kind: KindLocation, IMEI: imei, Location: &loc}

	case ProtoLBSPhone, ProtoLBSExtend:
		lbs, err := DecodeLBS(body)
		if err != nil {
			return Record{Kind: KindLBS, Unparsable: err}
		}
		return Record{Kind: KindLBS, LBS: &lbs}

	case ProtoLBSMultiple:
		records, err := DecodeLBSMultiple(body)
		if err != nil {
			return Record{Kind: KindLBS, Unparsable: err}
		}
		// The dispatch table only needs one representative record per §4.6;
		// the first cell tower reported is used.
		return Record{Kind: KindLBS, LBS: &records[0]}

	case ProtoCommandResponse:
		return Record{Kind: KindCommandResponse}

	default:
		return Record{Kind: KindUnknown}
	}
}

func firstN(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
