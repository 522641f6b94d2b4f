// Package telemetry translates decoded GT06 records into bus messages
// (§4.6): fire-and-forget publish, at-least-once semantics. Each event
// carries the device IMEI and session id in its body; no separate message
// key is transmitted.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/librescoot/gt06-gateway/pkg/gt06"
)

// Topic names fixed by §6.3. The schema is caller-supplied in general, but
// this gateway picks CBOR as its wire encoding the way the teacher encodes
// every outbound nRF52 message as CBOR, plus a JSON rendering for the
// admin/debug surface (§ SPEC_FULL supplemental features).
const (
	TopicSessions = "device.sessions"
	TopicLocation = "device.location"
	TopicStatus   = "device.status"
	TopicLBS      = "device.lbs"
)

// Publisher is the minimal bus dependency the emitter needs. The gateway's
// pkg/redis.Client satisfies it directly (Publish(channel, message) error),
// matching §6.3's "topic and schema are caller-supplied".
type Publisher interface {
	Publish(channel string, message string) error
}

// Emitter publishes decoded records to the telemetry bus.
type Emitter struct {
	bus    Publisher
	logger *log.Logger
}

// New constructs an Emitter over the given bus.
func New(bus Publisher, logger *log.Logger) *Emitter {
	return &Emitter{bus: bus, logger: logger}
}

// SessionEvent is the envelope published on TopicSessions for connect,
// rebind, and disconnect events. Exported so admin/debug subscribers
// (cmd/gt06-tail) can decode the same schema this package encodes, per
// §6.3's "topic and schema are caller-supplied" (the emitter and its
// subscribers both count as that caller here).
type SessionEvent struct {
	Kind      string    `json:"kind"` // "connect" | "rebind" | "disconnect"
	SessionID string    `json:"session_id"`
	IMEI      string    `json:"imei"`
	At        time.Time `json:"at"`
}

// LocationEvent is the envelope published on TopicLocation.
type LocationEvent struct {
	IMEI       string    `json:"imei"`
	SessionID  string    `json:"session_id"`
	Time       time.Time `json:"time"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SpeedKMH   int       `json:"speed_kmh"`
	Course     int       `json:"course"`
	Valid      bool      `json:"valid"`
	Satellites int       `json:"satellites"`
	Altitude   int16     `json:"altitude"`
}

// StatusEvent is the envelope published on TopicStatus.
type StatusEvent struct {
	IMEI         string `json:"imei"`
	SessionID    string `json:"session_id"`
	BatteryLevel byte   `json:"battery_level"`
	GSMSignal    byte   `json:"gsm_signal"`
	AlarmBit     bool   `json:"alarm_bit"`
	ChargerOn    bool   `json:"charger_on"`
	Unparsable   bool   `json:"unparsable"`
}

// LBSEvent is the envelope published on TopicLBS for the cell-tower-only
// fixes carried by opcodes 0x17/0x18/0x24 (§4.2, §4.5): no GPS coordinate,
// just the serving cell's MCC/MNC/LAC/CID.
type LBSEvent struct {
	IMEI      string `json:"imei"`
	SessionID string `json:"session_id"`
	MCC       uint16 `json:"mcc"`
	MNC       byte   `json:"mnc"`
	LAC       uint16 `json:"lac"`
	CID       uint32 `json:"cid"`
}

// key picks the message key: IMEI when known, else session id. publish
// receives it but does not transmit it (see publish).
func key(imei, sessionID string) string {
	if imei != "" {
		return imei
	}
	return sessionID
}

// EmitSessionEvent publishes a connect/rebind/disconnect event on
// TopicSessions.
func (e *Emitter) EmitSessionEvent(kind, sessionID, imei string, at time.Time) {
	evt := SessionEvent{Kind: kind, SessionID: sessionID, IMEI: imei, At: at}
	e.publish(TopicSessions, key(imei, sessionID), evt)
}

// EmitLocation publishes a decoded Location on TopicLocation.
func (e *Emitter) EmitLocation(sessionID, imei string, loc gt06.Location) {
	evt := LocationEvent{
		IMEI:       imei,
		SessionID:  sessionID,
		Time:       loc.Time,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		SpeedKMH:   loc.SpeedKMH,
		Course:     loc.Course,
		Valid:      loc.Valid,
		Satellites: loc.Satellites,
		Altitude:   loc.Altitude,
	}
	e.publish(TopicLocation, key(imei, sessionID), evt)
}

// EmitStatus publishes a decoded Status (or an unparsable marker) on
// TopicStatus. Parse failures still publish best-effort telemetry per
// §4.2's failure semantics.
func (e *Emitter) EmitStatus(sessionID, imei string, st *gt06.Status, unparsable bool) {
	evt := StatusEvent{IMEI: imei, SessionID: sessionID, Unparsable: unparsable}
	if st != nil {
		evt.BatteryLevel = st.BatteryLevel
		evt.GSMSignal = st.GSMSignal
		evt.AlarmBit = st.AlarmBit
		evt.ChargerOn = st.ChargerOn
	}
	e.publish(TopicStatus, key(imei, sessionID), evt)
}

// EmitLBS publishes a decoded cell-tower fix on TopicLBS.
func (e *Emitter) EmitLBS(sessionID, imei string, info gt06.LBSInfo) {
	evt := LBSEvent{
		IMEI:      imei,
		SessionID: sessionID,
		MCC:       info.MCC,
		MNC:       info.MNC,
		LAC:       info.LAC,
		CID:       info.CID,
	}
	e.publish(TopicLBS, key(imei, sessionID), evt)
}

// publish encodes v as CBOR and publishes it. Bus failures are logged at
// warn level and never propagate — §7 BusUnavailable: "log at warn level
// and continue" — and never abort the connection that triggered them.
// msgKey is not sent: Publisher.Publish takes only a channel and a payload,
// so subscribers identify the device from the event's imei and session_id
// fields.
func (e *Emitter) publish(topic, msgKey string, v interface{}) {
	data, err := cbor.Marshal(v)
	if err != nil {
		e.logf("telemetry: warn: cbor marshal failed for topic %s: %v", topic, err)
		return
	}
	if err := e.bus.Publish(topic, string(data)); err != nil {
		e.logf("telemetry: warn: publish to %s failed: %v", topic, err)
	}
}

// DebugJSON renders v (a session or record) as JSON for the admin/debug
// surface (§ SPEC_FULL supplemental features) — never used for the bus
// wire format, only for human-readable dumps.
func DebugJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeEvent CBOR-decodes a message received on one of the Topic* channels
// back into its typed envelope, keyed by the topic it arrived on. Used by
// the admin/debug tail tool (cmd/gt06-tail) rather than by the gateway
// itself, which only ever publishes.
func DecodeEvent(topic string, payload []byte) (interface{}, error) {
	switch topic {
	case TopicSessions:
		var evt SessionEvent
		if err := cbor.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("telemetry: decode session event: %w", err)
		}
		return evt, nil
	case TopicLocation:
		var evt LocationEvent
		if err := cbor.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("telemetry: decode location event: %w", err)
		}
		return evt, nil
	case TopicStatus:
		var evt StatusEvent
		if err := cbor.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("telemetry: decode status event: %w", err)
		}
		return evt, nil
	case TopicLBS:
		var evt LBSEvent
		if err := cbor.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("telemetry: decode lbs event: %w", err)
		}
		return evt, nil
	default:
		return nil, fmt.Errorf("telemetry: unknown topic %q", topic)
	}
}

func (e *Emitter) logf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
