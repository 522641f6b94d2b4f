// Package session implements the device session registry (§3, §4.4): the
// mapping from IMEI and connection identity to a persisted session record,
// with TTL-based idle eviction.
package session

import "time"

// Variant classifies the device sub-family, detected exactly once at login
// (§4.5 "Variant detection") and never recomputed for the life of the
// session.
type Variant int

const (
	VariantUnset Variant = iota
	VariantV5
	VariantSK05
	VariantGT06Standard
	VariantGT06Unknown
)

func (v Variant) String() string {
	switch v {
	case VariantV5:
		return "V5"
	case VariantSK05:
		return "SK05"
	case VariantGT06Standard:
		return "GT06_STANDARD"
	case VariantGT06Unknown:
		return "GT06_UNKNOWN"
	default:
		return "UNSET"
	}
}

// DetectVariant classifies a device from its login-frame body length, per
// §4.5: "≤ 12 bytes → V5, 13–16 → SK05, ≥ 8 → GT06_STANDARD (a fallback,
// checked last)".
func DetectVariant(loginBodyLen int) Variant {
	switch {
	case loginBodyLen <= 12:
		return VariantV5
	case loginBodyLen >= 13 && loginBodyLen <= 16:
		return VariantSK05
	case loginBodyLen >= 8:
		return VariantGT06Standard
	default:
		return VariantGT06Unknown
	}
}

// DeviceSession is the single logical record per device (§3). It is
// exclusively owned by the registry; connections hold only the opaque
// session id or connection short-id used to look it up, never a reference
// to the struct itself, breaking the cycle described in §9.
type DeviceSession struct {
	ID             string
	IMEI           string
	ConnectionID   string
	RemoteAddr     string
	CreatedAt      time.Time
	LastActivityAt time.Time

	Authenticated           bool
	HasReceivedStatusAdvice bool
	HasReceivedLocation     bool

	DeviceVariant Variant

	Attributes map[string]string
}

// Touch updates LastActivityAt to now. Called on every recognized frame
// per §4.5's dispatch table ("update activity, save").
func (s *DeviceSession) Touch(now time.Time) {
	s.LastActivityAt = now
}

// IdleFor reports how long the session has been idle as of now.
func (s *DeviceSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// record is the JSON-equivalent wire shape persisted at "session:<uuid>"
// per §6.2. Field names are explicit rather than relying on DeviceSession's
// Go-idiomatic names, since the persisted shape is an external contract.
type record struct {
	ID                      string            `json:"id"`
	IMEI                    string            `json:"imei"`
	ChannelID               string            `json:"channel_id"`
	RemoteAddress           string            `json:"remote_address"`
	CreatedAt               time.Time         `json:"created_at"`
	LastActivityAt          time.Time         `json:"last_activity_at"`
	Authenticated           bool              `json:"authenticated"`
	HasReceivedStatusAdvice bool              `json:"has_received_status_advice"`
	HasReceivedLocation     bool              `json:"has_received_location"`
	DeviceVariant           string            `json:"device_variant"`
	Attributes              map[string]string `json:"attributes"`
}

func toRecord(s DeviceSession) record {
	attrs := s.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return record{
		ID:                      s.ID,
		IMEI:                    s.IMEI,
		ChannelID:               s.ConnectionID,
		RemoteAddress:           s.RemoteAddr,
		CreatedAt:               s.CreatedAt,
		LastActivityAt:          s.LastActivityAt,
		Authenticated:           s.Authenticated,
		HasReceivedStatusAdvice: s.HasReceivedStatusAdvice,
		HasReceivedLocation:     s.HasReceivedLocation,
		DeviceVariant:           s.DeviceVariant.String(),
		Attributes:              attrs,
	}
}

func fromRecord(r record) DeviceSession {
	return DeviceSession{
		ID:                      r.ID,
		IMEI:                    r.IMEI,
		ConnectionID:            r.ChannelID,
		RemoteAddr:              r.RemoteAddress,
		CreatedAt:               r.CreatedAt,
		LastActivityAt:          r.LastActivityAt,
		Authenticated:           r.Authenticated,
		HasReceivedStatusAdvice: r.HasReceivedStatusAdvice,
		HasReceivedLocation:     r.HasReceivedLocation,
		DeviceVariant:           variantFromString(r.DeviceVariant),
		Attributes:              r.Attributes,
	}
}

func variantFromString(s string) Variant {
	switch s {
	case "V5":
		return VariantV5
	case "SK05":
		return VariantSK05
	case "GT06_STANDARD":
		return VariantGT06Standard
	case "GT06_UNKNOWN":
		return VariantGT06Unknown
	default:
		return VariantUnset
	}
}
