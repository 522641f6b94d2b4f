package gt06

import (
	"encoding/binary"
	"math"
	"testing"
)

// buildLocationBody constructs a standard-layout location body (no altitude)
// for the given signed coordinates, course and flags, mirroring the wire
// layout DecodeLocation expects.
func buildLocationBody(t *testing.T, lat, lon float64, speed, course int, gpsValid bool) []byte {
	t.Helper()
	body := make([]byte, 19)
	body[0], body[1], body[2] = 24, 3, 15 // 2024-03-15
	body[3], body[4], body[5] = 12, 34, 56
	body[6] = 0
	body[7] = 9 // satellites

	south := lat < 0
	west := lon < 0
	latRaw := uint32(math.Abs(lat) * rawCoordScale)
	lonRaw := uint32(math.Abs(lon) * rawCoordScale)
	binary.BigEndian.PutUint32(body[8:12], latRaw)
	binary.BigEndian.PutUint32(body[12:16], lonRaw)
	body[16] = byte(speed)

	var courseStatus uint16 = uint16(course) & courseMask
	if !south {
		courseStatus |= bitSouth
	}
	if west {
		courseStatus |= bitWest
	}
	if gpsValid {
		courseStatus |= bitGPSValid
	}
	binary.BigEndian.PutUint16(body[17:19], courseStatus)
	return body
}

func TestDecodeLocationNorthEast(t *testing.T) {
	body := buildLocationBody(t, 10.702, 76.513, 60, 88, true)

	loc, err := DecodeLocation(body)
	if err != nil {
		t.Fatalf("DecodeLocation: %v", err)
	}
	if loc.Latitude <= 0 || loc.Longitude <= 0 {
		t.Errorf("expected north/east positive coords, got lat=%f lon=%f", loc.Latitude, loc.Longitude)
	}
	if diff := math.Abs(loc.Latitude - 10.702); diff > 1e-4 {
		t.Errorf("latitude = %f, want ~10.702 (diff %f)", loc.Latitude, diff)
	}
	if diff := math.Abs(loc.Longitude - 76.513); diff > 1e-4 {
		t.Errorf("longitude = %f, want ~76.513 (diff %f)", loc.Longitude, diff)
	}
	if loc.Course != 88 {
		t.Errorf("course = %d, want 88", loc.Course)
	}
	if !loc.Valid {
		t.Errorf("expected Valid=true")
	}
	if loc.South || loc.West {
		t.Errorf("expected South=false West=false, got South=%v West=%v", loc.South, loc.West)
	}
	if loc.SpeedKMH != 60 {
		t.Errorf("speed = %d, want 60", loc.SpeedKMH)
	}
	if loc.Time.Year() != 2024 || loc.Time.Month() != 3 || loc.Time.Day() != 15 {
		t.Errorf("time = %v, want 2024-03-15", loc.Time)
	}
}

func TestDecodeLocationSouthWest(t *testing.T) {
	body := buildLocationBody(t, -33.45, -70.66, 0, 0, false)

	loc, err := DecodeLocation(body)
	if err != nil {
		t.Fatalf("DecodeLocation: %v", err)
	}
	if loc.Latitude >= 0 || loc.Longitude >= 0 {
		t.Errorf("expected south/west negative coords, got lat=%f lon=%f", loc.Latitude, loc.Longitude)
	}
	if !loc.South || !loc.West {
		t.Errorf("expected South=true West=true, got South=%v West=%v", loc.South, loc.West)
	}
	if loc.Valid {
		t.Errorf("expected Valid=false")
	}
}

func TestDecodeLocationWithAltitude(t *testing.T) {
	body := buildLocationBody(t, 1.0, 1.0, 0, 0, true)
	body = append(body, 0x00, 0x64) // altitude = 100m

	loc, err := DecodeLocation(body)
	if err != nil {
		t.Fatalf("DecodeLocation: %v", err)
	}
	if loc.Altitude != 100 {
		t.Errorf("altitude = %d, want 100", loc.Altitude)
	}
}

func TestDecodeLocationTooShort(t *testing.T) {
	if _, err := DecodeLocation(make([]byte, 10)); err == nil {
		t.Error("expected error for short body")
	}
}

func TestDecodeDateTimeRejectsInvalidMonth(t *testing.T) {
	body := buildLocationBody(t, 1, 1, 0, 0, true)
	body[1] = 13 // invalid month
	if _, err := DecodeLocation(body); err == nil {
		t.Error("expected error for invalid month")
	}
}

func TestScanLatLonFindsPlausiblePair(t *testing.T) {
	body := make([]byte, 12)
	latRaw := uint32(45.5 * rawCoordScale)
	lonRaw := uint32(9.2 * rawCoordScale)
	binary.BigEndian.PutUint32(body[3:7], latRaw)
	binary.BigEndian.PutUint32(body[7:11], lonRaw)

	lat, lon, offset, ok := ScanLatLon(body)
	if !ok {
		t.Fatal("expected a plausible pair to be found")
	}
	if offset != 3 {
		t.Errorf("offset = %d, want 3", offset)
	}
	if diff := math.Abs(lat - 45.5); diff > 1e-4 {
		t.Errorf("lat = %f, want ~45.5", lat)
	}
	if diff := math.Abs(lon - 9.2); diff > 1e-4 {
		t.Errorf("lon = %f, want ~9.2", lon)
	}
}

func TestDecodeExtendedLocationWithIMEIEcho(t *testing.T) {
	imeiBCD, err := EncodeIMEI("123456789012345")
	if err != nil {
		t.Fatalf("EncodeIMEI: %v", err)
	}
	rest := make([]byte, 16)
	latRaw := uint32(12.0 * rawCoordScale)
	lonRaw := uint32(34.0 * rawCoordScale)
	binary.BigEndian.PutUint32(rest[0:4], latRaw)
	binary.BigEndian.PutUint32(rest[4:8], lonRaw)

	body := append(append([]byte{}, imeiBCD...), rest...)
	loc, imei, err := DecodeExtendedLocation(body)
	if err != nil {
		t.Fatalf("DecodeExtendedLocation: %v", err)
	}
	if imei != "123456789012345" {
		t.Errorf("imei = %q, want 123456789012345", imei)
	}
	if diff := math.Abs(loc.Latitude - 12.0); diff > 1e-4 {
		t.Errorf("lat = %f, want ~12.0", loc.Latitude)
	}
}
