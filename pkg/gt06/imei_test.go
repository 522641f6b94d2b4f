package gt06

import "testing"

func TestIMEIRoundTrip(t *testing.T) {
	cases := []string{"123456789012345", "000000000000001", "999999999999999"}
	for _, imei := range cases {
		t.Run(imei, func(t *testing.T) {
			bcd, err := EncodeIMEI(imei)
			if err != nil {
				t.Fatalf("EncodeIMEI: %v", err)
			}
			if len(bcd) != 8 {
				t.Fatalf("bcd len = %d, want 8", len(bcd))
			}
			got, err := DecodeIMEI(bcd)
			if err != nil {
				t.Fatalf("DecodeIMEI: %v", err)
			}
			if got != imei {
				t.Errorf("got %q, want %q", got, imei)
			}
		})
	}
}

func TestDecodeIMEIWrongLength(t *testing.T) {
	if _, err := DecodeIMEI([]byte{0x01, 0x23}); err != ErrInvalidIMEI {
		t.Errorf("err = %v, want ErrInvalidIMEI", err)
	}
}

func TestDecodeIMEIInvalidNibble(t *testing.T) {
	bcd := []byte{0xFA, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}
	if _, err := DecodeIMEI(bcd); err != ErrInvalidIMEI {
		t.Errorf("err = %v, want ErrInvalidIMEI", err)
	}
}

func TestEncodeIMEIWrongLength(t *testing.T) {
	if _, err := EncodeIMEI("12345"); err != ErrInvalidIMEI {
		t.Errorf("err = %v, want ErrInvalidIMEI", err)
	}
}

func TestEncodeIMEINonDigit(t *testing.T) {
	if _, err := EncodeIMEI("12345678901234X"); err != ErrInvalidIMEI {
		t.Errorf("err = %v, want ErrInvalidIMEI", err)
	}
}
