package workflow

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestValidateBarcode(t *testing.T) {
	for _, test := range []struct {
		symbology string
		rawValue  string
		want      []string
	}{
		{"qr", "QR-A-2001", nil},
		{"GS1", "(01)123(10)ABC", nil},
		{"DataMatrix", "x", nil},
		{"ean13", "123", []string{ScanErrUnsupportedSymbol}},
		{"qr", "", []string{ScanErrRawValueRequired}},
		{"", "", []string{ScanErrRawValueRequired, ScanErrUnsupportedSymbol}},
		{"code128", strings.Repeat("é", MaxRawValueLength), nil},
		{"code128", strings.Repeat("a", MaxRawValueLength+1), []string{ScanErrRawValueTooLong}},
	} {
		if have := ValidateBarcode(test.symbology, test.rawValue); !reflect.DeepEqual(have, test.want) {
			t.Errorf("%s %.10q: have: %v, want: %v", test.symbology, test.rawValue, have, test.want)
		}
	}
}

func TestDecodeBarcode(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 500000000, time.UTC)

	have := DecodeBarcode("GS1", "(01)123(10)ABC", at)
	want := map[string]interface{}{
		"symbology":  "GS1",
		"raw":        "(01)123(10)ABC",
		"decoded_at": "2024-05-01T12:00:00.5",
		"segments":   []string{"", "01)123", "10)ABC"},
	}
	if !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if _, ok := DecodeBarcode("qr", "x", at)["segments"]; ok {
		t.Error("segments set for non-gs1 symbology")
	}
}

func TestScanEventValidate(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	scan := &ScanEvent{Symbology: "qr", RawValue: "QR-A-2001"}
	scan.Validate(at)
	if have, want := scan.Status, ScanValidated; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if len(scan.ValidationErrors) != 0 {
		t.Errorf("unexpected errors: %v", scan.ValidationErrors)
	}
	if have, want := scan.DecodedPayload["raw"], "QR-A-2001"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if v, ok := scan.Field("status"); !ok || v != "validated" {
		t.Errorf("unexpected status field: %v %v", v, ok)
	}

	scan = &ScanEvent{Symbology: "morse", RawValue: "-.-"}
	scan.Validate(at)
	if have, want := scan.Status, ScanRejected; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := scan.ValidationErrors, []string{ScanErrUnsupportedSymbol}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
