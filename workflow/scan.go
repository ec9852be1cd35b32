package workflow

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ScanStatus is the validation state of a scan event.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanValidated ScanStatus = "validated"
	ScanRejected  ScanStatus = "rejected"
)

// MaxRawValueLength is the longest accepted raw scan value in characters.
const MaxRawValueLength = 512

// Barcode validation errors.
const (
	ScanErrRawValueRequired  = "raw_value is required"
	ScanErrUnsupportedSymbol = "unsupported symbology"
	ScanErrRawValueTooLong   = "raw_value exceeds max length"
)

var supportedSymbologies = map[string]struct{}{
	"gs1":        {},
	"code128":    {},
	"qr":         {},
	"datamatrix": {},
}

// ValidateBarcode returns the validation errors for a scanned value.
// Symbologies match case-insensitively. A nil result means the value is valid.
func ValidateBarcode(symbology, rawValue string) []string {
	var errs []string
	if rawValue == "" {
		errs = append(errs, ScanErrRawValueRequired)
	}
	if _, ok := supportedSymbologies[strings.ToLower(symbology)]; !ok {
		errs = append(errs, ScanErrUnsupportedSymbol)
	}
	if utf8.RuneCountInString(rawValue) > MaxRawValueLength {
		errs = append(errs, ScanErrRawValueTooLong)
	}
	return errs
}

// DecodeBarcode returns the decoded payload recorded on a scan event.
// GS1 values are additionally split into their "(" delimited segments.
func DecodeBarcode(symbology, rawValue string, at time.Time) map[string]interface{} {
	payload := map[string]interface{}{
		"symbology":  symbology,
		"raw":        rawValue,
		"decoded_at": at.UTC().Format("2006-01-02T15:04:05.999999"),
	}
	if strings.EqualFold(symbology, "gs1") {
		payload["segments"] = strings.Split(rawValue, "(")
	}
	return payload
}

// Validate decodes and validates s, setting its status, decoded payload
// and validation errors. A rejected scan is still a recorded scan.
func (s *ScanEvent) Validate(at time.Time) {
	s.DecodedPayload = DecodeBarcode(s.Symbology, s.RawValue, at)
	s.ValidationErrors = ValidateBarcode(s.Symbology, s.RawValue)
	s.Status = ScanValidated
	if len(s.ValidationErrors) > 0 {
		s.Status = ScanRejected
	}
}
