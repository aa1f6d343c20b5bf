package scan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scanner gateways and dongles speak a line protocol:
//
//	ADV,<manufacturer id hex>,<rssi dBm>,<payload hex>
//	ERR,<error code>
//	OK
//
// UDP gateways send the same lines, one or more per datagram.

const (
	LineUnknown = "unknown"
	LineAdv     = "adv"
	LineErr     = "err"
	LineOK      = "ok"
)

var ErrMalformedLine = errors.New("malformed scanner line")

// Line is one parsed protocol line.
type Line struct {
	Kind string
	Adv  Advertisement
	Code ErrorCode
}

// ClassifyLine returns the line kind token without fully parsing it.
func ClassifyLine(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "ADV,"):
		return LineAdv
	case strings.HasPrefix(s, "ERR,"):
		return LineErr
	case s == "OK":
		return LineOK
	}
	return LineUnknown
}

// ParseLine parses s, stamping advertisements with at.
func ParseLine(s string, at time.Time) (Line, error) {
	s = strings.TrimSpace(s)
	switch ClassifyLine(s) {
	case LineOK:
		return Line{Kind: LineOK}, nil
	case LineErr:
		return Line{Kind: LineErr, Code: ParseErrorCode(strings.TrimPrefix(s, "ERR,"))}, nil
	case LineAdv:
	default:
		return Line{Kind: LineUnknown}, fmt.Errorf("%w: %q", ErrMalformedLine, s)
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Line{}, fmt.Errorf("%w: want 4 fields, got %d", ErrMalformedLine, len(parts))
	}
	mfg, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return Line{}, fmt.Errorf("%w: manufacturer id: %v", ErrMalformedLine, err)
	}
	rssi, err := strconv.Atoi(parts[2])
	if err != nil {
		return Line{}, fmt.Errorf("%w: rssi: %v", ErrMalformedLine, err)
	}
	payload, err := hex.DecodeString(parts[3])
	if err != nil {
		return Line{}, fmt.Errorf("%w: payload: %v", ErrMalformedLine, err)
	}
	return Line{
		Kind: LineAdv,
		Adv: Advertisement{
			ManufacturerID: uint16(mfg),
			Payload:        payload,
			RSSI:           rssi,
			ReceivedAt:     at,
		},
	}, nil
}

// FormatAdvertisement renders adv as an ADV line without a trailing newline.
func FormatAdvertisement(adv Advertisement) string {
	return fmt.Sprintf("ADV,%04X,%d,%s", adv.ManufacturerID, adv.RSSI, strings.ToUpper(hex.EncodeToString(adv.Payload)))
}

// dispatchLine delivers one protocol line to cb. Malformed lines are counted
// by the caller through the returned error and otherwise ignored.
func dispatchLine(s string, at time.Time, filters []Filter, cb Callback) error {
	line, err := ParseLine(s, at)
	if err != nil {
		return err
	}
	switch line.Kind {
	case LineAdv:
		if MatchAny(filters, line.Adv) {
			cb.OnAdvertisement(line.Adv)
		}
	case LineErr:
		cb.OnFailure(line.Code)
	}
	return nil
}
