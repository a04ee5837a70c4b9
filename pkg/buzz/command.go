package buzz

import (
	"encoding/json"
	"fmt"
)

// Format selects the wire encoding of a buzz command. Beacon firmware
// variants differ in what they accept, so the owner picks per request.
type Format string

const (
	// FormatJSON is the structured key-value encoding.
	FormatJSON Format = "json"
	// FormatText is the compact "BUZZ:<duration>" encoding.
	FormatText Format = "text"
	// FormatBinary is 'B' followed by the duration as a fixed-width
	// zero-padded decimal.
	FormatBinary Format = "binary"
)

// ParseFormat maps a stored format string to a Format. Empty defaults
// to JSON; anything else is rejected.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatText, FormatBinary:
		return Format(s), nil
	default:
		return "", fmt.Errorf("buzz: unknown command format %q", s)
	}
}

type jsonCommand struct {
	Action     string `json:"action"`
	DurationMS int    `json:"duration_ms"`
	EID        string `json:"eid"`
}

// EncodeCommand renders the buzz command for one delivery.
func EncodeCommand(f Format, eid string, durationMS int) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(jsonCommand{Action: "buzz", DurationMS: durationMS, EID: eid})
	case FormatText:
		return []byte(fmt.Sprintf("BUZZ:%d", durationMS)), nil
	case FormatBinary:
		return []byte(fmt.Sprintf("B%08d", durationMS)), nil
	default:
		return nil, fmt.Errorf("buzz: unknown command format %q", f)
	}
}
