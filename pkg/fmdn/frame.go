// Package fmdn decodes Find My Device Network style advertisement
// frames from BLE service data payloads.
package fmdn

import (
	"encoding/hex"
	"strings"
)

const (
	// ServiceUUID is the canonical 128-bit form of the 16-bit FMDN
	// service UUID under which beacons broadcast their frames.
	ServiceUUID = "0000feaa-0000-1000-8000-00805f9b34fb"

	// baseUUIDSuffix is the Bluetooth base UUID tail used to expand a
	// 16-bit UUID into its 128-bit form.
	baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

	// frameLen is the minimum payload length carrying a complete frame:
	// 1 byte frame type, 20 byte EID, 1 byte flags.
	frameLen = 22

	eidLen = 20
)

// Frame is a decoded FMDN advertisement frame. Bytes past the flags
// byte are ignored so newer beacon firmware stays decodable.
type Frame struct {
	FrameType byte
	EID       [eidLen]byte
	Flags     byte
}

// EIDHex returns the rotating identity as lowercase hex, the form used
// as correlation key everywhere outside this package.
func (f Frame) EIDHex() string {
	return hex.EncodeToString(f.EID[:])
}

// Decode scans an advertisement's service data map for an FMDN frame.
// A missing service UUID or a payload shorter than 22 bytes yields
// (Frame{}, false); almost all advertisements in the air are not FMDN
// beacons, so the false path is the hot one and is not an error.
func Decode(serviceData map[string][]byte) (Frame, bool) {
	for uuid, payload := range serviceData {
		if !matchesServiceUUID(uuid) {
			continue
		}
		return DecodePayload(payload)
	}
	return Frame{}, false
}

// DecodePayload decodes a single raw service data payload already known
// to belong to the FMDN service.
func DecodePayload(payload []byte) (Frame, bool) {
	if len(payload) < frameLen {
		return Frame{}, false
	}
	f := Frame{
		FrameType: payload[0],
		Flags:     payload[frameLen-1],
	}
	copy(f.EID[:], payload[1:1+eidLen])
	return f, true
}

// matchesServiceUUID compares a service data key against the canonical
// 128-bit FMDN UUID, case-insensitively. Bare 16-bit forms ("feaa",
// "0xFEAA") are expanded before comparison since radio stacks differ in
// how they report short UUIDs.
func matchesServiceUUID(uuid string) bool {
	u := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(uuid, "0x"), "0X"))
	if len(u) == 4 {
		u = "0000" + u + baseUUIDSuffix
	}
	return u == ServiceUUID
}
