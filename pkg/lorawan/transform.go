package lorawan

import (
	"errors"
	"strings"
)

// ErrDeviceNotProvisioned indicates an uplink whose device EUI has no mapping
// to an internal device identifier. The message is dropped, not retried; the
// condition clears once the device is provisioned and the cache refreshes.
var ErrDeviceNotProvisioned = errors.New("no device mapping for EUI")

// DeviceResolver resolves a radio device EUI to an internal device
// identifier. Lookups must be case-insensitive for the EUI.
type DeviceResolver interface {
	DeviceID(devEUI string) (string, bool)
}

// Transform converts a network-server uplink into the canonical telemetry
// envelope. It never performs I/O beyond the resolver lookup and never
// panics; an unmapped EUI is the only soft failure, reported as
// ErrDeviceNotProvisioned. Parsing the raw uplink JSON is the caller's
// responsibility.
func Transform(up *UplinkEvent, devices DeviceResolver) (*Envelope, error) {
	devEUI := strings.ToLower(up.DeviceInfo.DevEUI)
	deviceID, ok := devices.DeviceID(devEUI)
	if !ok {
		return nil, ErrDeviceNotProvisioned
	}

	// Prefer the decoder-produced object; fall back to the raw payload so
	// downstream consumers always receive something decodable.
	payload := up.Object
	if len(payload) == 0 {
		payload = map[string]any{
			"rawData": up.Data,
			"port":    up.FPort,
		}
	}

	meta := Metadata{
		Source:          SourceRadio,
		DevEUI:          devEUI,
		Port:            up.FPort,
		FrameCounter:    up.FCnt,
		DataRate:        up.DR,
		ApplicationName: up.DeviceInfo.ApplicationName,
		DeviceName:      up.DeviceInfo.DeviceName,
	}
	if rx, ok := strongestReception(up.RxInfo); ok {
		meta.RSSI = rx.RSSI
		meta.SNR = rx.SNR
		meta.GatewayID = rx.GatewayID
	}
	if up.TxInfo != nil {
		meta.Frequency = up.TxInfo.Frequency
	}

	return &Envelope{
		DeviceID: deviceID,
		// Copied verbatim; temporal plausibility is not this layer's concern.
		Timestamp: up.Time,
		Payload:   payload,
		Metadata:  meta,
	}, nil
}

// strongestReception picks the reception record with the numerically greatest
// RSSI (closest to zero for dBm values). Ties keep the first record seen.
func strongestReception(records []RxInfo) (RxInfo, bool) {
	if len(records) == 0 {
		return RxInfo{}, false
	}
	best := records[0]
	for _, rx := range records[1:] {
		if rx.RSSI > best.RSSI {
			best = rx
		}
	}
	return best, true
}
