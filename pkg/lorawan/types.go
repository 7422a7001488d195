package lorawan

import "encoding/json"

// SourceRadio is the source tag stamped on every envelope produced from a
// network-server uplink; direct device publishes carry SourceDirect.
const (
	SourceRadio  = "radio"
	SourceDirect = "direct"
)

// DeviceInfo identifies the end device inside a network-server uplink event.
type DeviceInfo struct {
	TenantID        string `json:"tenantId"`
	TenantName      string `json:"tenantName,omitempty"`
	ApplicationID   string `json:"applicationId"`
	ApplicationName string `json:"applicationName,omitempty"`
	DeviceProfileID string `json:"deviceProfileId,omitempty"`
	DeviceName      string `json:"deviceName,omitempty"`
	DevEUI          string `json:"devEui"`
}

// Location is an optional decoded gateway position attached to a reception record.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude,omitempty"`
}

// RxInfo is one gateway reception record for an uplink. An uplink heard by
// several gateways carries one record per gateway.
type RxInfo struct {
	GatewayID string    `json:"gatewayId"`
	RSSI      float64   `json:"rssi"`
	SNR       float64   `json:"snr"`
	Channel   int       `json:"channel,omitempty"`
	Location  *Location `json:"location,omitempty"`
}

// Modulation carries the radio modulation parameters of the transmission.
type Modulation struct {
	Bandwidth       float64 `json:"bandwidth,omitempty"`
	SpreadingFactor int     `json:"spreadingFactor,omitempty"`
	CodeRate        string  `json:"codeRate,omitempty"`
}

// TxInfo carries transmission metadata for an uplink.
type TxInfo struct {
	Frequency  float64     `json:"frequency"`
	Modulation *Modulation `json:"modulation,omitempty"`
}

// UplinkEvent is the wire format published by the LoRaWAN network server
// (https://www.chirpstack.io/docs/chirpstack/integrations/events.html).
// It is produced externally and read-only to the bridge.
type UplinkEvent struct {
	DeviceInfo DeviceInfo     `json:"deviceInfo"`
	Time       string         `json:"time"`
	FCnt       int            `json:"fCnt"`
	FPort      int            `json:"fPort"`
	Confirmed  bool           `json:"confirmed"`
	DR         int            `json:"dr"`
	Data       string         `json:"data"`
	Object     map[string]any `json:"object,omitempty"`
	RxInfo     []RxInfo       `json:"rxInfo,omitempty"`
	TxInfo     *TxInfo        `json:"txInfo,omitempty"`
}

// Metadata describes where a telemetry sample came from. The fixed fields are
// typed; Extra carries free-form extension fields that are inlined alongside
// them when the envelope is serialized.
type Metadata struct {
	Source          string  `json:"source"`
	DevEUI          string  `json:"devEui,omitempty"`
	Port            int     `json:"port,omitempty"`
	FrameCounter    int     `json:"frameCounter,omitempty"`
	RSSI            float64 `json:"rssi,omitempty"`
	SNR             float64 `json:"snr,omitempty"`
	GatewayID       string  `json:"gatewayId,omitempty"`
	DataRate        int     `json:"dataRate,omitempty"`
	Frequency       float64 `json:"frequency,omitempty"`
	ApplicationName string  `json:"applicationName,omitempty"`
	DeviceName      string  `json:"deviceName,omitempty"`

	Extra map[string]string `json:"-"`
}

// MarshalJSON inlines Extra next to the typed fields. A typed field always
// wins over an Extra entry with the same key.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type alias Metadata
	fixed, err := json.Marshal(alias(m))
	if err != nil || len(m.Extra) == 0 {
		return fixed, err
	}

	var flat map[string]any
	if err := json.Unmarshal(fixed, &flat); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, taken := flat[k]; !taken {
			flat[k] = v
		}
	}
	return json.Marshal(flat)
}

// Envelope is the canonical telemetry representation, independent of the
// originating protocol. DeviceID is always the internal entity identifier,
// never a radio identifier.
type Envelope struct {
	DeviceID  string         `json:"deviceId"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	Metadata  Metadata       `json:"metadata"`
}
