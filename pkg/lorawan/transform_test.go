package lorawan_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-iot-bridge/pkg/lorawan"
)

// mapResolver is a test double for the lorawan.DeviceResolver interface.
type mapResolver map[string]string

func (m mapResolver) DeviceID(devEUI string) (string, bool) {
	id, ok := m[devEUI]
	return id, ok
}

func TestTransform(t *testing.T) {
	const (
		devEUI   = "0004a30b00ebd19f"
		deviceID = "11111111-1111-1111-1111-111111111111"
	)
	devices := mapResolver{devEUI: deviceID}

	t.Run("Mapped device with decoded object", func(t *testing.T) {
		// Arrange
		up := &lorawan.UplinkEvent{
			DeviceInfo: lorawan.DeviceInfo{
				DevEUI:          devEUI,
				ApplicationName: "tracker-app",
				DeviceName:      "tracker-1",
			},
			Time:   "2024-03-01T12:00:00.000Z",
			FCnt:   42,
			FPort:  7,
			DR:     5,
			Data:   "AQI=",
			Object: map[string]any{"lat": 43.6532},
			RxInfo: []lorawan.RxInfo{{GatewayID: "gw-1", RSSI: -71, SNR: 9.5}},
			TxInfo: &lorawan.TxInfo{Frequency: 868100000},
		}

		// Act
		envelope, err := lorawan.Transform(up, devices)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, deviceID, envelope.DeviceID)
		assert.Equal(t, "2024-03-01T12:00:00.000Z", envelope.Timestamp)
		assert.Equal(t, map[string]any{"lat": 43.6532}, envelope.Payload)
		assert.Equal(t, lorawan.SourceRadio, envelope.Metadata.Source)
		assert.Equal(t, devEUI, envelope.Metadata.DevEUI)
		assert.Equal(t, 7, envelope.Metadata.Port)
		assert.Equal(t, 42, envelope.Metadata.FrameCounter)
		assert.Equal(t, 5, envelope.Metadata.DataRate)
		assert.Equal(t, "gw-1", envelope.Metadata.GatewayID)
		assert.Equal(t, -71.0, envelope.Metadata.RSSI)
		assert.Equal(t, 9.5, envelope.Metadata.SNR)
		assert.Equal(t, 868100000.0, envelope.Metadata.Frequency)
		assert.Equal(t, "tracker-app", envelope.Metadata.ApplicationName)
		assert.Equal(t, "tracker-1", envelope.Metadata.DeviceName)
	})

	t.Run("Unmapped device returns ErrDeviceNotProvisioned", func(t *testing.T) {
		up := &lorawan.UplinkEvent{
			DeviceInfo: lorawan.DeviceInfo{DevEUI: "ffffffffffffffff"},
		}

		envelope, err := lorawan.Transform(up, devices)

		require.ErrorIs(t, err, lorawan.ErrDeviceNotProvisioned)
		assert.Nil(t, envelope)
	})

	t.Run("EUI lookup is case-insensitive", func(t *testing.T) {
		up := &lorawan.UplinkEvent{
			DeviceInfo: lorawan.DeviceInfo{DevEUI: "0004A30B00EBD19F"},
		}

		envelope, err := lorawan.Transform(up, devices)

		require.NoError(t, err)
		assert.Equal(t, deviceID, envelope.DeviceID)
		assert.Equal(t, devEUI, envelope.Metadata.DevEUI, "metadata carries the normalized EUI")
	})

	t.Run("Empty decoded object falls back to raw payload", func(t *testing.T) {
		up := &lorawan.UplinkEvent{
			DeviceInfo: lorawan.DeviceInfo{DevEUI: devEUI},
			FPort:      3,
			Data:       "aGVsbG8=",
			Object:     map[string]any{},
		}

		envelope, err := lorawan.Transform(up, devices)

		require.NoError(t, err)
		assert.Equal(t, map[string]any{"rawData": "aGVsbG8=", "port": 3}, envelope.Payload)
	})

	t.Run("Strongest reception record wins", func(t *testing.T) {
		up := &lorawan.UplinkEvent{
			DeviceInfo: lorawan.DeviceInfo{DevEUI: devEUI},
			RxInfo: []lorawan.RxInfo{
				{GatewayID: "gw-far", RSSI: -110, SNR: -2},
				{GatewayID: "gw-near", RSSI: -60, SNR: 11},
				{GatewayID: "gw-mid", RSSI: -85, SNR: 4},
			},
		}

		envelope, err := lorawan.Transform(up, devices)

		require.NoError(t, err)
		assert.Equal(t, "gw-near", envelope.Metadata.GatewayID)
		assert.Equal(t, -60.0, envelope.Metadata.RSSI)
		assert.Equal(t, 11.0, envelope.Metadata.SNR)
	})

	t.Run("Reception ties keep the first record", func(t *testing.T) {
		up := &lorawan.UplinkEvent{
			DeviceInfo: lorawan.DeviceInfo{DevEUI: devEUI},
			RxInfo: []lorawan.RxInfo{
				{GatewayID: "gw-first", RSSI: -80},
				{GatewayID: "gw-second", RSSI: -80},
			},
		}

		envelope, err := lorawan.Transform(up, devices)

		require.NoError(t, err)
		assert.Equal(t, "gw-first", envelope.Metadata.GatewayID)
	})

	t.Run("No reception records leaves signal metadata empty", func(t *testing.T) {
		up := &lorawan.UplinkEvent{
			DeviceInfo: lorawan.DeviceInfo{DevEUI: devEUI},
		}

		envelope, err := lorawan.Transform(up, devices)

		require.NoError(t, err)
		assert.Empty(t, envelope.Metadata.GatewayID)
		assert.Zero(t, envelope.Metadata.RSSI)
	})
}

func TestMetadataMarshalJSON(t *testing.T) {
	t.Run("Extra fields are inlined", func(t *testing.T) {
		meta := lorawan.Metadata{
			Source: lorawan.SourceRadio,
			DevEUI: "0004a30b00ebd19f",
			Extra:  map[string]string{"region": "EU868"},
		}

		data, err := json.Marshal(meta)
		require.NoError(t, err)

		var flat map[string]any
		require.NoError(t, json.Unmarshal(data, &flat))
		assert.Equal(t, "radio", flat["source"])
		assert.Equal(t, "0004a30b00ebd19f", flat["devEui"])
		assert.Equal(t, "EU868", flat["region"])
	})

	t.Run("Typed fields win over Extra collisions", func(t *testing.T) {
		meta := lorawan.Metadata{
			Source: lorawan.SourceDirect,
			Extra:  map[string]string{"source": "spoofed"},
		}

		data, err := json.Marshal(meta)
		require.NoError(t, err)

		var flat map[string]any
		require.NoError(t, json.Unmarshal(data, &flat))
		assert.Equal(t, "direct", flat["source"])
	})
}
