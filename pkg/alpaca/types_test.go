package alpaca

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceType(t *testing.T) {
	tests := []struct {
		input   string
		want    DeviceType
		wantErr bool
	}{
		{"Telescope", Telescope, false},
		{"telescope", Telescope, false},
		{"CAMERA", Camera, false},
		{"Focuser", Focuser, false},
		{"FilterWheel", FilterWheel, false},
		{"filterwheel", FilterWheel, false},
		{"Dome", 0, true},
		{"", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseDeviceType(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeviceTypeString(t *testing.T) {
	assert.Equal(t, "Telescope", Telescope.String())
	assert.Equal(t, "FilterWheel", FilterWheel.String())
	assert.Equal(t, "Unknown", DeviceType(42).String())
}

func TestParseDeviceTypeRoundTrip(t *testing.T) {
	for _, dt := range []DeviceType{Telescope, Camera, Focuser, FilterWheel} {
		got, err := ParseDeviceType(dt.String())
		require.NoError(t, err)
		assert.Equal(t, dt, got)
	}
}
