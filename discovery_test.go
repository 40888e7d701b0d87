package cobot_us

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.viam.com/rdk/logging"
)

func TestFilterCandidatePorts(t *testing.T) {
	tests := []struct {
		name     string
		ports    []string
		expected []string
	}{
		{
			name:     "myCobot on a Linux host",
			ports:    []string{"/dev/ttyUSB0", "/dev/ttyS0", "/dev/ttyACM0", "/dev/null"},
			expected: []string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		},
		{
			name:     "macOS CH340 and CP210x ports",
			ports:    []string{"/dev/cu.wchusbserial1410", "/dev/tty.Bluetooth-Incoming-Port", "/dev/cu.usbserial-0001", "/dev/cu.debug-console"},
			expected: []string{"/dev/cu.wchusbserial1410", "/dev/cu.usbserial-0001"},
		},
		{
			name:     "Windows COM ports",
			ports:    []string{"COM3", "COM10", "LPT1", "PRN"},
			expected: []string{"COM3", "COM10"},
		},
		{
			name:     "nothing plugged in",
			ports:    []string{"/dev/null", "/dev/zero"},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := filterCandidatePorts(tt.ports)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestExtractPortSuffix(t *testing.T) {
	assert.Equal(t, "ttyUSB0", extractPortSuffix("/dev/ttyUSB0"))
	assert.Equal(t, "COM3", extractPortSuffix("COM3"))
	assert.Equal(t, "usbmodem123", extractPortSuffix("/dev/tty.usbmodem123"))
	assert.Equal(t, "wchusbserial1410", extractPortSuffix("/dev/cu.wchusbserial1410"))
}

func TestKnownUSBSerial(t *testing.T) {
	assert.True(t, isKnownUSBSerial("1A86"), "CH340")
	assert.True(t, isKnownUSBSerial("10c4"), "CP210x")
	assert.False(t, isKnownUSBSerial("2341"))
	assert.False(t, isKnownUSBSerial(""))
}

func TestProbeVersion(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	d := newFakeDriver()
	assert.Equal(t, "myCobot 280 firmware 2.0", probeVersion(ctx, "/dev/ttyUSB0", 0, openerFor(d), logger))
	assert.Equal(t, 1, d.closed, "probe must close the port")

	silent := newFakeDriver()
	silent.versionErr = errors.New("no reply")
	assert.Empty(t, probeVersion(ctx, "/dev/ttyUSB0", 0, openerFor(silent), logger))

	assert.Empty(t, probeVersion(ctx, "/dev/ttyUSB0", 0, failingOpener(errors.New("busy")), logger))
}
