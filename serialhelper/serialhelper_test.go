package serialhelper

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSerialLocksDevice(t *testing.T) {
	device := filepath.Join(t.TempDir(), "ttyFAKE0")
	require.NoError(t, os.WriteFile(device, nil, 0644))

	first, err := GetSerial(device, 0, time.Millisecond)
	require.NoError(t, err)

	_, err = GetSerial(device, 1, time.Millisecond)
	var unavailable *SerialUnavailableError
	require.True(t, errors.As(err, &unavailable), "expected SerialUnavailableError, got %v", err)

	assert.NoError(t, ReleaseSerial(first))

	second, err := GetSerial(device, 0, time.Millisecond)
	require.NoError(t, err)
	assert.NoError(t, ReleaseSerial(second))
}

func TestGetSerialMissingDevice(t *testing.T) {
	_, err := GetSerial(filepath.Join(t.TempDir(), "missing"), 0, time.Millisecond)
	assert.True(t, os.IsNotExist(err))
}
