package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/types"
)

func TestNewDispatchesOnAdapterType(t *testing.T) {
	tests := []struct {
		adapterType types.AdapterType
		conn        map[string]string
	}{
		{types.AdapterSerial, map[string]string{"device": "/dev/ttyACM0"}},
		{types.AdapterOctoPrint, map[string]string{"host": "octopi.local"}},
		{types.AdapterMoonraker, map[string]string{"host": "voron.local"}},
		{types.AdapterBambu, map[string]string{"host": "10.0.0.5", "serial": "01S"}},
		{types.AdapterPrusaConnect, map[string]string{"host": "prusa.local"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.adapterType), func(t *testing.T) {
			a, err := New(&types.PrinterRecord{
				ID:            "p1",
				AdapterType:   tt.adapterType,
				Connection:    tt.conn,
				SafetyProfile: "generic",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.adapterType, a.Type())
			assert.Equal(t, "generic", a.Profile().ID)
		})
	}
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(&types.PrinterRecord{ID: "p1", AdapterType: "teleporter"})
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationError, types.CodeOf(err))
}

func TestCheckTempTarget(t *testing.T) {
	profile := ProfileFor("prusa_mini") // hotend 280, bed 100

	assert.NoError(t, checkTempTarget(profile, 0, profile.MaxHotendTemp, "hotend"))
	assert.NoError(t, checkTempTarget(profile, 280, profile.MaxHotendTemp, "hotend"))

	err := checkTempTarget(profile, 280.1, profile.MaxHotendTemp, "hotend")
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationError, types.CodeOf(err))

	err = checkTempTarget(profile, -5, profile.MaxHotendTemp, "hotend")
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationError, types.CodeOf(err))
}

func TestTimeoutCtx(t *testing.T) {
	ctx, cancel := timeoutCtx(context.Background(), time.Minute)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	parent, parentCancel := context.WithTimeout(context.Background(), time.Second)
	defer parentCancel()
	ctx2, cancel2 := timeoutCtx(parent, time.Minute)
	defer cancel2()
	d2, ok := ctx2.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), d2, 100*time.Millisecond, "existing deadline wins")
}

func TestErrUnsupported(t *testing.T) {
	err := errUnsupported(types.AdapterSerial, "snapshot")
	assert.Equal(t, types.CodeUnsupported, types.CodeOf(err))
	assert.Contains(t, err.Error(), "serial")
	assert.Contains(t, err.Error(), "snapshot")
}
