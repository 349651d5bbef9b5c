package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePGN(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0xFEEC", 0xFEEC, false},
		{"65259", 0xFEEB, false},
		{"0x3FFFF", 0x3FFFF, false},
		{"0x40000", 0, true},
		{"VIN", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePGN(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdapterInfo(t *testing.T) {
	info := adapterInfo("Loopback")
	require.NotNil(t, info)
	assert.False(t, info.RequiresSerialPort)
	assert.Nil(t, adapterInfo("no such adapter"))
}
