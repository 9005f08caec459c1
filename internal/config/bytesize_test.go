package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ByteSize
		wantErr bool
	}{
		{name: "raw bytes", input: "1024", want: 1024},
		{name: "kibibytes", input: "64KiB", want: 64 * 1024},
		{name: "mebibytes with space", input: "8 MiB", want: 8 * 1024 * 1024},
		{name: "fractional gibibytes", input: "1.5GiB", want: 1536 * 1024 * 1024},
		{name: "si megabytes", input: "5MB", want: 5 * 1000 * 1000},
		{name: "lowercase", input: "2mib", want: 2 * 1024 * 1024},
		{name: "zero", input: "0", want: 0},
		{name: "invalid", input: "invalid", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "unknown unit", input: "5XB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestByteSize_UnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("16MiB")))
	assert.Equal(t, ByteSize(16*1024*1024), b)

	assert.Error(t, b.UnmarshalText([]byte("nope")))
}

func TestByteSize_UnmarshalJSON(t *testing.T) {
	var s struct {
		Size ByteSize `json:"size"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"size":"4KiB"}`), &s))
	assert.Equal(t, ByteSize(4096), s.Size)

	require.NoError(t, json.Unmarshal([]byte(`{"size":2048}`), &s))
	assert.Equal(t, ByteSize(2048), s.Size)

	assert.Error(t, json.Unmarshal([]byte(`{"size":true}`), &s))
}

func TestByteSize_String(t *testing.T) {
	assert.Equal(t, "64 KiB", ByteSize(64*1024).String())
	assert.Equal(t, "1.5 GiB", ByteSize(1536*1024*1024).String())
	// Not representable after rounding, so the raw count is kept.
	assert.Equal(t, "1500", ByteSize(1500).String())
	assert.Equal(t, "512 B", ByteSize(512).String())
}

func TestByteSize_MarshalRoundTrip(t *testing.T) {
	for _, v := range []ByteSize{0, 1, 1500, 64 * 1024, 8*1024*1024 + 3} {
		text, err := v.MarshalText()
		require.NoError(t, err)

		var back ByteSize
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, v, back, "round trip of %d via %q", v, text)
	}
}
