package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULID_ParseAndString(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero())
	assert.NotEqual(t, id, NewULID())
	assert.Len(t, id.String(), 26)
	assert.WithinDuration(t, time.Now(), id.Time(), time.Second)

	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseULID("not-a-valid-ulid")
	assert.ErrorContains(t, err, "invalid ULID")
}

func TestULID_Value(t *testing.T) {
	var zero ULID
	val, err := zero.Value()
	require.NoError(t, err)
	assert.Nil(t, val)

	id := NewULID()
	val, err = id.Value()
	require.NoError(t, err)
	assert.Equal(t, id.String(), val)
}

func TestULID_Scan(t *testing.T) {
	valid := NewULID()

	tests := []struct {
		name      string
		input     any
		expected  ULID
		expectErr bool
	}{
		{"nil sets zero", nil, ULID{}, false},
		{"valid string", valid.String(), valid, false},
		{"empty string sets zero", "", ULID{}, false},
		{"valid bytes", []byte(valid.String()), valid, false},
		{"invalid string", "bad-ulid", ULID{}, true},
		{"unsupported type", 12345, ULID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := NewULID()
			err := u.Scan(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, u)
		})
	}
}

func TestULID_JSON(t *testing.T) {
	id := NewULID()
	data, err := json.Marshal(struct {
		ID ULID `json:"id"`
	}{id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+id.String()+`"}`, string(data))

	var back struct {
		ID ULID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id":""}`), &back))
	assert.True(t, back.ID.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"id":"nope"}`), &back))
}

func TestConversion_FinishAndFail(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := &Conversion{Status: ConversionStatusRunning, StartedAt: start}
	assert.False(t, c.Status.IsFinished())

	c.Finish(ConversionStatusCompleted, start.Add(1500*time.Millisecond))
	assert.True(t, c.Status.IsFinished())
	assert.Equal(t, int64(1500), c.DurationMs)
	require.NotNil(t, c.CompletedAt)

	f := &Conversion{Status: ConversionStatusRunning, StartedAt: start}
	f.Fail(ErrorKindEgress, errors.New("quota exceeded"), start.Add(time.Second))
	assert.Equal(t, ConversionStatusFailed, f.Status)
	assert.Equal(t, ErrorKindEgress, f.ErrorKind)
	assert.Equal(t, "quota exceeded", f.Error)
}
