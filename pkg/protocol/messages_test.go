package protocol

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue_Valid(t *testing.T) {
	cases := map[string]float64{
		"1.5":               1.5,
		"-0.25":             -0.25,
		" 3 \n":             3,
		"1718000000.123456": 1718000000.123456,
		"1e-3":              0.001,
	}
	for payload, want := range cases {
		got, err := DecodeValue([]byte(payload))
		require.NoError(t, err, "payload %q", payload)
		assert.Equal(t, want, got)
	}
}

func TestDecodeValue_Malformed(t *testing.T) {
	for _, payload := range []string{"not-a-number", "", "   ", "NaN", "+Inf", "1.2.3", "0x"} {
		_, err := DecodeValue([]byte(payload))
		require.Error(t, err, "payload %q", payload)
		assert.True(t, errors.Is(err, ErrMalformed))
	}
}

func TestEncodeValue_RoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1, -0.3333333333333333, 1718000000.25} {
		got, err := DecodeValue(EncodeValue(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestSeconds_PreservesSubMillisecond(t *testing.T) {
	ts := time.Date(2024, 6, 10, 8, 30, 0, 123_456_000, time.UTC)
	payload := EncodeValue(Seconds(ts))
	assert.Less(t, len(payload), MaxDatagramSize)

	v, err := DecodeValue(payload)
	require.NoError(t, err)
	assert.WithinDuration(t, ts, TimeFromSeconds(v), time.Microsecond)
}

func TestSample_Source(t *testing.T) {
	s := Sample{Addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 40000}}
	assert.Equal(t, "10.0.0.7:40000", s.Source())
	assert.Equal(t, "", Sample{}.Source())
}
