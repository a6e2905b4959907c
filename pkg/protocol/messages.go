package protocol

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/heitortanoue/clocksync/pkg/phase"
)

// Channel names one of the three datagram streams an agent produces.
type Channel string

const (
	TriggerChannel Channel = "TRIGGER"
	TickChannel    Channel = "TICK"
	DiffChannel    Channel = "DIFF"
)

// MaxDatagramSize bounds every payload read from the wire.
const MaxDatagramSize = 1024

// ErrMalformed is returned when a payload is not a finite decimal number.
var ErrMalformed = errors.New("malformed payload")

// TickEvent is the wall-clock instant an agent's oscillator fired.
type TickEvent struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// DiffMeasurement is the phase offset an agent computed during one cycle.
type DiffMeasurement struct {
	Source string         `json:"source"`
	Value  float64        `json:"value"`
	Mode   phase.DiffMode `json:"mode"`
}

// Sample is one decoded datagram together with the address it came from.
type Sample struct {
	Addr       *net.UDPAddr
	Value      float64
	ReceivedAt time.Time
}

// Source returns the sender identity of the sample ("ip:port").
func (s Sample) Source() string {
	if s.Addr == nil {
		return ""
	}
	return s.Addr.String()
}

// Time interprets the sample value as Unix seconds.
func (s Sample) Time() time.Time {
	return TimeFromSeconds(s.Value)
}

// EncodeValue renders v as the decimal ASCII payload used on every stream.
func EncodeValue(v float64) []byte {
	return strconv.AppendFloat(nil, v, 'f', -1, 64)
}

// DecodeValue parses a decimal ASCII payload. Non-finite values are rejected.
func DecodeValue(data []byte) (float64, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if len(data) > MaxDatagramSize {
		return 0, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(data), MaxDatagramSize)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, truncate(text, 32))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite value %q", ErrMalformed, text)
	}
	return v, nil
}

// Seconds converts t into fractional Unix seconds.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// TimeFromSeconds converts fractional Unix seconds back into a time.Time.
func TimeFromSeconds(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*float64(time.Second))))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
