package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSample(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)
	s := NewSample(ts, -25.73)

	assert.Equal(t, ts.UnixMilli(), s.Timestamp)
	assert.Equal(t, -25.73, s.RelativePitch)
	assert.True(t, s.Time().Equal(ts))
}

func TestErrorEvent(t *testing.T) {
	cause := errors.New("connection refused")
	ev := ErrorEvent{Message: "dial failed", Source: SourceTransport, Err: cause}

	assert.Equal(t, "transport: dial failed", ev.Error())
	assert.ErrorIs(t, ev, cause)
	assert.Equal(t, "unknown", Source(42).String())
}
