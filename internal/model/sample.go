// Package model holds the values that flow between the sensor source, the
// codec and the observers: samples going out, events coming back.
package model

import "time"

// Sample is one sensor reading submitted for classification.
type Sample struct {
	Timestamp     int64   // Unix milliseconds
	RelativePitch float64 // degrees, relative to the calibrated upright posture
}

// NewSample builds a Sample stamped with t.
func NewSample(t time.Time, relativePitch float64) Sample {
	return Sample{Timestamp: t.UnixMilli(), RelativePitch: relativePitch}
}

// Time returns the sample timestamp as a time.Time.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}
