package core

import "time"

const AVG_COUNT uint8 = 30

// Metrics keeps rolling statistics about a stream of timed operations
// (encoded frames, uploads). Not safe for concurrent use; owned by one goroutine.
type Metrics struct {
	avgCounter uint8
	msTimes    [AVG_COUNT]float64
	msAvg      float64

	Count        uint64
	Bytes        uint64
	ForcedResets uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Update records one operation that took elapsed and produced size bytes.
func (m *Metrics) Update(elapsed time.Duration, size int) {
	ms := float64(elapsed) / float64(time.Millisecond)
	m.msTimes[m.avgCounter] = ms
	if m.avgCounter == AVG_COUNT-1 {
		sum := 0.0
		for i := uint8(0); i < AVG_COUNT; i++ {
			sum += m.msTimes[i]
		}
		m.msAvg = sum / float64(AVG_COUNT)
	}
	m.avgCounter++
	m.avgCounter %= AVG_COUNT

	m.Count++
	m.Bytes += uint64(size)
}

func (m *Metrics) RecordForcedReset() {
	m.ForcedResets++
}

// AverageMS is the mean duration of the last AVG_COUNT operations, refreshed every AVG_COUNT updates.
func (m *Metrics) AverageMS() float64 {
	return m.msAvg
}
