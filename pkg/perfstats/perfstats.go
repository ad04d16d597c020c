// Package perfstats keeps running totals of how the detection service is performing
package perfstats

import (
	"sync"
	"time"
)

type Number interface {
	~int64 | ~float64
}

// Two scalars (N samples and X total amount), which can measure total and average values.
type Accumulator[T Number] struct {
	Samples int64
	Total   T
}

func (a *Accumulator[T]) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *Accumulator[T]) AddSample(v T) {
	a.Samples++
	a.Total += v
}

func (a *Accumulator[T]) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return float64(a.Total) / float64(a.Samples)
}

// DetectStats accumulates per-request numbers for the detect endpoint.
// All methods are safe for concurrent use.
type DetectStats struct {
	lock     sync.Mutex
	started  time.Time
	failures int64
	duration Accumulator[time.Duration]
	pipes    Accumulator[int64]
	tiles    Accumulator[int64]
	raw      Accumulator[int64] // Detections before cross-tile merging
}

func NewDetectStats() *DetectStats {
	return &DetectStats{started: time.Now()}
}

// AddSuccess records one completed detection
func (s *DetectStats) AddSuccess(duration time.Duration, pipes, tiles, rawDetections int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.duration.AddSample(duration)
	s.pipes.AddSample(int64(pipes))
	s.tiles.AddSample(int64(tiles))
	s.raw.AddSample(int64(rawDetections))
}

func (s *DetectStats) AddFailure() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failures++
}

type DetectStatsJSON struct {
	UptimeSeconds     int64   `json:"uptimeSeconds"`
	Requests          int64   `json:"requests"` // Successful detections
	Failures          int64   `json:"failures"`
	AvgDurationMS     float64 `json:"avgDurationMs"`
	AvgPipes          float64 `json:"avgPipes"`
	AvgTiles          float64 `json:"avgTiles"`
	AvgRawDetections  float64 `json:"avgRawDetections"`
	TotalPipesCounted int64   `json:"totalPipesCounted"`
}

func (s *DetectStats) Snapshot() DetectStatsJSON {
	s.lock.Lock()
	defer s.lock.Unlock()
	return DetectStatsJSON{
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		Requests:          s.duration.Samples,
		Failures:          s.failures,
		AvgDurationMS:     s.duration.Average() / float64(time.Millisecond),
		AvgPipes:          s.pipes.Average(),
		AvgTiles:          s.tiles.Average(),
		AvgRawDetections:  s.raw.Average(),
		TotalPipesCounted: s.pipes.Total,
	}
}
