package chunkuploader

import (
	"sync"
	"time"
)

// PartTiming is how long storing one part took.
type PartTiming struct {
	PartNumber int
	Bytes      int
	Took       time.Duration
}

// Stats collects the timing of every stored part. It is safe for concurrent use.
type Stats struct {
	mu     sync.Mutex
	timing []PartTiming
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) record(t PartTiming) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timing = append(s.timing, t)
}

// FinishedCount is the number of parts stored so far.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.timing))
}

// UploadedBytes is the size of the parts stored so far.
func (s *Stats) UploadedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.timing {
		n += int64(t.Bytes)
	}
	return n
}

// Average is the mean time it took to store a part, 0 before the first one.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timing) == 0 {
		return 0
	}
	var sum time.Duration
	for _, t := range s.timing {
		sum += t.Took
	}
	return sum / time.Duration(len(s.timing))
}

// Slowest returns the part that took the longest, and false before the first one.
func (s *Stats) Slowest() (PartTiming, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var slowest PartTiming
	for _, t := range s.timing {
		if t.Took > slowest.Took {
			slowest = t
		}
	}
	return slowest, len(s.timing) > 0
}

// BytesPerSecond is the throughput of the stored parts over wall.
func (s *Stats) BytesPerSecond(wall time.Duration) float64 {
	if wall <= 0 {
		return 0
	}
	return float64(s.UploadedBytes()) / wall.Seconds()
}
