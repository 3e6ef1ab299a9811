package envelope

import (
	"fmt"
	"sync"
	"time"
)

// Stats accumulates per-endpoint message counts and latencies. Only the
// owning endpoint records; anyone may take a Snapshot.
type Stats struct {
	mu       sync.Mutex
	snapshot StatsSnapshot
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	IncomingCount   uint64
	IncomingLatency time.Duration
	OutgoingCount   uint64
	OutgoingLatency time.Duration
}

// RecordIncoming counts one received envelope.
func (s *Stats) RecordIncoming(latency time.Duration) {
	s.mu.Lock()
	s.snapshot.IncomingCount++
	s.snapshot.IncomingLatency += clamp(latency)
	s.mu.Unlock()
}

// RecordOutgoing counts one published envelope.
func (s *Stats) RecordOutgoing(latency time.Duration) {
	s.mu.Lock()
	s.snapshot.OutgoingCount++
	s.snapshot.OutgoingLatency += clamp(latency)
	s.mu.Unlock()
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// IncomingAvg is IncomingLatency/IncomingCount, or 0 with no samples.
func (s StatsSnapshot) IncomingAvg() time.Duration {
	return average(s.IncomingLatency, s.IncomingCount)
}

// OutgoingAvg is OutgoingLatency/OutgoingCount, or 0 with no samples.
func (s StatsSnapshot) OutgoingAvg() time.Duration {
	return average(s.OutgoingLatency, s.OutgoingCount)
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("in=%d avg=%s out=%d avg=%s",
		s.IncomingCount, s.IncomingAvg(), s.OutgoingCount, s.OutgoingAvg())
}

func average(total time.Duration, count uint64) time.Duration {
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
