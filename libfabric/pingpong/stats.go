package pingpong

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
)

// Stats summarizes a finished run.
type Stats struct {
	Size    int           `json:"size"`
	Iters   int           `json:"iters"`
	Elapsed time.Duration `json:"elapsed"`
}

// Bytes is the payload moved in both directions.
func (s Stats) Bytes() int64 {
	return int64(s.Size) * int64(s.Iters) * 2
}

func (s Stats) usec() float64 {
	return float64(s.Elapsed) / float64(time.Microsecond)
}

// Mbps is the throughput in megabits per second.
func (s Stats) Mbps() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes()) * 8 / s.usec()
}

// UsecPerIter is the mean round trip time in microseconds.
func (s Stats) UsecPerIter() float64 {
	if s.Iters == 0 {
		return 0
	}
	return s.usec() / float64(s.Iters)
}

// Lines formats the statistics as the two report lines of the tool.
func (s Stats) Lines() []string {
	secs := s.Elapsed.Seconds()
	return []string{
		fmt.Sprintf("%d bytes in %.2f seconds = %.2f Mbit/sec", s.Bytes(), secs, s.Mbps()),
		fmt.Sprintf("%d iters in %.2f seconds = %.2f usec/iter", s.Iters, secs, s.UsecPerIter()),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%s in %d iters of %s over %s (%.2f Mbit/sec)",
		units.HumanSize(float64(s.Bytes())), s.Iters, units.BytesSize(float64(s.Size)), s.Elapsed, s.Mbps())
}
