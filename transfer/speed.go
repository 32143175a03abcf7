package transfer

import "time"

// speedWindow is the number of samples in the throughput moving average.
const speedWindow = 24

// speedTracker keeps a moving average of bytes per second over the last speedWindow samples.
type speedTracker struct {
	history [speedWindow]int64
	next    int
	count   int
	last    time.Time
}

// observe records n bytes handled at now and returns the updated average.
func (s *speedTracker) observe(n int64, now time.Time) int64 {
	elapsed := now.Sub(s.last)
	if s.last.IsZero() || elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	s.last = now

	s.history[s.next] = int64(float64(n) / elapsed.Seconds())
	s.next = (s.next + 1) % speedWindow
	if s.count < speedWindow {
		s.count++
	}
	return s.average()
}

func (s *speedTracker) average() int64 {
	if s.count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < s.count; i++ {
		sum += s.history[i]
	}
	return sum / int64(s.count)
}

func (s *speedTracker) reset() {
	*s = speedTracker{}
}
