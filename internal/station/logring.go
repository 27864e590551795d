package station

import (
	"fmt"
	"sync"
	"time"
)

const logRingCapacity = 50

// LogRing is a fixed-capacity FIFO of timestamped log entries. The oldest
// entry is evicted once the ring is full; length never exceeds the capacity.
type LogRing struct {
	mu      sync.Mutex
	entries []string
	now     func() time.Time
}

// NewLogRing returns an empty ring.
func NewLogRing() *LogRing {
	return &LogRing{
		entries: make([]string, 0, logRingCapacity),
		now:     time.Now,
	}
}

// Append records a "[HH:MM:SS] message" entry, evicting the oldest when full.
func (r *LogRing) Append(message string) {
	entry := fmt.Sprintf("[%s] %s", r.now().Format("15:04:05"), message)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == logRingCapacity {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:logRingCapacity-1]
	}
	r.entries = append(r.entries, entry)
}

// Appendf is Append with formatting.
func (r *LogRing) Appendf(format string, args ...interface{}) {
	r.Append(fmt.Sprintf(format, args...))
}

// Entries returns a copy of the buffer, newest last.
func (r *LogRing) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports the current number of entries.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
