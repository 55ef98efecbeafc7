package cache

import "fmt"

// Stats holds cache statistics.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Uploads    uint64
	Selections uint64
	Clears     uint64
	Entries    int
	Bytes      uint64
}

// HitRate returns the hit rate as a fraction (0.0 to 1.0).
// Returns 0 if there have been no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Cache{entries=%d, bytes=%d, hits=%d, misses=%d, uploads=%d, selections=%d, clears=%d, hitRate=%.2f%%}",
		s.Entries, s.Bytes, s.Hits, s.Misses, s.Uploads, s.Selections, s.Clears, s.HitRate()*100)
}
