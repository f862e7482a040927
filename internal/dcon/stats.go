package dcon

import (
	"fmt"
	"sync"
	"time"
)

// Stats counts good and bad replies between two quality reports.
type Stats struct {
	mu        sync.Mutex
	lastReset time.Time
	good      uint64
	bad       uint64
	byModule  map[string]uint64
	badByMod  map[string]uint64
	byKind    map[Kind]uint64
}

// QualityReport is one period of bus statistics.
type QualityReport struct {
	Total    uint64            `json:"total"`
	Good     uint64            `json:"good"`
	Bad      uint64            `json:"bad"`
	Quality  float64           `json:"quality"`
	Speed    float64           `json:"speed"`
	ByModule map[string]uint64 `json:"by_module"`
	BadByMod map[string]uint64 `json:"bad_by_module"`
	Analog   uint64            `json:"ai"`
	Digital  uint64            `json:"di"`
	Writes   uint64            `json:"do"`
	Identify uint64            `json:"id"`
	Period   float64           `json:"period"`
	At       time.Time         `json:"at"`
}

func NewStats(now time.Time) *Stats {
	s := &Stats{}
	s.reset(now)
	return s
}

func (s *Stats) reset(now time.Time) {
	s.lastReset = now
	s.good = 0
	s.bad = 0
	s.byModule = make(map[string]uint64)
	s.badByMod = make(map[string]uint64)
	s.byKind = make(map[Kind]uint64)
}

// Record counts one transaction.
func (s *Stats) Record(module string, kind Kind, good bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byModule[module]++
	s.byKind[kind]++
	if good {
		s.good++
	} else {
		s.bad++
		s.badByMod[module]++
	}
}

// Report returns the counters accumulated since the previous report and
// starts a new period.
func (s *Stats) Report(now time.Time) QualityReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	period := now.Sub(s.lastReset).Seconds()
	total := s.good + s.bad
	r := QualityReport{
		Total:    total,
		Good:     s.good,
		Bad:      s.bad,
		ByModule: s.byModule,
		BadByMod: s.badByMod,
		Analog:   s.byKind[KindAnalog],
		Digital:  s.byKind[KindDigital],
		Writes:   s.byKind[KindWrite],
		Identify: s.byKind[KindIdentify],
		Period:   round1(period),
		At:       now,
	}
	if total > 0 {
		r.Quality = round1(float64(s.good) / float64(total) * 100)
	}
	if period > 0 {
		r.Speed = round1(float64(total) / period)
	}

	s.reset(now)
	return r
}

func (r QualityReport) String() string {
	return fmt.Sprintf("quality %.1f%% (%d/%d) over %.1fs, %.1f cmd/s, ai %d di %d do %d",
		r.Quality, r.Good, r.Total, r.Period, r.Speed, r.Analog, r.Digital, r.Writes)
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
