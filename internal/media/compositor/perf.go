package compositor

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// PerfStats is a snapshot of compositor health over the rolling window
type PerfStats struct {
	FPS           float64 `json:"fps"`
	DroppedFrames int     `json:"dropped_frames"`
	TotalFrames   int64   `json:"total_frames"`
	CPUPercent    float64 `json:"cpu_percent"`
}

// degradeThresholdFPS is the sustained output rate below which the
// compositor reports performance degradation.
const degradeThresholdFPS = 20.0

// perfWindow is the rolling window over which fps is measured
const perfWindow = 3 * time.Second

// perfMonitor tracks rendered and dropped frames over a rolling
// window. Degradation is reported once per sustained episode, not per
// slow frame.
type perfMonitor struct {
	mu          sync.Mutex
	rendered    []time.Time
	dropped     []time.Time
	total       int64
	degradedNow bool
}

func newPerfMonitor() *perfMonitor {
	return &perfMonitor{}
}

// recordRender notes one delivered frame
func (p *perfMonitor) recordRender(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.rendered = append(p.rendered, now)
	p.trim(now)
}

// recordDrop notes one frame the consumer did not take
func (p *perfMonitor) recordDrop(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.dropped = append(p.dropped, now)
	p.trim(now)
}

func (p *perfMonitor) trim(now time.Time) {
	cutoff := now.Add(-perfWindow)
	for len(p.rendered) > 0 && p.rendered[0].Before(cutoff) {
		p.rendered = p.rendered[1:]
	}
	for len(p.dropped) > 0 && p.dropped[0].Before(cutoff) {
		p.dropped = p.dropped[1:]
	}
}

// snapshot returns current stats. CPU sampling is a non-blocking
// since-last-call reading; the first call returns zero.
func (p *perfMonitor) snapshot() PerfStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PerfStats{
		FPS:           float64(len(p.rendered)) / perfWindow.Seconds(),
		DroppedFrames: len(p.dropped),
		TotalFrames:   p.total,
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	return stats
}

// checkDegraded reports a transition into the degraded state. The
// window must be fully populated before the first verdict so startup
// does not trip the threshold.
func (p *perfMonitor) checkDegraded(now time.Time, startedAt time.Time) (PerfStats, bool) {
	if now.Sub(startedAt) < perfWindow {
		return PerfStats{}, false
	}
	stats := p.snapshot()
	p.mu.Lock()
	defer p.mu.Unlock()
	degraded := stats.FPS < degradeThresholdFPS
	transition := degraded && !p.degradedNow
	p.degradedNow = degraded
	return stats, transition
}
