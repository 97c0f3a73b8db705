package progress

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pixelmill/transcode-api/log"
)

var progressReportBuckets = []float64{0, 0.25, 0.5, 0.75, 1}

const minProgressReportInterval = 10 * time.Second
const progressCheckInterval = 1 * time.Second

// Tracker accumulates per-resolution encode fractions. The overall value is
// the mean across all tracked resolutions, which is what a stage reports.
type Tracker struct {
	mu            sync.Mutex
	perResolution map[string]float64
	order         []string
}

func NewTracker(resolutions []string) *Tracker {
	per := make(map[string]float64, len(resolutions))
	for _, r := range resolutions {
		per[r] = 0
	}
	return &Tracker{perResolution: per, order: resolutions}
}

// Set records the encode fraction for one resolution. Values only move
// forward; the encoder's time markers can jitter backwards around segment
// boundaries.
func (t *Tracker) Set(resolution string, fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fraction = math.Max(0, math.Min(fraction, 1))
	if current, ok := t.perResolution[resolution]; !ok || fraction > current {
		t.perResolution[resolution] = fraction
	}
}

func (t *Tracker) Get(resolution string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perResolution[resolution]
}

// Overall returns the mean fraction across all tracked resolutions,
// rounded to three decimal places.
func (t *Tracker) Overall() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.perResolution) == 0 {
		return 0
	}
	var sum float64
	for _, f := range t.perResolution {
		sum += f
	}
	val := sum / float64(len(t.perResolution))
	return math.Round(val*1000) / 1000
}

// ScaleProgress maps a 0..1 fraction into the [startFraction, endFraction]
// window of the whole job.
func ScaleProgress(progress, startFraction, endFraction float64) float64 {
	return startFraction + progress*(endFraction-startFraction)
}

// ReportProgress polls getFraction once a second and forwards scaled values
// through report until ctx is cancelled. Reports are throttled: a new one
// is sent when the fraction crosses a bucket boundary or the previous
// report is older than minProgressReportInterval. Reported values never
// move backwards.
func ReportProgress(ctx context.Context, jobID string, report func(float64) error, getFraction func() float64, startFraction, endFraction float64) {
	if startFraction > endFraction || startFraction < 0 || endFraction > 1 {
		log.Log(jobID, "invalid progress window", "start", startFraction, "end", endFraction)
		return
	}
	var (
		timer        = time.NewTicker(progressCheckInterval)
		lastProgress = float64(0)
		lastReport   time.Time
	)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			progress := getFraction()
			if progress <= lastProgress {
				continue
			}
			if time.Since(lastReport) < minProgressReportInterval &&
				progressBucket(progress) == progressBucket(lastProgress) {
				continue
			}
			scaledProgress := ScaleProgress(progress, startFraction, endFraction)
			if err := report(scaledProgress); err != nil {
				log.LogError(jobID, "error reporting progress", err, "progress", progress)
				continue
			}
			lastReport, lastProgress = time.Now(), progress
		}
	}
}

func progressBucket(progress float64) int {
	return sort.SearchFloat64s(progressReportBuckets, progress)
}
