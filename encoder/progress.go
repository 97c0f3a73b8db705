package encoder

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pixelmill/transcode-api/subprocess"
)

var timeMarkerRegex = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// progressParser is plugged into the encoder's stderr. It feeds every
// complete line into the tail buffer and extracts `time=HH:MM:SS.ss`
// markers to compute the encode fraction against the probed duration.
// ffmpeg redraws its stats line with carriage returns, so both \r and \n
// are treated as line terminators.
type progressParser struct {
	durationSec float64
	tail        *subprocess.TailBuffer
	report      func(fraction float64)

	mu         sync.Mutex
	partial    strings.Builder
	lastMarker time.Time
}

func newProgressParser(durationSec float64, tail *subprocess.TailBuffer, report func(float64)) *progressParser {
	return &progressParser{
		durationSec: durationSec,
		tail:        tail,
		report:      report,
		lastMarker:  time.Now(),
	}
}

func (p *progressParser) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range data {
		if b == '\n' || b == '\r' {
			p.consumeLine(p.partial.String())
			p.partial.Reset()
			continue
		}
		p.partial.WriteByte(b)
	}
	return len(data), nil
}

func (p *progressParser) consumeLine(line string) {
	if line == "" {
		return
	}
	p.tail.Stream(strings.NewReader(line + "\n"))

	match := timeMarkerRegex.FindStringSubmatch(line)
	if match == nil {
		return
	}
	p.lastMarker = time.Now()
	if p.durationSec <= 0 {
		return
	}
	hours, _ := strconv.ParseFloat(match[1], 64)
	minutes, _ := strconv.ParseFloat(match[2], 64)
	seconds, _ := strconv.ParseFloat(match[3], 64)
	elapsed := hours*3600 + minutes*60 + seconds
	fraction := elapsed / p.durationSec
	if fraction > 1 {
		fraction = 1
	}
	p.report(fraction)
}

// LastMarker returns the time the most recent frame/time marker was seen.
// The watchdog uses it to detect a hung encoder.
func (p *progressParser) LastMarker() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMarker
}
